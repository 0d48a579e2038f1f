package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alejandrodnm/gavel/internal/domain"
)

// errorBody es la forma de error de la API: {"detail", "status_code"}.
type errorBody struct {
	Detail     string `json:"detail"`
	StatusCode int    `json:"status_code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("httpapi: encode response", "err", err)
	}
}

func writeErr(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail, StatusCode: status})
}

// writeError traduce err: un *domain.Conflict sale con su status, el resto
// como 500 sin detalles internos.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if c, ok := domain.AsConflict(err); ok {
		writeErr(w, c.StatusCode(), c.Detail)
		return
	}
	slog.Error("httpapi: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeErr(w, http.StatusInternalServerError, "internal error")
}

// cors responde al preflight y refleja el origen si está permitido.
func cors(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(allowed) == 0 || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alejandrodnm/gavel/internal/application/session"
	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Handler acepta conexiones en /ws/auctions/{id}?token=&limit=&offset= y las
// entrega al protocolo de sesión. El transporte se acepta siempre: los errores
// de handshake viajan como frames de error.
type Handler struct {
	sessions *session.Handler
	base     context.Context
	upgrader websocket.Upgrader
}

// NewHandler crea el handler. base se cancela al apagar el servidor y cierra
// todas las sesiones. allowedOrigins vacío acepta cualquier origen.
func NewHandler(base context.Context, sessions *session.Handler, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		sessions: sessions,
		base:     base,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(h.base)
	defer cancel()
	conn := NewConn(ctx, c)

	// Los errores de handshake viajan como frame tras aceptar la conexión.
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.sessions.Reject(conn, domain.Conflictf(domain.KindNotFound, "auction %q not found", mux.Vars(r)["id"]))
		return
	}

	h.sessions.Serve(ctx, conn, session.Request{
		AuctionID: id,
		Token:     q.Get("token"),
		Limit:     limit,
		Offset:    offset,
		BaseURL:   bidsURL(r, id),
	})
}

// bidsURL es la URL REST del listado de pujas, base de los enlaces del snapshot.
func bidsURL(r *http.Request, id int64) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/api/auctions/%d/bids", scheme, r.Host, id)
}

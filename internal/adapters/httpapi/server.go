// Package httpapi expone las operaciones administrativas y de consulta sobre
// HTTP con gorilla/mux.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/gavel/internal/application/admin"
	"github.com/alejandrodnm/gavel/internal/application/ledger"
	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/ports"
	"github.com/gorilla/mux"
)

// Server agrupa las dependencias de los handlers.
type Server struct {
	admin    *admin.Service
	ledger   *ledger.Ledger
	identity ports.Identity
	origins  []string
}

// NewServer crea el servidor. origins vacío permite cualquier origen.
func NewServer(adminSvc *admin.Service, l *ledger.Ledger, identity ports.Identity, origins []string) *Server {
	return &Server{admin: adminSvc, ledger: l, identity: identity, origins: origins}
}

// Handler es Router envuelto en CORS.
func (s *Server) Handler(live, metrics http.Handler) http.Handler {
	return cors(s.origins, s.Router(live, metrics))
}

// Router monta la API. live y metrics pueden ser nil.
func (s *Server) Router(live, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	if live != nil {
		r.Handle("/ws/auctions/{id:[0-9]+}", live)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auctions", s.listAuctions).Methods(http.MethodGet)
	api.HandleFunc("/auctions", s.authenticated(s.createAuction)).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id:[0-9]+}", s.getAuction).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id:[0-9]+}", s.authenticated(s.authorOnly(s.editAuction))).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/auctions/{id:[0-9]+}", s.authenticated(s.authorOnly(s.deleteAuction))).Methods(http.MethodDelete)
	api.HandleFunc("/auctions/{id:[0-9]+}/activate", s.authenticated(s.authorOnly(s.activate))).Methods(http.MethodPut)
	api.HandleFunc("/auctions/{id:[0-9]+}/deactivate", s.authenticated(s.authorOnly(s.deactivate))).Methods(http.MethodPut)
	api.HandleFunc("/auctions/{id:[0-9]+}/winner", s.winner).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id:[0-9]+}/bids", s.bids).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id:[0-9]+}/highest_bids", s.highestBids).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// --- auth ---

type principalKey struct{}

func principalFrom(ctx context.Context) ports.Principal {
	p, _ := ctx.Value(principalKey{}).(ports.Principal)
	return p
}

// authenticated exige "Authorization: Bearer <token>".
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, r, domain.NewConflict(domain.KindUnauthorized))
			return
		}
		p, err := s.identity.Authenticate(r.Context(), strings.TrimSpace(token))
		if err != nil {
			writeError(w, r, domain.NewConflict(domain.KindUnauthorized))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

// authorOnly restringe la operación al autor de la subasta.
func (s *Server) authorOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auctionID(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		a, err := s.admin.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if a.AuthorID != principalFrom(r.Context()).UserID {
			writeError(w, r, domain.NewConflict(domain.KindForbidden))
			return
		}
		next(w, r)
	}
}

// --- auctions ---

type createRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	InitialPrice   int64  `json:"initial_price"`
	MinBidPriceGap int64  `json:"min_bid_price_gap"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	Active         *bool  `json:"active"`
}

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	start, err := parseTime("start_time", req.StartTime)
	if err != nil {
		writeError(w, r, err)
		return
	}
	end, err := parseTime("end_time", req.EndTime)
	if err != nil {
		writeError(w, r, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	a, err := s.admin.Create(r.Context(), domain.Auction{
		Title:          req.Title,
		Description:    req.Description,
		AuthorID:       principalFrom(r.Context()).UserID,
		InitialPrice:   req.InitialPrice,
		MinBidPriceGap: req.MinBidPriceGap,
		StartTime:      start,
		EndTime:        end,
		Active:         active,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) listAuctions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ports.AuctionFilter{TitleQuery: q.Get("title")}
	if f.TitleQuery == "" {
		f.TitleQuery = q.Get("search")
	}
	switch phase := domain.Phase(strings.ToUpper(q.Get("phase"))); phase {
	case "":
	case domain.PhasePending, domain.PhaseRunning, domain.PhaseClosed:
		f.Phase = phase
	default:
		writeError(w, r, domain.Conflictf(domain.KindInvalid, "unknown phase %q", q.Get("phase")))
		return
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	out, err := s.admin.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.admin.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) editAuction(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var edit domain.AuctionEdit
	if err := decodeBody(w, r, &edit); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.admin.Edit(r.Context(), id, edit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deleteAuction(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.admin.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.admin.Activate)
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.admin.Deactivate)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (domain.Auction, error)) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- bids ---

func (s *Server) winner(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.ledger.Winner(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) bids(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	page, err := s.ledger.Bids(r.Context(), id, ledger.PageQuery{
		Limit:   limit,
		Offset:  offset,
		BaseURL: requestURL(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) highestBids(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	highs, err := s.ledger.HighestBids(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, highs)
}

// --- helpers ---

func auctionID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, domain.Conflictf(domain.KindNotFound, "invalid auction id")
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return domain.Conflictf(domain.KindParseError, "malformed JSON at offset %d", syntax.Offset)
		}
		return domain.Conflictf(domain.KindParseError, "invalid body: %v", err)
	}
	return nil
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, domain.Conflictf(domain.KindParseError, "%s: expected RFC3339 timestamp", field)
	}
	return t, nil
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

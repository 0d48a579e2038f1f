// Package session implementa el protocolo de una conexión de espectador/pujador:
// handshake, snapshot inicial, pujas entrantes y eventos salientes.
//
// Es independiente del transporte: trabaja sobre ports.Conn, que el adaptador
// websocket entrega ya aceptado.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alejandrodnm/gavel/internal/application/fanout"
	"github.com/alejandrodnm/gavel/internal/application/ledger"
	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/observability"
	"github.com/alejandrodnm/gavel/internal/ports"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Config contiene los límites de cada sesión.
type Config struct {
	SendBuffer    int           // frames salientes encolados antes de expulsar
	BidsPerSecond float64       // ritmo sostenido de pujas
	BidBurst      int           // ráfaga permitida
	SnapshotLimit int           // pujas en el snapshot inicial
	WriteTimeout  time.Duration // por frame
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.BidsPerSecond <= 0 {
		c.BidsPerSecond = 5
	}
	if c.BidBurst <= 0 {
		c.BidBurst = 5
	}
	if c.SnapshotLimit <= 0 {
		c.SnapshotLimit = ledger.DefaultPageLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Bidder es lo que la sesión necesita del ledger.
type Bidder interface {
	SubmitBid(ctx context.Context, auctionID, authorID, price int64) (domain.Bid, error)
	Attach(ctx context.Context, auctionID int64, q ledger.PageQuery, join func(domain.Auction) error) (ledger.Snapshot, error)
}

// Topics es lo que la sesión necesita del registro de fan-out.
type Topics interface {
	Join(auctionID int64, m fanout.Member) error
	Leave(auctionID int64, memberID string)
	Members(auctionID int64) int
}

// Request describe una conexión entrante.
type Request struct {
	AuctionID int64
	Token     string
	Limit     int
	Offset    int
	BaseURL   string // para los enlaces del snapshot
}

// Handler atiende sesiones. Es seguro para uso concurrente.
type Handler struct {
	cfg      Config
	identity ports.Identity
	bidder   Bidder
	topics   Topics
	metrics  *observability.Metrics
}

func NewHandler(cfg Config, identity ports.Identity, bidder Bidder, topics Topics, metrics *observability.Metrics) *Handler {
	return &Handler{
		cfg:      cfg.withDefaults(),
		identity: identity,
		bidder:   bidder,
		topics:   topics,
		metrics:  metrics,
	}
}

// Serve ejecuta la sesión hasta que el cliente se va, la subasta cierra o ctx
// se cancela. Al volver la conexión está cerrada y la sesión fuera del topic.
func (h *Handler) Serve(ctx context.Context, conn ports.Conn, req Request) {
	m := newMember(uuid.NewString(), conn, h.cfg.SendBuffer, h.cfg.WriteTimeout)
	log := slog.With("session", m.ID(), "auction", req.AuctionID)
	defer m.wait()

	principal, err := h.identity.Authenticate(ctx, req.Token)
	if err != nil {
		log.Info("session refused", "reason", "unauthorized", "err", err)
		h.metrics.SessionFailed(string(domain.KindUnauthorized))
		_ = m.push(encodeConflict(domain.NewConflict(domain.KindUnauthorized)))
		_ = m.Close(ClosePolicyDenied, "unauthorized")
		return
	}
	log = log.With("user", principal.UserID)

	joined := false
	snap, err := h.bidder.Attach(ctx, req.AuctionID, ledger.PageQuery{
		Limit:   orDefault(req.Limit, h.cfg.SnapshotLimit),
		Offset:  req.Offset,
		BaseURL: req.BaseURL,
	}, func(domain.Auction) error {
		if err := h.topics.Join(req.AuctionID, m); err != nil {
			return err
		}
		joined = true
		return nil
	})
	if err != nil {
		if joined {
			h.topics.Leave(req.AuctionID, m.ID())
		}
		h.refuse(log, m, err)
		return
	}
	defer h.topics.Leave(req.AuctionID, m.ID())

	data, err := encodeSnapshot(snap, h.topics.Members(req.AuctionID))
	if err != nil {
		log.Error("encode snapshot failed", "err", err)
		_ = m.Close(CloseInternal, "internal error")
		return
	}
	if err := m.markReady(data); err != nil {
		log.Warn("snapshot not delivered", "err", err)
		_ = m.Close(CloseInternal, "send queue full")
		return
	}
	h.metrics.SessionOpened()
	log.Debug("session opened")

	h.readLoop(ctx, log, m, conn, req, principal)
	_ = m.Close(CloseNormal, "")
}

// Reject responde a una conexión ya aceptada con el frame de error de err y la
// cierra, sin abrir sesión.
func (h *Handler) Reject(conn ports.Conn, err error) {
	m := newMember(uuid.NewString(), conn, h.cfg.SendBuffer, h.cfg.WriteTimeout)
	defer m.wait()
	h.refuse(slog.With("session", m.ID()), m, err)
}

func (h *Handler) refuse(log *slog.Logger, m *member, err error) {
	if errors.Is(err, fanout.ErrTopicClosed) {
		err = domain.NewConflict(domain.KindAlreadyFinished)
	}
	if c, ok := domain.AsConflict(err); ok {
		log.Info("session refused", "reason", c.Kind)
		h.metrics.SessionFailed(string(c.Kind))
		_ = m.push(encodeConflict(c))
		_ = m.Close(CloseNormal, c.Detail)
		return
	}
	log.Error("session handshake failed", "err", err)
	h.metrics.SessionFailed("internal")
	_ = m.push(encodeInternal())
	_ = m.Close(CloseInternal, "internal error")
}

func (h *Handler) readLoop(ctx context.Context, log *slog.Logger, m *member, conn ports.Conn, req Request, principal ports.Principal) {
	limiter := rate.NewLimiter(rate.Limit(h.cfg.BidsPerSecond), h.cfg.BidBurst)

	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, ports.ErrConnClosed) && ctx.Err() == nil {
				log.Debug("session read ended", "err", err)
			}
			return
		}

		// El token se revalida en cada mensaje: puede haber expirado.
		if _, err := h.identity.Authenticate(ctx, req.Token); err != nil {
			log.Info("session token rejected", "err", err)
			_ = m.push(encodeConflict(domain.NewConflict(domain.KindUnauthorized)))
			_ = m.Close(ClosePolicyDenied, "unauthorized")
			return
		}

		price, err := decodeBid(data)
		if err != nil {
			if !h.reply(m, err) {
				return
			}
			continue
		}

		if !limiter.Allow() {
			if !h.reply(m, domain.NewConflict(domain.KindRateLimited)) {
				return
			}
			continue
		}

		if _, err := h.bidder.SubmitBid(ctx, req.AuctionID, principal.UserID, price); err != nil {
			if _, ok := domain.AsConflict(err); !ok {
				log.Error("submit bid failed", "price", price, "err", err)
			}
			if !h.reply(m, err) {
				return
			}
		}
	}
}

// reply envía el frame de error que corresponde a err. Devuelve false si la
// sesión ya no puede escribir.
func (h *Handler) reply(m *member, err error) bool {
	frame := encodeInternal()
	if c, ok := domain.AsConflict(err); ok {
		frame = encodeConflict(c)
	}
	if perr := m.push(frame); perr != nil {
		_ = m.Close(CloseInternal, "send queue full")
		return false
	}
	return true
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

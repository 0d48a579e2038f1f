// Package fanout mantiene un topic por subasta con las sesiones que la están
// viendo y reparte los eventos a todas ellas.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/observability"
)

// ErrTopicClosed: la subasta ya cerró y su topic no acepta más miembros.
var ErrTopicClosed = errors.New("fanout: topic closed")

// DefaultClosedLimit acota cuántos topics cerrados se recuerdan. Olvidar uno
// antiguo es seguro: ledger.Attach rechaza las subastas CLOSED bajo el lock de
// la subasta y el sweeper solo cierra una vez por subasta.
const DefaultClosedLimit = 4096

// closeCodeEvicted es el código de cierre para miembros que no aceptan un envío
// (cola llena o conexión rota). 1008 = policy violation.
const closeCodeEvicted = 1008

// Member es una sesión suscrita a un topic. Send no debe bloquear: encola y
// devuelve error si no puede.
type Member interface {
	ID() string
	Send(ev domain.Event) error
	Close(code int, reason string) error
}

// TopicName es el nombre del grupo de una subasta.
func TopicName(auctionID int64) string {
	return fmt.Sprintf("auction_%d", auctionID)
}

type topic struct {
	// deliver serializa las entregas: todos los miembros ven los eventos en el
	// orden en que se publicaron.
	deliver sync.Mutex

	mu      sync.Mutex
	members map[string]Member
}

func (t *topic) snapshot() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	return out
}

// Registry es el registro de topics en memoria del proceso.
type Registry struct {
	mu          sync.Mutex
	topics      map[int64]*topic
	closed      map[int64]struct{}
	closedOrder []int64 // FIFO de closed, el más antiguo primero
	closedLimit int
	metrics     *observability.Metrics
}

func NewRegistry(metrics *observability.Metrics) *Registry {
	return NewRegistryWithLimit(metrics, DefaultClosedLimit)
}

// NewRegistryWithLimit es NewRegistry recordando como mucho limit topics
// cerrados (limit <= 0 usa DefaultClosedLimit).
func NewRegistryWithLimit(metrics *observability.Metrics, limit int) *Registry {
	if limit <= 0 {
		limit = DefaultClosedLimit
	}
	return &Registry{
		topics:      make(map[int64]*topic),
		closed:      make(map[int64]struct{}),
		closedLimit: limit,
		metrics:     metrics,
	}
}

// Join añade m al topic de la subasta. Es idempotente por ID de miembro.
func (r *Registry) Join(auctionID int64, m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.closed[auctionID]; done {
		return ErrTopicClosed
	}
	t, ok := r.topics[auctionID]
	if !ok {
		t = &topic{members: make(map[string]Member)}
		r.topics[auctionID] = t
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.members[m.ID()]; dup {
		return nil
	}
	t.members[m.ID()] = m
	r.metrics.ViewerJoined()
	return nil
}

// Leave quita al miembro del topic. No hace nada si no estaba.
func (r *Registry) Leave(auctionID int64, memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[auctionID]
	if !ok {
		return
	}
	t.mu.Lock()
	if _, ok := t.members[memberID]; ok {
		delete(t.members, memberID)
		r.metrics.ViewersLeft(1)
	}
	empty := len(t.members) == 0
	t.mu.Unlock()

	if empty {
		delete(r.topics, auctionID)
	}
}

// Members devuelve cuántas sesiones hay en el topic.
func (r *Registry) Members(auctionID int64) int {
	r.mu.Lock()
	t, ok := r.topics[auctionID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// Publish entrega ev a cada miembro actual del topic. Un miembro que falla se
// expulsa y se cierra sin afectar al resto. Devuelve cuántos lo recibieron.
// Un evento terminal desmonta el topic como Close. La entrega no bloquea, así
// que ctx no la interrumpe.
func (r *Registry) Publish(ctx context.Context, auctionID int64, ev domain.Event) int {
	if ev.Terminal() {
		return r.Close(ctx, auctionID, ev)
	}
	r.mu.Lock()
	t, ok := r.topics[auctionID]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	t.deliver.Lock()
	defer t.deliver.Unlock()

	delivered := 0
	for _, m := range t.snapshot() {
		if err := m.Send(ev); err != nil {
			slog.Warn("fanout: evicting member",
				"topic", TopicName(auctionID), "member", m.ID(), "err", err)
			r.evict(auctionID, t, m)
			continue
		}
		delivered++
	}
	r.metrics.EventPublished(string(ev.Type), delivered)
	return delivered
}

// Close publica el evento terminal, cierra cada miembro con
// domain.CloseCodeAuctionEnded y desmonta el topic. Las llamadas siguientes
// (y los Join posteriores) ven el topic cerrado.
func (r *Registry) Close(_ context.Context, auctionID int64, ev domain.Event) int {
	r.mu.Lock()
	if _, done := r.closed[auctionID]; done {
		r.mu.Unlock()
		return 0
	}
	r.markClosedLocked(auctionID)
	t, ok := r.topics[auctionID]
	delete(r.topics, auctionID)
	r.mu.Unlock()

	if !ok {
		return 0
	}

	t.deliver.Lock()
	defer t.deliver.Unlock()

	members := t.snapshot()
	t.mu.Lock()
	t.members = map[string]Member{}
	t.mu.Unlock()
	r.metrics.ViewersLeft(len(members))

	delivered := 0
	for _, m := range members {
		if err := m.Send(ev); err == nil {
			delivered++
		}
		if err := m.Close(domain.CloseCodeAuctionEnded, "auction ended"); err != nil {
			slog.Debug("fanout: close member", "topic", TopicName(auctionID), "member", m.ID(), "err", err)
		}
	}
	r.metrics.EventPublished(string(ev.Type), delivered)
	return delivered
}

// Forget borra la marca de topic cerrado (la subasta se borró).
func (r *Registry) Forget(auctionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.closed[auctionID]; !ok {
		return
	}
	delete(r.closed, auctionID)
	for i, id := range r.closedOrder {
		if id == auctionID {
			r.closedOrder = append(r.closedOrder[:i], r.closedOrder[i+1:]...)
			break
		}
	}
}

func (r *Registry) markClosedLocked(auctionID int64) {
	r.closed[auctionID] = struct{}{}
	r.closedOrder = append(r.closedOrder, auctionID)
	for len(r.closedOrder) > r.closedLimit {
		delete(r.closed, r.closedOrder[0])
		r.closedOrder = r.closedOrder[1:]
	}
}

func (r *Registry) evict(auctionID int64, t *topic, m Member) {
	t.mu.Lock()
	_, present := t.members[m.ID()]
	delete(t.members, m.ID())
	t.mu.Unlock()
	if !present {
		return
	}
	r.metrics.ViewersLeft(1)
	r.metrics.MemberEvicted()
	_ = m.Close(closeCodeEvicted, "delivery failed")
}

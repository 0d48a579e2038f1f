// Package ledger acepta pujas y responde las consultas de pujas y ganador.
//
// Toda escritura sobre una subasta pasa por el lock de esa subasta
// (engine.KeyedMutex), compartido con el sweeper y el servicio de admin. La
// publicación del bid_accepted también ocurre bajo el lock, así ningún evento
// de puja puede llegar a un topic después de su auction_closed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/gavel/internal/application/engine"
	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/observability"
	"github.com/alejandrodnm/gavel/internal/ports"
)

// Publisher reparte eventos al topic de una subasta.
type Publisher interface {
	Publish(ctx context.Context, auctionID int64, ev domain.Event) int
}

// Ledger es el registro de pujas de todas las subastas.
type Ledger struct {
	store   ports.Store
	locks   *engine.KeyedMutex
	clock   engine.Clock
	pub     Publisher
	metrics *observability.Metrics
}

func New(store ports.Store, locks *engine.KeyedMutex, clock engine.Clock, pub Publisher, metrics *observability.Metrics) *Ledger {
	return &Ledger{store: store, locks: locks, clock: clock, pub: pub, metrics: metrics}
}

// SubmitBid valida y confirma una puja. Devuelve un *domain.Conflict para
// cualquier rechazo esperado; otros errores son de infraestructura.
func (l *Ledger) SubmitBid(ctx context.Context, auctionID, authorID, price int64) (domain.Bid, error) {
	start := time.Now()
	bid, err := l.submit(ctx, auctionID, authorID, price)
	elapsed := time.Since(start).Seconds()
	if c, ok := domain.AsConflict(err); ok {
		l.metrics.BidRejected(string(c.Kind), elapsed)
	} else if err == nil {
		l.metrics.BidAccepted(elapsed)
	}
	return bid, err
}

func (l *Ledger) submit(ctx context.Context, auctionID, authorID, price int64) (domain.Bid, error) {
	unlock := l.locks.Lock(auctionID)
	defer unlock()

	a, err := l.auction(ctx, auctionID)
	if err != nil {
		return domain.Bid{}, err
	}
	if err := domain.CheckBiddable(a); err != nil {
		return domain.Bid{}, err
	}

	leader, err := l.store.LeaderBid(ctx, auctionID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("ledger.SubmitBid: leader: %w", err)
	}
	if err := domain.CheckBid(a, leader, price); err != nil {
		return domain.Bid{}, err
	}

	var prevID int64
	if leader != nil {
		prevID = leader.ID
	}
	committed, err := l.store.CommitBid(ctx, domain.Bid{
		AuctionID: auctionID,
		AuthorID:  authorID,
		Price:     price,
		Created:   domain.NextCreated(l.clock.Now(), leader),
	}, prevID)
	if errors.Is(err, ports.ErrStaleLeader) {
		// Otro proceso confirmó una puja entre la lectura y la escritura.
		return domain.Bid{}, domain.NewConflict(domain.KindNotGreaterThanLatest)
	}
	if errors.Is(err, ports.ErrNotBiddable) {
		return domain.Bid{}, l.notBiddable(ctx, auctionID)
	}
	if err != nil {
		return domain.Bid{}, fmt.Errorf("ledger.SubmitBid: commit: %w", err)
	}

	// La puja ya está confirmada: se anuncia aunque el llamante se haya ido.
	l.pub.Publish(context.WithoutCancel(ctx), auctionID, domain.BidAccepted(committed))
	return committed, nil
}

// notBiddable explica por qué el store rechazó la puja: otro proceso cambió
// el estado de la subasta después de la comprobación.
func (l *Ledger) notBiddable(ctx context.Context, auctionID int64) error {
	a, err := l.auction(ctx, auctionID)
	if err != nil {
		return err
	}
	if err := domain.CheckBiddable(a); err != nil {
		return err
	}
	return domain.NewConflict(domain.KindNotActive)
}

// Winner devuelve la puja ganadora de una subasta cerrada.
func (l *Ledger) Winner(ctx context.Context, auctionID int64) (domain.Bid, error) {
	a, err := l.auction(ctx, auctionID)
	if err != nil {
		return domain.Bid{}, err
	}
	if err := domain.CheckFinished(a); err != nil {
		return domain.Bid{}, err
	}
	w, err := l.store.WinnerBid(ctx, auctionID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("ledger.Winner: %w", err)
	}
	if w == nil {
		return domain.Bid{}, domain.NewConflict(domain.KindNoWinner)
	}
	return *w, nil
}

// Bids devuelve una página de pujas, las más recientes primero.
func (l *Ledger) Bids(ctx context.Context, auctionID int64, q PageQuery) (Page, error) {
	if _, err := l.auction(ctx, auctionID); err != nil {
		return Page{}, err
	}
	return l.page(ctx, auctionID, q)
}

// HighestBids devuelve el mejor precio de cada pujador.
func (l *Ledger) HighestBids(ctx context.Context, auctionID int64) ([]domain.BidderHigh, error) {
	if _, err := l.auction(ctx, auctionID); err != nil {
		return nil, err
	}
	highs, err := l.store.HighestBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("ledger.HighestBids: %w", err)
	}
	return highs, nil
}

// Snapshot es el estado de una subasta que recibe una sesión al entrar.
type Snapshot struct {
	Auction      domain.Auction
	Page         Page
	HighestBids  []domain.BidderHigh
	CurrentPrice int64
}

// Attach comprueba que la subasta existe y no está cerrada, llama a join y lee
// el snapshot, todo bajo el lock de la subasta. Como las publicaciones ocurren
// bajo el mismo lock, el snapshot y el stream posterior no se solapan ni dejan
// huecos.
func (l *Ledger) Attach(ctx context.Context, auctionID int64, q PageQuery, join func(domain.Auction) error) (Snapshot, error) {
	unlock := l.locks.Lock(auctionID)
	defer unlock()

	a, err := l.auction(ctx, auctionID)
	if err != nil {
		return Snapshot{}, err
	}
	if a.Phase() == domain.PhaseClosed {
		return Snapshot{}, domain.NewConflict(domain.KindAlreadyFinished)
	}
	if err := join(a); err != nil {
		return Snapshot{}, err
	}

	page, err := l.page(ctx, auctionID, q)
	if err != nil {
		return Snapshot{}, err
	}
	highs, err := l.store.HighestBids(ctx, auctionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger.Attach: highest bids: %w", err)
	}
	leader, err := l.store.LeaderBid(ctx, auctionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger.Attach: leader: %w", err)
	}
	return Snapshot{
		Auction:      a,
		Page:         page,
		HighestBids:  highs,
		CurrentPrice: domain.CurrentPrice(a, leader),
	}, nil
}

func (l *Ledger) page(ctx context.Context, auctionID int64, q PageQuery) (Page, error) {
	q = q.normalize()
	bp, err := l.store.ListBids(ctx, auctionID, q.Limit, q.Offset)
	if err != nil {
		return Page{}, fmt.Errorf("ledger.Bids: %w", err)
	}
	next, prev := q.links(bp.Count)
	return Page{Count: bp.Count, Next: next, Previous: prev, Results: bp.Bids}, nil
}

func (l *Ledger) auction(ctx context.Context, id int64) (domain.Auction, error) {
	a, err := l.store.GetAuction(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return domain.Auction{}, domain.Conflictf(domain.KindNotFound, "auction %d not found", id)
	}
	if err != nil {
		return domain.Auction{}, fmt.Errorf("ledger: get auction %d: %w", id, err)
	}
	return a, nil
}

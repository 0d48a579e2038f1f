// Package sweeper mueve las subastas por su ciclo de vida según el reloj:
// arranca las PENDING cuyo inicio llegó y cierra las RUNNING cuyo fin pasó.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/gavel/internal/application/engine"
	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/observability"
	"github.com/alejandrodnm/gavel/internal/ports"
)

// Config contiene la configuración del sweeper.
type Config struct {
	Interval time.Duration
	Workers  int // goroutines para aplicar transiciones (0 = NumCPU)
}

// TopicCloser desmonta el topic de una subasta con su evento terminal.
type TopicCloser interface {
	Close(ctx context.Context, auctionID int64, ev domain.Event) int
}

// TickResult resume lo que hizo un tick.
type TickResult struct {
	Started  int
	Finished int
	Errors   int
}

// Sweeper es la tarea periódica de transiciones. No guarda estado entre ticks:
// todo sale del store y del reloj.
type Sweeper struct {
	cfg      Config
	store    ports.Store
	locks    *engine.KeyedMutex
	clock    engine.Clock
	topics   TopicCloser
	notifier ports.Notifier
	metrics  *observability.Metrics
}

// New crea un Sweeper con todas las dependencias inyectadas. notifier puede ser nil.
func New(
	cfg Config,
	store ports.Store,
	locks *engine.KeyedMutex,
	clock engine.Clock,
	topics TopicCloser,
	notifier ports.Notifier,
	metrics *observability.Metrics,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Sweeper{
		cfg:      cfg,
		store:    store,
		locks:    locks,
		clock:    clock,
		topics:   topics,
		notifier: notifier,
		metrics:  metrics,
	}
}

// Run ejecuta un tick inmediato y luego uno por intervalo hasta que ctx se cancela.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper starting", "interval", s.cfg.Interval, "workers", s.cfg.Workers)

	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick aplica las transiciones pendientes en el instante actual del reloj. Un
// fallo en una subasta se registra y no impide procesar las demás.
func (s *Sweeper) Tick(ctx context.Context) TickResult {
	start := time.Now()
	now := s.clock.Now()

	due, err := s.due(ctx, now)
	if err != nil {
		slog.Error("sweep: list auctions failed", "err", err)
		s.metrics.Sweep(time.Since(start).Seconds(), 1)
		return TickResult{Errors: 1}
	}
	if len(due) == 0 {
		s.metrics.Sweep(time.Since(start).Seconds(), 0)
		return TickResult{}
	}

	res := applyConcurrent(ctx, due, s.cfg.Workers, func(ctx context.Context, id int64) outcome {
		return s.advance(ctx, id, now)
	})

	s.metrics.Sweep(time.Since(start).Seconds(), res.Errors)
	if res.Started > 0 || res.Finished > 0 || res.Errors > 0 {
		slog.Info("sweep complete",
			"started", res.Started,
			"finished", res.Finished,
			"errors", res.Errors,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
	return res
}

// due devuelve los ids de las subastas con alguna transición pendiente en now.
func (s *Sweeper) due(ctx context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	for _, phase := range []domain.Phase{domain.PhasePending, domain.PhaseRunning} {
		auctions, err := s.store.ListAuctions(ctx, ports.AuctionFilter{Phase: phase})
		if err != nil {
			return nil, fmt.Errorf("sweeper.due: list %s: %w", phase, err)
		}
		for _, a := range auctions {
			if domain.NextTransition(a, now) != domain.TransitionNone {
				ids = append(ids, a.ID)
			}
		}
	}
	return ids, nil
}

// advance aplica, bajo el lock de la subasta, todas las transiciones que tocan
// en now. Una subasta cuyo fin ya pasó cuando arranca se cierra en el mismo tick.
func (s *Sweeper) advance(ctx context.Context, id int64, now time.Time) outcome {
	unlock := s.locks.Lock(id)
	defer unlock()

	var out outcome
	for {
		// Releer: puede haberse editado o borrado desde el listado.
		a, err := s.store.GetAuction(ctx, id)
		if errors.Is(err, ports.ErrNotFound) {
			return out
		}
		if err != nil {
			out.err = fmt.Errorf("sweeper: get auction %d: %w", id, err)
			return out
		}

		switch domain.NextTransition(a, now) {
		case domain.TransitionStart:
			changed, err := s.store.MarkStarted(ctx, id)
			if err != nil {
				out.err = fmt.Errorf("sweeper: start auction %d: %w", id, err)
				return out
			}
			if !changed {
				return out
			}
			out.started = true
			s.metrics.Transition(domain.TransitionStart.String())
			slog.Info("auction started", "auction", id, "title", a.Title)
			if s.notifier != nil {
				if err := s.notifier.AuctionStarted(ctx, a.Start()); err != nil {
					slog.Warn("notifier error", "auction", id, "err", err)
				}
			}

		case domain.TransitionFinish:
			winner, changed, err := s.store.FinishAuction(ctx, id)
			if err != nil {
				out.err = fmt.Errorf("sweeper: finish auction %d: %w", id, err)
				return out
			}
			if !changed {
				return out
			}
			out.finished = true
			s.metrics.Transition(domain.TransitionFinish.String())
			viewers := s.topics.Close(ctx, id, domain.AuctionClosed(id, winner))
			slog.Info("auction closed", "auction", id, "winner", winnerID(winner), "viewers", viewers)
			if s.notifier != nil {
				if err := s.notifier.AuctionClosed(ctx, a.Finish(), winner); err != nil {
					slog.Warn("notifier error", "auction", id, "err", err)
				}
			}

		default:
			return out
		}
	}
}

func winnerID(w *domain.Bid) int64 {
	if w == nil {
		return 0
	}
	return w.ID
}

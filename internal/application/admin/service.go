// Package admin implementa las operaciones administrativas sobre subastas:
// alta, consulta, edición, borrado y activación.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/gavel/internal/application/engine"
	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/ports"
)

// TopicForgetter limpia el estado de fan-out de una subasta borrada.
type TopicForgetter interface {
	Forget(auctionID int64)
}

// Service serializa cada mutación con el resto del motor mediante el lock de
// la subasta.
type Service struct {
	store       ports.Store
	locks       *engine.KeyedMutex
	topics      TopicForgetter
	minDuration time.Duration
}

// New crea el servicio. minDuration <= 0 usa domain.DefaultMinDuration.
func New(store ports.Store, locks *engine.KeyedMutex, topics TopicForgetter, minDuration time.Duration) *Service {
	if minDuration <= 0 {
		minDuration = domain.DefaultMinDuration
	}
	return &Service{store: store, locks: locks, topics: topics, minDuration: minDuration}
}

// Create valida los términos y da de alta la subasta como PENDING.
func (s *Service) Create(ctx context.Context, a domain.Auction) (domain.Auction, error) {
	a.ID = 0
	a.Started = false
	a.Finished = false
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	if err := domain.ValidateTerms(a, s.minDuration); err != nil {
		return domain.Auction{}, err
	}
	created, err := s.store.CreateAuction(ctx, a)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("admin.Create: %w", err)
	}
	slog.Info("auction created", "auction", created.ID, "author", created.AuthorID, "start", created.StartTime)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id int64) (domain.Auction, error) {
	return s.get(ctx, id)
}

func (s *Service) List(ctx context.Context, f ports.AuctionFilter) ([]domain.Auction, error) {
	out, err := s.store.ListAuctions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("admin.List: %w", err)
	}
	if out == nil {
		out = []domain.Auction{}
	}
	return out, nil
}

// Edit cambia los términos de una subasta PENDING y los revalida. Una edición
// vacía devuelve la subasta sin escribir.
func (s *Service) Edit(ctx context.Context, id int64, edit domain.AuctionEdit) (domain.Auction, error) {
	return s.mutate(ctx, id, func(a domain.Auction) (domain.Auction, error) {
		if err := domain.CheckEditable(a); err != nil {
			return a, err
		}
		if edit.Empty() {
			return a, nil
		}
		a = edit.Apply(a)
		a.StartTime = a.StartTime.UTC()
		a.EndTime = a.EndTime.UTC()
		if err := domain.ValidateTerms(a, s.minDuration); err != nil {
			return a, err
		}
		return a, nil
	})
}

// Delete borra una subasta PENDING.
func (s *Service) Delete(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	a, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := domain.CheckEditable(a); err != nil {
		return err
	}
	if err := s.store.DeleteAuction(ctx, id); err != nil {
		return fmt.Errorf("admin.Delete: %w", err)
	}
	if s.topics != nil {
		s.topics.Forget(id)
	}
	slog.Info("auction deleted", "auction", id)
	return nil
}

// Activate vuelve a aceptar pujas en una subasta no cerrada.
func (s *Service) Activate(ctx context.Context, id int64) (domain.Auction, error) {
	return s.setActive(ctx, id, true)
}

// Deactivate deja de aceptar pujas sin cambiar la fase.
func (s *Service) Deactivate(ctx context.Context, id int64) (domain.Auction, error) {
	return s.setActive(ctx, id, false)
}

func (s *Service) setActive(ctx context.Context, id int64, active bool) (domain.Auction, error) {
	return s.mutate(ctx, id, func(a domain.Auction) (domain.Auction, error) {
		if err := domain.CheckToggleable(a); err != nil {
			return a, err
		}
		a.Active = active
		return a, nil
	})
}

// mutate lee, aplica fn y persiste bajo el lock de la subasta.
func (s *Service) mutate(ctx context.Context, id int64, fn func(domain.Auction) (domain.Auction, error)) (domain.Auction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	a, err := s.get(ctx, id)
	if err != nil {
		return domain.Auction{}, err
	}
	updated, err := fn(a)
	if err != nil {
		return domain.Auction{}, err
	}
	if updated == a {
		return a, nil
	}
	if err := s.store.UpdateTerms(ctx, updated); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return domain.Auction{}, domain.Conflictf(domain.KindNotFound, "auction %d not found", id)
		}
		return domain.Auction{}, fmt.Errorf("admin: update auction %d: %w", id, err)
	}
	slog.Info("auction updated", "auction", id, "active", updated.Active)
	return updated, nil
}

func (s *Service) get(ctx context.Context, id int64) (domain.Auction, error) {
	a, err := s.store.GetAuction(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return domain.Auction{}, domain.Conflictf(domain.KindNotFound, "auction %d not found", id)
	}
	if err != nil {
		return domain.Auction{}, fmt.Errorf("admin: get auction %d: %w", id, err)
	}
	return a, nil
}

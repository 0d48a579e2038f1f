package ports

import (
	"context"

	"github.com/alejandrodnm/gavel/internal/domain"
)

// Notifier recibe las transiciones de ciclo de vida que hace el sweeper.
type Notifier interface {
	// AuctionStarted se llama una vez por subasta que pasa a RUNNING.
	AuctionStarted(ctx context.Context, a domain.Auction) error

	// AuctionClosed se llama una vez por subasta que pasa a CLOSED. winner es nil
	// si no hubo pujas.
	AuctionClosed(ctx context.Context, a domain.Auction, winner *domain.Bid) error
}

package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/gavel/internal/domain"
)

var (
	// ErrNotFound: la subasta pedida no existe.
	ErrNotFound = errors.New("not found")
	// ErrStaleLeader: el líder cambió entre la lectura y la escritura de CommitBid.
	ErrStaleLeader = errors.New("stale leader")
	// ErrNotBiddable: dentro de la transacción de CommitBid la subasta ya no
	// está en marcha y activa.
	ErrNotBiddable = errors.New("auction not biddable")
)

// AuctionFilter acota ListAuctions. Los valores cero no filtran.
type AuctionFilter struct {
	Phase      domain.Phase
	TitleQuery string
	Limit      int
	Offset     int
}

// AuctionStore es el registro persistente de subastas.
type AuctionStore interface {
	CreateAuction(ctx context.Context, a domain.Auction) (domain.Auction, error)
	GetAuction(ctx context.Context, id int64) (domain.Auction, error)
	ListAuctions(ctx context.Context, f AuctionFilter) ([]domain.Auction, error)

	// UpdateTerms persiste los campos editables y active. No toca started/finished.
	UpdateTerms(ctx context.Context, a domain.Auction) error
	DeleteAuction(ctx context.Context, id int64) error

	// MarkStarted marca started en una subasta PENDING. Devuelve false si la
	// fila ya no estaba PENDING.
	MarkStarted(ctx context.Context, id int64) (bool, error)

	// FinishAuction cierra atómicamente una subasta RUNNING: finished=true,
	// active=false y won=true en el líder si lo hay. changed es false si ya
	// estaba cerrada; en ese caso no escribe nada.
	FinishAuction(ctx context.Context, id int64) (winner *domain.Bid, changed bool, err error)
}

// BidStore es el registro persistente de pujas.
type BidStore interface {
	// LeaderBid devuelve el líder actual, o nil si no hay pujas.
	LeaderBid(ctx context.Context, auctionID int64) (*domain.Bid, error)

	// CommitBid quita el flag leader a prevLeaderID (0 si no hay) e inserta bid
	// como nuevo líder en una transacción. Falla con ErrStaleLeader si
	// prevLeaderID ya no es el líder y con ErrNotBiddable si la subasta no está
	// RUNNING y activa.
	CommitBid(ctx context.Context, bid domain.Bid, prevLeaderID int64) (domain.Bid, error)

	// ListBids devuelve una página (más recientes primero) y el total.
	ListBids(ctx context.Context, auctionID int64, limit, offset int) (domain.BidPage, error)

	// HighestBids devuelve el mejor precio de cada pujador, de mayor a menor.
	HighestBids(ctx context.Context, auctionID int64) ([]domain.BidderHigh, error)

	// WinnerBid devuelve la puja marcada como ganadora, o nil.
	WinnerBid(ctx context.Context, auctionID int64) (*domain.Bid, error)
}

// Store es el almacenamiento completo sobre el que corre el motor.
type Store interface {
	AuctionStore
	BidStore

	// Close libera las conexiones.
	Close() error
}

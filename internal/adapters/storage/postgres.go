package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/ports"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage implementa ports.Store sobre Postgres con un pool de pgx.
// El schema vive en migrations/ (ver RunMigrations).
type PostgresStorage struct {
	pool *pgxpool.Pool
}

var _ ports.Store = (*PostgresStorage)(nil)

// NewPostgresStorage conecta a dsn y hace ping al servidor.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage.NewPostgresStorage: empty dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.NewPostgresStorage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage.NewPostgresStorage: ping: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

func (s *PostgresStorage) CreateAuction(ctx context.Context, a domain.Auction) (domain.Auction, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO auctions
			(title, description, author_id, initial_price, min_bid_price_gap,
			 start_time, end_time, started, finished, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		a.Title, a.Description, a.AuthorID, a.InitialPrice, a.MinBidPriceGap,
		a.StartTime.UTC(), a.EndTime.UTC(), a.Started, a.Finished, a.Active,
	).Scan(&a.ID)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("storage.CreateAuction: insert: %w", err)
	}
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	return a, nil
}

func (s *PostgresStorage) GetAuction(ctx context.Context, id int64) (domain.Auction, error) {
	a, err := scanPgAuction(s.pool.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Auction{}, ports.ErrNotFound
	}
	if err != nil {
		return domain.Auction{}, fmt.Errorf("storage.GetAuction: %d: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStorage) ListAuctions(ctx context.Context, f ports.AuctionFilter) ([]domain.Auction, error) {
	var where []string
	var args []any

	switch f.Phase {
	case domain.PhasePending:
		where = append(where, "NOT started AND NOT finished")
	case domain.PhaseRunning:
		where = append(where, "started AND NOT finished")
	case domain.PhaseClosed:
		where = append(where, "finished")
	}
	if f.TitleQuery != "" {
		args = append(args, "%"+escapeLike(f.TitleQuery)+"%")
		where = append(where, fmt.Sprintf("title ILIKE $%d", len(args)))
	}

	query := `SELECT ` + auctionColumns + ` FROM auctions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListAuctions: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		a, err := scanPgAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListAuctions: scan row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) UpdateTerms(ctx context.Context, a domain.Auction) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE auctions SET
			title = $1, description = $2, initial_price = $3, min_bid_price_gap = $4,
			start_time = $5, end_time = $6, active = $7
		WHERE id = $8 AND NOT finished`,
		a.Title, a.Description, a.InitialPrice, a.MinBidPriceGap,
		a.StartTime.UTC(), a.EndTime.UTC(), a.Active, a.ID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateTerms: %d: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) DeleteAuction(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auctions WHERE id = $1`, id) // las pujas caen en cascada
	if err != nil {
		return fmt.Errorf("storage.DeleteAuction: %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) MarkStarted(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auctions SET started = TRUE WHERE id = $1 AND NOT started AND NOT finished`, id)
	if err != nil {
		return false, fmt.Errorf("storage.MarkStarted: %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStorage) FinishAuction(ctx context.Context, id int64) (*domain.Bid, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("storage.FinishAuction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE auctions SET finished = TRUE, active = FALSE WHERE id = $1 AND started AND NOT finished`, id)
	if err != nil {
		return nil, false, fmt.Errorf("storage.FinishAuction: close %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, false, nil
	}

	winner, err := pgBidOrNil(tx.QueryRow(ctx, `
		UPDATE bids SET won = TRUE WHERE auction_id = $1 AND leader
		RETURNING `+bidColumns, id))
	if err != nil {
		return nil, false, fmt.Errorf("storage.FinishAuction: mark winner: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("storage.FinishAuction: commit: %w", err)
	}
	return winner, true, nil
}

func (s *PostgresStorage) LeaderBid(ctx context.Context, auctionID int64) (*domain.Bid, error) {
	b, err := pgBidOrNil(s.pool.QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 AND leader`, auctionID))
	if err != nil {
		return nil, fmt.Errorf("storage.LeaderBid: %w", err)
	}
	return b, nil
}

// CommitBid bloquea la fila de la subasta (escritores de otros procesos hacen
// cola) y después cambia el líder.
func (s *PostgresStorage) CommitBid(ctx context.Context, bid domain.Bid, prevLeaderID int64) (domain.Bid, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("storage.CommitBid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM auctions
		WHERE id = $1 AND started AND NOT finished AND active
		FOR UPDATE`, bid.AuctionID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Bid{}, ports.ErrNotBiddable
	}
	if err != nil {
		return domain.Bid{}, fmt.Errorf("storage.CommitBid: lock auction: %w", err)
	}

	var current int64
	err = tx.QueryRow(ctx, `SELECT id FROM bids WHERE auction_id = $1 AND leader`, bid.AuctionID).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.Bid{}, fmt.Errorf("storage.CommitBid: read leader: %w", err)
	}
	if current != prevLeaderID {
		return domain.Bid{}, ports.ErrStaleLeader
	}
	if current != 0 {
		if _, err := tx.Exec(ctx, `UPDATE bids SET leader = FALSE WHERE id = $1`, current); err != nil {
			return domain.Bid{}, fmt.Errorf("storage.CommitBid: clear leader: %w", err)
		}
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO bids (auction_id, author_id, price, created, won, leader)
		VALUES ($1, $2, $3, $4, FALSE, TRUE)
		RETURNING id`,
		bid.AuctionID, bid.AuthorID, bid.Price, bid.Created.UTC(),
	).Scan(&bid.ID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("storage.CommitBid: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Bid{}, fmt.Errorf("storage.CommitBid: commit: %w", err)
	}
	bid.Created = bid.Created.UTC()
	bid.Leader = true
	bid.Won = false
	return bid, nil
}

func (s *PostgresStorage) ListBids(ctx context.Context, auctionID int64, limit, offset int) (domain.BidPage, error) {
	var page domain.BidPage
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bids WHERE auction_id = $1`, auctionID).Scan(&page.Count); err != nil {
		return page, fmt.Errorf("storage.ListBids: count: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE auction_id = $1
		ORDER BY created DESC, id DESC
		LIMIT $2 OFFSET $3`, auctionID, limit, offset)
	if err != nil {
		return page, fmt.Errorf("storage.ListBids: query: %w", err)
	}
	defer rows.Close()

	page.Bids = make([]domain.Bid, 0, limit)
	for rows.Next() {
		b, err := scanPgBid(rows)
		if err != nil {
			return page, fmt.Errorf("storage.ListBids: scan row: %w", err)
		}
		page.Bids = append(page.Bids, b)
	}
	return page, rows.Err()
}

func (s *PostgresStorage) HighestBids(ctx context.Context, auctionID int64) ([]domain.BidderHigh, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT author_id, MAX(price) AS best FROM bids
		WHERE auction_id = $1
		GROUP BY author_id
		ORDER BY best DESC, author_id`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("storage.HighestBids: query: %w", err)
	}
	defer rows.Close()

	out := []domain.BidderHigh{}
	for rows.Next() {
		var h domain.BidderHigh
		if err := rows.Scan(&h.AuthorID, &h.Price); err != nil {
			return nil, fmt.Errorf("storage.HighestBids: scan row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) WinnerBid(ctx context.Context, auctionID int64) (*domain.Bid, error) {
	b, err := pgBidOrNil(s.pool.QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 AND won`, auctionID))
	if err != nil {
		return nil, fmt.Errorf("storage.WinnerBid: %w", err)
	}
	return b, nil
}

// Close cierra el pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func scanPgAuction(r pgx.Row) (domain.Auction, error) {
	var a domain.Auction
	if err := r.Scan(
		&a.ID, &a.Title, &a.Description, &a.AuthorID, &a.InitialPrice, &a.MinBidPriceGap,
		&a.StartTime, &a.EndTime, &a.Started, &a.Finished, &a.Active,
	); err != nil {
		return domain.Auction{}, err
	}
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	return a, nil
}

func scanPgBid(r pgx.Row) (domain.Bid, error) {
	var b domain.Bid
	if err := r.Scan(&b.ID, &b.AuctionID, &b.AuthorID, &b.Price, &b.Created, &b.Won, &b.Leader); err != nil {
		return domain.Bid{}, err
	}
	b.Created = b.Created.UTC()
	return b, nil
}

func pgBidOrNil(r pgx.Row) (*domain.Bid, error) {
	b, err := scanPgBid(r)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

package storage

// sqlite.go: almacenamiento por defecto.
//
// Los instantes se guardan como nanosegundos unix: ordenar por `created` es exacto
// y no depende del formato DATETIME del driver. Índices únicos parciales
// garantizan en la DB un solo líder y como mucho un ganador por subasta.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS auctions (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    title             TEXT    NOT NULL,
    description       TEXT    NOT NULL DEFAULT '',
    author_id         INTEGER NOT NULL,
    initial_price     INTEGER NOT NULL CHECK (initial_price >= 0),
    min_bid_price_gap INTEGER NOT NULL CHECK (min_bid_price_gap >= 0),
    start_time        INTEGER NOT NULL,
    end_time          INTEGER NOT NULL,
    started           INTEGER NOT NULL DEFAULT 0,
    finished          INTEGER NOT NULL DEFAULT 0,
    active            INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS bids (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    auction_id INTEGER NOT NULL REFERENCES auctions(id) ON DELETE CASCADE,
    author_id  INTEGER NOT NULL,
    price      INTEGER NOT NULL CHECK (price > 0),
    created    INTEGER NOT NULL,
    won        INTEGER NOT NULL DEFAULT 0,
    leader     INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_auctions_phase   ON auctions(started, finished);
CREATE INDEX IF NOT EXISTS idx_bids_created     ON bids(auction_id, created DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bids_leader ON bids(auction_id) WHERE leader = 1;
CREATE UNIQUE INDEX IF NOT EXISTS idx_bids_won    ON bids(auction_id) WHERE won = 1;
`

const (
	auctionColumns = `id, title, description, author_id, initial_price, min_bid_price_gap,
		start_time, end_time, started, finished, active`
	bidColumns = `id, auction_id, author_id, price, created, won, leader`
)

// SQLiteStorage implementa ports.Store sobre SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

var _ ports.Store = (*SQLiteStorage)(nil)

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // un solo escritor; mantiene viva :memory:
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// CreateAuction inserta a y la devuelve con su nuevo ID.
func (s *SQLiteStorage) CreateAuction(ctx context.Context, a domain.Auction) (domain.Auction, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO auctions
			(title, description, author_id, initial_price, min_bid_price_gap,
			 start_time, end_time, started, finished, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Title, a.Description, a.AuthorID, a.InitialPrice, a.MinBidPriceGap,
		toNanos(a.StartTime), toNanos(a.EndTime), a.Started, a.Finished, a.Active,
	)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("storage.CreateAuction: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Auction{}, fmt.Errorf("storage.CreateAuction: last id: %w", err)
	}
	a.ID = id
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	return a, nil
}

// GetAuction devuelve ports.ErrNotFound para ids desconocidos.
func (s *SQLiteStorage) GetAuction(ctx context.Context, id int64) (domain.Auction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = ?`, id)
	a, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Auction{}, ports.ErrNotFound
	}
	if err != nil {
		return domain.Auction{}, fmt.Errorf("storage.GetAuction: %d: %w", id, err)
	}
	return a, nil
}

// ListAuctions devuelve las subastas ordenadas por id.
func (s *SQLiteStorage) ListAuctions(ctx context.Context, f ports.AuctionFilter) ([]domain.Auction, error) {
	var where []string
	var args []any

	switch f.Phase {
	case domain.PhasePending:
		where = append(where, "started = 0 AND finished = 0")
	case domain.PhaseRunning:
		where = append(where, "started = 1 AND finished = 0")
	case domain.PhaseClosed:
		where = append(where, "finished = 1")
	}
	if f.TitleQuery != "" {
		where = append(where, "title LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.TitleQuery)+"%")
	}

	query := `SELECT ` + auctionColumns + ` FROM auctions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: sin límite
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListAuctions: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListAuctions: scan row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateTerms persiste los campos editables y el flag active.
func (s *SQLiteStorage) UpdateTerms(ctx context.Context, a domain.Auction) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auctions SET
			title = ?, description = ?, initial_price = ?, min_bid_price_gap = ?,
			start_time = ?, end_time = ?, active = ?
		WHERE id = ? AND finished = 0`,
		a.Title, a.Description, a.InitialPrice, a.MinBidPriceGap,
		toNanos(a.StartTime), toNanos(a.EndTime), a.Active, a.ID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateTerms: %d: %w", a.ID, err)
	}
	return requireRow(res, "storage.UpdateTerms")
}

// DeleteAuction borra la subasta y sus pujas.
func (s *SQLiteStorage) DeleteAuction(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.DeleteAuction: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bids WHERE auction_id = ?`, id); err != nil {
		return fmt.Errorf("storage.DeleteAuction: delete bids: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM auctions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage.DeleteAuction: delete auction: %w", err)
	}
	if err := requireRow(res, "storage.DeleteAuction"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.DeleteAuction: commit: %w", err)
	}
	return nil
}

// MarkStarted solo marca started en filas PENDING.
func (s *SQLiteStorage) MarkStarted(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auctions SET started = 1 WHERE id = ? AND started = 0 AND finished = 0`, id)
	if err != nil {
		return false, fmt.Errorf("storage.MarkStarted: %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.MarkStarted: rows affected: %w", err)
	}
	return n == 1, nil
}

// FinishAuction cierra una subasta RUNNING y marca a su líder como ganador.
func (s *SQLiteStorage) FinishAuction(ctx context.Context, id int64) (*domain.Bid, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("storage.FinishAuction: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE auctions SET finished = 1, active = 0 WHERE id = ? AND started = 1 AND finished = 0`, id)
	if err != nil {
		return nil, false, fmt.Errorf("storage.FinishAuction: close %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("storage.FinishAuction: rows affected: %w", err)
	}
	if n == 0 {
		return nil, false, nil // ya cerrada o no RUNNING: nada que hacer
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET won = 1 WHERE auction_id = ? AND leader = 1`, id); err != nil {
		return nil, false, fmt.Errorf("storage.FinishAuction: mark winner: %w", err)
	}

	winner, err := queryBid(ctx, tx, `SELECT `+bidColumns+` FROM bids WHERE auction_id = ? AND won = 1`, id)
	if err != nil {
		return nil, false, fmt.Errorf("storage.FinishAuction: read winner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("storage.FinishAuction: commit: %w", err)
	}
	return winner, true, nil
}

// LeaderBid devuelve el líder actual o nil.
func (s *SQLiteStorage) LeaderBid(ctx context.Context, auctionID int64) (*domain.Bid, error) {
	b, err := queryBid(ctx, s.db, `SELECT `+bidColumns+` FROM bids WHERE auction_id = ? AND leader = 1`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("storage.LeaderBid: %w", err)
	}
	return b, nil
}

// CommitBid cambia el líder en una transacción (compare-and-set sobre prevLeaderID).
func (s *SQLiteStorage) CommitBid(ctx context.Context, bid domain.Bid, prevLeaderID int64) (domain.Bid, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("storage.CommitBid: begin tx: %w", err)
	}
	defer tx.Rollback()

	var biddable int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM auctions WHERE id = ? AND started = 1 AND finished = 0 AND active = 1`,
		bid.AuctionID).Scan(&biddable); err != nil {
		return domain.Bid{}, fmt.Errorf("storage.CommitBid: check auction: %w", err)
	}
	if biddable == 0 {
		return domain.Bid{}, ports.ErrNotBiddable
	}

	if prevLeaderID == 0 {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM bids WHERE auction_id = ? AND leader = 1`, bid.AuctionID).Scan(&n); err != nil {
			return domain.Bid{}, fmt.Errorf("storage.CommitBid: check leader: %w", err)
		}
		if n > 0 {
			return domain.Bid{}, ports.ErrStaleLeader
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE bids SET leader = 0 WHERE id = ? AND auction_id = ? AND leader = 1`,
			prevLeaderID, bid.AuctionID)
		if err != nil {
			return domain.Bid{}, fmt.Errorf("storage.CommitBid: clear leader: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.Bid{}, fmt.Errorf("storage.CommitBid: rows affected: %w", err)
		}
		if n != 1 {
			return domain.Bid{}, ports.ErrStaleLeader
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO bids (auction_id, author_id, price, created, won, leader) VALUES (?, ?, ?, ?, 0, 1)`,
		bid.AuctionID, bid.AuthorID, bid.Price, toNanos(bid.Created))
	if err != nil {
		return domain.Bid{}, fmt.Errorf("storage.CommitBid: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Bid{}, fmt.Errorf("storage.CommitBid: last id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Bid{}, fmt.Errorf("storage.CommitBid: commit: %w", err)
	}

	bid.ID = id
	bid.Created = bid.Created.UTC()
	bid.Leader = true
	bid.Won = false
	return bid, nil
}

// ListBids devuelve una página de pujas, las más recientes primero.
func (s *SQLiteStorage) ListBids(ctx context.Context, auctionID int64, limit, offset int) (domain.BidPage, error) {
	var page domain.BidPage
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bids WHERE auction_id = ?`, auctionID).Scan(&page.Count); err != nil {
		return page, fmt.Errorf("storage.ListBids: count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE auction_id = ?
		ORDER BY created DESC, id DESC
		LIMIT ? OFFSET ?`, auctionID, limit, offset)
	if err != nil {
		return page, fmt.Errorf("storage.ListBids: query: %w", err)
	}
	defer rows.Close()

	page.Bids = make([]domain.Bid, 0, limit)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return page, fmt.Errorf("storage.ListBids: scan row: %w", err)
		}
		page.Bids = append(page.Bids, b)
	}
	return page, rows.Err()
}

// HighestBids agrupa por pujador, mejor precio primero.
func (s *SQLiteStorage) HighestBids(ctx context.Context, auctionID int64) ([]domain.BidderHigh, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT author_id, MAX(price) AS best FROM bids
		WHERE auction_id = ?
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

// WinnerBid devuelve la puja ganadora, o nil.
func (s *SQLiteStorage) WinnerBid(ctx context.Context, auctionID int64) (*domain.Bid, error) {
	b, err := queryBid(ctx, s.db, `SELECT `+bidColumns+` FROM bids WHERE auction_id = ? AND won = 1`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("storage.WinnerBid: %w", err)
	}
	return b, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanAuction(r rowScanner) (domain.Auction, error) {
	var a domain.Auction
	var start, end int64
	if err := r.Scan(
		&a.ID, &a.Title, &a.Description, &a.AuthorID, &a.InitialPrice, &a.MinBidPriceGap,
		&start, &end, &a.Started, &a.Finished, &a.Active,
	); err != nil {
		return domain.Auction{}, err
	}
	a.StartTime = fromNanos(start)
	a.EndTime = fromNanos(end)
	return a, nil
}

func scanBid(r rowScanner) (domain.Bid, error) {
	var b domain.Bid
	var created int64
	if err := r.Scan(&b.ID, &b.AuctionID, &b.AuthorID, &b.Price, &created, &b.Won, &b.Leader); err != nil {
		return domain.Bid{}, err
	}
	b.Created = fromNanos(created)
	return b, nil
}

// queryBid devuelve nil, nil si no hay fila.
func queryBid(ctx context.Context, q queryer, query string, args ...any) (*domain.Bid, error) {
	b, err := scanBid(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

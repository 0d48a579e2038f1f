package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/gavel/internal/adapters/storage"
	"github.com/alejandrodnm/gavel/internal/application/engine"
	"github.com/alejandrodnm/gavel/internal/application/ledger"
	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ int64, ev domain.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 1
}

func (p *recordingPublisher) prices() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Bid.Price)
	}
	return out
}

type fixture struct {
	store   *storage.SQLiteStorage
	ledger  *ledger.Ledger
	pub     *recordingPublisher
	clock   *engine.ManualClock
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:   db,
		pub:     &recordingPublisher{},
		clock:   engine.NewManualClock(now),
		metrics: observability.NewMetrics(),
	}
	f.ledger = ledger.New(db, engine.NewKeyedMutex(), f.clock, f.pub, f.metrics)
	return f
}

// runningAuction crea una subasta con inicio pasado y fin futuro, ya arrancada.
func (f *fixture) runningAuction(t *testing.T, initial, gap int64) domain.Auction {
	t.Helper()
	ctx := context.Background()
	a, err := f.store.CreateAuction(ctx, domain.Auction{
		Title:          "Signed jersey",
		AuthorID:       1,
		InitialPrice:   initial,
		MinBidPriceGap: gap,
		StartTime:      now.Add(-time.Minute),
		EndTime:        now.Add(time.Hour),
		Active:         true,
	})
	require.NoError(t, err)
	ok, err := f.store.MarkStarted(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	a.Started = true
	return a
}

func TestSubmitBid_PriceRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runningAuction(t, 100, 10)

	_, err := f.ledger.SubmitBid(ctx, a.ID, 2, 90)
	assert.True(t, domain.IsKind(err, domain.KindBelowInitialPrice), "got %v", err)

	_, err = f.ledger.SubmitBid(ctx, a.ID, 2, 105)
	assert.True(t, domain.IsKind(err, domain.KindGapTooSmall), "got %v", err)

	first, err := f.ledger.SubmitBid(ctx, a.ID, 2, 110)
	require.NoError(t, err)
	assert.True(t, first.Leader)

	_, err = f.ledger.SubmitBid(ctx, a.ID, 3, 115)
	assert.True(t, domain.IsKind(err, domain.KindGapTooSmall), "got %v", err)

	second, err := f.ledger.SubmitBid(ctx, a.ID, 3, 125)
	require.NoError(t, err)

	leader, err := f.store.LeaderBid(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, leader.ID)

	page, err := f.ledger.Bids(ctx, a.ID, ledger.PageQuery{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Count)
	assert.False(t, page.Results[1].Leader, "previous leader cleared")

	assert.Equal(t, []int64{110, 125}, f.pub.prices())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.BidsAccepted))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.BidsRejected.WithLabelValues("gap_too_small")))
}

func TestSubmitBid_StateGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.store.CreateAuction(ctx, domain.Auction{
		Title: "Lamp", AuthorID: 1, InitialPrice: 10, MinBidPriceGap: 1,
		StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour), Active: true,
	})
	require.NoError(t, err)
	_, err = f.ledger.SubmitBid(ctx, pending.ID, 2, 50)
	assert.True(t, domain.IsKind(err, domain.KindNotStarted), "got %v", err)

	inactive := f.runningAuction(t, 10, 1)
	inactive.Active = false
	require.NoError(t, f.store.UpdateTerms(ctx, inactive))
	_, err = f.ledger.SubmitBid(ctx, inactive.ID, 2, 50)
	assert.True(t, domain.IsKind(err, domain.KindNotActive), "got %v", err)

	closed := f.runningAuction(t, 10, 1)
	_, _, err = f.store.FinishAuction(ctx, closed.ID)
	require.NoError(t, err)
	_, err = f.ledger.SubmitBid(ctx, closed.ID, 2, 50)
	assert.True(t, domain.IsKind(err, domain.KindAlreadyFinished), "got %v", err)

	_, err = f.ledger.SubmitBid(ctx, 999, 2, 50)
	assert.True(t, domain.IsKind(err, domain.KindNotFound), "got %v", err)

	assert.Empty(t, f.pub.prices(), "rejected bids publish nothing")
}

func TestSubmitBid_ConcurrentSamePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runningAuction(t, 100, 10)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.SubmitBid(ctx, a.ID, int64(i+2), 150)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.True(t, domain.IsKind(err, domain.KindNotGreaterThanLatest), "got %v", err)
	}
	assert.Equal(t, 1, accepted)
}

func TestSubmitBid_ConcurrentOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runningAuction(t, 0, 1)

	var wg sync.WaitGroup
	for i := 1; i <= 30; i++ {
		wg.Add(1)
		go func(price int64) {
			defer wg.Done()
			_, _ = f.ledger.SubmitBid(ctx, a.ID, price, price)
		}(int64(i))
	}
	wg.Wait()

	page, err := f.ledger.Bids(ctx, a.ID, ledger.PageQuery{Limit: 100})
	require.NoError(t, err)
	require.NotEmpty(t, page.Results)

	leaders := 0
	for i, b := range page.Results {
		if b.Leader {
			leaders++
		}
		if i > 0 {
			prev := page.Results[i-1] // más reciente
			assert.True(t, prev.Created.After(b.Created), "created strictly increasing")
			assert.Greater(t, prev.Price, b.Price, "accepted prices strictly increasing")
		}
	}
	assert.Equal(t, 1, leaders)
	assert.True(t, page.Results[0].Leader, "newest bid leads")

	// Los eventos salen en el mismo orden en que se confirmaron.
	prices := f.pub.prices()
	for i := 1; i < len(prices); i++ {
		assert.Greater(t, prices[i], prices[i-1])
	}
}

func TestSubmitBid_ClockStallKeepsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runningAuction(t, 0, 1)

	b1, err := f.ledger.SubmitBid(ctx, a.ID, 2, 10)
	require.NoError(t, err)
	f.clock.Advance(-time.Second) // el reloj retrocede
	b2, err := f.ledger.SubmitBid(ctx, a.ID, 3, 20)
	require.NoError(t, err)

	assert.True(t, b2.Created.After(b1.Created))
}

func TestWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runningAuction(t, 100, 10)

	_, err := f.ledger.SubmitBid(ctx, a.ID, 2, 110)
	require.NoError(t, err)
	top, err := f.ledger.SubmitBid(ctx, a.ID, 3, 125)
	require.NoError(t, err)

	_, err = f.ledger.Winner(ctx, a.ID)
	assert.True(t, domain.IsKind(err, domain.KindStillRunning), "got %v", err)

	_, _, err = f.store.FinishAuction(ctx, a.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w, err := f.ledger.Winner(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, top.ID, w.ID)
		assert.Equal(t, int64(125), w.Price)
		assert.True(t, w.Won)
	}
}

func TestWinner_NoBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runningAuction(t, 100, 10)
	_, _, err := f.store.FinishAuction(ctx, a.ID)
	require.NoError(t, err)

	_, err = f.ledger.Winner(ctx, a.ID)
	assert.True(t, domain.IsKind(err, domain.KindNoWinner), "got %v", err)

	_, err = f.ledger.Winner(ctx, 999)
	assert.True(t, domain.IsKind(err, domain.KindNotFound), "got %v", err)
}

func TestBids_PageLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runningAuction(t, 0, 1)
	for p := int64(1); p <= 5; p++ {
		_, err := f.ledger.SubmitBid(ctx, a.ID, 2, p)
		require.NoError(t, err)
	}
	base := "http://example.test/api/auctions/1/bids"

	page, err := f.ledger.Bids(ctx, a.ID, ledger.PageQuery{Limit: 2, BaseURL: base})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Count)
	assert.Equal(t, []int64{5, 4}, []int64{page.Results[0].Price, page.Results[1].Price})
	require.NotNil(t, page.Next)
	assert.Equal(t, base+"?limit=2&offset=2", *page.Next)
	assert.Nil(t, page.Previous)

	page, err = f.ledger.Bids(ctx, a.ID, ledger.PageQuery{Limit: 2, Offset: 4, BaseURL: base})
	require.NoError(t, err)
	assert.Len(t, page.Results, 1)
	assert.Nil(t, page.Next)
	require.NotNil(t, page.Previous)
	assert.Equal(t, base+"?limit=2&offset=2", *page.Previous)

	page, err = f.ledger.Bids(ctx, a.ID, ledger.PageQuery{Limit: 2, Offset: 1, BaseURL: base})
	require.NoError(t, err)
	require.NotNil(t, page.Previous)
	assert.Equal(t, base+"?limit=2", *page.Previous)
}

func TestAttach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runningAuction(t, 100, 10)
	_, err := f.ledger.SubmitBid(ctx, a.ID, 2, 110)
	require.NoError(t, err)
	_, err = f.ledger.SubmitBid(ctx, a.ID, 3, 130)
	require.NoError(t, err)

	joined := false
	snap, err := f.ledger.Attach(ctx, a.ID, ledger.PageQuery{}, func(domain.Auction) error {
		joined = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, int64(130), snap.CurrentPrice)
	assert.Equal(t, 2, snap.Page.Count)
	assert.Equal(t, []domain.BidderHigh{{AuthorID: 3, Price: 130}, {AuthorID: 2, Price: 110}}, snap.HighestBids)

	_, _, err = f.store.FinishAuction(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.ledger.Attach(ctx, a.ID, ledger.PageQuery{}, func(domain.Auction) error {
		t.Fatal("join must not run for a closed auction")
		return nil
	})
	assert.True(t, domain.IsKind(err, domain.KindAlreadyFinished), "got %v", err)
}

// racingStore simula otro proceso que cierra la subasta entre la lectura del
// ledger y la transacción de CommitBid, o un llamante que se va justo después
// de confirmar.
type racingStore struct {
	*storage.SQLiteStorage
	mu          sync.Mutex
	staleReads  int
	afterCommit func()
}

func (s *racingStore) GetAuction(ctx context.Context, id int64) (domain.Auction, error) {
	a, err := s.SQLiteStorage.GetAuction(ctx, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && s.staleReads > 0 {
		s.staleReads--
		a.Finished = false
		a.Active = true
	}
	return a, err
}

func (s *racingStore) CommitBid(ctx context.Context, bid domain.Bid, prev int64) (domain.Bid, error) {
	b, err := s.SQLiteStorage.CommitBid(ctx, bid, prev)
	if err == nil && s.afterCommit != nil {
		s.afterCommit()
	}
	return b, err
}

type ctxPublisher struct {
	mu   sync.Mutex
	errs []error
}

func (p *ctxPublisher) Publish(ctx context.Context, _ int64, _ domain.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, ctx.Err())
	return 1
}

func TestSubmitBid_StoreRechecksState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.runningAuction(t, 100, 10)
	_, _, err := f.store.FinishAuction(ctx, a.ID)
	require.NoError(t, err)

	store := &racingStore{SQLiteStorage: f.store, staleReads: 1}
	l := ledger.New(store, engine.NewKeyedMutex(), f.clock, f.pub, nil)

	_, err = l.SubmitBid(ctx, a.ID, 2, 150)
	assert.True(t, domain.IsKind(err, domain.KindAlreadyFinished), "got %v", err)

	page, err := f.store.ListBids(ctx, a.ID, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Count)
	assert.Empty(t, f.pub.prices())
}

func TestSubmitBid_PublishesAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	a := f.runningAuction(t, 100, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &racingStore{SQLiteStorage: f.store, afterCommit: cancel}
	pub := &ctxPublisher{}
	l := ledger.New(store, engine.NewKeyedMutex(), f.clock, pub, nil)

	_, err := l.SubmitBid(ctx, a.ID, 2, 110)
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	require.Len(t, pub.errs, 1)
	assert.NoError(t, pub.errs[0], "committed bid is announced with a live context")
}

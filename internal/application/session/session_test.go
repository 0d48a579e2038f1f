package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/gavel/internal/adapters/storage"
	"github.com/alejandrodnm/gavel/internal/application/engine"
	"github.com/alejandrodnm/gavel/internal/application/fanout"
	"github.com/alejandrodnm/gavel/internal/application/ledger"
	"github.com/alejandrodnm/gavel/internal/application/session"
	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeConn struct {
	inbound chan []byte

	mu        sync.Mutex
	frames    []map[string]any
	closed    chan struct{}
	closeCode int
	once      sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, ports.ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteMessage(_ context.Context, data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) send(v string) { c.inbound <- []byte(v) }

func (c *fakeConn) snapshot() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.frames...)
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) waitFrames(t *testing.T, n int) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, time.Second, 5*time.Millisecond,
		"expected %d frames, got %v", n, c.snapshot())
	return c.snapshot()
}

func (c *fakeConn) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
	return c.code()
}

type fakeIdentity struct {
	mu     sync.Mutex
	tokens map[string]int64
}

func (i *fakeIdentity) Authenticate(_ context.Context, token string) (ports.Principal, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	id, ok := i.tokens[token]
	if !ok {
		return ports.Principal{}, ports.ErrUnauthenticated
	}
	return ports.Principal{UserID: id}, nil
}

func (i *fakeIdentity) revoke(token string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.tokens, token)
}

// --- fixture ---

type fixture struct {
	store    *storage.SQLiteStorage
	registry *fanout.Registry
	identity *fakeIdentity
	handler  *session.Handler
	wg       sync.WaitGroup
}

func newFixture(t *testing.T, cfg session.Config) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:    db,
		registry: fanout.NewRegistry(nil),
		identity: &fakeIdentity{tokens: map[string]int64{"alice": 2, "bob": 3, "carol": 4}},
	}
	l := ledger.New(db, engine.NewKeyedMutex(), engine.NewManualClock(now), f.registry, nil)
	f.handler = session.NewHandler(cfg, f.identity, l, f.registry, nil)
	return f
}

func (f *fixture) auction(t *testing.T, started bool) domain.Auction {
	t.Helper()
	ctx := context.Background()
	a, err := f.store.CreateAuction(ctx, domain.Auction{
		Title: "Guitar", AuthorID: 1, InitialPrice: 100, MinBidPriceGap: 10,
		StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour), Active: true,
	})
	require.NoError(t, err)
	if started {
		_, err = f.store.MarkStarted(ctx, a.ID)
		require.NoError(t, err)
	}
	return a
}

func (f *fixture) connect(t *testing.T, auctionID int64, token string) (*fakeConn, context.CancelFunc) {
	t.Helper()
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.handler.Serve(ctx, conn, session.Request{AuctionID: auctionID, Token: token})
	}()
	t.Cleanup(func() {
		cancel()
		f.wg.Wait()
	})
	return conn, cancel
}

// --- tests ---

func TestServe_RejectsUnknownToken(t *testing.T) {
	f := newFixture(t, session.Config{})
	a := f.auction(t, true)

	conn, _ := f.connect(t, a.ID, "mallory")

	assert.Equal(t, session.ClosePolicyDenied, conn.waitClosed(t))
	frames := conn.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, "unauthorized", frames[0]["code"])
	assert.Equal(t, 0, f.registry.Members(a.ID))
}

func TestServe_RejectsUnknownAndClosedAuction(t *testing.T) {
	f := newFixture(t, session.Config{})

	conn, _ := f.connect(t, 999, "alice")
	assert.Equal(t, session.CloseNormal, conn.waitClosed(t))
	assert.Equal(t, "not_found", conn.snapshot()[0]["code"])

	a := f.auction(t, true)
	_, _, err := f.store.FinishAuction(context.Background(), a.ID)
	require.NoError(t, err)

	conn, _ = f.connect(t, a.ID, "alice")
	assert.Equal(t, session.CloseNormal, conn.waitClosed(t))
	assert.Equal(t, "already_finished", conn.snapshot()[0]["code"])
}

func TestServe_SnapshotThenBids(t *testing.T) {
	f := newFixture(t, session.Config{})
	a := f.auction(t, true)

	alice, _ := f.connect(t, a.ID, "alice")
	frames := alice.waitFrames(t, 1)
	assert.Equal(t, "snapshot", frames[0]["type"])
	assert.EqualValues(t, 100, frames[0]["current_price"])
	assert.EqualValues(t, 0, frames[0]["count"])
	assert.Equal(t, []any{}, frames[0]["results"])

	alice.send(`{"price": 90}`)
	alice.send(`{"price": 110}`)

	frames = alice.waitFrames(t, 3)
	assert.Equal(t, "error", frames[1]["type"])
	assert.Equal(t, "below_initial_price", frames[1]["code"])
	assert.EqualValues(t, 409, frames[1]["status_code"])

	assert.Equal(t, "bid_accepted", frames[2]["type"])
	bid := frames[2]["bid"].(map[string]any)
	assert.EqualValues(t, 110, bid["price"])
	assert.EqualValues(t, 2, bid["author"])

	// Un espectador nuevo ve la puja en su snapshot.
	bob, _ := f.connect(t, a.ID, "bob")
	snap := bob.waitFrames(t, 1)[0]
	assert.EqualValues(t, 110, snap["current_price"])
	assert.EqualValues(t, 1, snap["count"])
	assert.EqualValues(t, 2, snap["viewers"])
}

func TestServe_MalformedKeepsSessionOpen(t *testing.T) {
	f := newFixture(t, session.Config{})
	a := f.auction(t, true)
	conn, _ := f.connect(t, a.ID, "alice")
	conn.waitFrames(t, 1)

	conn.send(`not json`)
	conn.send(`{"amount": 5}`)
	conn.send(`{"price": 12.5}`)
	conn.send(`{"price": 120}`)

	frames := conn.waitFrames(t, 5)
	for _, fr := range frames[1:4] {
		assert.Equal(t, "parse_error", fr["code"])
		assert.EqualValues(t, 400, fr["status_code"])
	}
	assert.Equal(t, "bid_accepted", frames[4]["type"])
}

func TestServe_RateLimited(t *testing.T) {
	f := newFixture(t, session.Config{BidsPerSecond: 0.001, BidBurst: 1})
	a := f.auction(t, true)
	conn, _ := f.connect(t, a.ID, "alice")
	conn.waitFrames(t, 1)

	conn.send(`{"price": 110}`)
	conn.send(`{"price": 130}`)

	frames := conn.waitFrames(t, 3)
	assert.Equal(t, "bid_accepted", frames[1]["type"])
	assert.Equal(t, "rate_limited", frames[2]["code"])
	assert.EqualValues(t, 429, frames[2]["status_code"])
}

func TestServe_TokenRecheckedPerMessage(t *testing.T) {
	f := newFixture(t, session.Config{})
	a := f.auction(t, true)
	conn, _ := f.connect(t, a.ID, "alice")
	conn.waitFrames(t, 1)

	f.identity.revoke("alice")
	conn.send(`{"price": 110}`)

	assert.Equal(t, session.ClosePolicyDenied, conn.waitClosed(t))
	frames := conn.snapshot()
	assert.Equal(t, "unauthorized", frames[len(frames)-1]["code"])
	require.Eventually(t, func() bool { return f.registry.Members(a.ID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestServe_PendingAuctionAcceptsViewersNotBids(t *testing.T) {
	f := newFixture(t, session.Config{})
	a := f.auction(t, false)
	conn, _ := f.connect(t, a.ID, "alice")
	conn.waitFrames(t, 1)

	conn.send(`{"price": 200}`)
	frames := conn.waitFrames(t, 2)
	assert.Equal(t, "not_started", frames[1]["code"])
}

// Tres sesiones, una puja, una desconexión y el cierre de la subasta.
func TestServe_ThreeViewersAndClosure(t *testing.T) {
	f := newFixture(t, session.Config{})
	a := f.auction(t, true)

	alice, _ := f.connect(t, a.ID, "alice")
	bob, cancelBob := f.connect(t, a.ID, "bob")
	carol, _ := f.connect(t, a.ID, "carol")
	for _, c := range []*fakeConn{alice, bob, carol} {
		c.waitFrames(t, 1)
	}
	require.Equal(t, 3, f.registry.Members(a.ID))

	alice.send(`{"price": 125}`)
	for _, c := range []*fakeConn{alice, bob, carol} {
		frames := c.waitFrames(t, 2)
		assert.Equal(t, "bid_accepted", frames[1]["type"])
	}

	cancelBob()
	bob.waitClosed(t)
	require.Eventually(t, func() bool { return f.registry.Members(a.ID) == 2 }, time.Second, 5*time.Millisecond)

	winner, changed, err := f.store.FinishAuction(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, 2, f.registry.Close(context.Background(), a.ID, domain.AuctionClosed(a.ID, winner)))

	for _, c := range []*fakeConn{alice, carol} {
		assert.Equal(t, domain.CloseCodeAuctionEnded, c.waitClosed(t))
		frames := c.snapshot()
		last := frames[len(frames)-1]
		assert.Equal(t, "auction_closed", last["type"])
		assert.Equal(t, false, last["no_winner"])
	}
	assert.Len(t, bob.snapshot(), 2, "disconnected session gets nothing after leaving")
}

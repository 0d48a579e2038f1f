package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func makeAuction(started, finished, active bool) Auction {
	return Auction{
		ID:             1,
		Title:          "Signed guitar",
		InitialPrice:   100,
		MinBidPriceGap: 10,
		StartTime:      t0,
		EndTime:        t0.Add(time.Hour),
		Started:        started,
		Finished:       finished,
		Active:         active,
	}
}

func TestAuction_Phase(t *testing.T) {
	assert.Equal(t, PhasePending, makeAuction(false, false, true).Phase())
	assert.Equal(t, PhaseRunning, makeAuction(true, false, true).Phase())
	assert.Equal(t, PhaseClosed, makeAuction(true, true, false).Phase())
}

func TestNextTransition(t *testing.T) {
	pending := makeAuction(false, false, true)
	assert.Equal(t, TransitionNone, NextTransition(pending, t0.Add(-time.Second)))
	assert.Equal(t, TransitionStart, NextTransition(pending, t0))
	// Una subasta pendiente con el fin ya pasado arranca primero.
	assert.Equal(t, TransitionStart, NextTransition(pending, t0.Add(2*time.Hour)))

	running := makeAuction(true, false, true)
	assert.Equal(t, TransitionNone, NextTransition(running, t0.Add(30*time.Minute)))
	assert.Equal(t, TransitionFinish, NextTransition(running, t0.Add(time.Hour)))

	closed := makeAuction(true, true, false)
	assert.Equal(t, TransitionNone, NextTransition(closed, t0.Add(48*time.Hour)))
}

func TestAuction_StartFinish_NeverRegress(t *testing.T) {
	a := makeAuction(false, false, true)

	// Finish sobre una subasta pendiente no hace nada.
	assert.Equal(t, a, a.Finish())

	a = a.Start()
	assert.True(t, a.Started)
	a = a.Finish()
	assert.True(t, a.Finished)
	assert.False(t, a.Active, "finishing deactivates")

	again := a.Start().Finish()
	assert.Equal(t, a, again)
}

func TestCheckBiddable(t *testing.T) {
	assert.True(t, IsKind(CheckBiddable(makeAuction(false, false, true)), KindNotStarted))
	assert.True(t, IsKind(CheckBiddable(makeAuction(true, true, false)), KindAlreadyFinished))
	assert.True(t, IsKind(CheckBiddable(makeAuction(true, false, false)), KindNotActive))
	assert.NoError(t, CheckBiddable(makeAuction(true, false, true)))
}

func TestAdministrativeGates(t *testing.T) {
	pending := makeAuction(false, false, false)
	running := makeAuction(true, false, true)
	closed := makeAuction(true, true, false)

	assert.NoError(t, CheckEditable(pending))
	assert.True(t, IsKind(CheckEditable(running), KindAlreadyStarted))
	assert.True(t, IsKind(CheckEditable(closed), KindAlreadyFinished))

	assert.NoError(t, CheckToggleable(pending))
	assert.NoError(t, CheckToggleable(running))
	assert.True(t, IsKind(CheckToggleable(closed), KindAlreadyFinished))

	assert.True(t, IsKind(CheckFinished(running), KindStillRunning))
	assert.NoError(t, CheckFinished(closed))
}

// Precio inicial 100, salto 10.
func TestCheckBid_Sequence(t *testing.T) {
	a := makeAuction(true, false, true)

	assert.True(t, IsKind(CheckBid(a, nil, 90), KindBelowInitialPrice))
	assert.True(t, IsKind(CheckBid(a, nil, 100), KindBelowInitialPrice))
	assert.True(t, IsKind(CheckBid(a, nil, 105), KindGapTooSmall))
	require.NoError(t, CheckBid(a, nil, 110))

	leader := &Bid{Price: 110}
	assert.True(t, IsKind(CheckBid(a, leader, 110), KindNotGreaterThanLatest))
	assert.True(t, IsKind(CheckBid(a, leader, 115), KindGapTooSmall))
	assert.NoError(t, CheckBid(a, leader, 125))
}

func TestCheckBid_GapAlwaysEnforced(t *testing.T) {
	a := makeAuction(true, false, true)
	a.InitialPrice = 0
	a.MinBidPriceGap = 7

	for _, latest := range []int64{0, 1, 50, 999} {
		var leader *Bid
		if latest > 0 {
			leader = &Bid{Price: latest}
		}
		for price := latest + 1; price < latest+a.MinBidPriceGap; price++ {
			assert.True(t, IsKind(CheckBid(a, leader, price), KindGapTooSmall), "latest=%d price=%d", latest, price)
		}
		assert.NoError(t, CheckBid(a, leader, latest+a.MinBidPriceGap))
	}
}

func TestCheckBid_NonPositive(t *testing.T) {
	a := makeAuction(true, false, true)
	a.InitialPrice = 0
	assert.True(t, IsKind(CheckBid(a, nil, 0), KindInvalid))
	assert.True(t, IsKind(CheckBid(a, nil, -5), KindInvalid))
}

func TestNextCreated_StrictlyIncreasing(t *testing.T) {
	leader := &Bid{Created: t0}
	assert.Equal(t, t0.Add(time.Microsecond), NextCreated(t0, leader))
	assert.Equal(t, t0.Add(time.Microsecond), NextCreated(t0.Add(-time.Minute), leader))
	assert.Equal(t, t0.Add(time.Second), NextCreated(t0.Add(time.Second), leader))
	assert.Equal(t, t0, NextCreated(t0, nil))
}

func TestNextCreated_MicrosecondResolution(t *testing.T) {
	leader := &Bid{Created: t0}
	// Dos pujas en el mismo microsegundo siguen ordenadas una vez persistidas.
	got := NextCreated(t0.Add(300*time.Nanosecond), leader)
	assert.Equal(t, t0.Add(time.Microsecond), got)
	assert.Equal(t, got, got.Truncate(time.Microsecond))

	assert.Equal(t, t0.Add(2*time.Microsecond), NextCreated(t0.Add(2*time.Microsecond+999*time.Nanosecond), leader))
}

func TestValidateTerms(t *testing.T) {
	a := makeAuction(false, false, true)
	require.NoError(t, ValidateTerms(a, DefaultMinDuration))

	short := a
	short.EndTime = short.StartTime.Add(5 * time.Second)
	assert.True(t, IsKind(ValidateTerms(short, DefaultMinDuration), KindInvalid))

	neg := a
	neg.MinBidPriceGap = -1
	assert.True(t, IsKind(ValidateTerms(neg, DefaultMinDuration), KindInvalid))

	long := a
	long.Title = "Lorem ipsum dolor sit amet, consectetur adipiscing elit"
	assert.True(t, IsKind(ValidateTerms(long, DefaultMinDuration), KindInvalid))
}

func TestConflict_StatusCodes(t *testing.T) {
	assert.Equal(t, 409, NewConflict(KindGapTooSmall).StatusCode())
	assert.Equal(t, 409, NewConflict(KindAlreadyFinished).StatusCode())
	assert.Equal(t, 404, NewConflict(KindNoWinner).StatusCode())
	assert.Equal(t, 400, NewConflict(KindParseError).StatusCode())
	assert.Equal(t, 403, NewConflict(KindUnauthorized).StatusCode())
	assert.Equal(t, 429, NewConflict(KindRateLimited).StatusCode())
}

func TestEvent_WireShape(t *testing.T) {
	bid := Bid{ID: 7, Price: 125, AuthorID: 3, AuctionID: 1, Created: t0, Leader: true}

	data, err := json.Marshal(BidAccepted(bid))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"bid_accepted","bid":{"id":7,"price":125,"author":3,"auction":1,"created":"2026-03-01T12:00:00Z"}}`,
		string(data))

	data, err = json.Marshal(AuctionClosed(1, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"auction_closed","auction":1,"winner":null,"no_winner":true}`, string(data))

	data, err = json.Marshal(AuctionClosed(1, &bid))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"no_winner":false`)
	assert.Contains(t, string(data), `"price":125`)
}

package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.BidAccepted(0.01)
		m.BidRejected("gap_too_small", 0.01)
		m.Transition("finish")
		m.Sweep(0.1, 2)
		m.ViewerJoined()
		m.ViewersLeft(3)
		m.EventPublished("bid_accepted", 4)
		m.MemberEvicted()
		m.SessionOpened()
		m.SessionFailed("unauthorized")
	})
}

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics()

	m.BidAccepted(0.001)
	m.BidAccepted(0.002)
	m.BidRejected("gap_too_small", 0.001)
	m.ViewerJoined()
	m.ViewerJoined()
	m.ViewersLeft(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BidsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BidsRejected.WithLabelValues("gap_too_small")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Viewers))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.Transition("start")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `gavel_auction_transitions_total{transition="start"} 1`)
}

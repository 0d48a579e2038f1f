package session

import (
	"encoding/json"

	"github.com/alejandrodnm/gavel/internal/application/ledger"
	"github.com/alejandrodnm/gavel/internal/domain"
)

// Códigos de cierre propios además de domain.CloseCodeAuctionEnded.
const (
	CloseNormal       = 1000
	CloseInternal     = 1011
	ClosePolicyDenied = 4403
)

type snapshotFrame struct {
	Type         domain.EventType    `json:"type"`
	Auction      int64               `json:"auction"`
	Count        int                 `json:"count"`
	Next         *string             `json:"next"`
	Previous     *string             `json:"previous"`
	Results      []domain.Bid        `json:"results"`
	HighestBids  []domain.BidderHigh `json:"highest_bids"`
	CurrentPrice int64               `json:"current_price"`
	Viewers      int                 `json:"viewers"`
}

func encodeSnapshot(s ledger.Snapshot, viewers int) ([]byte, error) {
	results := s.Page.Results
	if results == nil {
		results = []domain.Bid{}
	}
	highs := s.HighestBids
	if highs == nil {
		highs = []domain.BidderHigh{}
	}
	return json.Marshal(snapshotFrame{
		Type:         domain.EventSnapshot,
		Auction:      s.Auction.ID,
		Count:        s.Page.Count,
		Next:         s.Page.Next,
		Previous:     s.Page.Previous,
		Results:      results,
		HighestBids:  highs,
		CurrentPrice: s.CurrentPrice,
		Viewers:      viewers,
	})
}

type errorFrame struct {
	Type       domain.EventType `json:"type"`
	Code       string           `json:"code"`
	Detail     string           `json:"detail"`
	StatusCode int              `json:"status_code"`
}

func encodeConflict(c *domain.Conflict) []byte {
	data, _ := json.Marshal(errorFrame{
		Type:       domain.EventError,
		Code:       string(c.Kind),
		Detail:     c.Detail,
		StatusCode: c.StatusCode(),
	})
	return data
}

func encodeInternal() []byte {
	data, _ := json.Marshal(errorFrame{
		Type:       domain.EventError,
		Code:       "internal",
		Detail:     "internal error",
		StatusCode: 500,
	})
	return data
}

// bidRequest es el único mensaje entrante: {"price": N}.
type bidRequest struct {
	Price *int64 `json:"price"`
}

func decodeBid(data []byte) (int64, error) {
	var req bidRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return 0, domain.Conflictf(domain.KindParseError, "malformed payload: %v", err)
	}
	if req.Price == nil {
		return 0, domain.Conflictf(domain.KindParseError, "price is required")
	}
	return *req.Price, nil
}

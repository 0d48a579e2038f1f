package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTitleLength limita Auction.Title (en runas).
	MaxTitleLength = 50
	// DefaultMinDuration es la duración mínima EndTime - StartTime.
	DefaultMinDuration = 10 * time.Second
)

// Auction es un lote con ventana temporal que acepta pujas.
type Auction struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	AuthorID       int64     `json:"author"`
	InitialPrice   int64     `json:"initial_price"`
	MinBidPriceGap int64     `json:"min_bid_price_gap"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Started        bool      `json:"started"`
	Finished       bool      `json:"finished"`
	Active         bool      `json:"active"`
}

// AuctionEdit lleva los términos editables de una subasta. Los campos nil no cambian.
type AuctionEdit struct {
	Title          *string    `json:"title,omitempty"`
	Description    *string    `json:"description,omitempty"`
	InitialPrice   *int64     `json:"initial_price,omitempty"`
	MinBidPriceGap *int64     `json:"min_bid_price_gap,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
}

// Empty indica si la edición no cambia nada.
func (e AuctionEdit) Empty() bool {
	return e.Title == nil && e.Description == nil && e.InitialPrice == nil &&
		e.MinBidPriceGap == nil && e.StartTime == nil && e.EndTime == nil
}

// Apply devuelve una copia de a con la edición aplicada.
func (e AuctionEdit) Apply(a Auction) Auction {
	if e.Title != nil {
		a.Title = *e.Title
	}
	if e.Description != nil {
		a.Description = *e.Description
	}
	if e.InitialPrice != nil {
		a.InitialPrice = *e.InitialPrice
	}
	if e.MinBidPriceGap != nil {
		a.MinBidPriceGap = *e.MinBidPriceGap
	}
	if e.StartTime != nil {
		a.StartTime = *e.StartTime
	}
	if e.EndTime != nil {
		a.EndTime = *e.EndTime
	}
	return a
}

// ValidateTerms valida los campos que controla el autor.
func ValidateTerms(a Auction, minDuration time.Duration) error {
	title := strings.TrimSpace(a.Title)
	if title == "" {
		return Conflictf(KindInvalid, "title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return Conflictf(KindInvalid, "title must be at most %d characters", MaxTitleLength)
	}
	if a.InitialPrice < 0 {
		return Conflictf(KindInvalid, "initial_price must be non-negative")
	}
	if a.MinBidPriceGap < 0 {
		return Conflictf(KindInvalid, "min_bid_price_gap must be non-negative")
	}
	if a.StartTime.IsZero() || a.EndTime.IsZero() {
		return Conflictf(KindInvalid, "start_time and end_time are required")
	}
	if a.EndTime.Sub(a.StartTime) < minDuration {
		return Conflictf(KindInvalid, "the duration between start and end of auction must be at least %s", minDuration)
	}
	return nil
}

package domain

import (
	"encoding/json"
	"fmt"
)

// CloseCodeAuctionEnded es el código de cierre websocket que recibe cada
// espectador cuando la subasta termina (rango 3000-3999 de aplicación).
const CloseCodeAuctionEnded = 3333

// EventType nombra un frame del protocolo en vivo.
type EventType string

const (
	EventSnapshot      EventType = "snapshot"
	EventBidAccepted   EventType = "bid_accepted"
	EventAuctionClosed EventType = "auction_closed"
	EventError         EventType = "error"
)

// Event se publica en el topic de una subasta.
type Event struct {
	Type      EventType
	AuctionID int64
	Bid       *Bid // bid_accepted
	Winner    *Bid // auction_closed, nil si nadie pujó
}

// BidAccepted construye el evento que sigue a cada puja confirmada.
func BidAccepted(b Bid) Event {
	return Event{Type: EventBidAccepted, AuctionID: b.AuctionID, Bid: &b}
}

// AuctionClosed construye el evento terminal de una subasta.
func AuctionClosed(auctionID int64, winner *Bid) Event {
	return Event{Type: EventAuctionClosed, AuctionID: auctionID, Winner: winner}
}

// Terminal indica que ningún evento puede seguir a este en el topic.
func (e Event) Terminal() bool {
	return e.Type == EventAuctionClosed
}

// MarshalJSON produce la forma en el cable del evento.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventBidAccepted:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Bid  *Bid      `json:"bid"`
		}{e.Type, e.Bid})
	case EventAuctionClosed:
		return json.Marshal(struct {
			Type     EventType `json:"type"`
			Auction  int64     `json:"auction"`
			Winner   *Bid      `json:"winner"`
			NoWinner bool      `json:"no_winner"`
		}{e.Type, e.AuctionID, e.Winner, e.Winner == nil})
	default:
		return nil, fmt.Errorf("domain.Event: unknown type %q", e.Type)
	}
}

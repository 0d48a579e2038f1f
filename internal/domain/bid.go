package domain

import "time"

// Bid es un precio ofrecido por un autor en una subasta.
// Tras aceptarse solo cambian los flags Leader y Won.
type Bid struct {
	ID        int64     `json:"id"`
	Price     int64     `json:"price"`
	AuthorID  int64     `json:"author"`
	AuctionID int64     `json:"auction"`
	Created   time.Time `json:"created"`
	Won       bool      `json:"-"`
	Leader    bool      `json:"-"`
}

// BidderHigh es el precio más alto aceptado de un pujador en una subasta.
type BidderHigh struct {
	AuthorID int64 `json:"author"`
	Price    int64 `json:"price"`
}

// BidPage es una página de pujas de una subasta, las más recientes primero.
type BidPage struct {
	Count int   `json:"count"`
	Bids  []Bid `json:"results"`
}

// CurrentPrice es el precio del líder, o el precio inicial si nadie ha pujado.
func CurrentPrice(a Auction, leader *Bid) int64 {
	if leader == nil {
		return a.InitialPrice
	}
	return leader.Price
}

// NextCreated devuelve un instante de creación estrictamente posterior al del
// líder anterior, aunque el reloj de pared se quede quieto. Se trunca a
// microsegundos, la resolución de TIMESTAMPTZ.
func NextCreated(now time.Time, leader *Bid) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if leader != nil && !now.After(leader.Created) {
		return leader.Created.Add(time.Microsecond)
	}
	return now
}

// CheckBid aplica las reglas de precio en orden contra el líder actual (nil si
// aún no hay pujas). El salto se mide desde el precio actual: la primera puja
// debe superar el precio inicial en al menos MinBidPriceGap.
func CheckBid(a Auction, leader *Bid, price int64) error {
	if price <= 0 {
		return Conflictf(KindInvalid, "price must be a positive integer")
	}
	if price <= a.InitialPrice {
		return NewConflict(KindBelowInitialPrice)
	}
	var latest int64
	if leader != nil {
		latest = leader.Price
	}
	if price <= latest {
		return NewConflict(KindNotGreaterThanLatest)
	}
	if gap := price - CurrentPrice(a, leader); gap < a.MinBidPriceGap {
		return Conflictf(KindGapTooSmall, "price gap too small: %d < %d", gap, a.MinBidPriceGap)
	}
	return nil
}

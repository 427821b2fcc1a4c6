package models

import "time"

// DiffEvent is one incremental order-book update from a venue stream. A zero
// quantity on a level means the level is removed. PrevFinalUpdateID is only
// meaningful when HasPrev is set; venues without that field (Binance spot)
// leave it unset and continuity falls back to the update-id interval rule.
type DiffEvent struct {
	Key               MarketKey
	FirstUpdateID     int64
	FinalUpdateID     int64
	PrevFinalUpdateID int64
	HasPrev           bool
	Bids              []BookLevel
	Asks              []BookLevel
	EventTime         time.Time
	Received          time.Time
}

// Bridges reports whether this event's update-id range straddles the next
// update expected after a snapshot carrying lastUpdateID.
func (e DiffEvent) Bridges(lastUpdateID int64) bool {
	return e.FirstUpdateID <= lastUpdateID+1 && lastUpdateID+1 <= e.FinalUpdateID
}

// DepthSnapshot is a point-in-time full-depth book fetched over REST, used to
// seed a replica before bridging buffered diffs.
type DepthSnapshot struct {
	Key          MarketKey
	LastUpdateID int64
	Bids         []BookLevel
	Asks         []BookLevel
	Time         time.Time
}

// Order statuses as reported on execution streams and status queries.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// FillEvent is one execution report from a venue's user-data stream.
type FillEvent struct {
	Key       MarketKey
	OrderID   int64
	Side      string
	Status    string
	LastPrice float64
	LastQty   float64
	CumQty    float64
	EventTime time.Time
}

// Filled reports whether the event carries any executed quantity.
func (f FillEvent) Filled() bool {
	return f.Status == OrderStatusPartiallyFilled || f.Status == OrderStatusFilled
}

// Qty returns the best available executed quantity from the event. Venues
// disagree on whether the incremental or cumulative field is authoritative, so
// the larger of the two is used and later reconciled against a status query.
func (f FillEvent) Qty() float64 {
	if f.CumQty > f.LastQty {
		return f.CumQty
	}
	return f.LastQty
}

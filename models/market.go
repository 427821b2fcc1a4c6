package models

import (
	"fmt"
	"strings"
	"time"
)

// VenueKind identifies the category of tradable instrument a leg runs on.
type VenueKind string

const (
	// KindSpot is a spot market; quantities are in base units.
	KindSpot VenueKind = "spot"
	// KindLinear is a USD(T/C)-margined perpetual; quantities are in base units.
	KindLinear VenueKind = "linear"
	// KindInverse is a coin-margined perpetual; quantities are in contracts.
	KindInverse VenueKind = "inverse"
)

// Valid reports whether the kind is one of the supported venue kinds.
func (k VenueKind) Valid() bool {
	switch k {
	case KindSpot, KindLinear, KindInverse:
		return true
	}
	return false
}

// IsPerp reports whether positions on this kind of venue are perpetual
// contracts and therefore support reduce-only orders.
func (k VenueKind) IsPerp() bool {
	return k == KindLinear || k == KindInverse
}

// MarketKey scopes every cache and bus entry to (venue kind, symbol). Two legs
// may share a symbol string across venue kinds; using the composite key keeps
// them from ever aliasing the same entry.
type MarketKey struct {
	Kind   VenueKind
	Symbol string
}

// NewMarketKey normalizes kind and symbol into a MarketKey.
func NewMarketKey(kind VenueKind, symbol string) MarketKey {
	return MarketKey{
		Kind:   VenueKind(strings.ToLower(string(kind))),
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

func (k MarketKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Symbol)
}

// BookLevel is a single price level on one side of an order book.
type BookLevel struct {
	Price    float64
	Quantity float64
}

// Snapshot is the immutable top-N view of one market's book published on the
// bus after every applied diff. Bids are price-descending, asks ascending.
type Snapshot struct {
	Key          MarketKey
	Bids         []BookLevel
	Asks         []BookLevel
	LastUpdateID int64
	Time         time.Time
	OK           bool
}

// Mid returns the midpoint of the best bid and ask, or 0 when either side is
// empty.
func (s Snapshot) Mid() float64 {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0
	}
	return (s.Bids[0].Price + s.Asks[0].Price) / 2
}

// MarkPrice carries one venue's mark (or synthesized mid for spot).
type MarkPrice struct {
	Key  MarketKey
	Mark float64
	Time time.Time
}

// Meta carries per-symbol trading rules fetched from the venue.
type Meta struct {
	Key          MarketKey
	ContractSize float64 // USD per contract, inverse venues only
	PriceTick    float64
	QtyStep      float64
}

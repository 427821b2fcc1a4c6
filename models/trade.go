package models

import "time"

// PairSide is the direction of a hedged pair. POS sells the quote leg and buys
// the hedge leg; NEG is the mirror.
type PairSide string

const (
	SidePos PairSide = "POS"
	SideNeg PairSide = "NEG"
)

// Candidate is one constraint-checked entry opportunity derived from a single
// price level of both legs' books.
type Candidate struct {
	Side     PairSide
	QuotePx  float64
	HedgePx  float64
	QuoteQty float64
	HedgeQty float64
	EdgeBps  float64
	Level    int
}

// Position is an open hedged pair. Exactly one of the quantity fields is in
// contracts, depending on which leg runs on an inverse venue; the other is in
// base units.
type Position struct {
	TradeID  string
	Side     PairSide
	QuoteQty float64
	HedgeQty float64
	QuoteKey MarketKey
	HedgeKey MarketKey
	OpenedAt time.Time
}

// Held returns the elapsed hold time of the position.
func (p Position) Held(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// Trade event names recorded on the trade topic.
const (
	TradeEventOpen  = "OPEN"
	TradeEventClose = "CLOSE"
)

// TradeRecord is one entry/exit row published on the bus and persisted by the
// recorder.
type TradeRecord struct {
	TradeID  string
	Event    string
	Side     PairSide
	QuoteKey MarketKey
	HedgeKey MarketKey
	QuoteQty float64
	HedgeQty float64
	QuotePx  float64
	HedgePx  float64
	EdgeBps  float64
	Reason   string
	Time     time.Time
}

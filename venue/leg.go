package venue

import (
	"context"

	"arbflow/models"
)

// Side is the order side on a single leg.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the reversing side, used when unwinding.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderRef identifies a placed order on its venue.
type OrderRef struct {
	ID       int64
	ClientID string
}

// OrderState is the result of a REST order-status query.
type OrderState struct {
	ID          int64
	Status      string
	ExecutedQty float64
	Price       float64
}

// Done reports whether the order can no longer accrue fills.
func (s OrderState) Done() bool {
	switch s.Status {
	case models.OrderStatusFilled, models.OrderStatusCanceled,
		models.OrderStatusRejected, models.OrderStatusExpired:
		return true
	}
	return false
}

// Leg is one tradable instrument of a hedged pair. Market data reads come from
// the in-process bus; order operations go to the venue's REST API.
type Leg interface {
	// Key identifies the leg's market.
	Key() models.MarketKey

	// Books returns the latest published book snapshot, trimmed to limit
	// levels per side. ok is false when the replica is not ready or stale.
	Books(limit int) (snap models.Snapshot, ok bool)

	// RefPrice returns the venue mark price, falling back to the book mid
	// when the mark stream is silent. Returns 0 when neither is available.
	RefPrice() float64

	// QtyFromNotional converts a USD notional into the leg's order quantity:
	// contracts on inverse venues, base units elsewhere. The result is
	// rounded down to the venue's quantity step.
	QtyFromNotional(notional float64) float64

	PlaceMarket(ctx context.Context, side Side, qty float64, reduceOnly bool) (OrderRef, error)
	PlaceLimitMaker(ctx context.Context, side Side, qty, price float64) (OrderRef, error)
	OrderStatus(ctx context.Context, id int64) (OrderState, error)
	Cancel(ctx context.Context, id int64) error

	IsPerp() bool
	ContractSize() float64
	QtyStep() float64
}

// Liquidity reports recent traded volume for the liquidity-cap gate.
type Liquidity interface {
	// TrailingMinuteNotional returns the USD notional traded over the most
	// recent complete minute for the market.
	TrailingMinuteNotional(ctx context.Context, key models.MarketKey) (float64, error)
}

// FillSink consumes execution reports from venue user-data streams.
type FillSink interface {
	OnFill(ev models.FillEvent)
}

package binance

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/delivery"
	"github.com/adshao/go-binance/v2/futures"

	"arbflow/bus"
	"arbflow/logger"
	"arbflow/models"
	"arbflow/venue"
)

// Leg is one Binance instrument of a hedged pair. Market data comes from the
// bus; orders go to the REST API for the leg's venue kind.
type Leg struct {
	key        models.MarketKey
	clients    *Clients
	bus        *bus.Bus
	staleAfter time.Duration
	log        *logger.Entry
}

// NewLeg builds a leg bound to one market.
func NewLeg(key models.MarketKey, c *Clients, b *bus.Bus, staleAfter time.Duration) *Leg {
	if staleAfter <= 0 {
		staleAfter = 3 * time.Second
	}
	return &Leg{
		key:        key,
		clients:    c,
		bus:        b,
		staleAfter: staleAfter,
		log: logger.GetLogger().WithComponent("venue_binance").WithFields(logger.Fields{
			"market": key.String(),
		}),
	}
}

func (l *Leg) Key() models.MarketKey { return l.key }

func (l *Leg) IsPerp() bool { return l.key.Kind.IsPerp() }

// Books returns the latest bus snapshot trimmed to limit levels per side.
func (l *Leg) Books(limit int) (models.Snapshot, bool) {
	snap, ok := l.bus.LatestSnapshot(l.key)
	if !ok || !snap.OK {
		return models.Snapshot{Key: l.key}, false
	}
	if time.Since(snap.Time) > l.staleAfter {
		return models.Snapshot{Key: l.key}, false
	}
	if limit > 0 {
		if len(snap.Bids) > limit {
			snap.Bids = snap.Bids[:limit]
		}
		if len(snap.Asks) > limit {
			snap.Asks = snap.Asks[:limit]
		}
	}
	return snap, true
}

// RefPrice returns the venue mark, falling back to the book mid when the mark
// stream is silent or stale.
func (l *Leg) RefPrice() float64 {
	if mp, ok := l.bus.LatestMark(l.key); ok && mp.Mark > 0 && time.Since(mp.Time) <= l.staleAfter {
		return mp.Mark
	}
	if snap, ok := l.Books(1); ok {
		return snap.Mid()
	}
	return 0
}

// ContractSize returns the USD value of one contract on inverse venues and 0
// elsewhere. Falls back to the exchange convention when metadata has not been
// fetched yet.
func (l *Leg) ContractSize() float64 {
	if l.key.Kind != models.KindInverse {
		return 0
	}
	if meta, ok := l.bus.LatestMeta(l.key); ok && meta.ContractSize > 0 {
		return meta.ContractSize
	}
	if strings.HasPrefix(l.key.Symbol, "BTC") {
		return 100
	}
	return 10
}

// QtyStep returns the venue's minimum quantity increment, or 0 when unknown.
func (l *Leg) QtyStep() float64 {
	if meta, ok := l.bus.LatestMeta(l.key); ok {
		return meta.QtyStep
	}
	return 0
}

// QtyFromNotional converts a USD notional into an order quantity: whole
// contracts on inverse venues, step-rounded base units elsewhere.
func (l *Leg) QtyFromNotional(notional float64) float64 {
	if notional <= 0 {
		return 0
	}
	if l.key.Kind == models.KindInverse {
		cs := l.ContractSize()
		if cs <= 0 {
			return 0
		}
		return math.Floor(notional / cs)
	}
	px := l.RefPrice()
	if px <= 0 {
		return 0
	}
	qty := notional / px
	if step := l.QtyStep(); step > 0 {
		qty = math.Floor(qty/step) * step
	}
	return qty
}

func formatQty(qty float64) string {
	return strconv.FormatFloat(qty, 'f', -1, 64)
}

func formatPrice(px float64) string {
	return strconv.FormatFloat(px, 'f', -1, 64)
}

// PlaceMarket submits a market order. reduceOnly is honored on perp venues
// only; spot has no such flag.
func (l *Leg) PlaceMarket(ctx context.Context, side venue.Side, qty float64, reduceOnly bool) (venue.OrderRef, error) {
	if qty <= 0 {
		return venue.OrderRef{}, fmt.Errorf("market order qty %v invalid for %s", qty, l.key.String())
	}
	if err := l.clients.wait(ctx); err != nil {
		return venue.OrderRef{}, err
	}

	switch l.key.Kind {
	case models.KindSpot:
		resp, err := l.clients.Spot.NewCreateOrderService().
			Symbol(l.key.Symbol).
			Side(binance.SideType(side)).
			Type(binance.OrderTypeMarket).
			Quantity(formatQty(qty)).
			Do(ctx)
		if err != nil {
			return venue.OrderRef{}, fmt.Errorf("spot market order %s: %w", l.key.Symbol, err)
		}
		return venue.OrderRef{ID: resp.OrderID, ClientID: resp.ClientOrderID}, nil
	case models.KindLinear:
		svc := l.clients.Futures.NewCreateOrderService().
			Symbol(l.key.Symbol).
			Side(futures.SideType(side)).
			Type(futures.OrderTypeMarket).
			Quantity(formatQty(qty))
		if reduceOnly {
			svc = svc.ReduceOnly(true)
		}
		resp, err := svc.Do(ctx)
		if err != nil {
			return venue.OrderRef{}, fmt.Errorf("futures market order %s: %w", l.key.Symbol, err)
		}
		return venue.OrderRef{ID: resp.OrderID, ClientID: resp.ClientOrderID}, nil
	case models.KindInverse:
		svc := l.clients.Delivery.NewCreateOrderService().
			Symbol(l.key.Symbol).
			Side(delivery.SideType(side)).
			Type(delivery.OrderTypeMarket).
			Quantity(formatQty(qty))
		if reduceOnly {
			svc = svc.ReduceOnly(true)
		}
		resp, err := svc.Do(ctx)
		if err != nil {
			return venue.OrderRef{}, fmt.Errorf("delivery market order %s: %w", l.key.Symbol, err)
		}
		return venue.OrderRef{ID: resp.OrderID, ClientID: resp.ClientOrderID}, nil
	}
	return venue.OrderRef{}, fmt.Errorf("unsupported venue kind %q", l.key.Kind)
}

// PlaceLimitMaker submits a post-only limit order: LIMIT_MAKER on spot, GTX
// limit on perps. The venue rejects it instead of crossing the book.
func (l *Leg) PlaceLimitMaker(ctx context.Context, side venue.Side, qty, price float64) (venue.OrderRef, error) {
	if qty <= 0 || price <= 0 {
		return venue.OrderRef{}, fmt.Errorf("maker order qty %v price %v invalid for %s", qty, price, l.key.String())
	}
	if err := l.clients.wait(ctx); err != nil {
		return venue.OrderRef{}, err
	}

	switch l.key.Kind {
	case models.KindSpot:
		resp, err := l.clients.Spot.NewCreateOrderService().
			Symbol(l.key.Symbol).
			Side(binance.SideType(side)).
			Type(binance.OrderTypeLimitMaker).
			Quantity(formatQty(qty)).
			Price(formatPrice(price)).
			Do(ctx)
		if err != nil {
			return venue.OrderRef{}, fmt.Errorf("spot maker order %s: %w", l.key.Symbol, err)
		}
		return venue.OrderRef{ID: resp.OrderID, ClientID: resp.ClientOrderID}, nil
	case models.KindLinear:
		resp, err := l.clients.Futures.NewCreateOrderService().
			Symbol(l.key.Symbol).
			Side(futures.SideType(side)).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTX).
			Quantity(formatQty(qty)).
			Price(formatPrice(price)).
			Do(ctx)
		if err != nil {
			return venue.OrderRef{}, fmt.Errorf("futures maker order %s: %w", l.key.Symbol, err)
		}
		return venue.OrderRef{ID: resp.OrderID, ClientID: resp.ClientOrderID}, nil
	case models.KindInverse:
		resp, err := l.clients.Delivery.NewCreateOrderService().
			Symbol(l.key.Symbol).
			Side(delivery.SideType(side)).
			Type(delivery.OrderTypeLimit).
			TimeInForce(delivery.TimeInForceTypeGTX).
			Quantity(formatQty(qty)).
			Price(formatPrice(price)).
			Do(ctx)
		if err != nil {
			return venue.OrderRef{}, fmt.Errorf("delivery maker order %s: %w", l.key.Symbol, err)
		}
		return venue.OrderRef{ID: resp.OrderID, ClientID: resp.ClientOrderID}, nil
	}
	return venue.OrderRef{}, fmt.Errorf("unsupported venue kind %q", l.key.Kind)
}

// OrderStatus queries the current state of an order.
func (l *Leg) OrderStatus(ctx context.Context, id int64) (venue.OrderState, error) {
	if err := l.clients.wait(ctx); err != nil {
		return venue.OrderState{}, err
	}

	switch l.key.Kind {
	case models.KindSpot:
		o, err := l.clients.Spot.NewGetOrderService().Symbol(l.key.Symbol).OrderID(id).Do(ctx)
		if err != nil {
			return venue.OrderState{}, fmt.Errorf("spot order status %s/%d: %w", l.key.Symbol, id, err)
		}
		return venue.OrderState{
			ID:          o.OrderID,
			Status:      string(o.Status),
			ExecutedQty: parseFloat(o.ExecutedQuantity),
			Price:       parseFloat(o.Price),
		}, nil
	case models.KindLinear:
		o, err := l.clients.Futures.NewGetOrderService().Symbol(l.key.Symbol).OrderID(id).Do(ctx)
		if err != nil {
			return venue.OrderState{}, fmt.Errorf("futures order status %s/%d: %w", l.key.Symbol, id, err)
		}
		return venue.OrderState{
			ID:          o.OrderID,
			Status:      string(o.Status),
			ExecutedQty: parseFloat(o.ExecutedQuantity),
			Price:       parseFloat(o.Price),
		}, nil
	case models.KindInverse:
		o, err := l.clients.Delivery.NewGetOrderService().Symbol(l.key.Symbol).OrderID(id).Do(ctx)
		if err != nil {
			return venue.OrderState{}, fmt.Errorf("delivery order status %s/%d: %w", l.key.Symbol, id, err)
		}
		return venue.OrderState{
			ID:          o.OrderID,
			Status:      string(o.Status),
			ExecutedQty: parseFloat(o.ExecutedQuantity),
			Price:       parseFloat(o.Price),
		}, nil
	}
	return venue.OrderState{}, fmt.Errorf("unsupported venue kind %q", l.key.Kind)
}

// Cancel cancels an open order. A venue error for an already-closed order is
// returned to the caller, who treats it as best-effort.
func (l *Leg) Cancel(ctx context.Context, id int64) error {
	if err := l.clients.wait(ctx); err != nil {
		return err
	}

	switch l.key.Kind {
	case models.KindSpot:
		_, err := l.clients.Spot.NewCancelOrderService().Symbol(l.key.Symbol).OrderID(id).Do(ctx)
		if err != nil {
			return fmt.Errorf("spot cancel %s/%d: %w", l.key.Symbol, id, err)
		}
		return nil
	case models.KindLinear:
		_, err := l.clients.Futures.NewCancelOrderService().Symbol(l.key.Symbol).OrderID(id).Do(ctx)
		if err != nil {
			return fmt.Errorf("futures cancel %s/%d: %w", l.key.Symbol, id, err)
		}
		return nil
	case models.KindInverse:
		_, err := l.clients.Delivery.NewCancelOrderService().Symbol(l.key.Symbol).OrderID(id).Do(ctx)
		if err != nil {
			return fmt.Errorf("delivery cancel %s/%d: %w", l.key.Symbol, id, err)
		}
		return nil
	}
	return fmt.Errorf("unsupported venue kind %q", l.key.Kind)
}

package bybit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"arbflow/bus"
	"arbflow/logger"
	"arbflow/models"
	"arbflow/venue"
)

// Leg is one Bybit linear-perp instrument. Market data comes from the bus;
// orders go to the v5 REST API.
type Leg struct {
	key        models.MarketKey
	client     *Client
	bus        *bus.Bus
	staleAfter time.Duration
	log        *logger.Entry
}

// NewLeg builds a leg bound to one linear market.
func NewLeg(symbol string, c *Client, b *bus.Bus, staleAfter time.Duration) *Leg {
	if staleAfter <= 0 {
		staleAfter = 3 * time.Second
	}
	key := models.NewMarketKey(models.KindLinear, symbol)
	return &Leg{
		key:        key,
		client:     c,
		bus:        b,
		staleAfter: staleAfter,
		log: logger.GetLogger().WithComponent("venue_bybit").WithFields(logger.Fields{
			"market": key.String(),
		}),
	}
}

func (l *Leg) Key() models.MarketKey { return l.key }

func (l *Leg) IsPerp() bool { return true }

// ContractSize is 0: linear contracts are sized in base units.
func (l *Leg) ContractSize() float64 { return 0 }

func (l *Leg) QtyStep() float64 {
	if meta, ok := l.bus.LatestMeta(l.key); ok {
		return meta.QtyStep
	}
	return 0
}

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

func (l *Leg) RefPrice() float64 {
	if mp, ok := l.bus.LatestMark(l.key); ok && mp.Mark > 0 && time.Since(mp.Time) <= l.staleAfter {
		return mp.Mark
	}
	if snap, ok := l.Books(1); ok {
		return snap.Mid()
	}
	return 0
}

func (l *Leg) QtyFromNotional(notional float64) float64 {
	if notional <= 0 {
		return 0
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

// sideParam converts the shared side constants to Bybit's casing.
func sideParam(s venue.Side) string {
	if s == venue.Buy {
		return "Buy"
	}
	return "Sell"
}

type placeOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// parseOrderID converts Bybit's numeric-string order id into the shared int64
// form used by the pending registry.
func parseOrderID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric bybit order id %q: %w", s, err)
	}
	return id, nil
}

func (l *Leg) PlaceMarket(ctx context.Context, side venue.Side, qty float64, reduceOnly bool) (venue.OrderRef, error) {
	if qty <= 0 {
		return venue.OrderRef{}, fmt.Errorf("market order qty %v invalid for %s", qty, l.key.String())
	}
	if err := l.client.wait(ctx); err != nil {
		return venue.OrderRef{}, err
	}

	params := map[string]interface{}{
		"category":  "linear",
		"symbol":    l.key.Symbol,
		"side":      sideParam(side),
		"orderType": "Market",
		"qty":       strconv.FormatFloat(qty, 'f', -1, 64),
	}
	if reduceOnly {
		params["reduceOnly"] = true
	}

	resp, err := l.client.rest.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return venue.OrderRef{}, fmt.Errorf("bybit market order %s: %w", l.key.Symbol, err)
	}
	if resp.RetCode != 0 {
		return venue.OrderRef{}, fmt.Errorf("bybit market order %s: ret %d %s", l.key.Symbol, resp.RetCode, resp.RetMsg)
	}

	var result placeOrderResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return venue.OrderRef{}, err
	}
	id, err := parseOrderID(result.OrderID)
	if err != nil {
		return venue.OrderRef{}, err
	}
	return venue.OrderRef{ID: id, ClientID: result.OrderLinkID}, nil
}

func (l *Leg) PlaceLimitMaker(ctx context.Context, side venue.Side, qty, price float64) (venue.OrderRef, error) {
	if qty <= 0 || price <= 0 {
		return venue.OrderRef{}, fmt.Errorf("maker order qty %v price %v invalid for %s", qty, price, l.key.String())
	}
	if err := l.client.wait(ctx); err != nil {
		return venue.OrderRef{}, err
	}

	params := map[string]interface{}{
		"category":    "linear",
		"symbol":      l.key.Symbol,
		"side":        sideParam(side),
		"orderType":   "Limit",
		"timeInForce": "PostOnly",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"price":       strconv.FormatFloat(price, 'f', -1, 64),
	}

	resp, err := l.client.rest.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return venue.OrderRef{}, fmt.Errorf("bybit maker order %s: %w", l.key.Symbol, err)
	}
	if resp.RetCode != 0 {
		return venue.OrderRef{}, fmt.Errorf("bybit maker order %s: ret %d %s", l.key.Symbol, resp.RetCode, resp.RetMsg)
	}

	var result placeOrderResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return venue.OrderRef{}, err
	}
	id, err := parseOrderID(result.OrderID)
	if err != nil {
		return venue.OrderRef{}, err
	}
	return venue.OrderRef{ID: id, ClientID: result.OrderLinkID}, nil
}

type orderListResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
		Price       string `json:"price"`
		AvgPrice    string `json:"avgPrice"`
	} `json:"list"`
}

func (l *Leg) OrderStatus(ctx context.Context, id int64) (venue.OrderState, error) {
	if err := l.client.wait(ctx); err != nil {
		return venue.OrderState{}, err
	}

	params := map[string]interface{}{
		"category": "linear",
		"symbol":   l.key.Symbol,
		"orderId":  strconv.FormatInt(id, 10),
	}
	resp, err := l.client.rest.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return venue.OrderState{}, fmt.Errorf("bybit order status %s/%d: %w", l.key.Symbol, id, err)
	}
	if resp.RetCode != 0 {
		return venue.OrderState{}, fmt.Errorf("bybit order status %s/%d: ret %d %s", l.key.Symbol, id, resp.RetCode, resp.RetMsg)
	}

	var result orderListResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return venue.OrderState{}, err
	}
	if len(result.List) == 0 {
		return venue.OrderState{}, fmt.Errorf("bybit order %s/%d not found", l.key.Symbol, id)
	}

	o := result.List[0]
	exec, _ := strconv.ParseFloat(o.CumExecQty, 64)
	price, _ := strconv.ParseFloat(o.Price, 64)
	return venue.OrderState{
		ID:          id,
		Status:      normalizeStatus(o.OrderStatus),
		ExecutedQty: exec,
		Price:       price,
	}, nil
}

func (l *Leg) Cancel(ctx context.Context, id int64) error {
	if err := l.client.wait(ctx); err != nil {
		return err
	}

	params := map[string]interface{}{
		"category": "linear",
		"symbol":   l.key.Symbol,
		"orderId":  strconv.FormatInt(id, 10),
	}
	resp, err := l.client.rest.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return fmt.Errorf("bybit cancel %s/%d: %w", l.key.Symbol, id, err)
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("bybit cancel %s/%d: ret %d %s", l.key.Symbol, id, resp.RetCode, resp.RetMsg)
	}
	return nil
}

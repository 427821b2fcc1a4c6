package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"arbflow/config"
	"arbflow/models"
	"arbflow/venue"
)

type placedOrder struct {
	side       venue.Side
	qty        float64
	price      float64
	reduceOnly bool
	market     bool
}

// fakeLeg scripts a venue leg for executor tests. Order ids are handed out
// sequentially starting at 1.
type fakeLeg struct {
	mu sync.Mutex

	key      models.MarketKey
	step     float64
	contract float64

	nextID    int64
	placed    []placedOrder
	cancelled []int64
	statuses  map[int64]venue.OrderState
	marketErr error
	statusErr error
	onPlaced  func(id int64)
}

func newFakeLeg(kind models.VenueKind, symbol string, step float64) *fakeLeg {
	return &fakeLeg{
		key:      models.NewMarketKey(kind, symbol),
		step:     step,
		statuses: make(map[int64]venue.OrderState),
	}
}

func (f *fakeLeg) Key() models.MarketKey { return f.key }

func (f *fakeLeg) Books(limit int) (models.Snapshot, bool) {
	return models.Snapshot{}, false
}

func (f *fakeLeg) RefPrice() float64 { return 50000 }

func (f *fakeLeg) QtyFromNotional(notional float64) float64 {
	return notional / f.RefPrice()
}

func (f *fakeLeg) PlaceMarket(ctx context.Context, side venue.Side, qty float64, reduceOnly bool) (venue.OrderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marketErr != nil {
		return venue.OrderRef{}, f.marketErr
	}
	f.nextID++
	f.placed = append(f.placed, placedOrder{side: side, qty: qty, reduceOnly: reduceOnly, market: true})
	return venue.OrderRef{ID: f.nextID}, nil
}

func (f *fakeLeg) PlaceLimitMaker(ctx context.Context, side venue.Side, qty, price float64) (venue.OrderRef, error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.placed = append(f.placed, placedOrder{side: side, qty: qty, price: price})
	cb := f.onPlaced
	f.mu.Unlock()
	if cb != nil {
		cb(id)
	}
	return venue.OrderRef{ID: id}, nil
}

func (f *fakeLeg) OrderStatus(ctx context.Context, id int64) (venue.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return venue.OrderState{}, f.statusErr
	}
	st, ok := f.statuses[id]
	if !ok {
		return venue.OrderState{ID: id, Status: models.OrderStatusNew}, nil
	}
	return st, nil
}

func (f *fakeLeg) Cancel(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeLeg) IsPerp() bool          { return f.key.Kind.IsPerp() }
func (f *fakeLeg) ContractSize() float64 { return f.contract }
func (f *fakeLeg) QtyStep() float64      { return f.step }

func (f *fakeLeg) setStatus(id int64, status string, executed float64) {
	f.mu.Lock()
	f.statuses[id] = venue.OrderState{ID: id, Status: status, ExecutedQty: executed}
	f.mu.Unlock()
}

func (f *fakeLeg) marketOrders() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []placedOrder
	for _, p := range f.placed {
		if p.market {
			out = append(out, p)
		}
	}
	return out
}

func execCfg() config.ExecConfig {
	return config.ExecConfig{
		Mode:          "hybrid",
		MakerLeg:      "quote",
		Wait:          100 * time.Millisecond,
		MinFillRatio:  0.05,
		RescueTimeout: 150 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}
}

func TestRegistryResolvesOnFillOnly(t *testing.T) {
	r := NewRegistry()
	maker := models.NewMarketKey(models.KindSpot, "BTCUSDT")
	taker := models.NewMarketKey(models.KindInverse, "BTCUSD_PERP")

	p, err := r.Register(7, maker, taker)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// A NEW ack must not resolve the waiter.
	r.OnFill(models.FillEvent{Key: maker, OrderID: 7, Status: models.OrderStatusNew})
	select {
	case <-p.fillC:
		t.Fatal("NEW event resolved the waiter")
	default:
	}

	r.OnFill(models.FillEvent{Key: maker, OrderID: 7, Status: models.OrderStatusPartiallyFilled, CumQty: 0.3})
	ev, ok := p.Wait(context.Background(), time.Second)
	if !ok {
		t.Fatal("partial fill did not resolve the waiter")
	}
	if ev.Qty() != 0.3 {
		t.Fatalf("qty = %v, want 0.3", ev.Qty())
	}
}

func TestRegistryRejectsDuplicateOrder(t *testing.T) {
	r := NewRegistry()
	key := models.NewMarketKey(models.KindSpot, "BTCUSDT")
	if _, err := r.Register(1, key, key); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register(1, key, key); err == nil {
		t.Fatal("duplicate register accepted")
	}
	r.Remove(1)
	if _, err := r.Register(1, key, key); err != nil {
		t.Fatalf("register after remove: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
}

func TestRegistryIgnoresUnknownAndMismatchedOrders(t *testing.T) {
	r := NewRegistry()
	maker := models.NewMarketKey(models.KindSpot, "BTCUSDT")
	other := models.NewMarketKey(models.KindLinear, "BTCUSDT")

	p, err := r.Register(9, maker, other)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r.OnFill(models.FillEvent{Key: maker, OrderID: 8, Status: models.OrderStatusFilled, CumQty: 1})
	r.OnFill(models.FillEvent{Key: other, OrderID: 9, Status: models.OrderStatusFilled, CumQty: 1})
	select {
	case <-p.fillC:
		t.Fatal("mismatched event resolved the waiter")
	default:
	}
}

func TestHybridFullFillHedgesScaled(t *testing.T) {
	maker := newFakeLeg(models.KindSpot, "BTCUSDT", 0.00001)
	taker := newFakeLeg(models.KindInverse, "BTCUSD_PERP", 1)
	taker.contract = 100

	registry := NewRegistry()
	maker.onPlaced = func(id int64) {
		maker.setStatus(id, models.OrderStatusFilled, 0.02)
		registry.OnFill(models.FillEvent{
			Key: maker.key, OrderID: id,
			Status: models.OrderStatusFilled, CumQty: 0.02,
		})
	}

	h := NewHybridExecutor(registry, execCfg())
	res, err := h.Execute(context.Background(), Plan{
		MakerLeg: maker, TakerLeg: taker,
		MakerSide: venue.Buy, TakerSide: venue.Sell,
		MakerQty: 0.02, TakerQty: 10, MakerPrice: 49990,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.MakerQty != 0.02 {
		t.Fatalf("maker qty = %v, want 0.02", res.MakerQty)
	}
	if res.TakerQty != 10 {
		t.Fatalf("taker qty = %v, want 10", res.TakerQty)
	}
	hedges := taker.marketOrders()
	if len(hedges) != 1 {
		t.Fatalf("hedge orders = %d, want 1", len(hedges))
	}
	if hedges[0].reduceOnly {
		t.Fatal("entry hedge must not be reduce-only")
	}
	if hedges[0].side != venue.Sell {
		t.Fatalf("hedge side = %s, want SELL", hedges[0].side)
	}
	if registry.Len() != 0 {
		t.Fatalf("registry not drained, len = %d", registry.Len())
	}
}

func TestHybridPartialFillScalesHedgeDown(t *testing.T) {
	maker := newFakeLeg(models.KindSpot, "BTCUSDT", 0.00001)
	taker := newFakeLeg(models.KindInverse, "BTCUSD_PERP", 1)
	taker.contract = 100

	registry := NewRegistry()
	maker.onPlaced = func(id int64) {
		// 40% of the maker target filled.
		maker.setStatus(id, models.OrderStatusPartiallyFilled, 0.008)
		registry.OnFill(models.FillEvent{
			Key: maker.key, OrderID: id,
			Status: models.OrderStatusPartiallyFilled, CumQty: 0.008,
		})
	}

	h := NewHybridExecutor(registry, execCfg())
	res, err := h.Execute(context.Background(), Plan{
		MakerLeg: maker, TakerLeg: taker,
		MakerSide: venue.Buy, TakerSide: venue.Sell,
		MakerQty: 0.02, TakerQty: 10, MakerPrice: 49990,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// 10 contracts * 0.4 = 4 contracts.
	if res.TakerQty != 4 {
		t.Fatalf("taker qty = %v, want 4", res.TakerQty)
	}
	if len(maker.cancelled) != 1 {
		t.Fatalf("cancels = %d, want 1 (remainder must be pulled)", len(maker.cancelled))
	}
}

func TestHybridTinyFillHedgesOneContract(t *testing.T) {
	maker := newFakeLeg(models.KindSpot, "BTCUSDT", 0.00001)
	taker := newFakeLeg(models.KindInverse, "BTCUSD_PERP", 1)
	taker.contract = 100

	registry := NewRegistry()
	maker.onPlaced = func(id int64) {
		maker.setStatus(id, models.OrderStatusPartiallyFilled, 0.0005)
		registry.OnFill(models.FillEvent{
			Key: maker.key, OrderID: id,
			Status: models.OrderStatusPartiallyFilled, CumQty: 0.0005,
		})
	}

	cfg := execCfg()
	cfg.Wait = 20 * time.Millisecond
	h := NewHybridExecutor(registry, cfg)
	res, err := h.Execute(context.Background(), Plan{
		MakerLeg: maker, TakerLeg: taker,
		MakerSide: venue.Buy, TakerSide: venue.Sell,
		MakerQty: 0.02, TakerQty: 10, MakerPrice: 49990,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// 10 * 0.025 = 0.25 contracts rounds to the one-contract floor.
	if res.TakerQty != 1 {
		t.Fatalf("taker qty = %v, want 1", res.TakerQty)
	}
}

func TestHybridUnfilledCancelsAndAbandons(t *testing.T) {
	maker := newFakeLeg(models.KindSpot, "BTCUSDT", 0.00001)
	taker := newFakeLeg(models.KindInverse, "BTCUSD_PERP", 1)

	cfg := execCfg()
	cfg.Wait = 20 * time.Millisecond
	h := NewHybridExecutor(NewRegistry(), cfg)
	_, err := h.Execute(context.Background(), Plan{
		MakerLeg: maker, TakerLeg: taker,
		MakerSide: venue.Buy, TakerSide: venue.Sell,
		MakerQty: 0.02, TakerQty: 10, MakerPrice: 49990,
	})
	if !errors.Is(err, ErrMakerUnfilled) {
		t.Fatalf("err = %v, want ErrMakerUnfilled", err)
	}
	if len(maker.cancelled) != 1 {
		t.Fatalf("cancels = %d, want 1", len(maker.cancelled))
	}
	if len(taker.marketOrders()) != 0 {
		t.Fatal("hedge placed despite zero maker fill")
	}
}

func TestHybridHedgeFailureIsLoud(t *testing.T) {
	maker := newFakeLeg(models.KindSpot, "BTCUSDT", 0.00001)
	taker := newFakeLeg(models.KindInverse, "BTCUSD_PERP", 1)
	taker.marketErr = errors.New("venue unavailable")

	registry := NewRegistry()
	maker.onPlaced = func(id int64) {
		maker.setStatus(id, models.OrderStatusFilled, 0.02)
		registry.OnFill(models.FillEvent{
			Key: maker.key, OrderID: id,
			Status: models.OrderStatusFilled, CumQty: 0.02,
		})
	}

	h := NewHybridExecutor(registry, execCfg())
	res, err := h.Execute(context.Background(), Plan{
		MakerLeg: maker, TakerLeg: taker,
		MakerSide: venue.Buy, TakerSide: venue.Sell,
		MakerQty: 0.02, TakerQty: 10, MakerPrice: 49990,
	})
	if !errors.Is(err, ErrHedgeFailed) {
		t.Fatalf("err = %v, want ErrHedgeFailed", err)
	}
	if res.MakerQty != 0.02 {
		t.Fatalf("naked maker qty = %v, want 0.02", res.MakerQty)
	}
}

func TestRescueFlattensOneSidedFill(t *testing.T) {
	a := newFakeLeg(models.KindSpot, "BTCUSDT", 0.00001)
	b := newFakeLeg(models.KindInverse, "BTCUSD_PERP", 1)
	b.contract = 100
	b.statusErr = errors.New("timeout")

	refA, _ := a.PlaceMarket(context.Background(), venue.Buy, 0.02, false)
	refB := venue.OrderRef{ID: 99}
	a.setStatus(refA.ID, models.OrderStatusFilled, 0.02)

	m := NewRescueMonitor(execCfg())
	filledA, filledB := m.Watch(context.Background(),
		LegOrder{Leg: a, Ref: refA, Side: venue.Buy},
		LegOrder{Leg: b, Ref: refB, Side: venue.Sell},
	)
	if filledA != 0.02 || filledB != 0 {
		t.Fatalf("fills = (%v, %v), want (0.02, 0)", filledA, filledB)
	}

	// The filled spot leg must be sold back out.
	orders := a.marketOrders()
	if len(orders) != 2 {
		t.Fatalf("market orders on leg a = %d, want 2", len(orders))
	}
	flat := orders[1]
	if flat.side != venue.Sell || flat.qty != 0.02 {
		t.Fatalf("flatten = %+v, want SELL 0.02", flat)
	}
	if flat.reduceOnly {
		t.Fatal("spot flatten must not be reduce-only")
	}
}

func TestRescueBothFilledNoAction(t *testing.T) {
	a := newFakeLeg(models.KindSpot, "BTCUSDT", 0.00001)
	b := newFakeLeg(models.KindInverse, "BTCUSD_PERP", 1)

	refA, _ := a.PlaceMarket(context.Background(), venue.Buy, 0.02, false)
	refB, _ := b.PlaceMarket(context.Background(), venue.Sell, 10, false)
	a.setStatus(refA.ID, models.OrderStatusFilled, 0.02)
	b.setStatus(refB.ID, models.OrderStatusFilled, 10)

	m := NewRescueMonitor(execCfg())
	filledA, filledB := m.Watch(context.Background(),
		LegOrder{Leg: a, Ref: refA, Side: venue.Buy},
		LegOrder{Leg: b, Ref: refB, Side: venue.Sell},
	)
	if filledA != 0.02 || filledB != 10 {
		t.Fatalf("fills = (%v, %v), want (0.02, 10)", filledA, filledB)
	}
	if len(a.marketOrders()) != 1 || len(b.marketOrders()) != 1 {
		t.Fatal("rescue placed extra orders on fully-hedged pair")
	}
}

package strategy

import (
	"context"
	"testing"
	"time"

	"arbflow/config"
	"arbflow/models"
	"arbflow/venue"
)

func TestExitTriggerTable(t *testing.T) {
	cfg := config.StrategyConfig{
		ExitBps: 2,
		StopBps: 100,
		MaxHold: 1800 * time.Second,
	}

	cases := []struct {
		name   string
		side   models.PairSide
		spread float64
		held   time.Duration
		want   string
	}{
		{"pos converged takes profit", models.SidePos, 1.5, 10 * time.Second, ReasonProfitTake},
		{"pos still wide holds", models.SidePos, 2.5, 10 * time.Second, ""},
		{"pos blowout stops", models.SidePos, 120, 10 * time.Second, ReasonStopLoss},
		{"pos at stop boundary stops", models.SidePos, 100, 10 * time.Second, ReasonStopLoss},
		{"neg converged takes profit", models.SideNeg, -1.5, 10 * time.Second, ReasonProfitTake},
		{"neg still wide holds", models.SideNeg, -2.5, 10 * time.Second, ""},
		{"neg blowout stops", models.SideNeg, -120, 10 * time.Second, ReasonStopLoss},
		{"pos hold limit forces unwind", models.SidePos, 2.5, 1801 * time.Second, ReasonMaxHold},
		{"price trigger beats hold limit", models.SidePos, 1.5, 1801 * time.Second, ReasonProfitTake},
	}
	for _, tc := range cases {
		if got := exitTrigger(tc.side, tc.spread, tc.held, cfg); got != tc.want {
			t.Errorf("%s: trigger = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTryExitRejectsStaleTick(t *testing.T) {
	now := time.Now()
	qSnap, hSnap := richQuoteBooks(now)
	quote := &stubLeg{key: models.NewMarketKey(models.KindInverse, "BTCUSD_PERP"), snap: qSnap, ready: false, ref: 50000, contract: 100, step: 1}
	hedge := &stubLeg{key: models.NewMarketKey(models.KindSpot, "BTCUSDT"), snap: hSnap, ready: true, ref: 50000, step: 0.00001}

	e, _ := newTestEngine(engineCfg(), quote, hedge, &stubLiquidity{notional: 1e6})
	pos := models.Position{
		TradeID:  "t1",
		Side:     models.SidePos,
		QuoteQty: 10,
		HedgeQty: 0.02,
		QuoteKey: quote.key,
		HedgeKey: hedge.key,
		OpenedAt: now,
	}
	if closed, _ := e.TryExit(context.Background(), pos); closed {
		t.Fatal("exit evaluated on a stale quote book")
	}
	if len(quote.placed()) != 0 || len(hedge.placed()) != 0 {
		t.Fatal("orders placed on a stale tick")
	}
}

func TestTryExitProfitTakeUnwindsReduceOnly(t *testing.T) {
	now := time.Now()
	qSnap, hSnap := richQuoteBooks(now)
	// Spread collapsed to ~0.4bp, under the 1bp exit threshold.
	quote := &stubLeg{key: models.NewMarketKey(models.KindInverse, "BTCUSD_PERP"), snap: qSnap, ready: true, ref: 50002, contract: 100, step: 1}
	hedge := &stubLeg{key: models.NewMarketKey(models.KindSpot, "BTCUSDT"), snap: hSnap, ready: true, ref: 50000, step: 0.00001}

	e, _ := newTestEngine(engineCfg(), quote, hedge, &stubLiquidity{notional: 1e6})
	pos := models.Position{
		TradeID:  "t2",
		Side:     models.SidePos,
		QuoteQty: 10,
		HedgeQty: 0.02,
		QuoteKey: quote.key,
		HedgeKey: hedge.key,
		OpenedAt: now,
	}

	closed, reason := e.TryExit(context.Background(), pos)
	if !closed {
		t.Fatal("expected a profit-take exit")
	}
	if reason != ReasonProfitTake {
		t.Fatalf("reason = %q, want %q", reason, ReasonProfitTake)
	}

	qOrders := quote.placed()
	hOrders := hedge.placed()
	if len(qOrders) != 1 || len(hOrders) != 1 {
		t.Fatalf("orders = (%d, %d), want one per leg", len(qOrders), len(hOrders))
	}
	// POS entered short quote / long hedge: exit buys quote, sells hedge.
	if qOrders[0].side != venue.Buy || qOrders[0].qty != 10 {
		t.Fatalf("quote unwind = %+v, want BUY 10", qOrders[0])
	}
	if !qOrders[0].reduceOnly {
		t.Fatal("perp unwind must be reduce-only")
	}
	if hOrders[0].side != venue.Sell || hOrders[0].qty != 0.02 {
		t.Fatalf("hedge unwind = %+v, want SELL 0.02", hOrders[0])
	}
	if hOrders[0].reduceOnly {
		t.Fatal("spot unwind must not be reduce-only")
	}
}

func TestTryExitMaxHold(t *testing.T) {
	now := time.Now()
	qSnap, hSnap := richQuoteBooks(now)
	// Spread pinned between exit and stop so only the hold limit can fire.
	quote := &stubLeg{key: models.NewMarketKey(models.KindInverse, "BTCUSD_PERP"), snap: qSnap, ready: true, ref: 50025, contract: 100, step: 1}
	hedge := &stubLeg{key: models.NewMarketKey(models.KindSpot, "BTCUSDT"), snap: hSnap, ready: true, ref: 50000, step: 0.00001}

	e, _ := newTestEngine(engineCfg(), quote, hedge, &stubLiquidity{notional: 1e6})
	pos := models.Position{
		TradeID:  "t3",
		Side:     models.SidePos,
		QuoteQty: 10,
		HedgeQty: 0.02,
		QuoteKey: quote.key,
		HedgeKey: hedge.key,
		OpenedAt: now.Add(-time.Hour),
	}

	closed, reason := e.TryExit(context.Background(), pos)
	if !closed || reason != ReasonMaxHold {
		t.Fatalf("exit = (%v, %q), want max_hold", closed, reason)
	}
}

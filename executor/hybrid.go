package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"arbflow/config"
	"arbflow/logger"
	"arbflow/venue"
)

// ErrHedgeFailed is returned when the maker leg filled but the taker hedge
// could not be placed. The position is naked and the caller must escalate.
var ErrHedgeFailed = errors.New("hedge order failed after maker fill")

// ErrMakerUnfilled is returned when the maker order saw no executions within
// the wait window and was cancelled. Nothing is at risk.
var ErrMakerUnfilled = errors.New("maker order unfilled within wait window")

// Plan is one fully-priced hybrid execution: a post-only maker order on one
// leg, hedged by a market order on the other once the maker fills.
type Plan struct {
	MakerLeg   venue.Leg
	TakerLeg   venue.Leg
	MakerSide  venue.Side
	TakerSide  venue.Side
	MakerQty   float64
	TakerQty   float64
	MakerPrice float64
}

// Result reports what actually traded. MakerQty is the confirmed maker fill;
// TakerQty is the hedge quantity sent, already scaled to the fill ratio.
type Result struct {
	MakerOrder venue.OrderRef
	TakerOrder venue.OrderRef
	MakerQty   float64
	TakerQty   float64
}

// HybridExecutor places a maker order at the top of the book, waits for the
// user stream to report a fill, then hedges the filled fraction with a taker
// order on the opposite leg.
type HybridExecutor struct {
	registry *Registry
	cfg      config.ExecConfig
	log      *logger.Entry
}

// NewHybridExecutor builds an executor sharing the given fill registry.
func NewHybridExecutor(registry *Registry, cfg config.ExecConfig) *HybridExecutor {
	return &HybridExecutor{
		registry: registry,
		cfg:      cfg,
		log:      logger.GetLogger().WithComponent("executor.hybrid"),
	}
}

// Execute runs one hybrid entry. The maker order is never reduce-only and the
// hedge is never reduce-only: entries add exposure on both legs.
//
// On a zero fill the maker order is cancelled and ErrMakerUnfilled returned.
// On a partial fill the remainder is cancelled and only the filled fraction is
// hedged. A hedge placement failure after a confirmed maker fill returns
// ErrHedgeFailed with the naked maker quantity in the Result.
func (h *HybridExecutor) Execute(ctx context.Context, plan Plan) (Result, error) {
	res := Result{}

	ref, err := plan.MakerLeg.PlaceLimitMaker(ctx, plan.MakerSide, plan.MakerQty, plan.MakerPrice)
	if err != nil {
		return res, fmt.Errorf("place maker order: %w", err)
	}
	res.MakerOrder = ref

	log := h.log.WithFields(logger.Fields{
		"maker":    plan.MakerLeg.Key().String(),
		"taker":    plan.TakerLeg.Key().String(),
		"order_id": ref.ID,
	})
	log.WithFields(logger.Fields{
		"side":  string(plan.MakerSide),
		"qty":   plan.MakerQty,
		"price": plan.MakerPrice,
	}).Info("maker order placed")

	pending, err := h.registry.Register(ref.ID, plan.MakerLeg.Key(), plan.TakerLeg.Key())
	if err != nil {
		h.cancelQuiet(ctx, plan.MakerLeg, ref.ID)
		return res, fmt.Errorf("register maker order: %w", err)
	}
	defer h.registry.Remove(ref.ID)

	deadline := time.Now().Add(h.cfg.Wait)
	ev, gotFill := pending.Wait(ctx, h.cfg.Wait)

	filled := 0.0
	if gotFill {
		filled = ev.Qty()
		// A small partial keeps resting for the remainder of the window;
		// the status query below picks up anything that accrued.
		if filled < h.cfg.MinFillRatio*plan.MakerQty {
			h.sleepUntil(ctx, deadline)
		}
	}
	// The fill may also have raced a timeout, so the order is always
	// cancelled and the status query trusted over stream silence.
	h.cancelQuiet(ctx, plan.MakerLeg, ref.ID)

	if st, serr := plan.MakerLeg.OrderStatus(ctx, ref.ID); serr == nil {
		if st.ExecutedQty > filled {
			filled = st.ExecutedQty
		}
	} else {
		log.WithError(serr).Warn("maker status query failed, using stream quantity")
	}

	if filled <= 0 {
		log.Info("maker order unfilled, abandoning")
		return res, ErrMakerUnfilled
	}
	res.MakerQty = filled

	ratio := filled / plan.MakerQty
	if ratio > 1 {
		ratio = 1
	}
	hedgeQty := h.scaleHedge(plan.TakerLeg, plan.TakerQty*ratio)
	log.WithFields(logger.Fields{
		"filled":     filled,
		"fill_ratio": ratio,
		"hedge_qty":  hedgeQty,
	}).Info("maker fill confirmed, hedging")

	takerRef, err := plan.TakerLeg.PlaceMarket(ctx, plan.TakerSide, hedgeQty, false)
	if err != nil {
		logger.IncrementHedgeFailure()
		log.WithError(err).Error("hedge order failed, position is naked")
		return res, fmt.Errorf("%w: %v", ErrHedgeFailed, err)
	}
	res.TakerOrder = takerRef
	res.TakerQty = hedgeQty
	return res, nil
}

// scaleHedge rounds the quantity down to the taker leg's step, with a floor of
// one step so a tiny maker fill still gets some hedge. Inverse legs trade
// whole contracts.
func (h *HybridExecutor) scaleHedge(leg venue.Leg, qty float64) float64 {
	step := leg.QtyStep()
	if leg.ContractSize() > 0 && step < 1 {
		step = 1
	}
	if step <= 0 {
		return qty
	}
	scaled := math.Floor(qty/step) * step
	if scaled < step {
		scaled = step
	}
	return scaled
}

func (h *HybridExecutor) sleepUntil(ctx context.Context, deadline time.Time) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (h *HybridExecutor) cancelQuiet(ctx context.Context, leg venue.Leg, id int64) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := leg.Cancel(cctx, id); err != nil {
		h.log.WithError(err).WithFields(logger.Fields{
			"market":   leg.Key().String(),
			"order_id": id,
		}).Warn("cancel failed")
	}
}

package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbflow/bus"
	"arbflow/config"
	"arbflow/executor"
	"arbflow/logger"
	"arbflow/models"
	"arbflow/venue"
)

// allowOpen is the margin pass/fail hook consumed as an external signal when
// strategy.margin_check is enabled. The default always passes; deployments
// with a margin feed swap it in at startup.
var allowOpen = func() bool { return true }

// Engine runs the evaluation loop: one open position at a time, entries from
// per-level candidates behind the liquidity and slippage gates, exits from
// the trigger table.
type Engine struct {
	cfg      *config.Config
	bus      *bus.Bus
	quote    venue.Leg
	hedge    venue.Leg
	quoteLiq venue.Liquidity
	hedgeLiq venue.Liquidity
	hybrid   *executor.HybridExecutor
	rescue   *executor.RescueMonitor

	mu       sync.Mutex
	position *models.Position
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *logger.Entry
}

// NewEngine wires the strategy over its collaborators. Liquidity sources may
// differ per leg when the legs run on different venues.
func NewEngine(cfg *config.Config, b *bus.Bus, quote, hedge venue.Leg, quoteLiq, hedgeLiq venue.Liquidity, hybrid *executor.HybridExecutor, rescue *executor.RescueMonitor) *Engine {
	return &Engine{
		cfg:      cfg,
		bus:      b,
		quote:    quote,
		hedge:    hedge,
		quoteLiq: quoteLiq,
		hedgeLiq: hedgeLiq,
		hybrid:   hybrid,
		rescue:   rescue,
		log:      logger.GetLogger().WithComponent("strategy"),
	}
}

// Start launches the evaluation loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("strategy engine already running")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	e.wg.Add(1)
	go e.run()

	e.log.WithFields(logger.Fields{
		"quote":    e.quote.Key().String(),
		"hedge":    e.hedge.Key().String(),
		"interval": e.cfg.Strategy.TickInterval.String(),
		"mode":     e.cfg.Execution.Mode,
	}).Info("strategy engine started")
	return nil
}

// Stop cancels the loop and waits for in-flight work, including any rescue
// monitors spawned by taker entries.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info("strategy engine stopped")
}

// Position returns the currently open position, if any.
func (e *Engine) Position() (models.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil {
		return models.Position{}, false
	}
	return *e.position, true
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Strategy.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	e.mu.Lock()
	open := e.position
	e.mu.Unlock()

	if open != nil {
		if closed, _ := e.TryExit(e.ctx, *open); closed {
			e.mu.Lock()
			e.position = nil
			e.mu.Unlock()
		}
		return
	}

	if ok, pos := e.TryEnter(e.ctx); ok {
		e.mu.Lock()
		e.position = &pos
		e.mu.Unlock()
	}
}

// TryEnter evaluates one entry cycle. Any gate failure is a normal "no trade"
// outcome, not an error.
func (e *Engine) TryEnter(ctx context.Context) (bool, models.Position) {
	depth := e.cfg.Strategy.DepthLevels
	if depth <= 0 {
		depth = 5
	}
	qSnap, ok := e.quote.Books(depth)
	if !ok {
		return false, models.Position{}
	}
	hSnap, ok := e.hedge.Books(depth)
	if !ok {
		return false, models.Position{}
	}

	skew := qSnap.Time.Sub(hSnap.Time)
	if skew < 0 {
		skew = -skew
	}
	if skew > e.cfg.Strategy.MaxSkew {
		e.log.WithFields(logger.Fields{"skew": skew.String()}).Debug("leg snapshots skewed, skipping cycle")
		return false, models.Position{}
	}

	quoteView := LegView{Snap: qSnap, ContractSize: e.quote.ContractSize(), QtyStep: e.quote.QtyStep()}
	hedgeView := LegView{Snap: hSnap, ContractSize: e.hedge.ContractSize(), QtyStep: e.hedge.QtyStep()}

	pos, posOK, neg, negOK := Candidates(quoteView, hedgeView, e.cfg.Strategy)
	var cand models.Candidate
	switch {
	case posOK && (!negOK || pos.EdgeBps >= -neg.EdgeBps):
		cand = pos
	case negOK:
		cand = neg
	default:
		return false, models.Position{}
	}

	if !e.liquidityOK(ctx) {
		return false, models.Position{}
	}
	if !e.slippageOK(cand, qSnap, hSnap) {
		return false, models.Position{}
	}
	if e.cfg.Strategy.MarginCheck && !allowOpen() {
		e.log.Warn("margin gate rejected entry")
		return false, models.Position{}
	}

	var (
		position models.Position
		err      error
	)
	if e.cfg.Execution.Mode == "hybrid" {
		position, err = e.enterHybrid(ctx, cand, qSnap, hSnap)
	} else {
		position, err = e.enterTaker(ctx, cand)
	}
	if err != nil {
		if !errors.Is(err, executor.ErrMakerUnfilled) {
			e.log.WithError(err).Error("entry failed")
		}
		return false, models.Position{}
	}

	e.bus.Publish(bus.TopicTrades, position.QuoteKey, models.TradeRecord{
		TradeID:  position.TradeID,
		Event:    models.TradeEventOpen,
		Side:     position.Side,
		QuoteKey: position.QuoteKey,
		HedgeKey: position.HedgeKey,
		QuoteQty: position.QuoteQty,
		HedgeQty: position.HedgeQty,
		QuotePx:  cand.QuotePx,
		HedgePx:  cand.HedgePx,
		EdgeBps:  cand.EdgeBps,
		Time:     position.OpenedAt,
	})
	logger.IncrementTradeOpen()
	e.log.WithFields(logger.Fields{
		"trade_id": position.TradeID,
		"side":     string(position.Side),
		"edge_bps": cand.EdgeBps,
		"level":    cand.Level,
	}).Info("position opened")
	return true, position
}

// liquidityOK rejects the cycle when the per-trade notional exceeds the
// configured fraction of either leg's trailing-minute traded notional. A
// failed lookup also rejects: an unverifiable cap is treated as exceeded.
func (e *Engine) liquidityOK(ctx context.Context) bool {
	frac := e.cfg.Strategy.LiquidityCapFrac
	if frac <= 0 {
		return true
	}
	target := e.cfg.Strategy.TargetNotional
	for _, leg := range []struct {
		liq venue.Liquidity
		key models.MarketKey
	}{
		{e.quoteLiq, e.quote.Key()},
		{e.hedgeLiq, e.hedge.Key()},
	} {
		vol, err := leg.liq.TrailingMinuteNotional(ctx, leg.key)
		if err != nil {
			e.log.WithError(err).WithFields(logger.Fields{"market": leg.key.String()}).Warn("liquidity lookup failed, rejecting cycle")
			return false
		}
		if target > frac*vol {
			e.log.WithFields(logger.Fields{
				"market":   leg.key.String(),
				"target":   target,
				"cap":      frac * vol,
				"trailing": vol,
			}).Debug("liquidity cap exceeded")
			return false
		}
	}
	return true
}

// slippageOK re-derives each leg's VWAP over the candidate quantity and
// rejects when it deviates from the best price beyond the per-kind threshold.
func (e *Engine) slippageOK(cand models.Candidate, qSnap, hSnap models.Snapshot) bool {
	qSide, hSide := entrySides(cand.Side)

	qLevels := qSnap.Bids
	if qSide == venue.Buy {
		qLevels = qSnap.Asks
	}
	hLevels := hSnap.Bids
	if hSide == venue.Buy {
		hLevels = hSnap.Asks
	}

	qSlip := SlippageBps(qLevels, cand.QuoteQty)
	hSlip := SlippageBps(hLevels, cand.HedgeQty)
	qMax := e.slipThreshold(e.quote.Key().Kind)
	hMax := e.slipThreshold(e.hedge.Key().Kind)
	if qSlip > qMax || hSlip > hMax {
		e.log.WithFields(logger.Fields{
			"quote_bps": qSlip,
			"hedge_bps": hSlip,
		}).Debug("slippage over threshold")
		return false
	}
	return true
}

func (e *Engine) slipThreshold(kind models.VenueKind) float64 {
	switch kind {
	case models.KindInverse:
		return e.cfg.Strategy.MaxSlippageBps.Inverse
	case models.KindLinear:
		return e.cfg.Strategy.MaxSlippageBps.Linear
	default:
		return e.cfg.Strategy.MaxSlippageBps.Spot
	}
}

// enterTaker fires market orders on both legs, then hands them to the rescue
// monitor in case one leg fills alone.
func (e *Engine) enterTaker(ctx context.Context, cand models.Candidate) (models.Position, error) {
	qSide, hSide := entrySides(cand.Side)

	qRef, err := e.quote.PlaceMarket(ctx, qSide, cand.QuoteQty, false)
	if err != nil {
		return models.Position{}, fmt.Errorf("quote leg order: %w", err)
	}
	hRef, err := e.hedge.PlaceMarket(ctx, hSide, cand.HedgeQty, false)
	if err != nil {
		// The quote leg may be filling alone. Flatten it rather than
		// carry a naked position.
		logger.IncrementHedgeFailure()
		e.log.WithError(err).Error("hedge leg order failed, flattening quote leg")
		if _, ferr := e.quote.PlaceMarket(ctx, qSide.Opposite(), cand.QuoteQty, e.quote.IsPerp()); ferr != nil {
			e.log.WithError(ferr).Error("quote flatten failed, manual intervention required")
		}
		return models.Position{}, fmt.Errorf("hedge leg order: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.rescue.Watch(ctx,
			executor.LegOrder{Leg: e.quote, Ref: qRef, Side: qSide},
			executor.LegOrder{Leg: e.hedge, Ref: hRef, Side: hSide},
		)
	}()

	return e.newPosition(cand.Side, cand.QuoteQty, cand.HedgeQty), nil
}

// enterHybrid rests a post-only maker on the configured leg and hedges the
// confirmed fill with a taker on the other.
func (e *Engine) enterHybrid(ctx context.Context, cand models.Candidate, qSnap, hSnap models.Snapshot) (models.Position, error) {
	qSide, hSide := entrySides(cand.Side)

	makerIsQuote := e.cfg.Execution.MakerLeg != "hedge"
	plan := executor.Plan{}
	if makerIsQuote {
		plan.MakerLeg, plan.TakerLeg = e.quote, e.hedge
		plan.MakerSide, plan.TakerSide = qSide, hSide
		plan.MakerQty, plan.TakerQty = cand.QuoteQty, cand.HedgeQty
		plan.MakerPrice = makerPrice(qSnap, qSide)
	} else {
		plan.MakerLeg, plan.TakerLeg = e.hedge, e.quote
		plan.MakerSide, plan.TakerSide = hSide, qSide
		plan.MakerQty, plan.TakerQty = cand.HedgeQty, cand.QuoteQty
		plan.MakerPrice = makerPrice(hSnap, hSide)
	}
	if plan.MakerPrice <= 0 {
		return models.Position{}, errors.New("no resting level for maker price")
	}

	res, err := e.hybrid.Execute(ctx, plan)
	if err != nil {
		return models.Position{}, err
	}

	if makerIsQuote {
		return e.newPosition(cand.Side, res.MakerQty, res.TakerQty), nil
	}
	return e.newPosition(cand.Side, res.TakerQty, res.MakerQty), nil
}

// makerPrice joins the best same-side level: buys rest at the best bid, sells
// at the best ask.
func makerPrice(snap models.Snapshot, side venue.Side) float64 {
	if side == venue.Buy {
		if len(snap.Bids) == 0 {
			return 0
		}
		return snap.Bids[0].Price
	}
	if len(snap.Asks) == 0 {
		return 0
	}
	return snap.Asks[0].Price
}

func (e *Engine) newPosition(side models.PairSide, quoteQty, hedgeQty float64) models.Position {
	return models.Position{
		TradeID:  uuid.NewString(),
		Side:     side,
		QuoteQty: quoteQty,
		HedgeQty: hedgeQty,
		QuoteKey: e.quote.Key(),
		HedgeKey: e.hedge.Key(),
		OpenedAt: time.Now(),
	}
}

// SpreadNow reports the live spread between the two legs' reference prices,
// for diagnostics. ok is false when either reference is unavailable.
func (e *Engine) SpreadNow() (float64, bool) {
	qRef := e.quote.RefPrice()
	hRef := e.hedge.RefPrice()
	if qRef <= 0 || hRef <= 0 {
		return 0, false
	}
	return SpreadBps(qRef, hRef), true
}

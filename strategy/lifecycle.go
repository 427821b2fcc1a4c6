package strategy

import (
	"context"
	"fmt"
	"time"

	"arbflow/bus"
	"arbflow/config"
	"arbflow/logger"
	"arbflow/models"
	"arbflow/venue"
)

// Exit reasons recorded on the trade topic.
const (
	ReasonProfitTake = "profit_take"
	ReasonStopLoss   = "stop_loss"
	ReasonMaxHold    = "max_hold"
)

// exitTrigger evaluates the exit table for an open position. Price triggers
// are checked before the hold limit; the first match wins. Returns "" when
// nothing fires.
func exitTrigger(side models.PairSide, spreadBps float64, held time.Duration, cfg config.StrategyConfig) string {
	switch side {
	case models.SidePos:
		if spreadBps <= cfg.ExitBps {
			return ReasonProfitTake
		}
		if spreadBps >= cfg.StopBps {
			return ReasonStopLoss
		}
	case models.SideNeg:
		if spreadBps >= -cfg.ExitBps {
			return ReasonProfitTake
		}
		if spreadBps <= -cfg.StopBps {
			return ReasonStopLoss
		}
	}
	if held >= cfg.MaxHold {
		return ReasonMaxHold
	}
	return ""
}

// entrySides returns the order side per leg for opening the pair. POS sells
// the quote leg against a hedge buy; NEG is the mirror.
func entrySides(side models.PairSide) (quote, hedge venue.Side) {
	if side == models.SidePos {
		return venue.Sell, venue.Buy
	}
	return venue.Buy, venue.Sell
}

// TryExit evaluates the open position against the trigger table and unwinds
// it when a trigger fires. A tick with a stale reference price on either leg
// is rejected without evaluating.
func (e *Engine) TryExit(ctx context.Context, pos models.Position) (bool, string) {
	if _, ok := e.quote.Books(1); !ok {
		return false, ""
	}
	if _, ok := e.hedge.Books(1); !ok {
		return false, ""
	}
	qRef := e.quote.RefPrice()
	hRef := e.hedge.RefPrice()
	if qRef <= 0 || hRef <= 0 {
		return false, ""
	}

	spread := SpreadBps(qRef, hRef)
	reason := exitTrigger(pos.Side, spread, pos.Held(time.Now()), e.cfg.Strategy)
	if reason == "" {
		return false, ""
	}

	e.log.WithFields(logger.Fields{
		"trade_id":   pos.TradeID,
		"side":       string(pos.Side),
		"spread_bps": spread,
		"reason":     reason,
	}).Info("exit triggered")

	e.close(ctx, pos)

	e.bus.Publish(bus.TopicTrades, pos.QuoteKey, models.TradeRecord{
		TradeID:  pos.TradeID,
		Event:    models.TradeEventClose,
		Side:     pos.Side,
		QuoteKey: pos.QuoteKey,
		HedgeKey: pos.HedgeKey,
		QuoteQty: pos.QuoteQty,
		HedgeQty: pos.HedgeQty,
		QuotePx:  qRef,
		HedgePx:  hRef,
		EdgeBps:  spread,
		Reason:   reason,
		Time:     time.Now(),
	})
	logger.IncrementTradeClose()
	return true, reason
}

// close submits opposing market orders on both legs, reduce-only where the
// leg is perpetual. Legs without a recorded quantity fall back to a
// notional-derived estimate.
func (e *Engine) close(ctx context.Context, pos models.Position) {
	qSide, hSide := entrySides(pos.Side)
	qSide, hSide = qSide.Opposite(), hSide.Opposite()

	qQty := pos.QuoteQty
	if qQty <= 0 {
		qQty = e.quote.QtyFromNotional(e.cfg.Strategy.TargetNotional)
	}
	hQty := pos.HedgeQty
	if hQty <= 0 {
		hQty = e.hedge.QtyFromNotional(e.cfg.Strategy.TargetNotional)
	}

	if err := e.closeLeg(ctx, e.quote, qSide, qQty); err != nil {
		e.log.WithError(err).WithFields(logger.Fields{
			"trade_id": pos.TradeID,
			"market":   pos.QuoteKey.String(),
		}).Error("quote leg unwind failed")
	}
	if err := e.closeLeg(ctx, e.hedge, hSide, hQty); err != nil {
		e.log.WithError(err).WithFields(logger.Fields{
			"trade_id": pos.TradeID,
			"market":   pos.HedgeKey.String(),
		}).Error("hedge leg unwind failed")
	}
}

func (e *Engine) closeLeg(ctx context.Context, leg venue.Leg, side venue.Side, qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("no quantity to unwind on %s", leg.Key().String())
	}
	_, err := leg.PlaceMarket(ctx, side, qty, leg.IsPerp())
	return err
}

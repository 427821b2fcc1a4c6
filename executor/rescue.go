package executor

import (
	"context"
	"time"

	"arbflow/config"
	"arbflow/logger"
	"arbflow/venue"
)

// LegOrder is one half of a taker/taker pair under rescue supervision.
type LegOrder struct {
	Leg  venue.Leg
	Ref  venue.OrderRef
	Side venue.Side
}

// RescueMonitor watches a pair of simultaneous taker orders. Market orders
// almost always fill, but a venue rejection or a momentary outage can leave
// one leg filled and the other not, which is an unhedged position.
type RescueMonitor struct {
	cfg config.ExecConfig
	log *logger.Entry
}

// NewRescueMonitor builds a monitor using the execution timing config.
func NewRescueMonitor(cfg config.ExecConfig) *RescueMonitor {
	return &RescueMonitor{
		cfg: cfg,
		log: logger.GetLogger().WithComponent("executor.rescue"),
	}
}

// Watch polls both orders until both show fills or the rescue timeout lapses.
// If exactly one leg filled by the deadline, that leg is flattened with a
// reversing market order, reduce-only where the venue supports it. Returns the
// filled quantities observed on each leg.
func (m *RescueMonitor) Watch(ctx context.Context, a, b LegOrder) (filledA, filledB float64) {
	deadline := time.Now().Add(m.cfg.RescueTimeout)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		filledA = m.executedQty(ctx, a, filledA)
		filledB = m.executedQty(ctx, b, filledB)
		if filledA > 0 && filledB > 0 {
			return filledA, filledB
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return filledA, filledB
		}
	}

	switch {
	case filledA > 0 && filledB <= 0:
		m.flatten(ctx, a, filledA)
	case filledB > 0 && filledA <= 0:
		m.flatten(ctx, b, filledB)
	case filledA <= 0 && filledB <= 0:
		m.log.WithFields(logger.Fields{
			"leg_a": a.Leg.Key().String(),
			"leg_b": b.Leg.Key().String(),
		}).Warn("neither taker leg filled within rescue window")
	}
	return filledA, filledB
}

func (m *RescueMonitor) executedQty(ctx context.Context, lo LegOrder, prev float64) float64 {
	st, err := lo.Leg.OrderStatus(ctx, lo.Ref.ID)
	if err != nil {
		m.log.WithError(err).WithFields(logger.Fields{
			"market":   lo.Leg.Key().String(),
			"order_id": lo.Ref.ID,
		}).Warn("rescue status query failed")
		return prev
	}
	if st.ExecutedQty > prev {
		return st.ExecutedQty
	}
	return prev
}

// flatten closes out a one-sided fill with a reversing market order.
func (m *RescueMonitor) flatten(ctx context.Context, lo LegOrder, qty float64) {
	logger.IncrementHedgeFailure()
	log := m.log.WithFields(logger.Fields{
		"market": lo.Leg.Key().String(),
		"qty":    qty,
	})
	log.Warn("one-sided fill, flattening leg")

	ref, err := lo.Leg.PlaceMarket(ctx, lo.Side.Opposite(), qty, lo.Leg.IsPerp())
	if err != nil {
		log.WithError(err).Error("flatten order failed, manual intervention required")
		return
	}
	log.WithFields(logger.Fields{"order_id": ref.ID}).Info("leg flattened")
}

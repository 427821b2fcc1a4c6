package strategy

import (
	"math"

	"arbflow/config"
	"arbflow/models"
)

// LegView is one leg's book as seen at evaluation time. ContractSize is zero
// on non-inverse legs; when set, level quantities are in contracts.
type LegView struct {
	Snap         models.Snapshot
	ContractSize float64
	QtyStep      float64
}

// levelNotional values qty resting at px in USD.
func (v LegView) levelNotional(px, qty float64) float64 {
	if v.ContractSize > 0 {
		return qty * v.ContractSize
	}
	return px * qty
}

// targetQty converts the per-trade notional into this leg's quantity at px:
// whole contracts on inverse legs, step-floored base units elsewhere.
func (v LegView) targetQty(notional, px float64) float64 {
	if v.ContractSize > 0 {
		return math.Floor(notional / v.ContractSize)
	}
	qty := notional / math.Max(1e-12, px)
	if v.QtyStep > 0 {
		qty = math.Floor(qty/v.QtyStep) * v.QtyStep
	}
	return qty
}

// Candidates walks both legs' books level by level and returns the best
// forward (POS: sell quote, buy hedge) and reverse (NEG: buy quote, sell
// hedge) entries. A level qualifies only when its edge clears the threshold
// and both legs' level-capped notional meets the floor. Reverse generation is
// suppressed entirely under only_positive_carry.
func Candidates(quote, hedge LegView, cfg config.StrategyConfig) (pos models.Candidate, posOK bool, neg models.Candidate, negOK bool) {
	threshold := cfg.EnterBps
	if cfg.MinEdgeBps > threshold {
		threshold = cfg.MinEdgeBps
	}
	levels := cfg.DepthLevels
	if levels <= 0 {
		levels = 5
	}

	n := min3(levels, len(quote.Snap.Bids), len(hedge.Snap.Asks))
	for i := 0; i < n; i++ {
		qPx := quote.Snap.Bids[i].Price
		hPx := hedge.Snap.Asks[i].Price
		edge := EdgeBps(qPx, hPx)
		if edge < threshold {
			continue
		}
		c, ok := buildCandidate(models.SidePos, quote, hedge, qPx, hPx, quote.Snap.Bids[i].Quantity, hedge.Snap.Asks[i].Quantity, edge, i, cfg)
		if !ok {
			continue
		}
		if !posOK || c.EdgeBps > pos.EdgeBps {
			pos, posOK = c, true
		}
	}

	if cfg.OnlyPositiveCarry {
		return pos, posOK, models.Candidate{}, false
	}

	n = min3(levels, len(quote.Snap.Asks), len(hedge.Snap.Bids))
	for i := 0; i < n; i++ {
		qPx := quote.Snap.Asks[i].Price
		hPx := hedge.Snap.Bids[i].Price
		edge := EdgeBps(qPx, hPx)
		if edge > -threshold {
			continue
		}
		c, ok := buildCandidate(models.SideNeg, quote, hedge, qPx, hPx, quote.Snap.Asks[i].Quantity, hedge.Snap.Bids[i].Quantity, edge, i, cfg)
		if !ok {
			continue
		}
		if !negOK || c.EdgeBps < neg.EdgeBps {
			neg, negOK = c, true
		}
	}
	return pos, posOK, neg, negOK
}

// buildCandidate sizes one level, capping each leg at both the notional
// target and the level's resting quantity, then applies the notional floor.
func buildCandidate(side models.PairSide, quote, hedge LegView, qPx, hPx, qAvail, hAvail, edge float64, level int, cfg config.StrategyConfig) (models.Candidate, bool) {
	qQty := math.Min(quote.targetQty(cfg.TargetNotional, qPx), qAvail)
	hQty := math.Min(hedge.targetQty(cfg.TargetNotional, hPx), hAvail)
	if quote.ContractSize > 0 {
		qQty = math.Floor(qQty)
	}
	if hedge.ContractSize > 0 {
		hQty = math.Floor(hQty)
	}
	if qQty <= 0 || hQty <= 0 {
		return models.Candidate{}, false
	}
	if quote.levelNotional(qPx, qQty) < cfg.MinNotional {
		return models.Candidate{}, false
	}
	if hedge.levelNotional(hPx, hQty) < cfg.MinNotional {
		return models.Candidate{}, false
	}
	return models.Candidate{
		Side:     side,
		QuotePx:  qPx,
		HedgePx:  hPx,
		QuoteQty: qQty,
		HedgeQty: hQty,
		EdgeBps:  edge,
		Level:    level,
	}, true
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

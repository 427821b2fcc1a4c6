// Package strategy evaluates book snapshots into hedged entries and exits:
// per-level candidate generation, liquidity and slippage gates, and the
// position lifecycle with its exit trigger table.
package strategy

import (
	"math"

	"arbflow/models"
)

// SpreadBps is the quote-over-hedge price discrepancy in basis points.
func SpreadBps(quoteRef, hedgeRef float64) float64 {
	return (quoteRef - hedgeRef) / math.Max(1e-12, hedgeRef) * 1e4
}

// EdgeBps is the per-level entry edge between a quote price and a hedge price.
func EdgeBps(quotePx, hedgePx float64) float64 {
	return (quotePx - hedgePx) / math.Max(1e-12, hedgePx) * 1e4
}

// DepthImbalance returns the bid share of resting quantity over the top n
// levels, in [0,1]. An empty book reads as balanced.
func DepthImbalance(bids, asks []models.BookLevel, n int) float64 {
	var tb, ta float64
	for i := 0; i < n && i < len(bids); i++ {
		tb += bids[i].Quantity
	}
	for i := 0; i < n && i < len(asks); i++ {
		ta += asks[i].Quantity
	}
	if tb+ta <= 0 {
		return 0.5
	}
	return tb / (tb + ta)
}

// ThicknessToMove estimates the resting quantity that must trade before the
// price moves pctMove percent away from the top of the given side. Asks sweep
// upward, bids downward.
func ThicknessToMove(levels []models.BookLevel, ask bool, pctMove float64) float64 {
	if len(levels) == 0 {
		return 0
	}
	start := levels[0].Price
	target := start * (1 - pctMove/100)
	if ask {
		target = start * (1 + pctMove/100)
	}
	var qty float64
	for _, lv := range levels {
		if ask && lv.Price > target {
			break
		}
		if !ask && lv.Price < target {
			break
		}
		qty += lv.Quantity
	}
	return qty
}

// VWAPToQty walks the side until qty is consumed and returns the filled
// quantity and its volume-weighted average price. vwap is 0 when the side is
// empty.
func VWAPToQty(levels []models.BookLevel, qty float64) (filled, vwap float64) {
	if qty <= 0 {
		return 0, 0
	}
	var cost float64
	remaining := qty
	for _, lv := range levels {
		take := math.Min(remaining, lv.Quantity)
		cost += take * lv.Price
		filled += take
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if filled <= 0 {
		return 0, 0
	}
	return filled, cost / filled
}

// slippageUnbounded stands in for "no fillable depth" so any configured
// threshold rejects the candidate.
const slippageUnbounded = 1e9

// SlippageBps estimates the cost of taking qty off the side, as the VWAP's
// deviation from the best price in basis points.
func SlippageBps(levels []models.BookLevel, qty float64) float64 {
	if qty <= 0 || len(levels) == 0 {
		return slippageUnbounded
	}
	filled, vwap := VWAPToQty(levels, qty)
	if filled <= 0 || vwap <= 0 {
		return slippageUnbounded
	}
	best := levels[0].Price
	return math.Abs(vwap-best) / best * 1e4
}

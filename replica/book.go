// Package replica maintains local mirrors of venue order books from a REST
// snapshot plus a sequenced stream of incremental diffs. A replica is either
// READY and provably gapless, or SYNCING and invisible to consumers; gaps are
// repaired by a full rebuild, never by patching.
package replica

import (
	"errors"
	"sort"
	"sync"
	"time"

	"arbflow/models"
)

var (
	// ErrSequenceGap reports a diff whose sequence range does not continue
	// the applied stream. The book must be rebuilt from a fresh snapshot.
	ErrSequenceGap = errors.New("orderbook sequence gap")
	// ErrNoBridgeEvent reports that no buffered diff straddles the snapshot's
	// next expected update id within the bridge wait window.
	ErrNoBridgeEvent = errors.New("no bridging event for snapshot")
	// ErrBookNotReady reports a read against a replica that is resyncing.
	ErrBookNotReady = errors.New("orderbook not ready")
)

// Book holds one market's bid/ask ladder and sequencing state. All mutation
// goes through its own lock; reads hand out copies so callers never see the
// maps mid-update.
type Book struct {
	key models.MarketKey

	mu          sync.Mutex
	bids        map[float64]float64
	asks        map[float64]float64
	lastID      int64
	ready       bool
	lastApplied time.Time
}

// NewBook creates an empty, not-ready book for one market.
func NewBook(key models.MarketKey) *Book {
	return &Book{
		key:  key,
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

// Key returns the market this book mirrors.
func (b *Book) Key() models.MarketKey { return b.key }

// Ready reports whether the book is consistent and serving reads.
func (b *Book) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// LastUpdateID returns the final update id of the last applied event.
func (b *Book) LastUpdateID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastID
}

// Age returns the elapsed time since the last applied update.
func (b *Book) Age(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastApplied.IsZero() {
		return 0
	}
	return now.Sub(b.lastApplied)
}

// Reset reinitializes the ladder from a full-depth snapshot. The book stays
// not-ready until the owner bridges the buffered diffs and calls MarkReady.
func (b *Book) Reset(snap models.DepthSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	b.bids = make(map[float64]float64, len(snap.Bids))
	b.asks = make(map[float64]float64, len(snap.Asks))
	for _, lv := range snap.Bids {
		if lv.Quantity > 0 {
			b.bids[lv.Price] = lv.Quantity
		}
	}
	for _, lv := range snap.Asks {
		if lv.Quantity > 0 {
			b.asks[lv.Price] = lv.Quantity
		}
	}
	b.lastID = snap.LastUpdateID
	b.lastApplied = time.Now()
}

// Invalidate flips the book to not-ready and clears the ladder.
func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	b.bids = make(map[float64]float64)
	b.asks = make(map[float64]float64)
}

// MarkReady declares the book consistent after a successful bridge.
func (b *Book) MarkReady() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = true
	b.lastApplied = time.Now()
}

// Apply validates the diff's continuity against the last applied update id and
// applies its deltas. It returns (false, nil) for an already-covered event,
// (true, nil) when applied, and ErrSequenceGap when the stream skipped ahead.
func (b *Book) Apply(ev models.DiffEvent) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.HasPrev {
		if ev.PrevFinalUpdateID != b.lastID {
			return false, ErrSequenceGap
		}
	} else {
		if ev.FinalUpdateID < b.lastID+1 {
			return false, nil // covered by the snapshot, skip
		}
		if ev.FirstUpdateID > b.lastID+1 {
			return false, ErrSequenceGap
		}
	}

	applySide(ev.Bids, b.bids)
	applySide(ev.Asks, b.asks)
	b.lastID = ev.FinalUpdateID
	b.lastApplied = time.Now()
	return true, nil
}

func applySide(deltas []models.BookLevel, side map[float64]float64) {
	for _, lv := range deltas {
		if lv.Quantity <= 0 {
			delete(side, lv.Price)
		} else {
			side[lv.Price] = lv.Quantity
		}
	}
}

// Top returns up to n levels per side, bids price-descending and asks
// price-ascending, as copies.
func (b *Book) Top(n int) (bids, asks []models.BookLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return topLevels(b.bids, n, true), topLevels(b.asks, n, false)
}

// Snapshot builds the publishable top-N view. OK requires the book to be
// ready, have both sides populated, and have applied an update within
// staleAfter.
func (b *Book) Snapshot(n int, staleAfter time.Duration) models.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	bids := topLevels(b.bids, n, true)
	asks := topLevels(b.asks, n, false)
	ok := b.ready && len(bids) > 0 && len(asks) > 0
	if ok && staleAfter > 0 && time.Since(b.lastApplied) > staleAfter {
		ok = false
	}
	return models.Snapshot{
		Key:          b.key,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: b.lastID,
		Time:         b.lastApplied,
		OK:           ok,
	}
}

func topLevels(side map[float64]float64, n int, desc bool) []models.BookLevel {
	prices := make([]float64, 0, len(side))
	for p := range side {
		prices = append(prices, p)
	}
	if desc {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	if n > 0 && len(prices) > n {
		prices = prices[:n]
	}
	out := make([]models.BookLevel, 0, len(prices))
	for _, p := range prices {
		out = append(out, models.BookLevel{Price: p, Quantity: side[p]})
	}
	return out
}

package replica

import (
	"errors"
	"testing"
	"time"

	"arbflow/models"
)

func testKey() models.MarketKey {
	return models.NewMarketKey(models.KindLinear, "BTCUSDT")
}

func level(px, qty float64) models.BookLevel {
	return models.BookLevel{Price: px, Quantity: qty}
}

func seededBook(t *testing.T) *Book {
	t.Helper()
	b := NewBook(testKey())
	b.Reset(models.DepthSnapshot{
		Key:          testKey(),
		LastUpdateID: 100,
		Bids:         []models.BookLevel{level(50000, 1), level(49990, 2)},
		Asks:         []models.BookLevel{level(50010, 1), level(50020, 2)},
	})
	return b
}

func TestBookBridgesStraddlingDiff(t *testing.T) {
	b := seededBook(t)

	// Straddles lastUpdateID=100: applied on the interval rule.
	applied, err := b.Apply(models.DiffEvent{
		Key:           testKey(),
		FirstUpdateID: 95,
		FinalUpdateID: 101,
		Bids:          []models.BookLevel{level(50001, 3)},
	})
	if err != nil || !applied {
		t.Fatalf("bridging diff: applied=%v err=%v", applied, err)
	}
	applied, err = b.Apply(models.DiffEvent{
		Key:           testKey(),
		FirstUpdateID: 102,
		FinalUpdateID: 105,
		Asks:          []models.BookLevel{level(50009, 4)},
	})
	if err != nil || !applied {
		t.Fatalf("follow-up diff: applied=%v err=%v", applied, err)
	}
	if got := b.LastUpdateID(); got != 105 {
		t.Fatalf("last update id = %d, want 105", got)
	}

	bids, asks := b.Top(1)
	if bids[0].Price != 50001 || bids[0].Quantity != 3 {
		t.Fatalf("best bid = %+v, want 50001@3", bids[0])
	}
	if asks[0].Price != 50009 || asks[0].Quantity != 4 {
		t.Fatalf("best ask = %+v, want 50009@4", asks[0])
	}
}

func TestBookSkipsCoveredDiff(t *testing.T) {
	b := seededBook(t)

	// Entirely covered by the snapshot: skipped, state untouched.
	applied, err := b.Apply(models.DiffEvent{
		Key:           testKey(),
		FirstUpdateID: 90,
		FinalUpdateID: 99,
		Bids:          []models.BookLevel{level(50005, 9)},
	})
	if err != nil {
		t.Fatalf("covered diff: %v", err)
	}
	if applied {
		t.Fatal("covered diff must not be applied")
	}
	if got := b.LastUpdateID(); got != 100 {
		t.Fatalf("last update id = %d, want 100", got)
	}
	bids, _ := b.Top(1)
	if bids[0].Price != 50000 {
		t.Fatalf("best bid moved to %v after a skipped diff", bids[0].Price)
	}
}

func TestBookDetectsGap(t *testing.T) {
	b := seededBook(t)

	if _, err := b.Apply(models.DiffEvent{
		Key:           testKey(),
		FirstUpdateID: 103,
		FinalUpdateID: 110,
	}); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("interval gap: err = %v, want ErrSequenceGap", err)
	}

	// Prev-id rule: mismatch is a gap even when the interval would pass.
	if _, err := b.Apply(models.DiffEvent{
		Key:               testKey(),
		FirstUpdateID:     101,
		FinalUpdateID:     102,
		PrevFinalUpdateID: 99,
		HasPrev:           true,
	}); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("prev-id gap: err = %v, want ErrSequenceGap", err)
	}

	// Matching prev-id applies.
	applied, err := b.Apply(models.DiffEvent{
		Key:               testKey(),
		FirstUpdateID:     101,
		FinalUpdateID:     102,
		PrevFinalUpdateID: 100,
		HasPrev:           true,
	})
	if err != nil || !applied {
		t.Fatalf("prev-id match: applied=%v err=%v", applied, err)
	}
}

func TestBookZeroQuantityRemovesLevel(t *testing.T) {
	b := seededBook(t)

	if _, err := b.Apply(models.DiffEvent{
		Key:           testKey(),
		FirstUpdateID: 101,
		FinalUpdateID: 101,
		Bids:          []models.BookLevel{level(50000, 0)},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	bids, _ := b.Top(5)
	for _, lv := range bids {
		if lv.Price == 50000 {
			t.Fatalf("level 50000 still present after zero-qty delta: %+v", bids)
		}
		if lv.Quantity <= 0 {
			t.Fatalf("ladder holds non-positive quantity: %+v", lv)
		}
	}
	if bids[0].Price != 49990 {
		t.Fatalf("best bid = %v, want 49990", bids[0].Price)
	}
}

func TestBookSnapshotOrderingAndReadiness(t *testing.T) {
	b := seededBook(t)

	snap := b.Snapshot(5, 0)
	if snap.OK {
		t.Fatal("snapshot OK before MarkReady")
	}
	b.MarkReady()
	snap = b.Snapshot(5, 0)
	if !snap.OK {
		t.Fatal("snapshot not OK after MarkReady")
	}
	if snap.Bids[0].Price < snap.Bids[1].Price {
		t.Fatalf("bids not descending: %+v", snap.Bids)
	}
	if snap.Asks[0].Price > snap.Asks[1].Price {
		t.Fatalf("asks not ascending: %+v", snap.Asks)
	}
	if snap.Bids[0].Price != 50000 || snap.Asks[0].Price != 50010 {
		t.Fatalf("top of book = %v/%v", snap.Bids[0].Price, snap.Asks[0].Price)
	}

	b.Invalidate()
	if b.Snapshot(5, 0).OK {
		t.Fatal("snapshot OK after Invalidate")
	}
}

func TestBookSnapshotStaleness(t *testing.T) {
	b := seededBook(t)
	b.MarkReady()

	if !b.Snapshot(5, time.Second).OK {
		t.Fatal("fresh snapshot reported stale")
	}
	time.Sleep(30 * time.Millisecond)
	if b.Snapshot(5, 10*time.Millisecond).OK {
		t.Fatal("stale snapshot reported OK")
	}
}

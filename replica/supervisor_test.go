package replica

import (
	"context"
	"sync"
	"testing"
	"time"

	"arbflow/bus"
	"arbflow/models"
)

type fakeFetcher struct {
	mu    sync.Mutex
	snap  models.DepthSnapshot
	calls int
}

func (f *fakeFetcher) set(snap models.DepthSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

func (f *fakeFetcher) DepthSnapshot(ctx context.Context, key models.MarketKey, limit int) (models.DepthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.snap, nil
}

// fakeStream forwards test-injected events and stays connected until the
// context is cancelled, like a healthy websocket.
type fakeStream struct {
	ch chan models.DiffEvent
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan models.DiffEvent, 64)}
}

func (f *fakeStream) Run(ctx context.Context, key models.MarketKey, out chan<- models.DiffEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-f.ch:
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testOpts() Options {
	return Options{
		DepthLimit:     50,
		PublishLevels:  5,
		SettleWait:     100 * time.Millisecond,
		BridgeWait:     time.Second,
		StaleAfter:     time.Minute, // keep the watchdog out of these tests
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
}

func TestSupervisorSyncsAndRecoversFromGap(t *testing.T) {
	key := testKey()
	b := bus.New(16)
	fetcher := &fakeFetcher{}
	stream := newFakeStream()
	fetcher.set(models.DepthSnapshot{
		Key:          key,
		LastUpdateID: 100,
		Bids:         []models.BookLevel{level(50000, 1)},
		Asks:         []models.BookLevel{level(50010, 1)},
	})

	sup := NewSupervisor(key, b, fetcher, stream, testOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Stop()

	// Buffered before the snapshot lands. The first event straddles the
	// snapshot id and bridges; the second continues the stream.
	stream.ch <- models.DiffEvent{
		Key: key, FirstUpdateID: 95, FinalUpdateID: 101,
		PrevFinalUpdateID: 94, HasPrev: true,
		Bids: []models.BookLevel{level(50001, 2)},
	}
	stream.ch <- models.DiffEvent{
		Key: key, FirstUpdateID: 102, FinalUpdateID: 105,
		PrevFinalUpdateID: 101, HasPrev: true,
		Asks: []models.BookLevel{level(50009, 2)},
	}

	waitFor(t, 3*time.Second, func() bool {
		snap, ok := b.LatestSnapshot(key)
		return ok && snap.OK && snap.LastUpdateID == 105
	}, "no ready snapshot through update 105 was published")
	snap, _ := b.LatestSnapshot(key)
	if snap.Bids[0].Price != 50001 || snap.Asks[0].Price != 50009 {
		t.Fatalf("top of book = %v/%v, want 50001/50009", snap.Bids[0].Price, snap.Asks[0].Price)
	}

	// A gap forces invalidation: consumers must see ready=false before any
	// inconsistent state, and nothing from the gapped event may be applied.
	fetcher.set(models.DepthSnapshot{
		Key:          key,
		LastUpdateID: 205,
		Bids:         []models.BookLevel{level(50100, 1)},
		Asks:         []models.BookLevel{level(50110, 1)},
	})
	stream.ch <- models.DiffEvent{
		Key: key, FirstUpdateID: 200, FinalUpdateID: 210,
		PrevFinalUpdateID: 199, HasPrev: true,
		Bids: []models.BookLevel{level(1, 999)},
	}

	waitFor(t, time.Second, func() bool { return !sup.Book().Ready() }, "gap did not invalidate the book")
	snap, _ = b.LatestSnapshot(key)
	if snap.OK {
		t.Fatal("ready snapshot published after gap")
	}

	stream.ch <- models.DiffEvent{
		Key: key, FirstUpdateID: 203, FinalUpdateID: 208,
		PrevFinalUpdateID: 202, HasPrev: true,
		Asks: []models.BookLevel{level(50109, 3)},
	}

	waitFor(t, 3*time.Second, sup.Book().Ready, "book never recovered after gap")
	if got := sup.Book().LastUpdateID(); got != 208 {
		t.Fatalf("last update id after recovery = %d, want 208", got)
	}
	bids, _ := sup.Book().Top(5)
	for _, lv := range bids {
		if lv.Price == 1 {
			t.Fatal("gapped event leaked into the rebuilt book")
		}
	}
}

func TestEventBufferOptionSizesEventChannel(t *testing.T) {
	opts := testOpts()
	opts.EventBuffer = 8
	sup := NewSupervisor(testKey(), bus.New(4), &fakeFetcher{}, newFakeStream(), opts)
	if got := cap(sup.events); got != 8 {
		t.Fatalf("event channel cap = %d, want 8", got)
	}

	sup = NewSupervisor(testKey(), bus.New(4), &fakeFetcher{}, newFakeStream(), testOpts())
	if got := cap(sup.events); got != 4096 {
		t.Fatalf("default event channel cap = %d, want 4096", got)
	}
}

func TestSupervisorRejectsDoubleStart(t *testing.T) {
	key := testKey()
	sup := NewSupervisor(key, bus.New(4), &fakeFetcher{}, newFakeStream(), testOpts())
	ctx, cancel := context.WithCancel(context.Background())
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := sup.Start(ctx); err == nil {
		t.Fatal("second start succeeded")
	}
	cancel()
	sup.Stop()
}

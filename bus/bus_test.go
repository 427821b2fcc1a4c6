package bus

import (
	"testing"
	"time"

	"arbflow/models"
)

func mk(kind models.VenueKind, symbol string) models.MarketKey {
	return models.NewMarketKey(kind, symbol)
}

func recv(t *testing.T, ch <-chan Item) Item {
	t.Helper()
	select {
	case item, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return item
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for item")
	}
	return Item{}
}

func TestPublishDeliversAndRetainsLatest(t *testing.T) {
	b := New(4)
	key := mk(models.KindLinear, "BTCUSDT")
	ch := b.Subscribe(TopicMark, key)

	b.Publish(TopicMark, key, models.MarkPrice{Key: key, Mark: 50000})
	item := recv(t, ch)
	mp, ok := item.Value.(models.MarkPrice)
	if !ok || mp.Mark != 50000 {
		t.Fatalf("got %+v, want mark 50000", item.Value)
	}

	v, ok := b.Latest(TopicMark, key)
	if !ok || v.(models.MarkPrice).Mark != 50000 {
		t.Fatalf("Latest = %+v ok=%v", v, ok)
	}
	if _, ok := b.Latest(TopicMark, mk(models.KindSpot, "ETHUSDT")); ok {
		t.Fatal("Latest returned a value for a never-published key")
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(2)
	key := mk(models.KindSpot, "BTCUSDT")
	ch := b.Subscribe(TopicMark, key)

	for i := 1; i <= 5; i++ {
		b.Publish(TopicMark, key, models.MarkPrice{Key: key, Mark: float64(i)})
	}

	// Inbox depth is 2: only the two newest survive, in order.
	first := recv(t, ch).Value.(models.MarkPrice)
	second := recv(t, ch).Value.(models.MarkPrice)
	if first.Mark != 4 || second.Mark != 5 {
		t.Fatalf("surviving marks = %v, %v, want 4, 5", first.Mark, second.Mark)
	}
	select {
	case item := <-ch:
		t.Fatalf("unexpected extra item %+v", item)
	default:
	}
}

func TestCompositeKeysDoNotAlias(t *testing.T) {
	b := New(4)
	spot := mk(models.KindSpot, "BTCUSDT")
	perp := mk(models.KindLinear, "BTCUSDT")

	b.Publish(TopicOrderbook, spot, models.Snapshot{Key: spot, LastUpdateID: 1, OK: true})
	b.Publish(TopicOrderbook, perp, models.Snapshot{Key: perp, LastUpdateID: 2, OK: true})

	s, ok := b.LatestSnapshot(spot)
	if !ok || s.LastUpdateID != 1 {
		t.Fatalf("spot snapshot = %+v ok=%v", s, ok)
	}
	p, ok := b.LatestSnapshot(perp)
	if !ok || p.LastUpdateID != 2 {
		t.Fatalf("perp snapshot = %+v ok=%v", p, ok)
	}
}

func TestLateJoinerGetsLatestFirst(t *testing.T) {
	b := New(4)
	key := mk(models.KindInverse, "BTCUSD")

	b.Publish(TopicMeta, key, models.Meta{Key: key, ContractSize: 100})
	b.Publish(TopicMeta, key, models.Meta{Key: key, ContractSize: 10})

	ch := b.Subscribe(TopicMeta, key)
	item := recv(t, ch)
	meta := item.Value.(models.Meta)
	if meta.ContractSize != 10 {
		t.Fatalf("late joiner got contract size %v, want the newest 10", meta.ContractSize)
	}
}

func TestSubscribeAllSeesEveryKey(t *testing.T) {
	b := New(4)
	ch := b.SubscribeAll(TopicTrades)
	spot := mk(models.KindSpot, "BTCUSDT")
	perp := mk(models.KindLinear, "ETHUSDT")

	b.Publish(TopicTrades, spot, "a")
	b.Publish(TopicTrades, perp, "b")

	got := map[models.MarketKey]string{}
	for i := 0; i < 2; i++ {
		item := recv(t, ch)
		got[item.Key] = item.Value.(string)
	}
	if got[spot] != "a" || got[perp] != "b" {
		t.Fatalf("wildcard received %v", got)
	}
}

func TestCloseTearsDownSubscribers(t *testing.T) {
	b := New(4)
	key := mk(models.KindSpot, "BTCUSDT")
	exact := b.Subscribe(TopicFills, key)
	wild := b.SubscribeAll(TopicFills)

	b.Close()
	if _, ok := <-exact; ok {
		t.Fatal("exact channel still open after Close")
	}
	if _, ok := <-wild; ok {
		t.Fatal("wildcard channel still open after Close")
	}

	// Publish after Close must not panic and must not retain.
	b.Publish(TopicFills, key, "late")
	if ch := b.Subscribe(TopicFills, key); ch == nil {
		t.Fatal("subscribe after close returned nil channel")
	}
}

// Package bus provides the in-process market-data fan-out between stream
// supervisors and the strategy/execution layers. Delivery is latest-wins:
// publishers never block, and a slow subscriber loses the oldest queued item
// rather than stalling a stream.
package bus

import (
	"sync"

	"arbflow/models"
)

// Topic names carried on the bus.
const (
	TopicOrderbook = "orderbook"
	TopicMark      = "mark"
	TopicMeta      = "meta"
	TopicFills     = "fills"
	TopicTrades    = "trades"
)

type topicKey struct {
	topic string
	key   models.MarketKey
}

// Item is what wildcard subscribers receive: the market key alongside the
// published value.
type Item struct {
	Key   models.MarketKey
	Value any
}

type subscriber struct {
	ch     chan Item
	closed bool
}

// Bus is an explicitly constructed pub/sub service. Keys are always the
// composite (venue kind, symbol) so two legs sharing a symbol string can never
// alias one entry.
type Bus struct {
	mu     sync.Mutex
	latest map[topicKey]any
	exact  map[topicKey][]*subscriber
	wild   map[string][]*subscriber
	depth  int
	closed bool
}

// New creates a bus whose subscriber inboxes hold at most depth items.
func New(depth int) *Bus {
	if depth <= 0 {
		depth = 256
	}
	return &Bus{
		latest: make(map[topicKey]any),
		exact:  make(map[topicKey][]*subscriber),
		wild:   make(map[string][]*subscriber),
		depth:  depth,
	}
}

// Publish overwrites the retained latest value for (topic, key) and delivers
// to every subscriber without blocking. On a full inbox the oldest queued item
// is dropped.
func (b *Bus) Publish(topic string, key models.MarketKey, value any) {
	tk := topicKey{topic: topic, key: key}
	item := Item{Key: key, Value: value}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest[tk] = value
	for _, s := range b.exact[tk] {
		s.put(item)
	}
	for _, s := range b.wild[topic] {
		s.put(item)
	}
}

// Latest returns the most recently published value for (topic, key), or
// (nil, false) when nothing has been published yet.
func (b *Bus) Latest(topic string, key models.MarketKey) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.latest[topicKey{topic: topic, key: key}]
	return v, ok
}

// Subscribe returns a channel of values for one (topic, key). The current
// latest value, if any, is delivered first so late joiners do not start empty.
func (b *Bus) Subscribe(topic string, key models.MarketKey) <-chan Item {
	s := &subscriber{ch: make(chan Item, b.depth)}
	tk := topicKey{topic: topic, key: key}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch
	}
	if v, ok := b.latest[tk]; ok {
		s.put(Item{Key: key, Value: v})
	}
	b.exact[tk] = append(b.exact[tk], s)
	return s.ch
}

// SubscribeAll returns a channel of (key, value) items for every key published
// on a topic.
func (b *Bus) SubscribeAll(topic string) <-chan Item {
	s := &subscriber{ch: make(chan Item, b.depth)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch
	}
	b.wild[topic] = append(b.wild[topic], s)
	return s.ch
}

// Close tears down all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.exact {
		for _, s := range subs {
			s.close()
		}
	}
	for _, subs := range b.wild {
		for _, s := range subs {
			s.close()
		}
	}
	b.exact = nil
	b.wild = nil
}

// put delivers latest-wins: when the inbox is full the oldest item is dropped
// to make room. Caller holds the bus lock, so put never races with close.
func (s *subscriber) put(item Item) {
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- item:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func (s *subscriber) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// LatestSnapshot is a typed convenience over Latest for the orderbook topic.
func (b *Bus) LatestSnapshot(key models.MarketKey) (models.Snapshot, bool) {
	v, ok := b.Latest(TopicOrderbook, key)
	if !ok {
		return models.Snapshot{}, false
	}
	snap, ok := v.(models.Snapshot)
	return snap, ok
}

// LatestMark is a typed convenience over Latest for the mark topic.
func (b *Bus) LatestMark(key models.MarketKey) (models.MarkPrice, bool) {
	v, ok := b.Latest(TopicMark, key)
	if !ok {
		return models.MarkPrice{}, false
	}
	mp, ok := v.(models.MarkPrice)
	return mp, ok
}

// LatestMeta is a typed convenience over Latest for the meta topic.
func (b *Bus) LatestMeta(key models.MarketKey) (models.Meta, bool) {
	v, ok := b.Latest(TopicMeta, key)
	if !ok {
		return models.Meta{}, false
	}
	mt, ok := v.(models.Meta)
	return mt, ok
}

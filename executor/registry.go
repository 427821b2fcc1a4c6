package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"arbflow/logger"
	"arbflow/models"
)

// Pending is one maker order awaiting a fill signal from a user stream. The
// fill channel resolves at most once; later events for the same order are
// dropped.
type Pending struct {
	OrderID  int64
	MakerKey models.MarketKey
	TakerKey models.MarketKey

	fillC chan models.FillEvent
	once  sync.Once
}

func (p *Pending) resolve(ev models.FillEvent) {
	p.once.Do(func() {
		p.fillC <- ev
	})
}

// Wait blocks for a fill event, the timeout, or ctx cancellation. ok is false
// when no fill arrived.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (models.FillEvent, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-p.fillC:
		return ev, true
	case <-timer.C:
		return models.FillEvent{}, false
	case <-ctx.Done():
		return models.FillEvent{}, false
	}
}

// Registry tracks maker orders awaiting fills. User streams push every
// execution report through OnFill; only registered orders with executed
// quantity resolve a waiter.
type Registry struct {
	mu      sync.Mutex
	pending map[int64]*Pending
	log     *logger.Entry
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[int64]*Pending),
		log:     logger.GetLogger().WithComponent("executor"),
	}
}

// Register adds a waiter for the order. Registering an id twice is an error:
// a second waiter could steal the single fill resolution.
func (r *Registry) Register(orderID int64, makerKey, takerKey models.MarketKey) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[orderID]; exists {
		return nil, fmt.Errorf("order %d already registered", orderID)
	}

	p := &Pending{
		OrderID:  orderID,
		MakerKey: makerKey,
		TakerKey: takerKey,
		fillC:    make(chan models.FillEvent, 1),
	}
	r.pending[orderID] = p
	return p, nil
}

// OnFill resolves the waiter for the event's order when the event carries
// executed quantity. Events for unknown orders are ignored.
func (r *Registry) OnFill(ev models.FillEvent) {
	if !ev.Filled() {
		return
	}

	r.mu.Lock()
	p, ok := r.pending[ev.OrderID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if p.MakerKey != ev.Key {
		r.log.WithFields(logger.Fields{
			"order_id": ev.OrderID,
			"expected": p.MakerKey.String(),
			"got":      ev.Key.String(),
		}).Warn("fill event market mismatch, ignoring")
		return
	}

	p.resolve(ev)
}

// Remove drops the waiter for the order. Safe to call more than once.
func (r *Registry) Remove(orderID int64) {
	r.mu.Lock()
	delete(r.pending, orderID)
	r.mu.Unlock()
}

// Len reports the number of outstanding waiters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"arbflow/bus"
	"arbflow/logger"
	"arbflow/models"
)

// MarkStream is one connection attempt to a venue's mark-price stream. Each
// update is self-contained, so no sequencing is needed; the supervisor only
// handles reconnects.
type MarkStream interface {
	Run(ctx context.Context, key models.MarketKey, out chan<- models.MarkPrice) error
}

// MarkSupervisor keeps one market's mark price flowing onto the bus with
// backoff reconnect and a staleness log. A silent mark is tolerated: consumers
// fall back to the book mid until updates resume.
type MarkSupervisor struct {
	key    models.MarketKey
	bus    *bus.Bus
	stream MarkStream
	opts   Options

	mu       sync.Mutex
	running  bool
	lastSeen time.Time

	ctx context.Context
	wg  sync.WaitGroup
	log *logger.Entry
}

// NewMarkSupervisor wires a mark-price supervisor for one market.
func NewMarkSupervisor(key models.MarketKey, b *bus.Bus, stream MarkStream, opts Options) *MarkSupervisor {
	opts.defaults()
	return &MarkSupervisor{
		key:    key,
		bus:    b,
		stream: stream,
		opts:   opts,
		log: logger.GetLogger().WithComponent("mark_supervisor").WithFields(logger.Fields{
			"market": key.String(),
		}),
	}
}

// Start launches the stream and watchdog workers.
func (s *MarkSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mark supervisor %s already running", s.key)
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.log.Info("starting mark supervisor")

	out := make(chan models.MarkPrice, 256)
	s.wg.Add(3)
	go s.streamLoop(out)
	go s.publishLoop(out)
	go s.watchdogLoop()
	return nil
}

// Stop joins all workers; cancel the Start context first.
func (s *MarkSupervisor) Stop() {
	s.wg.Wait()
	s.log.Info("mark supervisor stopped")
}

func (s *MarkSupervisor) streamLoop(out chan<- models.MarkPrice) {
	defer s.wg.Done()

	backoff := s.opts.BackoffInitial
	for {
		if s.ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := s.stream.Run(s.ctx, s.key, out)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.WithError(err).Warn("mark stream disconnected")
		}
		if time.Since(started) > backoff {
			backoff = s.opts.BackoffInitial
		}
		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
		backoff *= 2
		if backoff > s.opts.BackoffMax {
			backoff = s.opts.BackoffMax
		}
	}
}

func (s *MarkSupervisor) publishLoop(out <-chan models.MarkPrice) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case mp := <-out:
			s.mu.Lock()
			s.lastSeen = time.Now()
			s.mu.Unlock()
			s.bus.Publish(bus.TopicMark, s.key, mp)
		}
	}
}

func (s *MarkSupervisor) watchdogLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			last := s.lastSeen
			s.mu.Unlock()
			if last.IsZero() {
				continue
			}
			if age := time.Since(last); age > s.opts.StaleAfter {
				// No forced teardown; the stream loop reconnects on its own
				// and consumers fall back to mid.
				s.log.WithFields(logger.Fields{"age": age.String()}).Warn("mark price stale")
			}
		}
	}
}

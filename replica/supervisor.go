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

// SnapshotFetcher fetches a point-in-time full-depth snapshot over REST.
type SnapshotFetcher interface {
	DepthSnapshot(ctx context.Context, key models.MarketKey, limit int) (models.DepthSnapshot, error)
}

// DiffStream is one connection attempt to a venue's incremental depth stream.
// Run blocks, delivering events to out, until the connection drops, a protocol
// error occurs, or ctx is cancelled. Reconnection is the supervisor's job.
type DiffStream interface {
	Run(ctx context.Context, key models.MarketKey, out chan<- models.DiffEvent) error
}

// Options tunes one supervisor. Zero values fall back to the defaults proven
// out against Binance streams.
type Options struct {
	DepthLimit     int           // snapshot depth request
	PublishLevels  int           // levels per side in published snapshots
	SettleWait     time.Duration // buffer fill wait before fetching a snapshot
	BridgeWait     time.Duration // max wait for a bridging event per snapshot
	StaleAfter     time.Duration // watchdog threshold on applied-update age
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BufferLimit    int // max buffered diffs while syncing
	EventBuffer    int // depth of the stream event channel
}

func (o *Options) defaults() {
	if o.DepthLimit <= 0 {
		o.DepthLimit = 200
	}
	if o.PublishLevels <= 0 {
		o.PublishLevels = 20
	}
	if o.SettleWait <= 0 {
		o.SettleWait = 1500 * time.Millisecond
	}
	if o.BridgeWait <= 0 {
		o.BridgeWait = 2 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 3 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.BufferLimit <= 0 {
		o.BufferLimit = 10000
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 4096
	}
}

// Supervisor owns one market's replica: it drives the stream connection,
// buffers diffs while syncing, reconciles snapshot and buffer, applies diffs
// in steady state, and publishes a Snapshot on the bus after every applied
// event. Any gap, disconnect, or stall forces a full resync.
type Supervisor struct {
	key     models.MarketKey
	book    *Book
	bus     *bus.Bus
	fetcher SnapshotFetcher
	stream  DiffStream
	opts    Options

	events chan models.DiffEvent

	mu      sync.Mutex
	buffer  []models.DiffEvent
	syncing bool
	running bool

	ctx context.Context
	wg  sync.WaitGroup
	log *logger.Entry
}

// NewSupervisor wires a supervisor for one market.
func NewSupervisor(key models.MarketKey, b *bus.Bus, fetcher SnapshotFetcher, stream DiffStream, opts Options) *Supervisor {
	opts.defaults()
	return &Supervisor{
		key:     key,
		book:    NewBook(key),
		bus:     b,
		fetcher: fetcher,
		stream:  stream,
		opts:    opts,
		events:  make(chan models.DiffEvent, opts.EventBuffer),
		log: logger.GetLogger().WithComponent("book_supervisor").WithFields(logger.Fields{
			"market": key.String(),
		}),
	}
}

// Book exposes the replica for read-side consumers that bypass the bus.
func (s *Supervisor) Book() *Book { return s.book }

// Start launches the stream, apply, resync, and watchdog workers.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor %s already running", s.key)
	}
	s.running = true
	s.syncing = true
	s.ctx = ctx
	s.mu.Unlock()

	s.log.Info("starting book supervisor")

	s.wg.Add(4)
	go s.streamLoop()
	go s.applyLoop()
	go s.syncLoop()
	go s.watchdogLoop()
	return nil
}

// Stop waits for all workers to exit. Cancel the context passed to Start
// first; Stop only joins.
func (s *Supervisor) Stop() {
	s.wg.Wait()
	s.log.Info("book supervisor stopped")
}

// streamLoop keeps one connection alive with exponential backoff. Every
// connection loss forces a resync: diffs may have been missed while down.
func (s *Supervisor) streamLoop() {
	defer s.wg.Done()

	backoff := s.opts.BackoffInitial
	for {
		if s.ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := s.stream.Run(s.ctx, s.key, s.events)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.WithError(err).Warn("depth stream disconnected")
		}
		s.triggerResync("stream disconnect")

		// A connection that survived past the backoff window was healthy;
		// start the ladder over.
		if time.Since(started) > backoff {
			backoff = s.opts.BackoffInitial
		}
		s.log.WithFields(logger.Fields{"backoff": backoff.String()}).Info("reconnecting depth stream")
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

// applyLoop consumes stream events: buffered while syncing, applied and
// published while ready.
func (s *Supervisor) applyLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Supervisor) handleEvent(ev models.DiffEvent) {
	s.mu.Lock()
	if s.syncing {
		if len(s.buffer) >= s.opts.BufferLimit {
			s.buffer = s.buffer[1:]
		}
		s.buffer = append(s.buffer, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	applied, err := s.book.Apply(ev)
	if err != nil {
		s.log.WithFields(logger.Fields{
			"first_id": ev.FirstUpdateID,
			"final_id": ev.FinalUpdateID,
			"last_id":  s.book.LastUpdateID(),
		}).Warn("sequence gap detected")
		logger.IncrementGap()
		s.triggerResync("sequence gap")
		return
	}
	if applied {
		s.publish()
	}
}

// triggerResync invalidates the book and flips the supervisor back to
// buffering. Consumers observe ready=false before any inconsistent state
// could be published.
func (s *Supervisor) triggerResync(reason string) {
	s.mu.Lock()
	already := s.syncing
	if !already {
		s.syncing = true
		s.buffer = s.buffer[:0]
	}
	s.mu.Unlock()
	if already {
		return
	}
	s.book.Invalidate()
	s.publish() // not-ready snapshot so consumers skip the cycle
	s.log.WithFields(logger.Fields{"reason": reason}).Info("resync triggered")
	logger.IncrementResync()
}

// syncLoop rebuilds the book whenever the supervisor is syncing: wait for the
// buffer to see traffic, fetch a snapshot, bridge, catch up, mark ready.
func (s *Supervisor) syncLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
		s.mu.Lock()
		syncing := s.syncing
		s.mu.Unlock()
		if !syncing {
			continue
		}
		if err := s.resync(); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("resync attempt failed")
			select {
			case <-time.After(500 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Supervisor) resync() error {
	// Let the stream populate the buffer first, otherwise the snapshot tends
	// to be newer than everything buffered and no bridge exists.
	settle := time.Now().Add(s.opts.SettleWait)
	for time.Now().Before(settle) {
		s.mu.Lock()
		n := len(s.buffer)
		s.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}

	snap, err := s.fetcher.DepthSnapshot(s.ctx, s.key, s.opts.DepthLimit)
	if err != nil {
		return fmt.Errorf("depth snapshot: %w", err)
	}
	s.book.Reset(snap)

	bridged, err := s.bridge(snap.LastUpdateID)
	if err != nil {
		return err
	}

	// Drain whatever arrived while the bridge was being applied, then flip to
	// steady state under the same lock so no event can slip between the two.
	for {
		s.mu.Lock()
		if len(s.buffer) <= bridged {
			s.buffer = s.buffer[:0]
			s.syncing = false
			s.mu.Unlock()
			break
		}
		pending := append([]models.DiffEvent(nil), s.buffer[bridged:]...)
		s.buffer = s.buffer[:bridged]
		s.mu.Unlock()
		for _, ev := range pending {
			if _, err := s.book.Apply(ev); err != nil {
				return fmt.Errorf("catch-up: %w", err)
			}
		}
	}

	s.book.MarkReady()
	s.publish()
	s.log.WithFields(logger.Fields{"last_id": s.book.LastUpdateID()}).Info("orderbook ready")
	return nil
}

// bridge finds the earliest buffered event straddling lastUpdateID+1 and
// applies it plus everything after it, re-validating continuity throughout.
// It returns how many buffered events it consumed.
func (s *Supervisor) bridge(lastUpdateID int64) (int, error) {
	deadline := time.Now().Add(s.opts.BridgeWait)
	start := -1
	var cached []models.DiffEvent

	for {
		s.mu.Lock()
		cached = append(cached[:0], s.buffer...)
		s.mu.Unlock()

		for i, ev := range cached {
			if ev.Bridges(lastUpdateID) {
				start = i
				break
			}
		}
		if start >= 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, ErrNoBridgeEvent
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		}
	}

	for _, ev := range cached[start:] {
		// The bridging event itself predates the snapshot's id; the prev-id
		// rule cannot hold for it, so it is applied on the interval rule.
		if ev.HasPrev && ev.Bridges(lastUpdateID) {
			ev.HasPrev = false
		}
		if _, err := s.book.Apply(ev); err != nil {
			return 0, fmt.Errorf("catch-up: %w", err)
		}
	}
	return len(cached), nil
}

// watchdogLoop forces a resync when the venue goes silent while the
// connection is nominally alive.
func (s *Supervisor) watchdogLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.book.Ready() {
				continue
			}
			if age := s.book.Age(time.Now()); age > s.opts.StaleAfter {
				s.log.WithFields(logger.Fields{"age": age.String()}).Warn("orderbook stale")
				s.triggerResync("staleness")
			}
		}
	}
}

func (s *Supervisor) publish() {
	s.bus.Publish(bus.TopicOrderbook, s.key, s.book.Snapshot(s.opts.PublishLevels, s.opts.StaleAfter))
}

package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/delivery"
	"github.com/adshao/go-binance/v2/futures"

	"arbflow/logger"
	"arbflow/models"
	"arbflow/venue"
)

const (
	userStreamKeepalive = 25 * time.Minute
	userStreamRetryWait = time.Second
)

// UserStream consumes one venue kind's user-data stream and forwards
// execution reports to the fill sink. One stream covers the whole account on
// that venue kind, so legs sharing a kind share a stream.
type UserStream struct {
	kind    models.VenueKind
	clients *Clients
	sink    venue.FillSink

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

// NewUserStream builds a fill stream for one venue kind.
func NewUserStream(kind models.VenueKind, c *Clients, sink venue.FillSink) *UserStream {
	return &UserStream{
		kind:    kind,
		clients: c,
		sink:    sink,
		log: logger.GetLogger().WithComponent("venue_binance").WithFields(logger.Fields{
			"kind":   string(kind),
			"worker": "user_stream",
		}),
	}
}

// Start begins consuming the stream, reconnecting on failure.
func (u *UserStream) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return fmt.Errorf("user stream already running")
	}
	u.running = true
	u.ctx = ctx
	u.mu.Unlock()

	u.wg.Add(1)
	go u.loop()

	u.log.Info("user stream started")
	return nil
}

// Stop waits for the stream worker to exit. Cancel the Start context first.
func (u *UserStream) Stop() {
	u.mu.Lock()
	u.running = false
	u.mu.Unlock()

	u.wg.Wait()
	u.log.Info("user stream stopped")
}

func (u *UserStream) loop() {
	defer u.wg.Done()

	for {
		if u.ctx.Err() != nil {
			return
		}
		if err := u.serveOnce(); err != nil && u.ctx.Err() == nil {
			u.log.WithError(err).Warn("user stream disconnected, reconnecting")
		}
		select {
		case <-u.ctx.Done():
			return
		case <-time.After(userStreamRetryWait):
		}
	}
}

// serveOnce obtains a listen key, serves the stream until it drops, and keeps
// the listen key alive while connected.
func (u *UserStream) serveOnce() error {
	var (
		listenKey string
		err       error
	)
	switch u.kind {
	case models.KindSpot:
		listenKey, err = u.clients.Spot.NewStartUserStreamService().Do(u.ctx)
	case models.KindLinear:
		listenKey, err = u.clients.Futures.NewStartUserStreamService().Do(u.ctx)
	case models.KindInverse:
		listenKey, err = u.clients.Delivery.NewStartUserStreamService().Do(u.ctx)
	default:
		return fmt.Errorf("unsupported venue kind %q", u.kind)
	}
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}

	errC := make(chan error, 1)
	errHandler := func(err error) {
		if err == nil {
			return
		}
		select {
		case errC <- err:
		default:
		}
	}

	var doneC, stopC chan struct{}
	switch u.kind {
	case models.KindSpot:
		doneC, stopC, err = binance.WsUserDataServe(listenKey, u.handleSpot, errHandler)
	case models.KindLinear:
		doneC, stopC, err = futures.WsUserDataServe(listenKey, u.handleFutures, errHandler)
	case models.KindInverse:
		doneC, stopC, err = delivery.WsUserDataServe(listenKey, u.handleDelivery, errHandler)
	}
	if err != nil {
		return fmt.Errorf("serve user stream: %w", err)
	}

	keepalive := time.NewTicker(userStreamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-u.ctx.Done():
			close(stopC)
			<-doneC
			return nil
		case <-doneC:
			select {
			case werr := <-errC:
				return werr
			default:
			}
			return fmt.Errorf("user stream closed")
		case <-keepalive.C:
			if kerr := u.keepAlive(listenKey); kerr != nil {
				u.log.WithError(kerr).Warn("listen key keepalive failed")
			}
		}
	}
}

func (u *UserStream) keepAlive(listenKey string) error {
	switch u.kind {
	case models.KindSpot:
		return u.clients.Spot.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(u.ctx)
	case models.KindLinear:
		return u.clients.Futures.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(u.ctx)
	case models.KindInverse:
		return u.clients.Delivery.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(u.ctx)
	}
	return nil
}

func (u *UserStream) deliver(ev models.FillEvent) {
	logger.IncrementFill()
	u.sink.OnFill(ev)
}

func (u *UserStream) handleSpot(event *binance.WsUserDataEvent) {
	if event.Event != binance.UserDataEventTypeExecutionReport {
		return
	}
	o := event.OrderUpdate
	u.deliver(models.FillEvent{
		Key:       models.NewMarketKey(models.KindSpot, o.Symbol),
		OrderID:   o.Id,
		Side:      o.Side,
		Status:    o.Status,
		LastPrice: parseFloat(o.LatestPrice),
		LastQty:   parseFloat(o.LatestVolume),
		CumQty:    parseFloat(o.FilledVolume),
		EventTime: time.UnixMilli(o.TransactionTime),
	})
}

func (u *UserStream) handleFutures(event *futures.WsUserDataEvent) {
	if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	o := event.OrderTradeUpdate
	u.deliver(models.FillEvent{
		Key:       models.NewMarketKey(models.KindLinear, o.Symbol),
		OrderID:   o.ID,
		Side:      string(o.Side),
		Status:    string(o.Status),
		LastPrice: parseFloat(o.LastFilledPrice),
		LastQty:   parseFloat(o.LastFilledQty),
		CumQty:    parseFloat(o.AccumulatedFilledQty),
		EventTime: time.UnixMilli(event.Time),
	})
}

func (u *UserStream) handleDelivery(event *delivery.WsUserDataEvent) {
	if event.Event != delivery.UserDataEventTypeOrderTradeUpdate {
		return
	}
	o := event.OrderTradeUpdate
	u.deliver(models.FillEvent{
		Key:       models.NewMarketKey(models.KindInverse, o.Symbol),
		OrderID:   o.ID,
		Side:      string(o.Side),
		Status:    string(o.Status),
		LastPrice: parseFloat(o.LastFilledPrice),
		LastQty:   parseFloat(o.LastFilledQty),
		CumQty:    parseFloat(o.AccumulatedFilledQty),
		EventTime: time.UnixMilli(event.Time),
	})
}

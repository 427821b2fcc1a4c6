package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/delivery"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	"arbflow/logger"
	"arbflow/models"
)

const deliveryWsBase = "wss://dstream.binance.com/ws"

// MarketData adapts the Binance market-data endpoints to the replica
// package's fetcher and stream interfaces, routing by venue kind.
type MarketData struct {
	clients *Clients
	log     *logger.Log
}

// NewMarketData wires market-data access over an existing client bundle.
func NewMarketData(c *Clients) *MarketData {
	return &MarketData{clients: c, log: logger.GetLogger()}
}

// DepthSnapshot fetches a full-depth REST snapshot for the market.
func (m *MarketData) DepthSnapshot(ctx context.Context, key models.MarketKey, limit int) (models.DepthSnapshot, error) {
	if err := m.clients.wait(ctx); err != nil {
		return models.DepthSnapshot{}, err
	}

	snap := models.DepthSnapshot{Key: key, Time: time.Now()}

	switch key.Kind {
	case models.KindSpot:
		resp, err := m.clients.Spot.NewDepthService().Symbol(key.Symbol).Limit(limit).Do(ctx)
		if err != nil {
			return models.DepthSnapshot{}, fmt.Errorf("spot depth %s: %w", key.Symbol, err)
		}
		snap.LastUpdateID = resp.LastUpdateID
		for _, b := range resp.Bids {
			snap.Bids = appendLevel(snap.Bids, b.Price, b.Quantity)
		}
		for _, a := range resp.Asks {
			snap.Asks = appendLevel(snap.Asks, a.Price, a.Quantity)
		}
	case models.KindLinear:
		resp, err := m.clients.Futures.NewDepthService().Symbol(key.Symbol).Limit(limit).Do(ctx)
		if err != nil {
			return models.DepthSnapshot{}, fmt.Errorf("futures depth %s: %w", key.Symbol, err)
		}
		snap.LastUpdateID = resp.LastUpdateID
		for _, b := range resp.Bids {
			snap.Bids = appendLevel(snap.Bids, b.Price, b.Quantity)
		}
		for _, a := range resp.Asks {
			snap.Asks = appendLevel(snap.Asks, a.Price, a.Quantity)
		}
	case models.KindInverse:
		resp, err := m.clients.Delivery.NewDepthService().Symbol(key.Symbol).Limit(limit).Do(ctx)
		if err != nil {
			return models.DepthSnapshot{}, fmt.Errorf("delivery depth %s: %w", key.Symbol, err)
		}
		snap.LastUpdateID = resp.LastUpdateID
		for _, b := range resp.Bids {
			snap.Bids = appendLevel(snap.Bids, b.Price, b.Quantity)
		}
		for _, a := range resp.Asks {
			snap.Asks = appendLevel(snap.Asks, a.Price, a.Quantity)
		}
	default:
		return models.DepthSnapshot{}, fmt.Errorf("unsupported venue kind %q", key.Kind)
	}

	return snap, nil
}

func appendLevel(dst []models.BookLevel, price, qty string) []models.BookLevel {
	px := parseFloat(price)
	q := parseFloat(qty)
	if px <= 0 {
		return dst
	}
	return append(dst, models.BookLevel{Price: px, Quantity: q})
}

// Run opens one diff-depth stream connection for the market and blocks until
// it drops or ctx is cancelled. Sequencing is left to the replica supervisor.
func (m *MarketData) Run(ctx context.Context, key models.MarketKey, out chan<- models.DiffEvent) error {
	log := m.log.WithComponent("venue_binance").WithFields(logger.Fields{
		"market": key.String(),
		"worker": "diff_stream",
	})

	emit := func(ev models.DiffEvent) {
		select {
		case out <- ev:
			logger.RecordChannelMessage("binance_diff", len(ev.Bids)+len(ev.Asks))
		case <-ctx.Done():
		default:
			log.Warn("diff event channel full, dropping event")
		}
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
	var err error

	switch key.Kind {
	case models.KindSpot:
		handler := func(event *binance.WsDepthEvent) {
			ev := models.DiffEvent{
				Key:           key,
				FirstUpdateID: event.FirstUpdateID,
				FinalUpdateID: event.LastUpdateID,
				EventTime:     time.UnixMilli(event.Time),
				Received:      time.Now(),
			}
			for _, b := range event.Bids {
				ev.Bids = appendDelta(ev.Bids, b.Price, b.Quantity)
			}
			for _, a := range event.Asks {
				ev.Asks = appendDelta(ev.Asks, a.Price, a.Quantity)
			}
			emit(ev)
		}
		doneC, stopC, err = binance.WsDepthServe100Ms(key.Symbol, handler, errHandler)
	case models.KindLinear:
		handler := func(event *futures.WsDepthEvent) {
			ev := models.DiffEvent{
				Key:               key,
				FirstUpdateID:     event.FirstUpdateID,
				FinalUpdateID:     event.LastUpdateID,
				PrevFinalUpdateID: event.PrevLastUpdateID,
				HasPrev:           true,
				EventTime:         time.UnixMilli(event.Time),
				Received:          time.Now(),
			}
			for _, b := range event.Bids {
				ev.Bids = appendDelta(ev.Bids, b.Price, b.Quantity)
			}
			for _, a := range event.Asks {
				ev.Asks = appendDelta(ev.Asks, a.Price, a.Quantity)
			}
			emit(ev)
		}
		doneC, stopC, err = futures.WsDiffDepthServeWithRate(key.Symbol, 100*time.Millisecond, handler, errHandler)
	case models.KindInverse:
		handler := func(event *delivery.WsDepthEvent) {
			ev := models.DiffEvent{
				Key:               key,
				FirstUpdateID:     event.FirstUpdateID,
				FinalUpdateID:     event.LastUpdateID,
				PrevFinalUpdateID: event.PrevLastUpdateID,
				HasPrev:           true,
				EventTime:         time.UnixMilli(event.Time),
				Received:          time.Now(),
			}
			for _, b := range event.Bids {
				ev.Bids = appendDelta(ev.Bids, b.Price, b.Quantity)
			}
			for _, a := range event.Asks {
				ev.Asks = appendDelta(ev.Asks, a.Price, a.Quantity)
			}
			emit(ev)
		}
		doneC, stopC, err = delivery.WsDiffDepthServe(key.Symbol, handler, errHandler)
	default:
		return fmt.Errorf("unsupported venue kind %q", key.Kind)
	}

	if err != nil {
		return fmt.Errorf("subscribe diff depth %s: %w", key.String(), err)
	}

	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		select {
		case werr := <-errC:
			return fmt.Errorf("diff stream %s: %w", key.String(), werr)
		default:
		}
		return fmt.Errorf("diff stream %s closed", key.String())
	}
}

// appendDelta keeps zero-quantity rows: a zero quantity deletes the level.
func appendDelta(dst []models.BookLevel, price, qty string) []models.BookLevel {
	px := parseFloat(price)
	if px <= 0 {
		return dst
	}
	return append(dst, models.BookLevel{Price: px, Quantity: parseFloat(qty)})
}

// MarkStreams adapts the Binance mark-price streams for perp markets.
type MarkStreams struct {
	clients *Clients
	wsBase  string
	log     *logger.Log
}

// NewMarkStreams wires mark-price stream access.
func NewMarkStreams(c *Clients) *MarkStreams {
	return &MarkStreams{clients: c, wsBase: deliveryWsBase, log: logger.GetLogger()}
}

// Run opens one mark-price stream connection and blocks until it drops.
// Spot markets have no mark stream; consumers use the book mid instead.
func (m *MarkStreams) Run(ctx context.Context, key models.MarketKey, out chan<- models.MarkPrice) error {
	switch key.Kind {
	case models.KindLinear:
		return m.runLinear(ctx, key, out)
	case models.KindInverse:
		return m.runInverse(ctx, key, out)
	default:
		return fmt.Errorf("no mark stream for venue kind %q", key.Kind)
	}
}

func (m *MarkStreams) runLinear(ctx context.Context, key models.MarketKey, out chan<- models.MarkPrice) error {
	errC := make(chan error, 1)
	handler := func(event *futures.WsMarkPriceEvent) {
		mp := models.MarkPrice{
			Key:  key,
			Mark: parseFloat(event.MarkPrice),
			Time: time.UnixMilli(event.Time),
		}
		if mp.Mark <= 0 {
			return
		}
		select {
		case out <- mp:
		case <-ctx.Done():
		default:
		}
	}
	errHandler := func(err error) {
		if err == nil {
			return
		}
		select {
		case errC <- err:
		default:
		}
	}

	doneC, stopC, err := futures.WsMarkPriceServe(key.Symbol, handler, errHandler)
	if err != nil {
		return fmt.Errorf("subscribe mark price %s: %w", key.String(), err)
	}

	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		select {
		case werr := <-errC:
			return fmt.Errorf("mark stream %s: %w", key.String(), werr)
		default:
		}
		return fmt.Errorf("mark stream %s closed", key.String())
	}
}

type deliveryMarkMsg struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
}

// runInverse consumes the coin-margined mark stream over a raw websocket.
// The dapi stream delivers either a single event or an array of per-symbol
// events for the pair.
func (m *MarkStreams) runInverse(ctx context.Context, key models.MarketKey, out chan<- models.MarkPrice) error {
	url := fmt.Sprintf("%s/%s@markPrice", m.wsBase, strings.ToLower(key.Symbol))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial mark stream %s: %w", key.String(), err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read mark stream %s: %w", key.String(), err)
		}

		var msgs []deliveryMarkMsg
		if err := json.Unmarshal(raw, &msgs); err != nil {
			var single deliveryMarkMsg
			if err := json.Unmarshal(raw, &single); err != nil {
				continue
			}
			msgs = []deliveryMarkMsg{single}
		}

		for _, msg := range msgs {
			if msg.Event != "markPriceUpdate" || !strings.EqualFold(msg.Symbol, key.Symbol) {
				continue
			}
			mp := models.MarkPrice{
				Key:  key,
				Mark: parseFloat(msg.Price),
				Time: time.UnixMilli(msg.EventTime),
			}
			if mp.Mark <= 0 {
				continue
			}
			select {
			case out <- mp:
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
}

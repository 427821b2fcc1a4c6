package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"arbflow/logger"
	"arbflow/models"
)

const wsPingInterval = 20 * time.Second

// MarketData adapts Bybit linear market data to the replica package's fetcher
// and stream interfaces. The public websocket carries both the depth and
// ticker topics.
type MarketData struct {
	client *Client
	log    *logger.Log
}

// NewMarketData wires market-data access over an existing client.
func NewMarketData(c *Client) *MarketData {
	return &MarketData{client: c, log: logger.GetLogger()}
}

// DepthSnapshot fetches the REST orderbook for the market.
func (m *MarketData) DepthSnapshot(ctx context.Context, key models.MarketKey, limit int) (models.DepthSnapshot, error) {
	ob, err := m.client.Orderbook(ctx, key.Symbol, limit)
	if err != nil {
		return models.DepthSnapshot{}, err
	}

	snap := models.DepthSnapshot{
		Key:          key,
		LastUpdateID: ob.UpdateID,
		Time:         time.UnixMilli(ob.Ts),
	}
	snap.Bids = parseRows(ob.Bids)
	snap.Asks = parseRows(ob.Asks)
	return snap, nil
}

func parseRows(rows [][2]string) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(rows))
	for _, r := range rows {
		px, err1 := strconv.ParseFloat(r[0], 64)
		qty, err2 := strconv.ParseFloat(r[1], 64)
		if err1 != nil || err2 != nil || px <= 0 {
			continue
		}
		out = append(out, models.BookLevel{Price: px, Quantity: qty})
	}
	return out
}

type wsEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type wsDepthData struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	UpdateID int64       `json:"u"`
	Seq      int64       `json:"seq"`
}

// Run opens one depth stream connection and blocks until it drops. Bybit's
// update id increments by one per message, so delta continuity maps onto the
// prev-id rule; full ws snapshots are passed through as plain refresh events.
func (m *MarketData) Run(ctx context.Context, key models.MarketKey, out chan<- models.DiffEvent) error {
	log := m.log.WithComponent("venue_bybit").WithFields(logger.Fields{
		"market": key.String(),
		"worker": "diff_stream",
	})

	conn, err := m.dial(ctx, []string{fmt.Sprintf("orderbook.50.%s", key.Symbol)})
	if err != nil {
		return err
	}
	defer conn.Close()

	stopPing := startPing(ctx, conn)
	defer stopPing()

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
			return fmt.Errorf("read depth stream %s: %w", key.String(), err)
		}

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Topic == "" {
			continue
		}

		var data wsDepthData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			continue
		}

		ev := models.DiffEvent{
			Key:           key,
			FirstUpdateID: data.UpdateID,
			FinalUpdateID: data.UpdateID,
			EventTime:     time.UnixMilli(env.Ts),
			Received:      time.Now(),
			Bids:          parseRows(data.Bids),
			Asks:          parseRows(data.Asks),
		}
		if env.Type == "delta" {
			ev.HasPrev = true
			ev.PrevFinalUpdateID = data.UpdateID - 1
		}

		select {
		case out <- ev:
			logger.RecordChannelMessage("bybit_diff", len(ev.Bids)+len(ev.Asks))
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Warn("diff event channel full, dropping event")
		}
	}
}

type wsTickerData struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

// MarkStream consumes the ticker topic, which carries mark-price updates for
// linear contracts.
type MarkStream struct {
	client *Client
	log    *logger.Log
}

// NewMarkStream wires the ticker-based mark stream.
func NewMarkStream(c *Client) *MarkStream {
	return &MarkStream{client: c, log: logger.GetLogger()}
}

// Run opens one ticker stream connection and blocks until it drops. Delta
// ticker frames omit unchanged fields, so frames without a mark are skipped.
func (m *MarkStream) Run(ctx context.Context, key models.MarketKey, out chan<- models.MarkPrice) error {
	md := &MarketData{client: m.client, log: m.log}
	conn, err := md.dial(ctx, []string{fmt.Sprintf("tickers.%s", key.Symbol)})
	if err != nil {
		return err
	}
	defer conn.Close()

	stopPing := startPing(ctx, conn)
	defer stopPing()

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
			return fmt.Errorf("read ticker stream %s: %w", key.String(), err)
		}

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Topic == "" {
			continue
		}

		var data wsTickerData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.MarkPrice == "" {
			continue
		}

		mark, err := strconv.ParseFloat(data.MarkPrice, 64)
		if err != nil || mark <= 0 {
			continue
		}

		mp := models.MarkPrice{Key: key, Mark: mark, Time: time.UnixMilli(env.Ts)}
		select {
		case out <- mp:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// dial connects the public websocket and subscribes to the given topics.
func (m *MarketData) dial(ctx context.Context, topics []string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.client.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bybit public ws: %w", err)
	}

	sub := map[string]interface{}{
		"op":   "subscribe",
		"args": topics,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe bybit topics %v: %w", topics, err)
	}
	return conn, nil
}

// startPing keeps the connection alive per the venue's 20s ping requirement.
// The returned func stops the ping worker.
func startPing(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arbflow/logger"
	"arbflow/models"
	"arbflow/venue"
)

const (
	privateWsURL        = "wss://stream.bybit.com/v5/private"
	privateWsRetryWait  = time.Second
	privateWsAuthWindow = 10 * time.Second
)

// UserStream consumes the private order topic and forwards execution reports
// to the fill sink.
type UserStream struct {
	client *Client
	sink   venue.FillSink
	wsURL  string

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

// NewUserStream builds the private fill stream.
func NewUserStream(c *Client, sink venue.FillSink) *UserStream {
	return &UserStream{
		client: c,
		sink:   sink,
		wsURL:  privateWsURL,
		log: logger.GetLogger().WithComponent("venue_bybit").WithFields(logger.Fields{
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
		case <-time.After(privateWsRetryWait):
		}
	}
}

type orderTopicMsg struct {
	Topic string `json:"topic"`
	Data  []struct {
		Symbol      string `json:"symbol"`
		OrderID     string `json:"orderId"`
		Side        string `json:"side"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
		UpdatedTime string `json:"updatedTime"`
	} `json:"data"`
}

func (u *UserStream) serveOnce() error {
	conn, _, err := websocket.DefaultDialer.DialContext(u.ctx, u.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial bybit private ws: %w", err)
	}
	defer conn.Close()

	if err := u.authenticate(conn); err != nil {
		return err
	}
	sub := map[string]interface{}{"op": "subscribe", "args": []string{"order"}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe order topic: %w", err)
	}

	stopPing := startPing(u.ctx, conn)
	defer stopPing()

	go func() {
		<-u.ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if u.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read private ws: %w", err)
		}

		var msg orderTopicMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic != "order" {
			continue
		}

		for _, o := range msg.Data {
			id, err := parseOrderID(o.OrderID)
			if err != nil {
				continue
			}
			cum, _ := strconv.ParseFloat(o.CumExecQty, 64)
			avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
			ts, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)

			logger.IncrementFill()
			u.sink.OnFill(models.FillEvent{
				Key:       models.NewMarketKey(models.KindLinear, o.Symbol),
				OrderID:   id,
				Side:      sideToShared(o.Side),
				Status:    normalizeStatus(o.OrderStatus),
				LastPrice: avg,
				CumQty:    cum,
				EventTime: time.UnixMilli(ts),
			})
		}
	}
}

func sideToShared(s string) string {
	if s == "Buy" {
		return string(venue.Buy)
	}
	return string(venue.Sell)
}

// authenticate signs the websocket session with the v5 HMAC scheme.
func (u *UserStream) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(privateWsAuthWindow).UnixMilli()
	mac := hmac.New(sha256.New, []byte(u.client.secret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	signature := hex.EncodeToString(mac.Sum(nil))

	auth := map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{u.client.key, expires, signature},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("auth private ws: %w", err)
	}
	return nil
}

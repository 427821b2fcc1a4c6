package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

// Client wraps the Bybit v5 REST client with a pooled transport and a shared
// request limiter. Only the linear category is used.
type Client struct {
	rest    *bybit.Client
	limiter *rate.Limiter
	wsURL   string
	key     string
	secret  string
	log     *logger.Log
}

// NewClient builds the Bybit client from config.
func NewClient(cfg config.BybitConfig) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}

	base := cfg.RestBase
	if base == "" {
		base = "https://api.bybit.com"
	}
	rest := bybit.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit.WithBaseURL(base))
	rest.HTTPClient = &http.Client{Transport: transport}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	wsURL := cfg.WsPublicURL
	if wsURL == "" {
		wsURL = "wss://stream.bybit.com/v5/public/linear"
	}

	return &Client{
		rest:    rest,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		wsURL:   wsURL,
		key:     cfg.APIKey,
		secret:  cfg.APISecret,
		log:     logger.GetLogger(),
	}
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// decodeResult re-marshals the generic Result payload of a server response
// into a typed struct.
func decodeResult(result interface{}, out interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal bybit result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode bybit result: %w", err)
	}
	return nil
}

// orderbookResult is the REST orderbook payload for one symbol.
type orderbookResult struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	UpdateID int64       `json:"u"`
	Seq      int64       `json:"seq"`
	Ts       int64       `json:"ts"`
}

// Orderbook fetches the linear orderbook snapshot over REST.
func (c *Client) Orderbook(ctx context.Context, symbol string, limit int) (orderbookResult, error) {
	if err := c.wait(ctx); err != nil {
		return orderbookResult{}, err
	}

	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"limit":    limit,
	}
	resp, err := c.rest.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return orderbookResult{}, fmt.Errorf("bybit orderbook %s: %w", symbol, err)
	}
	if resp.RetCode != 0 {
		return orderbookResult{}, fmt.Errorf("bybit orderbook %s: ret %d %s", symbol, resp.RetCode, resp.RetMsg)
	}

	var ob orderbookResult
	if err := decodeResult(resp.Result, &ob); err != nil {
		return orderbookResult{}, err
	}
	return ob, nil
}

// normalizeStatus maps Bybit order statuses onto the shared status constants.
func normalizeStatus(s string) string {
	switch s {
	case "New", "Untriggered":
		return models.OrderStatusNew
	case "PartiallyFilled":
		return models.OrderStatusPartiallyFilled
	case "Filled":
		return models.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return models.OrderStatusCanceled
	case "Rejected":
		return models.OrderStatusRejected
	default:
		return s
	}
}

package binance

import (
	"context"
	"net/http"
	"strconv"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/delivery"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"arbflow/config"
	"arbflow/logger"
)

// Clients bundles the three Binance API surfaces (spot, USD-margined futures,
// coin-margined delivery) behind one pooled HTTP transport and a shared
// request limiter.
type Clients struct {
	Spot     *binance.Client
	Futures  *futures.Client
	Delivery *delivery.Client

	limiter *rate.Limiter
	log     *logger.Log
}

// NewClients builds the client bundle from config. Credentials may be empty
// for market-data-only use.
func NewClients(cfg config.BinanceConfig) *Clients {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}
	httpClient := &http.Client{Transport: transport}

	spot := binance.NewClient(cfg.APIKey, cfg.APISecret)
	spot.HTTPClient = httpClient
	if cfg.SpotBase != "" {
		spot.BaseURL = cfg.SpotBase
	}

	fut := futures.NewClient(cfg.APIKey, cfg.APISecret)
	fut.HTTPClient = httpClient
	if cfg.FuturesBase != "" {
		fut.BaseURL = cfg.FuturesBase
	}

	del := delivery.NewClient(cfg.APIKey, cfg.APISecret)
	del.HTTPClient = httpClient
	if cfg.DeliveryBase != "" {
		del.BaseURL = cfg.DeliveryBase
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	return &Clients{
		Spot:     spot,
		Futures:  fut,
		Delivery: del,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		log:      logger.GetLogger(),
	}
}

// wait blocks until the shared limiter grants a request slot.
func (c *Clients) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

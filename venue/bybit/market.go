package bybit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"arbflow/bus"
	"arbflow/logger"
	"arbflow/models"
)

const liquidityCacheTTL = 10 * time.Second

// Liquidity reports trailing one-minute traded notional per market from the
// kline endpoint, cached briefly between evaluation ticks.
type Liquidity struct {
	client *Client

	mu    sync.Mutex
	cache map[models.MarketKey]liquidityEntry
}

type liquidityEntry struct {
	notional float64
	at       time.Time
}

// NewLiquidity builds the liquidity source.
func NewLiquidity(c *Client) *Liquidity {
	return &Liquidity{client: c, cache: make(map[models.MarketKey]liquidityEntry)}
}

type klineResult struct {
	List [][]string `json:"list"`
}

// TrailingMinuteNotional returns the turnover of the most recent complete
// one-minute candle. Bybit returns candles newest first, and turnover is the
// seventh column.
func (l *Liquidity) TrailingMinuteNotional(ctx context.Context, key models.MarketKey) (float64, error) {
	l.mu.Lock()
	if e, ok := l.cache[key]; ok && time.Since(e.at) < liquidityCacheTTL {
		l.mu.Unlock()
		return e.notional, nil
	}
	l.mu.Unlock()

	if err := l.client.wait(ctx); err != nil {
		return 0, err
	}

	params := map[string]interface{}{
		"category": "linear",
		"symbol":   key.Symbol,
		"interval": "1",
		"limit":    2,
	}
	resp, err := l.client.rest.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	if err != nil {
		return 0, fmt.Errorf("bybit kline %s: %w", key.Symbol, err)
	}
	if resp.RetCode != 0 {
		return 0, fmt.Errorf("bybit kline %s: ret %d %s", key.Symbol, resp.RetCode, resp.RetMsg)
	}

	var result klineResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return 0, err
	}
	if len(result.List) < 2 || len(result.List[1]) < 7 {
		return 0, fmt.Errorf("bybit kline %s: not enough candles", key.Symbol)
	}

	notional, err := strconv.ParseFloat(result.List[1][6], 64)
	if err != nil {
		return 0, fmt.Errorf("bybit kline %s: bad turnover: %w", key.Symbol, err)
	}

	l.mu.Lock()
	l.cache[key] = liquidityEntry{notional: notional, at: time.Now()}
	l.mu.Unlock()

	return notional, nil
}

// MetaFetcher loads instrument rules and publishes them on the bus.
type MetaFetcher struct {
	client *Client
	bus    *bus.Bus
	log    *logger.Entry
}

// NewMetaFetcher builds the metadata fetcher.
func NewMetaFetcher(c *Client, b *bus.Bus) *MetaFetcher {
	return &MetaFetcher{
		client: c,
		bus:    b,
		log:    logger.GetLogger().WithComponent("venue_bybit"),
	}
}

type instrumentResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		LotSizeFilter struct {
			QtyStep string `json:"qtyStep"`
		} `json:"lotSizeFilter"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
	} `json:"list"`
}

// FetchAndPublish resolves trading rules for the requested markets.
func (f *MetaFetcher) FetchAndPublish(ctx context.Context, keys []models.MarketKey) error {
	for _, key := range keys {
		if err := f.client.wait(ctx); err != nil {
			return err
		}

		params := map[string]interface{}{
			"category": "linear",
			"symbol":   key.Symbol,
		}
		resp, err := f.client.rest.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		if err != nil {
			return fmt.Errorf("bybit instrument info %s: %w", key.Symbol, err)
		}
		if resp.RetCode != 0 {
			return fmt.Errorf("bybit instrument info %s: ret %d %s", key.Symbol, resp.RetCode, resp.RetMsg)
		}

		var result instrumentResult
		if err := decodeResult(resp.Result, &result); err != nil {
			return err
		}
		if len(result.List) == 0 {
			return fmt.Errorf("symbol %s not found in instrument info", key.String())
		}

		step, _ := strconv.ParseFloat(result.List[0].LotSizeFilter.QtyStep, 64)
		tick, _ := strconv.ParseFloat(result.List[0].PriceFilter.TickSize, 64)
		meta := models.Meta{Key: key, QtyStep: step, PriceTick: tick}

		f.bus.Publish(bus.TopicMeta, key, meta)
		f.log.WithFields(logger.Fields{
			"market":     key.String(),
			"price_tick": meta.PriceTick,
			"qty_step":   meta.QtyStep,
		}).Info("published market metadata")
	}
	return nil
}

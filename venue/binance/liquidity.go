package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"arbflow/bus"
	"arbflow/logger"
	"arbflow/models"
)

const liquidityCacheTTL = 10 * time.Second

// Liquidity reports trailing one-minute traded notional per market from the
// klines endpoint, cached briefly so the gate does not hammer REST on every
// evaluation tick.
type Liquidity struct {
	clients *Clients
	bus     *bus.Bus

	mu    sync.Mutex
	cache map[models.MarketKey]liquidityEntry
	log   *logger.Entry
}

type liquidityEntry struct {
	notional float64
	at       time.Time
}

// NewLiquidity builds the liquidity source. The bus supplies contract-size
// metadata for inverse markets.
func NewLiquidity(c *Clients, b *bus.Bus) *Liquidity {
	return &Liquidity{
		clients: c,
		bus:     b,
		cache:   make(map[models.MarketKey]liquidityEntry),
		log:     logger.GetLogger().WithComponent("venue_binance"),
	}
}

// TrailingMinuteNotional returns the USD notional traded over the most recent
// complete minute candle.
func (l *Liquidity) TrailingMinuteNotional(ctx context.Context, key models.MarketKey) (float64, error) {
	l.mu.Lock()
	if e, ok := l.cache[key]; ok && time.Since(e.at) < liquidityCacheTTL {
		l.mu.Unlock()
		return e.notional, nil
	}
	l.mu.Unlock()

	if err := l.clients.wait(ctx); err != nil {
		return 0, err
	}

	var notional float64
	switch key.Kind {
	case models.KindSpot:
		klines, err := l.clients.Spot.NewKlinesService().Symbol(key.Symbol).Interval("1m").Limit(2).Do(ctx)
		if err != nil {
			return 0, fmt.Errorf("spot klines %s: %w", key.Symbol, err)
		}
		if len(klines) < 2 {
			return 0, fmt.Errorf("spot klines %s: not enough candles", key.Symbol)
		}
		notional = parseFloat(klines[len(klines)-2].QuoteAssetVolume)
	case models.KindLinear:
		klines, err := l.clients.Futures.NewKlinesService().Symbol(key.Symbol).Interval("1m").Limit(2).Do(ctx)
		if err != nil {
			return 0, fmt.Errorf("futures klines %s: %w", key.Symbol, err)
		}
		if len(klines) < 2 {
			return 0, fmt.Errorf("futures klines %s: not enough candles", key.Symbol)
		}
		notional = parseFloat(klines[len(klines)-2].QuoteAssetVolume)
	case models.KindInverse:
		klines, err := l.clients.Delivery.NewKlinesService().Symbol(key.Symbol).Interval("1m").Limit(2).Do(ctx)
		if err != nil {
			return 0, fmt.Errorf("delivery klines %s: %w", key.Symbol, err)
		}
		if len(klines) < 2 {
			return 0, fmt.Errorf("delivery klines %s: not enough candles", key.Symbol)
		}
		// Inverse candle volume is in contracts; convert via contract size.
		notional = parseFloat(klines[len(klines)-2].Volume) * l.contractSize(key)
	default:
		return 0, fmt.Errorf("unsupported venue kind %q", key.Kind)
	}

	l.mu.Lock()
	l.cache[key] = liquidityEntry{notional: notional, at: time.Now()}
	l.mu.Unlock()

	return notional, nil
}

func (l *Liquidity) contractSize(key models.MarketKey) float64 {
	if meta, ok := l.bus.LatestMeta(key); ok && meta.ContractSize > 0 {
		return meta.ContractSize
	}
	if strings.HasPrefix(key.Symbol, "BTC") {
		return 100
	}
	return 10
}

package binance

import (
	"context"
	"fmt"

	"arbflow/bus"
	"arbflow/logger"
	"arbflow/models"
)

// MetaFetcher loads per-symbol trading rules from exchange info and publishes
// them on the bus for legs and the liquidity gate to consume.
type MetaFetcher struct {
	clients *Clients
	bus     *bus.Bus
	log     *logger.Entry
}

// NewMetaFetcher builds the metadata fetcher.
func NewMetaFetcher(c *Clients, b *bus.Bus) *MetaFetcher {
	return &MetaFetcher{
		clients: c,
		bus:     b,
		log:     logger.GetLogger().WithComponent("venue_binance"),
	}
}

// FetchAndPublish resolves trading rules for every requested market and
// publishes each as a Meta on the bus. Intended to run once at startup.
func (f *MetaFetcher) FetchAndPublish(ctx context.Context, keys []models.MarketKey) error {
	for _, key := range keys {
		meta, err := f.fetch(ctx, key)
		if err != nil {
			return err
		}
		f.bus.Publish(bus.TopicMeta, key, meta)
		f.log.WithFields(logger.Fields{
			"market":        key.String(),
			"contract_size": meta.ContractSize,
			"price_tick":    meta.PriceTick,
			"qty_step":      meta.QtyStep,
		}).Info("published market metadata")
	}
	return nil
}

func (f *MetaFetcher) fetch(ctx context.Context, key models.MarketKey) (models.Meta, error) {
	if err := f.clients.wait(ctx); err != nil {
		return models.Meta{}, err
	}

	meta := models.Meta{Key: key}

	switch key.Kind {
	case models.KindSpot:
		info, err := f.clients.Spot.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return models.Meta{}, fmt.Errorf("spot exchange info: %w", err)
		}
		for _, s := range info.Symbols {
			if s.Symbol != key.Symbol {
				continue
			}
			if lot := s.LotSizeFilter(); lot != nil {
				meta.QtyStep = parseFloat(lot.StepSize)
			}
			if pf := s.PriceFilter(); pf != nil {
				meta.PriceTick = parseFloat(pf.TickSize)
			}
			return meta, nil
		}
	case models.KindLinear:
		info, err := f.clients.Futures.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return models.Meta{}, fmt.Errorf("futures exchange info: %w", err)
		}
		for _, s := range info.Symbols {
			if s.Symbol != key.Symbol {
				continue
			}
			if lot := s.LotSizeFilter(); lot != nil {
				meta.QtyStep = parseFloat(lot.StepSize)
			}
			if pf := s.PriceFilter(); pf != nil {
				meta.PriceTick = parseFloat(pf.TickSize)
			}
			return meta, nil
		}
	case models.KindInverse:
		info, err := f.clients.Delivery.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return models.Meta{}, fmt.Errorf("delivery exchange info: %w", err)
		}
		for _, s := range info.Symbols {
			if s.Symbol != key.Symbol {
				continue
			}
			meta.ContractSize = float64(s.ContractSize)
			if lot := s.LotSizeFilter(); lot != nil {
				meta.QtyStep = parseFloat(lot.StepSize)
			}
			if pf := s.PriceFilter(); pf != nil {
				meta.PriceTick = parseFloat(pf.TickSize)
			}
			return meta, nil
		}
	default:
		return models.Meta{}, fmt.Errorf("unsupported venue kind %q", key.Kind)
	}

	return models.Meta{}, fmt.Errorf("symbol %s not found in exchange info", key.String())
}

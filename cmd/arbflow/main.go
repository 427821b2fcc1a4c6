package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"arbflow/bus"
	"arbflow/config"
	"arbflow/executor"
	"arbflow/logger"
	"arbflow/models"
	"arbflow/recorder"
	"arbflow/replica"
	"arbflow/strategy"
	"arbflow/venue"
	"arbflow/venue/binance"
	"arbflow/venue/bybit"
)

// fillFan delivers execution reports to the pending-fill registry and mirrors
// them onto the bus for the recorder.
type fillFan struct {
	registry *executor.Registry
	bus      *bus.Bus
}

func (f *fillFan) OnFill(ev models.FillEvent) {
	f.registry.OnFill(ev)
	f.bus.Publish(bus.TopicFills, ev.Key, ev)
}

// userStream is either venue's user-data consumer.
type userStream interface {
	Start(ctx context.Context) error
	Stop()
}

// legRuntime bundles everything one leg needs at runtime.
type legRuntime struct {
	key  models.MarketKey
	leg  venue.Leg
	liq  venue.Liquidity
	book *replica.Supervisor
	mark *replica.MarkSupervisor
	user userStream
}

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Arbflow.Name,
		"version": cfg.Arbflow.Version,
		"pair":    cfg.Arbflow.Pair,
	}).Info("starting arbflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Metrics.Dashboard)
		logger.CreateDefaultDashboard(ctx)
	}
	if cfg.Metrics.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	b := bus.New(cfg.Channels.BusDepth)
	defer b.Close()

	registry := executor.NewRegistry()
	sink := &fillFan{registry: registry, bus: b}

	binanceClients := binance.NewClients(cfg.Venues.Binance)
	bybitClient := bybit.NewClient(cfg.Venues.Bybit)

	quote, err := buildLeg(cfg, cfg.Venues.Quote, b, binanceClients, bybitClient, sink)
	if err != nil {
		log.WithError(err).Error("failed to build quote leg")
		os.Exit(1)
	}
	hedge, err := buildLeg(cfg, cfg.Venues.Hedge, b, binanceClients, bybitClient, sink)
	if err != nil {
		log.WithError(err).Error("failed to build hedge leg")
		os.Exit(1)
	}

	if err := fetchMeta(ctx, cfg, b, binanceClients, bybitClient, quote.key, hedge.key); err != nil {
		log.WithError(err).Error("failed to fetch venue metadata")
		os.Exit(1)
	}

	for _, lr := range []*legRuntime{quote, hedge} {
		if err := lr.book.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start book supervisor")
			os.Exit(1)
		}
		if lr.mark != nil {
			if err := lr.mark.Start(ctx); err != nil {
				log.WithError(err).Error("failed to start mark supervisor")
				os.Exit(1)
			}
		}
		if err := lr.user.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start user stream")
			os.Exit(1)
		}
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.NewRecorder(cfg, b)
		if err != nil {
			log.WithError(err).Error("failed to create recorder")
			os.Exit(1)
		}
		if err := rec.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start recorder")
			os.Exit(1)
		}
	}

	hybrid := executor.NewHybridExecutor(registry, cfg.Execution)
	rescue := executor.NewRescueMonitor(cfg.Execution)
	engine := strategy.NewEngine(cfg, b, quote.leg, hedge.leg, quote.liq, hedge.liq, hybrid, rescue)

	// Let the replicas reach READY before the first evaluation cycle.
	time.Sleep(2 * time.Second)
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start strategy engine")
		os.Exit(1)
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutting down")

	engine.Stop()
	cancel()

	if rec != nil {
		rec.Stop()
	}
	for _, lr := range []*legRuntime{quote, hedge} {
		lr.user.Stop()
		if lr.mark != nil {
			lr.mark.Stop()
		}
		lr.book.Stop()
	}
	log.Info("arbflow stopped")
}

// buildLeg wires one leg's adapters: order/market access, book and mark
// supervisors, and the user-data fill stream.
func buildLeg(cfg *config.Config, lc config.LegConfig, b *bus.Bus, bn *binance.Clients, by *bybit.Client, sink venue.FillSink) (*legRuntime, error) {
	kind := models.VenueKind(lc.Kind)
	key := models.NewMarketKey(kind, lc.Symbol)
	opts := replica.Options{
		StaleAfter:    cfg.Strategy.StaleAfter,
		PublishLevels: publishLevels(cfg.Strategy.DepthLevels),
		EventBuffer:   cfg.Channels.EventBuffer,
	}

	switch lc.Venue {
	case "bybit":
		md := bybit.NewMarketData(by)
		return &legRuntime{
			key:  key,
			leg:  bybit.NewLeg(lc.Symbol, by, b, cfg.Strategy.StaleAfter),
			liq:  bybit.NewLiquidity(by),
			book: replica.NewSupervisor(key, b, md, md, opts),
			mark: replica.NewMarkSupervisor(key, b, bybit.NewMarkStream(by), opts),
			user: bybit.NewUserStream(by, sink),
		}, nil
	case "binance", "":
		md := binance.NewMarketData(bn)
		lr := &legRuntime{
			key:  key,
			leg:  binance.NewLeg(key, bn, b, cfg.Strategy.StaleAfter),
			liq:  binance.NewLiquidity(bn, b),
			book: replica.NewSupervisor(key, b, md, md, opts),
			user: binance.NewUserStream(kind, bn, sink),
		}
		// Spot has no mark stream; the leg uses the book mid instead.
		if kind != models.KindSpot {
			lr.mark = replica.NewMarkSupervisor(key, b, binance.NewMarkStreams(bn), opts)
		}
		return lr, nil
	default:
		return nil, fmt.Errorf("unsupported venue %q", lc.Venue)
	}
}

// fetchMeta loads trading rules for each leg from its own venue.
func fetchMeta(ctx context.Context, cfg *config.Config, b *bus.Bus, bn *binance.Clients, by *bybit.Client, keys ...models.MarketKey) error {
	var binanceKeys, bybitKeys []models.MarketKey
	legs := []config.LegConfig{cfg.Venues.Quote, cfg.Venues.Hedge}
	for i, key := range keys {
		if legs[i].Venue == "bybit" {
			bybitKeys = append(bybitKeys, key)
		} else {
			binanceKeys = append(binanceKeys, key)
		}
	}
	if len(binanceKeys) > 0 {
		if err := binance.NewMetaFetcher(bn, b).FetchAndPublish(ctx, binanceKeys); err != nil {
			return err
		}
	}
	if len(bybitKeys) > 0 {
		if err := bybit.NewMetaFetcher(by, b).FetchAndPublish(ctx, bybitKeys); err != nil {
			return err
		}
	}
	return nil
}

func publishLevels(depth int) int {
	if depth < 20 {
		return 20
	}
	return depth
}

package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"arbflow/bus"
	"arbflow/config"
	"arbflow/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Arbflow.Version = "test"
	cfg.Recorder = config.RecorderConfig{
		Enabled:       true,
		Dir:           t.TempDir(),
		FlushInterval: time.Hour,
		BatchSize:     1000,
		Compression:   "snappy",
	}
	return cfg
}

func TestEncodeParquetTradeRows(t *testing.T) {
	rows := []any{
		tradeRow(models.TradeRecord{
			TradeID:  "t1",
			Event:    models.TradeEventOpen,
			Side:     models.SidePos,
			QuoteKey: models.NewMarketKey(models.KindInverse, "BTCUSD_PERP"),
			HedgeKey: models.NewMarketKey(models.KindSpot, "BTCUSDT"),
			QuoteQty: 10,
			HedgeQty: 0.02,
			QuotePx:  50050,
			HedgePx:  50000,
			EdgeBps:  10,
			Time:     time.Now(),
		}),
	}
	data, err := encodeParquet(new(TradeRow), rows, "snappy")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// Parquet files end with the magic bytes "PAR1".
	if string(data[len(data)-4:]) != "PAR1" {
		t.Fatal("output missing parquet footer magic")
	}
}

func TestEncodeParquetUnknownCompressionFallsBack(t *testing.T) {
	rows := []any{fillRow(models.FillEvent{
		Key:       models.NewMarketKey(models.KindLinear, "BTCUSDT"),
		OrderID:   42,
		Side:      "BUY",
		Status:    models.OrderStatusFilled,
		LastPrice: 50000,
		LastQty:   0.01,
		CumQty:    0.01,
		EventTime: time.Now(),
	})}
	data, err := encodeParquet(new(FillRow), rows, "zstd")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
}

func TestS3KeyPartitioning(t *testing.T) {
	ts := time.Date(2026, 3, 7, 14, 0, 0, 0, time.UTC)
	got := s3Key("arb", "trades", ts, "trades_x.parquet")
	want := "arb/trades/year=2026/month=03/day=07/trades_x.parquet"
	if got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}

	got = s3Key("", "fills", ts, "f.parquet")
	want = "fills/year=2026/month=03/day=07/f.parquet"
	if got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestRecorderFlushesOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	b := bus.New(16)
	defer b.Close()

	r, err := NewRecorder(cfg, b)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	b.Publish(bus.TopicTrades, models.NewMarketKey(models.KindSpot, "BTCUSDT"), models.TradeRecord{
		TradeID: "t1",
		Event:   models.TradeEventOpen,
		Side:    models.SidePos,
		Time:    time.Now(),
	})
	b.Publish(bus.TopicFills, models.NewMarketKey(models.KindSpot, "BTCUSDT"), models.FillEvent{
		OrderID:   7,
		Status:    models.OrderStatusFilled,
		CumQty:    1,
		EventTime: time.Now(),
	})

	// Give the consumer a moment to drain the inboxes, then shut down to
	// force the final flush.
	time.Sleep(100 * time.Millisecond)
	cancel()
	r.Stop()

	assertParquetFiles(t, filepath.Join(cfg.Recorder.Dir, "trades"))
	assertParquetFiles(t, filepath.Join(cfg.Recorder.Dir, "fills"))
}

func assertParquetFiles(t *testing.T, root string) {
	t.Helper()
	var found int
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".parquet" {
			found++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	if found == 0 {
		t.Fatalf("no parquet files under %s", root)
	}
}

func TestRecorderDoubleStartRejected(t *testing.T) {
	cfg := testConfig(t)
	b := bus.New(16)
	defer b.Close()

	r, err := NewRecorder(cfg, b)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatal("second start accepted")
	}
	cancel()
	r.Stop()
}

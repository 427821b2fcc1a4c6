// Package recorder persists trade and fill records from the bus as parquet
// files on local disk, with optional upload to S3 under time-partitioned keys.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"arbflow/bus"
	"arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

// Recorder consumes the trade and fill topics and flushes buffered rows on an
// interval, on a batch-size threshold, and on shutdown.
type Recorder struct {
	config   *config.Config
	bus      *bus.Bus
	s3Client *s3.Client

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry

	trades []models.TradeRecord
	fills  []models.FillEvent
}

// NewRecorder builds a recorder. The S3 client is only constructed when the
// storage config enables it; local parquet output works without AWS.
func NewRecorder(cfg *config.Config, b *bus.Bus) (*Recorder, error) {
	r := &Recorder{
		config: cfg,
		bus:    b,
		log:    logger.GetLogger().WithComponent("recorder"),
	}

	if cfg.Storage.S3.Enabled {
		client, err := newS3Client(cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		r.s3Client = client
		r.log.WithFields(logger.Fields{
			"bucket":     cfg.Storage.S3.Bucket,
			"region":     cfg.Storage.S3.Region,
			"path_style": cfg.Storage.S3.PathStyle,
		}).Info("s3 upload enabled")
	}
	return r, nil
}

func newS3Client(cfg config.S3Config) (*s3.Client, error) {
	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Start subscribes to the trade and fill topics and launches the consume and
// flush workers.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	if err := os.MkdirAll(r.config.Recorder.Dir, 0o755); err != nil {
		return fmt.Errorf("create recorder directory: %w", err)
	}

	trades := r.bus.SubscribeAll(bus.TopicTrades)
	fills := r.bus.SubscribeAll(bus.TopicFills)

	r.wg.Add(2)
	go r.consume(trades, fills)
	go r.flushWorker()

	r.log.WithFields(logger.Fields{
		"dir":            r.config.Recorder.Dir,
		"flush_interval": r.config.Recorder.FlushInterval.String(),
		"batch_size":     r.config.Recorder.BatchSize,
	}).Info("recorder started")
	return nil
}

// Stop waits for the workers; the final flush runs on context cancellation.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info("recorder stopped")
}

func (r *Recorder) consume(trades, fills <-chan bus.Item) {
	defer r.wg.Done()

	batch := r.config.Recorder.BatchSize
	if batch <= 0 {
		batch = 1000
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case item, ok := <-trades:
			if !ok {
				return
			}
			rec, ok := item.Value.(models.TradeRecord)
			if !ok {
				continue
			}
			r.mu.Lock()
			r.trades = append(r.trades, rec)
			full := len(r.trades) >= batch
			r.mu.Unlock()
			if full {
				r.flush("batch_size")
			}
		case item, ok := <-fills:
			if !ok {
				return
			}
			ev, ok := item.Value.(models.FillEvent)
			if !ok {
				continue
			}
			r.mu.Lock()
			r.fills = append(r.fills, ev)
			full := len(r.fills) >= batch
			r.mu.Unlock()
			if full {
				r.flush("batch_size")
			}
		}
	}
}

func (r *Recorder) flushWorker() {
	defer r.wg.Done()

	interval := r.config.Recorder.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.flush("shutdown")
			return
		case <-ticker.C:
			r.flush("interval")
		}
	}
}

func (r *Recorder) flush(reason string) {
	r.mu.Lock()
	trades := r.trades
	fills := r.fills
	r.trades = nil
	r.fills = nil
	r.mu.Unlock()

	if len(trades) == 0 && len(fills) == 0 {
		return
	}
	r.log.WithFields(logger.Fields{
		"trades": len(trades),
		"fills":  len(fills),
		"reason": reason,
	}).Info("flushing records")

	if len(trades) > 0 {
		rows := make([]any, len(trades))
		for i, t := range trades {
			rows[i] = tradeRow(t)
		}
		r.writeFile("trades", new(TradeRow), rows)
	}
	if len(fills) > 0 {
		rows := make([]any, len(fills))
		for i, f := range fills {
			rows[i] = fillRow(f)
		}
		r.writeFile("fills", new(FillRow), rows)
	}
}

// writeFile encodes one parquet file, lands it on local disk, and uploads it
// when S3 is configured.
func (r *Recorder) writeFile(kind string, schema any, rows []any) {
	now := time.Now().UTC()
	data, err := encodeParquet(schema, rows, r.config.Recorder.Compression)
	if err != nil {
		r.log.WithError(err).WithFields(logger.Fields{"kind": kind}).Error("parquet encode failed")
		return
	}

	name := fmt.Sprintf("%s_%s_%s.parquet", kind, now.Format("20060102150405"), uuid.New().String()[:8])
	dir := filepath.Join(r.config.Recorder.Dir, kind, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.log.WithError(err).Error("create partition directory failed")
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.log.WithError(err).WithFields(logger.Fields{"path": path}).Error("local write failed")
		return
	}
	logger.IncrementRecorderWrite(int64(len(data)))
	r.log.WithFields(logger.Fields{
		"path": path,
		"rows": len(rows),
		"size": len(data),
	}).Info("parquet file written")

	if r.s3Client != nil {
		r.upload(s3Key(r.config.Storage.S3.Prefix, kind, now, name), data)
	}
}

// s3Key partitions uploads by kind and date under the configured prefix.
func s3Key(prefix, kind string, ts time.Time, name string) string {
	key := filepath.Join(
		kind,
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", ts.Month()),
		fmt.Sprintf("day=%02d", ts.Day()),
		name,
	)
	if prefix != "" {
		key = filepath.Join(prefix, key)
	}
	return filepath.ToSlash(key)
}

func (r *Recorder) upload(key string, data []byte) {
	ctx := context.WithoutCancel(r.ctx)
	_, err := r.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  r.config.Recorder.Compression,
			"app-version":  r.config.Arbflow.Version,
		},
	})
	if err != nil {
		r.log.WithError(err).WithFields(logger.Fields{
			"bucket": r.config.Storage.S3.Bucket,
			"key":    key,
		}).Error("s3 upload failed")
		return
	}
	r.log.WithFields(logger.Fields{"key": key}).Info("uploaded to s3")
}

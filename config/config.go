package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Arbflow   AppConfig      `yaml:"arbflow"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Channels  ChannelsConfig `yaml:"channels"`
	Strategy  StrategyConfig `yaml:"strategy"`
	Execution ExecConfig     `yaml:"execution"`
	Venues    VenuesConfig   `yaml:"venues"`
	Recorder  RecorderConfig `yaml:"recorder"`
	Storage   StorageConfig  `yaml:"storage"`
	Logging   LoggingConfig  `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Pair    string `yaml:"pair"`
}

type MetricsConfig struct {
	CloudWatch     bool          `yaml:"cloudwatch"`
	Region         string        `yaml:"region"`
	Namespace      string        `yaml:"namespace"`
	Dashboard      string        `yaml:"dashboard"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type ChannelsConfig struct {
	BusDepth    int `yaml:"bus_depth"`
	EventBuffer int `yaml:"event_buffer"`
}

type StrategyConfig struct {
	EnterBps          float64        `yaml:"enter_bps"`
	ExitBps           float64        `yaml:"exit_bps"`
	StopBps           float64        `yaml:"stop_bps"`
	MinEdgeBps        float64        `yaml:"min_edge_bps"`
	MinNotional       float64        `yaml:"min_notional"`
	TargetNotional    float64        `yaml:"target_notional"`
	MaxHold           time.Duration  `yaml:"max_hold"`
	MaxSkew           time.Duration  `yaml:"max_skew"`
	StaleAfter        time.Duration  `yaml:"stale_after"`
	TickInterval      time.Duration  `yaml:"tick_interval"`
	LiquidityCapFrac  float64        `yaml:"liquidity_cap_fraction"`
	OnlyPositiveCarry bool           `yaml:"only_positive_carry"`
	MaxSlippageBps    SlippageConfig `yaml:"max_slippage_bps"`
	DepthLevels       int            `yaml:"depth_levels"`
	MarginCheck       bool           `yaml:"margin_check"`
}

// SlippageConfig caps expected VWAP slippage per leg kind, in basis points.
type SlippageConfig struct {
	Spot    float64 `yaml:"spot"`
	Linear  float64 `yaml:"linear"`
	Inverse float64 `yaml:"inverse"`
}

type ExecConfig struct {
	Mode          string        `yaml:"mode"`      // taker | hybrid
	MakerLeg      string        `yaml:"maker_leg"` // quote | hedge
	Wait          time.Duration `yaml:"wait"`
	MinFillRatio  float64       `yaml:"min_fill_ratio"`
	RescueTimeout time.Duration `yaml:"rescue_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type VenuesConfig struct {
	Quote   LegConfig     `yaml:"quote"`
	Hedge   LegConfig     `yaml:"hedge"`
	Binance BinanceConfig `yaml:"binance"`
	Bybit   BybitConfig   `yaml:"bybit"`
}

type LegConfig struct {
	Venue  string `yaml:"venue"` // binance | bybit
	Kind   string `yaml:"kind"`  // spot | linear | inverse
	Symbol string `yaml:"symbol"`
}

type BinanceConfig struct {
	SpotBase       string               `yaml:"spot_base"`
	FuturesBase    string               `yaml:"futures_base"`
	DeliveryBase   string               `yaml:"delivery_base"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type BybitConfig struct {
	RestBase       string               `yaml:"rest_base"`
	WsPublicURL    string               `yaml:"ws_public_url"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Compression   string        `yaml:"compression"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets deployment environments inject secrets and the
// traded pair without editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PAIR"); v != "" {
		cfg.Arbflow.Pair = strings.ToUpper(strings.TrimSpace(v))
	}
	if v := os.Getenv("QUOTE_KIND"); v != "" {
		cfg.Venues.Quote.Kind = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("HEDGE_KIND"); v != "" {
		cfg.Venues.Hedge.Kind = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("QUOTE_SYMBOL"); v != "" {
		cfg.Venues.Quote.Symbol = strings.ToUpper(strings.TrimSpace(v))
	}
	if v := os.Getenv("HEDGE_SYMBOL"); v != "" {
		cfg.Venues.Hedge.Symbol = strings.ToUpper(strings.TrimSpace(v))
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Venues.Binance.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Venues.Binance.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		cfg.Venues.Bybit.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		cfg.Venues.Bybit.APISecret = strings.TrimSpace(v)
	}

	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

// defaultSymbol derives the conventional Binance symbol for a pair and
// leg kind when the config omits one.
func defaultSymbol(pair, kind string) string {
	switch kind {
	case "inverse":
		return pair + "USD_PERP"
	default:
		return pair + "USDT"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Arbflow.Name == "" {
		return fmt.Errorf("arbflow.name is required")
	}
	if cfg.Arbflow.Version == "" {
		return fmt.Errorf("arbflow.version is required")
	}
	if cfg.Arbflow.Pair == "" {
		cfg.Arbflow.Pair = "BTC"
	}

	if cfg.Channels.BusDepth <= 0 {
		cfg.Channels.BusDepth = 256
	}
	if cfg.Channels.EventBuffer <= 0 {
		cfg.Channels.EventBuffer = 4096
	}

	for name, leg := range map[string]*LegConfig{"quote": &cfg.Venues.Quote, "hedge": &cfg.Venues.Hedge} {
		if leg.Venue == "" {
			leg.Venue = "binance"
		}
		if leg.Venue != "binance" && leg.Venue != "bybit" {
			return fmt.Errorf("venues.%s.venue '%s' is invalid", name, leg.Venue)
		}
		switch leg.Kind {
		case "spot", "linear", "inverse":
		case "":
			return fmt.Errorf("venues.%s.kind is required", name)
		default:
			return fmt.Errorf("venues.%s.kind '%s' is invalid", name, leg.Kind)
		}
		if leg.Venue == "bybit" && leg.Kind != "linear" {
			return fmt.Errorf("venues.%s: bybit supports only linear legs", name)
		}
		if leg.Symbol == "" {
			leg.Symbol = defaultSymbol(cfg.Arbflow.Pair, leg.Kind)
		}
		leg.Symbol = strings.ToUpper(leg.Symbol)
	}
	if cfg.Venues.Quote.Venue == cfg.Venues.Hedge.Venue &&
		cfg.Venues.Quote.Kind == cfg.Venues.Hedge.Kind &&
		cfg.Venues.Quote.Symbol == cfg.Venues.Hedge.Symbol {
		return fmt.Errorf("venues.quote and venues.hedge must differ")
	}

	s := &cfg.Strategy
	if s.EnterBps <= 0 {
		return fmt.Errorf("strategy.enter_bps must be greater than 0")
	}
	if s.ExitBps < 0 {
		return fmt.Errorf("strategy.exit_bps must not be negative")
	}
	if s.StopBps <= s.EnterBps {
		return fmt.Errorf("strategy.stop_bps must exceed strategy.enter_bps")
	}
	if s.MinEdgeBps <= 0 {
		s.MinEdgeBps = s.EnterBps
	}
	if s.TargetNotional <= 0 {
		return fmt.Errorf("strategy.target_notional must be greater than 0")
	}
	if s.MinNotional <= 0 {
		s.MinNotional = 10
	}
	if s.MaxHold <= 0 {
		s.MaxHold = 30 * time.Minute
	}
	if s.MaxSkew <= 0 {
		s.MaxSkew = 400 * time.Millisecond
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = 3 * time.Second
	}
	if s.TickInterval <= 0 {
		s.TickInterval = 250 * time.Millisecond
	}
	if s.LiquidityCapFrac <= 0 {
		s.LiquidityCapFrac = 0.01
	}
	if s.DepthLevels <= 0 {
		s.DepthLevels = 20
	}
	if s.MaxSlippageBps.Spot <= 0 {
		s.MaxSlippageBps.Spot = 2
	}
	if s.MaxSlippageBps.Linear <= 0 {
		s.MaxSlippageBps.Linear = 2
	}
	if s.MaxSlippageBps.Inverse <= 0 {
		s.MaxSlippageBps.Inverse = 3
	}

	e := &cfg.Execution
	switch e.Mode {
	case "":
		e.Mode = "taker"
	case "taker", "hybrid":
	default:
		return fmt.Errorf("execution.mode '%s' is invalid (taker|hybrid)", e.Mode)
	}
	switch e.MakerLeg {
	case "":
		e.MakerLeg = "quote"
	case "quote", "hedge":
	default:
		return fmt.Errorf("execution.maker_leg '%s' is invalid (quote|hedge)", e.MakerLeg)
	}
	if e.Wait <= 0 {
		e.Wait = 2 * time.Second
	}
	if e.MinFillRatio <= 0 || e.MinFillRatio > 1 {
		e.MinFillRatio = 0.05
	}
	if e.RescueTimeout <= 0 {
		e.RescueTimeout = 5 * time.Second
	}
	if e.PollInterval <= 0 {
		e.PollInterval = 200 * time.Millisecond
	}

	if cfg.Recorder.Enabled {
		if cfg.Recorder.Dir == "" {
			cfg.Recorder.Dir = "data"
		}
		if cfg.Recorder.FlushInterval <= 0 {
			cfg.Recorder.FlushInterval = 30 * time.Second
		}
		if cfg.Recorder.BatchSize <= 0 {
			cfg.Recorder.BatchSize = 500
		}
		if cfg.Recorder.Compression == "" {
			cfg.Recorder.Compression = "snappy"
		}
	}

	if cfg.Metrics.ReportInterval <= 0 {
		cfg.Metrics.ReportInterval = time.Minute
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

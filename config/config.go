// Package config centralises runtime configuration for trading services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// PostgresConfig configures the persistence layer.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// FeeConfig sets the commission schedule in basis points.
type FeeConfig struct {
	BuyerRateBps  string `yaml:"buyer_rate_bps"`
	SellerRateBps string `yaml:"seller_rate_bps"`
}

// RiskConfig bounds admissions before they reach the matcher.
type RiskConfig struct {
	MaxOrderQuantity string  `yaml:"max_order_quantity"`
	MaxNotionalValue string  `yaml:"max_notional_value"`
	OrderThrottle    float64 `yaml:"order_throttle"`
}

// BusConfig tunes the in-memory event bus.
type BusConfig struct {
	BufferSize    int `yaml:"buffer_size"`
	FanoutWorkers int `yaml:"fanout_workers"`
}

// OutboxConfig tunes the durable event dispatcher.
type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Settings contains the configuration tree loaded from defaults, an optional
// YAML file, and environment overrides.
type Settings struct {
	Environment Environment     `yaml:"environment"`
	Postgres    PostgresConfig  `yaml:"postgres"`
	Fees        FeeConfig       `yaml:"fees"`
	Risk        RiskConfig      `yaml:"risk"`
	Bus         BusConfig       `yaml:"bus"`
	Outbox      OutboxConfig    `yaml:"outbox"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the default configuration. The seller commission is zero
// until the pricing desk says otherwise.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Postgres: PostgresConfig{
			DSN:             "",
			MaxConns:        8,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Fees: FeeConfig{
			BuyerRateBps:  "25",
			SellerRateBps: "0",
		},
		Risk: RiskConfig{
			MaxOrderQuantity: "0",
			MaxNotionalValue: "0",
			OrderThrottle:    0,
		},
		Bus: BusConfig{
			BufferSize:    256,
			FanoutWorkers: 4,
		},
		Outbox: OutboxConfig{
			PollInterval: 500 * time.Millisecond,
			BatchSize:    128,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "trading-engine",
		},
	}
}

// Load builds Settings from defaults, then the YAML file at path (when
// non-empty), then environment variables. Later sources win.
func Load(path string) (Settings, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Settings{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	return fromEnv(cfg), nil
}

// FromEnv loads configuration from environment variables over defaults.
func FromEnv() Settings {
	return fromEnv(Default())
}

func fromEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("TRADING_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_POSTGRES_DSN")); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_POSTGRES_MAX_CONNS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil && n > 0 {
			cfg.Postgres.MaxConns = int32(n)
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_BUYER_FEE_BPS")); v != "" {
		cfg.Fees.BuyerRateBps = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_SELLER_FEE_BPS")); v != "" {
		cfg.Fees.SellerRateBps = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_MAX_ORDER_QUANTITY")); v != "" {
		cfg.Risk.MaxOrderQuantity = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_MAX_NOTIONAL_VALUE")); v != "" {
		cfg.Risk.MaxNotionalValue = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_ORDER_THROTTLE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Risk.OrderThrottle = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_OUTBOX_POLL_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Outbox.PollInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADING_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	return cfg
}

// Validate reports configuration errors that would prevent startup.
func (s Settings) Validate() error {
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("unknown environment %q", s.Environment)
	}
	if s.Bus.BufferSize < 0 {
		return fmt.Errorf("bus buffer size must not be negative")
	}
	if s.Outbox.BatchSize < 0 {
		return fmt.Errorf("outbox batch size must not be negative")
	}
	return nil
}

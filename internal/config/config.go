// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration supplied at startup. The trading core
// treats it as a static input; nothing reloads at runtime.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Broker    BrokerConfig    `yaml:"broker"`
	Feed      FeedConfig      `yaml:"feed"`
	Risk      RiskConfig      `yaml:"risk"`
	Retry     RetryConfig     `yaml:"retry"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	LogLevel   string `yaml:"log_level"`
	LedgerPath string `yaml:"ledger_path"` // SQLite file; ":memory:" for ephemeral
}

// BrokerConfig selects and configures the broker adapter.
type BrokerConfig struct {
	Name           string  `yaml:"name"` // "tradier" or "sim"
	APIKey         string  `yaml:"api_key"`
	AccountID      string  `yaml:"account_id"`
	Sandbox        bool    `yaml:"sandbox"`
	BaseURL        string  `yaml:"base_url"` // optional override
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RateLimit      float64 `yaml:"rate_limit"` // submits per second
	RateBurst      int     `yaml:"rate_burst"`
}

// FeedConfig selects and configures the market data feed.
type FeedConfig struct {
	Kind        string   `yaml:"kind"` // "stream" or "replay"
	StreamURL   string   `yaml:"stream_url"`
	ReplayFile  string   `yaml:"replay_file"`
	Underlyings []string `yaml:"underlyings"`
}

// RiskConfig contains the risk controller limits. Zero means unlimited for
// size limits; margin checks always apply.
type RiskConfig struct {
	MaxNotionalPerContract   float64 `yaml:"max_notional_per_contract"`
	MaxNotionalAggregate     float64 `yaml:"max_notional_aggregate"`
	MaxOpenOrders            int     `yaml:"max_open_orders"`
	MaxPositionPerUnderlying float64 `yaml:"max_position_per_underlying"`
	MaxPriceDeviationPct     float64 `yaml:"max_price_deviation_pct"`
	ResizeOnSizeLimits       bool    `yaml:"resize_on_size_limits"`

	CircuitMaxConsecutiveLosses int     `yaml:"circuit_max_consecutive_losses"`
	CircuitMaxDrawdown          float64 `yaml:"circuit_max_drawdown"`
	CircuitCooldownSeconds      int     `yaml:"circuit_cooldown_seconds"`
}

// RetryConfig governs submit/cancel retries in the lifecycle engine.
type RetryConfig struct {
	MaxAttempts          int `yaml:"max_attempts"`
	BackoffBaseMS        int `yaml:"backoff_base_ms"`
	BackoffMaxMS         int `yaml:"backoff_max_ms"`
	BrokerTimeoutSeconds int `yaml:"broker_timeout_seconds"`
}

// StrategyConfig configures the reference strategy.
type StrategyConfig struct {
	Name            string  `yaml:"name"`
	Underlying      string  `yaml:"underlying"`
	ShortWindow     int     `yaml:"short_window"`
	LongWindow      int     `yaml:"long_window"`
	TargetDTEMin    int     `yaml:"target_dte_min"`
	TargetDTEMax    int     `yaml:"target_dte_max"`
	TargetDeltaMin  float64 `yaml:"target_delta_min"`
	TargetDeltaMax  float64 `yaml:"target_delta_max"`
	TargetIVMin     float64 `yaml:"target_iv_min"`
	TargetIVMax     float64 `yaml:"target_iv_max"`
	MinOpenInterest int64   `yaml:"min_open_interest"`
	MinVolume       int64   `yaml:"min_volume"`
	MaxSpreadPct    float64 `yaml:"max_spread_pct"`
	RiskPerTradePct float64 `yaml:"risk_per_trade_pct"`
}

// BacktestConfig parameterizes the simulated fill model.
type BacktestConfig struct {
	SlippagePerContract float64 `yaml:"slippage_per_contract"` // added to mid for market orders
	MaxFillQtyPerTick   int     `yaml:"max_fill_qty_per_tick"` // 0 = fill whole order at once
	InitialCash         float64 `yaml:"initial_cash"`
	LedgerOut           string  `yaml:"ledger_out"` // optional path for the trade ledger dump
}

// AlertsConfig configures notification channels.
type AlertsConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	WebhookURL       string `yaml:"webhook_url"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s=%v: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with safe defaults applied.
func Default() *Config {
	return &Config{
		App: AppConfig{LogLevel: "INFO", LedgerPath: "optionsbot.db"},
		Broker: BrokerConfig{
			Name:           "sim",
			Sandbox:        true,
			TimeoutSeconds: 10,
			RateLimit:      25,
			RateBurst:      30,
		},
		Feed: FeedConfig{Kind: "replay"},
		Risk: RiskConfig{
			MaxOpenOrders:        20,
			MaxPriceDeviationPct: 0.25,
			ResizeOnSizeLimits:   true,
		},
		Retry: RetryConfig{
			MaxAttempts:          3,
			BackoffBaseMS:        100,
			BackoffMaxMS:         2000,
			BrokerTimeoutSeconds: 10,
		},
		Strategy: StrategyConfig{
			Name:            "ma_cross",
			Underlying:      "SPY",
			ShortWindow:     20,
			LongWindow:      50,
			TargetDTEMin:    30,
			TargetDTEMax:    60,
			TargetDeltaMin:  0.30,
			TargetDeltaMax:  0.50,
			TargetIVMin:     0.10,
			TargetIVMax:     0.70,
			MinOpenInterest: 50,
			MinVolume:       20,
			MaxSpreadPct:    0.15,
			RiskPerTradePct: 0.01,
		},
		Backtest: BacktestConfig{
			SlippagePerContract: 0.01,
			InitialCash:         100000,
		},
		Telemetry: TelemetryConfig{EnableMetrics: true, MetricsPort: 9090},
	}
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateBroker(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateFeed(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRetry(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStrategy(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	switch strings.ToUpper(c.App.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{Field: "app.log_level", Value: c.App.LogLevel, Message: "must be one of DEBUG, INFO, WARN, ERROR, FATAL"}
	}
	if c.App.LedgerPath == "" {
		return ValidationError{Field: "app.ledger_path", Message: "must not be empty"}
	}
	return nil
}

func (c *Config) validateBroker() error {
	switch c.Broker.Name {
	case "sim":
	case "tradier":
		if c.Broker.APIKey == "" {
			return ValidationError{Field: "broker.api_key", Message: "required for tradier"}
		}
		if c.Broker.AccountID == "" {
			return ValidationError{Field: "broker.account_id", Message: "required for tradier"}
		}
	default:
		return ValidationError{Field: "broker.name", Value: c.Broker.Name, Message: "must be one of: sim, tradier"}
	}
	if c.Broker.TimeoutSeconds <= 0 {
		return ValidationError{Field: "broker.timeout_seconds", Value: c.Broker.TimeoutSeconds, Message: "must be positive"}
	}
	if c.Broker.RateLimit <= 0 || c.Broker.RateBurst <= 0 {
		return ValidationError{Field: "broker.rate_limit", Message: "rate limit and burst must be positive"}
	}
	return nil
}

func (c *Config) validateFeed() error {
	switch c.Feed.Kind {
	case "replay":
		// replay_file may come from the CLI, so allow empty here
	case "stream":
		if c.Feed.StreamURL == "" {
			return ValidationError{Field: "feed.stream_url", Message: "required for stream feed"}
		}
	default:
		return ValidationError{Field: "feed.kind", Value: c.Feed.Kind, Message: "must be one of: replay, stream"}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxNotionalPerContract < 0 || c.Risk.MaxNotionalAggregate < 0 {
		return ValidationError{Field: "risk.max_notional", Message: "must not be negative"}
	}
	if c.Risk.MaxOpenOrders <= 0 {
		return ValidationError{Field: "risk.max_open_orders", Value: c.Risk.MaxOpenOrders, Message: "must be positive"}
	}
	if c.Risk.MaxPriceDeviationPct <= 0 || c.Risk.MaxPriceDeviationPct > 1 {
		return ValidationError{Field: "risk.max_price_deviation_pct", Value: c.Risk.MaxPriceDeviationPct, Message: "must be in (0, 1]"}
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return ValidationError{Field: "retry.max_attempts", Value: c.Retry.MaxAttempts, Message: "must be between 1 and 10"}
	}
	if c.Retry.BackoffBaseMS <= 0 || c.Retry.BackoffMaxMS < c.Retry.BackoffBaseMS {
		return ValidationError{Field: "retry.backoff", Message: "base must be positive and max >= base"}
	}
	return nil
}

func (c *Config) validateStrategy() error {
	if c.Strategy.ShortWindow <= 0 || c.Strategy.LongWindow <= c.Strategy.ShortWindow {
		return ValidationError{Field: "strategy.windows", Message: "short window must be positive and long window greater"}
	}
	if c.Strategy.RiskPerTradePct <= 0 || c.Strategy.RiskPerTradePct > 0.2 {
		return ValidationError{Field: "strategy.risk_per_trade_pct", Value: c.Strategy.RiskPerTradePct, Message: "must be in (0, 0.2]"}
	}
	return nil
}

// RetryBackoffBase returns the backoff base as a duration.
func (c *Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseMS) * time.Millisecond
}

// RetryBackoffMax returns the backoff cap as a duration.
func (c *Config) RetryBackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxMS) * time.Millisecond
}

// BrokerTimeout returns the global broker round-trip timeout.
func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.Retry.BrokerTimeoutSeconds) * time.Second
}

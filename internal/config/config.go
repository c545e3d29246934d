// Package config handles configuration loading with validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"trade_engine/internal/core"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration, loaded once at startup and
// treated as an immutable snapshot afterwards.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Intervals   IntervalsConfig   `yaml:"intervals"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Exits       ExitsConfig       `yaml:"exits"`
	SLA         SLAConfig         `yaml:"sla"`
	Storage     StorageConfig     `yaml:"storage"`
	Bus         BusConfig         `yaml:"bus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	System      SystemConfig      `yaml:"system"`
}

// EngineConfig selects the mode and the traded universe.
type EngineConfig struct {
	Mode           string  `yaml:"mode"`         // paper | live | backtest
	Exchange       string  `yaml:"exchange"`     // binance | paper
	Symbols        string  `yaml:"symbols"`      // comma-separated canonical list
	FixedAmount    float64 `yaml:"fixed_amount"` // quote per buy
	HTTPTimeoutSec int     `yaml:"http_timeout_sec"`
}

// CredentialsConfig holds exchange credentials. Values support file: and
// base64: indirection and are never logged.
type CredentialsConfig struct {
	APIKey      Secret `yaml:"api_key"`
	APISecret   Secret `yaml:"api_secret"`
	APIPassword Secret `yaml:"api_password"`
}

// IntervalsConfig sets the cadence of the four per-symbol loops.
type IntervalsConfig struct {
	EvalSec      int    `yaml:"eval_interval_sec"`
	ExitsSec     int    `yaml:"exits_interval_sec"`
	ReconcileSec int    `yaml:"reconcile_interval_sec"`
	WatchdogSec  int    `yaml:"watchdog_interval_sec"`
	DMSTimeoutMs int    `yaml:"dms_timeout_ms"`
	DMSAction    string `yaml:"dms_action"` // close | alert
}

// IdempotencyConfig controls the at-most-once window. The bucket width is
// the equivalence class of requests; the TTL is how long a committed result
// is remembered. All storage columns are milliseconds; the legacy *_ms TTL
// field exists only to reject configs that mix unit styles.
type IdempotencyConfig struct {
	BucketMs    int `yaml:"bucket_ms"`
	TTLSec      int `yaml:"ttl_sec"`
	LegacyTTLMs int `yaml:"ttl_ms"`
}

// StrategyConfig selects and parameterizes the decision function.
type StrategyConfig struct {
	Name       string  `yaml:"name"` // sma_momentum
	FastPeriod int     `yaml:"fast_period"`
	SlowPeriod int     `yaml:"slow_period"`
	Threshold  float64 `yaml:"threshold"`
}

// RiskConfig parameterizes the ordered rule chain.
type RiskConfig struct {
	MaxDriftMs          int     `yaml:"max_drift_ms"`
	TradingHoursUTC     string  `yaml:"trading_hours_utc"` // "HH:MM-HH:MM", empty disables
	TradingDaysUTC      string  `yaml:"trading_days_utc"`  // "Mon,Tue,...", empty disables
	CooldownSec         int     `yaml:"cooldown_sec"`
	MaxSpreadPct        float64 `yaml:"max_spread_pct"`
	MaxPositionBase     float64 `yaml:"max_position_base"`
	MaxOrdersPerHour    int     `yaml:"max_orders_per_hour"`
	MaxTurnover5mQuote  float64 `yaml:"max_turnover_5m_quote"`
	MaxLossStreak       int     `yaml:"max_loss_streak"`
	MaxDrawdownPct      float64 `yaml:"max_drawdown_pct"`
	DailyLossLimitQuote float64 `yaml:"daily_loss_limit_quote"`
	CorrelationGroups   string  `yaml:"correlation_groups"` // "BTC/USDT|ETH/USDT;..." empty disables
}

// ExitsConfig parameterizes the protective-exit state machine.
type ExitsConfig struct {
	Mode          string  `yaml:"mode"` // hard | trailing | both | off
	StopPct       float64 `yaml:"stop_pct"`
	TakePct       float64 `yaml:"take_pct"`
	TrailingPct   float64 `yaml:"trailing_pct"`
	MinBaseToExit float64 `yaml:"min_base_to_exit"`
}

// SLAConfig sets the auto-pause/resume thresholds read by the watchdog.
type SLAConfig struct {
	ErrRatePause    float64 `yaml:"auto_pause_error_rate"`
	LatencyMsPause  float64 `yaml:"auto_pause_latency_ms"`
	ErrRateResume   float64 `yaml:"auto_resume_error_rate"`
	LatencyMsResume float64 `yaml:"auto_resume_latency_ms"`
}

// StorageConfig points at the sqlite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// BusConfig bounds the in-process event bus.
type BusConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
	MaxAttempts   int `yaml:"max_attempts"`
	Workers       int `yaml:"workers"`
	DrainSec      int `yaml:"drain_sec"`
}

// TelemetryConfig controls the Prometheus endpoint.
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// AlertsConfig wires optional notification channels.
type AlertsConfig struct {
	TelegramToken  Secret `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	SlackWebhook   Secret `yaml:"slack_webhook"`
}

// SystemConfig contains process-level settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads a YAML config file with ${ENV} expansion, applies defaults and
// validates. A nil error means the snapshot is safe to run.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.Mode == "" {
		c.Engine.Mode = string(core.ModePaper)
	}
	if c.Engine.Exchange == "" {
		c.Engine.Exchange = "binance"
	}
	if c.Engine.HTTPTimeoutSec == 0 {
		c.Engine.HTTPTimeoutSec = 10
	}
	if c.Intervals.EvalSec == 0 {
		c.Intervals.EvalSec = 30
	}
	if c.Intervals.ExitsSec == 0 {
		c.Intervals.ExitsSec = 10
	}
	if c.Intervals.ReconcileSec == 0 {
		c.Intervals.ReconcileSec = 60
	}
	if c.Intervals.WatchdogSec == 0 {
		c.Intervals.WatchdogSec = 15
	}
	if c.Intervals.DMSTimeoutMs == 0 {
		c.Intervals.DMSTimeoutMs = 300_000
	}
	if c.Intervals.DMSAction == "" {
		c.Intervals.DMSAction = "alert"
	}
	if c.Idempotency.BucketMs == 0 {
		c.Idempotency.BucketMs = 60_000
	}
	if c.Idempotency.TTLSec == 0 && c.Idempotency.LegacyTTLMs == 0 {
		c.Idempotency.TTLSec = 300
	}
	if c.Strategy.Name == "" {
		c.Strategy.Name = "sma_momentum"
	}
	if c.Strategy.FastPeriod == 0 {
		c.Strategy.FastPeriod = 7
	}
	if c.Strategy.SlowPeriod == 0 {
		c.Strategy.SlowPeriod = 25
	}
	if c.Exits.Mode == "" {
		c.Exits.Mode = "off"
	}
	if c.Bus.QueueCapacity == 0 {
		c.Bus.QueueCapacity = 1024
	}
	if c.Bus.MaxAttempts == 0 {
		c.Bus.MaxAttempts = 3
	}
	if c.Bus.Workers == 0 {
		c.Bus.Workers = 4
	}
	if c.Bus.DrainSec == 0 {
		c.Bus.DrainSec = 5
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "trade_engine.db"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9109
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.SLA.ErrRatePause == 0 {
		c.SLA.ErrRatePause = 0.5
	}
	if c.SLA.LatencyMsPause == 0 {
		c.SLA.LatencyMsPause = 5000
	}
	if c.SLA.ErrRateResume == 0 {
		c.SLA.ErrRateResume = 0.1
	}
	if c.SLA.LatencyMsResume == 0 {
		c.SLA.LatencyMsResume = 1000
	}
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch core.Mode(c.Engine.Mode) {
	case core.ModePaper, core.ModeLive, core.ModeBacktest:
	default:
		errs = append(errs, ValidationError{
			Field:   "engine.mode",
			Value:   c.Engine.Mode,
			Message: "must be one of: paper, live, backtest",
		}.Error())
	}

	if _, err := c.Symbols(); err != nil {
		errs = append(errs, ValidationError{
			Field:   "engine.symbols",
			Value:   c.Engine.Symbols,
			Message: err.Error(),
		}.Error())
	}

	if c.Engine.FixedAmount <= 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.fixed_amount",
			Value:   c.Engine.FixedAmount,
			Message: "quote amount per buy must be positive",
		}.Error())
	}

	if core.Mode(c.Engine.Mode) == core.ModeLive {
		if c.Credentials.APIKey == "" || c.Credentials.APISecret == "" {
			errs = append(errs, ValidationError{
				Field:   "credentials",
				Message: "api_key and api_secret are required in live mode",
			}.Error())
		}
	}

	// Mixed unit styles are a configuration error, not something to guess
	// around (storage columns are milliseconds).
	if c.Idempotency.TTLSec != 0 && c.Idempotency.LegacyTTLMs != 0 {
		errs = append(errs, ValidationError{
			Field:   "idempotency",
			Message: "ttl_sec and ttl_ms are both set; pick one unit",
		}.Error())
	}
	if c.Idempotency.BucketMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "idempotency.bucket_ms",
			Value:   c.Idempotency.BucketMs,
			Message: "bucket width must be positive",
		}.Error())
	}

	if c.Strategy.FastPeriod >= c.Strategy.SlowPeriod {
		errs = append(errs, ValidationError{
			Field:   "strategy",
			Value:   fmt.Sprintf("fast=%d slow=%d", c.Strategy.FastPeriod, c.Strategy.SlowPeriod),
			Message: "fast_period must be smaller than slow_period",
		}.Error())
	}

	switch c.Exits.Mode {
	case "hard", "trailing", "both", "off":
	default:
		errs = append(errs, ValidationError{
			Field:   "exits.mode",
			Value:   c.Exits.Mode,
			Message: "must be one of: hard, trailing, both, off",
		}.Error())
	}

	switch c.Intervals.DMSAction {
	case "close", "alert":
	default:
		errs = append(errs, ValidationError{
			Field:   "intervals.dms_action",
			Value:   c.Intervals.DMSAction,
			Message: "must be one of: close, alert",
		}.Error())
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// Symbols returns the canonical symbol list.
func (c *Config) Symbols() ([]string, error) {
	raw := strings.Split(c.Engine.Symbols, ",")
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool)
	for _, s := range raw {
		if strings.TrimSpace(s) == "" {
			continue
		}
		canon, err := core.CanonicalSymbol(s)
		if err != nil {
			return nil, err
		}
		if !seen[canon] {
			seen[canon] = true
			out = append(out, canon)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}
	return out, nil
}

// IdempotencyTTL returns the committed-result TTL as a duration.
func (c *Config) IdempotencyTTL() time.Duration {
	if c.Idempotency.LegacyTTLMs != 0 {
		return time.Duration(c.Idempotency.LegacyTTLMs) * time.Millisecond
	}
	return time.Duration(c.Idempotency.TTLSec) * time.Second
}

// HTTPTimeout returns the per-call broker timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Engine.HTTPTimeoutSec) * time.Second
}

// String returns the configuration with credentials redacted by the Secret
// marshaler.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// Default returns a paper-mode configuration for tests.
func Default() *Config {
	cfg := &Config{
		Engine: EngineConfig{
			Mode:        string(core.ModePaper),
			Exchange:    "paper",
			Symbols:     "BTC/USDT",
			FixedAmount: 100,
		},
		Risk: RiskConfig{
			MaxDriftMs:          2000,
			CooldownSec:         0,
			MaxSpreadPct:        0.05,
			MaxPositionBase:     1e9,
			MaxOrdersPerHour:    1000,
			MaxTurnover5mQuote:  1e12,
			MaxLossStreak:       100,
			MaxDrawdownPct:      1,
			DailyLossLimitQuote: 1e12,
		},
		Storage: StorageConfig{Path: ":memory:"},
	}
	cfg.applyDefaults()
	return cfg
}

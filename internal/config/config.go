// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file with sensitive fields overridable via
// TRADECORE_* environment variables, then validated in full before the
// engine starts: configuration problems are startup failures, never
// runtime surprises.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tradecore/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Accounts    []AccountConfig   `mapstructure:"accounts"`
	Venues      []VenueConfig     `mapstructure:"venues"`
	MarketData  MarketDataConfig  `mapstructure:"market_data"`
	Strategies  []StrategyConfig  `mapstructure:"strategies"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Store       StoreConfig       `mapstructure:"store"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// EngineConfig tunes the orchestrator itself.
type EngineConfig struct {
	GraceShutdown  time.Duration `mapstructure:"grace_shutdown"`  // max wait for components on stop
	StatusInterval time.Duration `mapstructure:"status_interval"` // periodic status log
	EventQueueSize int           `mapstructure:"event_queue_size"`
}

// AccountConfig binds one logical trading account to a venue.
type AccountConfig struct {
	ID           string        `mapstructure:"id"`
	Venue        string        `mapstructure:"venue"`
	PollInterval time.Duration `mapstructure:"poll_interval"` // balance/position reconcile
}

// VenueConfig holds connectivity for one exchange.
type VenueConfig struct {
	Name        string        `mapstructure:"name"`
	RESTBaseURL string        `mapstructure:"rest_base_url"`
	WSBaseURL   string        `mapstructure:"ws_base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// MarketDataConfig controls the bar/ticker/book streams.
type MarketDataConfig struct {
	BaseTimeframe string        `mapstructure:"base_timeframe"`
	SeriesCap     int           `mapstructure:"series_cap"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

// StrategyConfig declares one strategy instance. Options are validated
// against the strategy's own schema before the instance starts; unknown
// keys are rejected there.
type StrategyConfig struct {
	ID        string         `mapstructure:"id"` // defaults to name
	Name      string         `mapstructure:"name"`
	Account   string         `mapstructure:"account"`
	Symbols   []string       `mapstructure:"symbols"`
	Timeframe string         `mapstructure:"timeframe"`
	Options   map[string]any `mapstructure:"options"`
}

// RiskConfig sets every limit the pre-trade gates and monitors enforce.
//
// Margin thresholds are margin rates (free/equity): trading pauses below
// critical. Drawdown thresholds are fractions of the high-water mark.
// Slippage caps are fractions of mid, bucketed by signal urgency.
type RiskConfig struct {
	SymbolAllowList []string `mapstructure:"symbol_allow_list"`
	VenueAllowList  []string `mapstructure:"venue_allow_list"`

	MaxPositionPerSymbol float64 `mapstructure:"max_position_per_symbol"` // base qty cap
	MaxAccountNotional   float64 `mapstructure:"max_account_notional"`
	MaxLeverage          float64 `mapstructure:"max_leverage"`
	ConcentrationMax     float64 `mapstructure:"concentration_max"`

	MarginWarn     float64 `mapstructure:"margin_warn"`
	MarginCritical float64 `mapstructure:"margin_critical"`
	DailyLossLimit float64 `mapstructure:"daily_loss_limit"`

	RiskPerTrade    float64 `mapstructure:"risk_per_trade"`
	PositionPercent float64 `mapstructure:"position_percent"`
	DefaultStopPct  float64 `mapstructure:"default_stop_pct"`

	SlippageCapPatient float64 `mapstructure:"slippage_cap_patient"` // urgency < 1/3
	SlippageCapNormal  float64 `mapstructure:"slippage_cap_normal"`  // urgency < 2/3
	SlippageCapUrgent  float64 `mapstructure:"slippage_cap_urgent"`

	CooldownAfterFailure time.Duration `mapstructure:"cooldown_after_failure"`

	MonitorInterval time.Duration `mapstructure:"monitor_interval"`

	DrawdownWarn     float64 `mapstructure:"drawdown_warn"`
	DrawdownDanger   float64 `mapstructure:"drawdown_danger"`
	DrawdownCritical float64 `mapstructure:"drawdown_critical"`

	LiqDistanceCritical float64 `mapstructure:"liq_distance_critical"`

	BlackSwanWindow    time.Duration `mapstructure:"black_swan_window"`
	BlackSwanATRFactor float64       `mapstructure:"black_swan_atr_factor"`
	DepthCollapsePct   float64       `mapstructure:"depth_collapse_pct"`
	VenueSpreadPct     float64       `mapstructure:"venue_spread_pct"`

	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"` // calm time before de-escalation

	AlertCooldowns   AlertCooldowns `mapstructure:"alert_cooldowns"`
	EscalationWindow time.Duration  `mapstructure:"escalation_window"`
	EscalationCount  int            `mapstructure:"escalation_count"`

	GlobalMaxNotional    float64 `mapstructure:"global_max_notional"`
	GlobalDailyLossLimit float64 `mapstructure:"global_daily_loss_limit"`
}

// AlertCooldowns are per-level delivery cooldowns for the alert filter.
// Informational alerts stay quiet for a long time; emergencies barely at
// all.
type AlertCooldowns struct {
	Info      time.Duration `mapstructure:"info"`
	Warn      time.Duration `mapstructure:"warn"`
	Danger    time.Duration `mapstructure:"danger"`
	Critical  time.Duration `mapstructure:"critical"`
	Emergency time.Duration `mapstructure:"emergency"`
}

// For returns the cooldown for a level.
func (a AlertCooldowns) For(level types.RiskLevel) time.Duration {
	switch level {
	case types.LevelInfo:
		return a.Info
	case types.LevelWarn:
		return a.Warn
	case types.LevelDanger:
		return a.Danger
	case types.LevelCritical:
		return a.Critical
	default:
		return a.Emergency
	}
}

// ExecutionConfig tunes the order-execution layer.
type ExecutionConfig struct {
	Workers int `mapstructure:"workers"`

	SlippageWarnPct    float64 `mapstructure:"slippage_warn_pct"` // immediate vs split boundary
	SlippageHighPct    float64 `mapstructure:"slippage_high_pct"`
	SlippageExtremePct float64 `mapstructure:"slippage_extreme_pct"`
	SmallOrderADVRatio float64 `mapstructure:"small_order_adv_ratio"`

	TWAPDuration     time.Duration `mapstructure:"twap_duration"`
	MinSliceInterval time.Duration `mapstructure:"min_slice_interval"`
	MaxSliceInterval time.Duration `mapstructure:"max_slice_interval"`
	TWAPJitterPct    float64       `mapstructure:"twap_jitter_pct"`

	VWAPCurve string `mapstructure:"vwap_curve"` // flat | u_shape | history

	IcebergSplit        string  `mapstructure:"iceberg_split"` // linear | exponential | adaptive
	IcebergDisplayRatio float64 `mapstructure:"iceberg_display_ratio"`

	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffCap  time.Duration `mapstructure:"retry_backoff_cap"`
	OrderTimeout     time.Duration `mapstructure:"order_timeout"`

	AdaptiveFeedbackAlpha float64 `mapstructure:"adaptive_feedback_alpha"` // EMA weight for realized-vs-predicted slippage
}

// AuditConfig controls the append-only audit log. Keys come from the
// environment, never the file.
type AuditConfig struct {
	Dir               string        `mapstructure:"dir"`
	Prefix            string        `mapstructure:"prefix"`
	MaxSizeBytes      int64         `mapstructure:"max_size_bytes"`
	RetentionDays     int           `mapstructure:"retention_days"`
	RetentionSchedule string        `mapstructure:"retention_schedule"` // cron expression
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	IntegrityKey      string        `mapstructure:"-"` // TRADECORE_AUDIT_INTEGRITY_KEY
	EncryptionKey     string        `mapstructure:"-"` // TRADECORE_AUDIT_ENCRYPTION_KEY, optional
}

// StoreConfig sets where engine state is persisted (sqlite).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// CredentialsConfig points at the encrypted credential store. The master
// passphrase is only ever read from TRADECORE_MASTER_PASSPHRASE.
type CredentialsConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides, applies
// defaults, and returns it unvalidated; callers run Validate next.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, types.E(types.KindConfig, "config.load", fmt.Errorf("read config: %w", err))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.E(types.KindConfig, "config.load", fmt.Errorf("unmarshal config: %w", err))
	}

	// Sensitive and deploy-specific fields come from the environment.
	if dir := os.Getenv("TRADECORE_AUDIT_DIR"); dir != "" {
		cfg.Audit.Dir = dir
	}
	cfg.Audit.IntegrityKey = os.Getenv("TRADECORE_AUDIT_INTEGRITY_KEY")
	cfg.Audit.EncryptionKey = os.Getenv("TRADECORE_AUDIT_ENCRYPTION_KEY")
	if list := os.Getenv("TRADECORE_RISK_SYMBOL_ALLOWLIST"); list != "" {
		cfg.Risk.SymbolAllowList = splitList(list)
	}
	if v := os.Getenv("TRADECORE_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Engine.GraceShutdown <= 0 {
		c.Engine.GraceShutdown = 30 * time.Second
	}
	if c.Engine.StatusInterval <= 0 {
		c.Engine.StatusInterval = time.Minute
	}
	if c.Engine.EventQueueSize <= 0 {
		c.Engine.EventQueueSize = 256
	}
	if len(c.Accounts) == 0 {
		c.Accounts = []AccountConfig{{ID: "main", Venue: "paper"}}
	}
	for i := range c.Accounts {
		if c.Accounts[i].PollInterval <= 0 {
			c.Accounts[i].PollInterval = 15 * time.Second
		}
		if c.DryRun {
			c.Accounts[i].Venue = "paper"
		}
	}
	if c.MarketData.BaseTimeframe == "" {
		c.MarketData.BaseTimeframe = string(types.TF5m)
	}
	if c.MarketData.SeriesCap <= 0 {
		c.MarketData.SeriesCap = 1000
	}
	if c.MarketData.StaleAfter <= 0 {
		c.MarketData.StaleAfter = 30 * time.Second
	}
	for i := range c.Strategies {
		if c.Strategies[i].ID == "" {
			c.Strategies[i].ID = c.Strategies[i].Name
		}
		if c.Strategies[i].Account == "" && len(c.Accounts) > 0 {
			c.Strategies[i].Account = c.Accounts[0].ID
		}
		if c.Strategies[i].Timeframe == "" {
			c.Strategies[i].Timeframe = c.MarketData.BaseTimeframe
		}
	}

	r := &c.Risk
	if r.MaxLeverage <= 0 {
		r.MaxLeverage = 3
	}
	if r.ConcentrationMax <= 0 {
		r.ConcentrationMax = 0.25
	}
	if r.MarginWarn <= 0 {
		r.MarginWarn = 0.5
	}
	if r.MarginCritical <= 0 {
		r.MarginCritical = 0.35
	}
	if r.RiskPerTrade <= 0 {
		r.RiskPerTrade = 0.01
	}
	if r.PositionPercent <= 0 {
		r.PositionPercent = 0.1
	}
	if r.DefaultStopPct <= 0 {
		r.DefaultStopPct = 0.01
	}
	if r.SlippageCapPatient <= 0 {
		r.SlippageCapPatient = 0.001
	}
	if r.SlippageCapNormal <= 0 {
		r.SlippageCapNormal = 0.003
	}
	if r.SlippageCapUrgent <= 0 {
		r.SlippageCapUrgent = 0.01
	}
	if r.CooldownAfterFailure <= 0 {
		r.CooldownAfterFailure = 30 * time.Second
	}
	if r.MonitorInterval <= 0 {
		r.MonitorInterval = time.Second
	}
	if r.DrawdownWarn <= 0 {
		r.DrawdownWarn = 0.05
	}
	if r.DrawdownDanger <= 0 {
		r.DrawdownDanger = 0.1
	}
	if r.DrawdownCritical <= 0 {
		r.DrawdownCritical = 0.2
	}
	if r.LiqDistanceCritical <= 0 {
		r.LiqDistanceCritical = 0.05
	}
	if r.BlackSwanWindow <= 0 {
		r.BlackSwanWindow = 2 * time.Minute
	}
	if r.BlackSwanATRFactor <= 0 {
		r.BlackSwanATRFactor = 5
	}
	if r.DepthCollapsePct <= 0 {
		r.DepthCollapsePct = 0.8
	}
	if r.VenueSpreadPct <= 0 {
		r.VenueSpreadPct = 0.02
	}
	if r.BreakerCooldown <= 0 {
		r.BreakerCooldown = 5 * time.Minute
	}
	ac := &r.AlertCooldowns
	if ac.Info <= 0 {
		ac.Info = 10 * time.Minute
	}
	if ac.Warn <= 0 {
		ac.Warn = 5 * time.Minute
	}
	if ac.Danger <= 0 {
		ac.Danger = 2 * time.Minute
	}
	if ac.Critical <= 0 {
		ac.Critical = time.Minute
	}
	if ac.Emergency <= 0 {
		ac.Emergency = 10 * time.Second
	}
	if r.EscalationWindow <= 0 {
		r.EscalationWindow = 10 * time.Minute
	}
	if r.EscalationCount <= 0 {
		r.EscalationCount = 3
	}

	e := &c.Execution
	if e.Workers <= 0 {
		e.Workers = 4
	}
	if e.SlippageWarnPct <= 0 {
		e.SlippageWarnPct = 0.001
	}
	if e.SlippageHighPct <= 0 {
		e.SlippageHighPct = 0.005
	}
	if e.SlippageExtremePct <= 0 {
		e.SlippageExtremePct = 0.02
	}
	if e.SmallOrderADVRatio <= 0 {
		e.SmallOrderADVRatio = 0.001
	}
	if e.TWAPDuration <= 0 {
		e.TWAPDuration = 10 * time.Minute
	}
	if e.MinSliceInterval <= 0 {
		e.MinSliceInterval = 5 * time.Second
	}
	if e.MaxSliceInterval <= 0 {
		e.MaxSliceInterval = 2 * time.Minute
	}
	if e.VWAPCurve == "" {
		e.VWAPCurve = "u_shape"
	}
	if e.IcebergSplit == "" {
		e.IcebergSplit = "adaptive"
	}
	if e.IcebergDisplayRatio <= 0 {
		e.IcebergDisplayRatio = 0.1
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = 5
	}
	if e.RetryBackoffBase <= 0 {
		e.RetryBackoffBase = 250 * time.Millisecond
	}
	if e.RetryBackoffCap <= 0 {
		e.RetryBackoffCap = 8 * time.Second
	}
	if e.OrderTimeout <= 0 {
		e.OrderTimeout = 10 * time.Second
	}
	if e.AdaptiveFeedbackAlpha <= 0 {
		e.AdaptiveFeedbackAlpha = 0.3
	}

	a := &c.Audit
	if a.Dir == "" {
		a.Dir = "data/audit"
	}
	if a.Prefix == "" {
		a.Prefix = "audit"
	}
	if a.MaxSizeBytes <= 0 {
		a.MaxSizeBytes = 64 << 20
	}
	if a.RetentionDays <= 0 {
		a.RetentionDays = 30
	}
	if a.RetentionSchedule == "" {
		a.RetentionSchedule = "0 0 * * *"
	}
	if a.FlushInterval <= 0 {
		a.FlushInterval = 2 * time.Second
	}

	if c.Store.Path == "" {
		c.Store.Path = "data/tradecore.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks all required fields, value ranges, and cross-field
// constraints. Strategy options are validated separately against each
// strategy's schema at startup.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return types.Ef(types.KindConfig, "config.validate", format, args...)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fail("logging.format must be json or text, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fail("logging.level must be debug/info/warn/error, got %q", c.Logging.Level)
	}

	if _, err := types.ParseTimeframe(c.MarketData.BaseTimeframe); err != nil {
		return fail("market_data.base_timeframe: %v", err)
	}

	venues := make(map[string]bool, len(c.Venues))
	for _, v := range c.Venues {
		if v.Name == "" {
			return fail("venues[].name is required")
		}
		if v.Name != "paper" && v.RESTBaseURL == "" {
			return fail("venues.%s.rest_base_url is required", v.Name)
		}
		venues[v.Name] = true
	}
	venues["paper"] = true // always available

	accounts := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fail("accounts[].id is required")
		}
		if accounts[a.ID] {
			return fail("duplicate account id %q", a.ID)
		}
		accounts[a.ID] = true
		if !venues[a.Venue] {
			return fail("account %s references unknown venue %q", a.ID, a.Venue)
		}
	}

	ids := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.Name == "" {
			return fail("strategies[].name is required")
		}
		if ids[s.ID] {
			return fail("duplicate strategy id %q", s.ID)
		}
		ids[s.ID] = true
		if len(s.Symbols) == 0 {
			return fail("strategy %s: at least one symbol is required", s.ID)
		}
		if _, err := types.ParseTimeframe(s.Timeframe); err != nil {
			return fail("strategy %s: %v", s.ID, err)
		}
		if !accounts[s.Account] {
			return fail("strategy %s references unknown account %q", s.ID, s.Account)
		}
	}

	r := c.Risk
	if r.RiskPerTrade <= 0 || r.RiskPerTrade > 0.1 {
		return fail("risk.risk_per_trade must be in (0, 0.1], got %v", r.RiskPerTrade)
	}
	if r.PositionPercent <= 0 || r.PositionPercent > 1 {
		return fail("risk.position_percent must be in (0, 1], got %v", r.PositionPercent)
	}
	if r.ConcentrationMax <= 0 || r.ConcentrationMax > 1 {
		return fail("risk.concentration_max must be in (0, 1], got %v", r.ConcentrationMax)
	}
	if r.MarginCritical >= r.MarginWarn {
		return fail("risk.margin_critical (%v) must be below risk.margin_warn (%v)", r.MarginCritical, r.MarginWarn)
	}
	if !(r.DrawdownWarn < r.DrawdownDanger && r.DrawdownDanger < r.DrawdownCritical) {
		return fail("risk drawdown thresholds must be strictly increasing warn < danger < critical")
	}
	if !(r.SlippageCapPatient <= r.SlippageCapNormal && r.SlippageCapNormal <= r.SlippageCapUrgent) {
		return fail("risk slippage caps must not decrease with urgency")
	}

	e := c.Execution
	if !(e.SlippageWarnPct < e.SlippageHighPct && e.SlippageHighPct < e.SlippageExtremePct) {
		return fail("execution slippage thresholds must be strictly increasing warn < high < extreme")
	}
	if e.MinSliceInterval > e.MaxSliceInterval {
		return fail("execution.min_slice_interval exceeds max_slice_interval")
	}
	switch e.VWAPCurve {
	case "flat", "u_shape", "history":
	default:
		return fail("execution.vwap_curve must be flat/u_shape/history, got %q", e.VWAPCurve)
	}
	switch e.IcebergSplit {
	case "linear", "exponential", "adaptive":
	default:
		return fail("execution.iceberg_split must be linear/exponential/adaptive, got %q", e.IcebergSplit)
	}
	if e.TWAPJitterPct < 0 || e.TWAPJitterPct > 0.5 {
		return fail("execution.twap_jitter_pct must be in [0, 0.5], got %v", e.TWAPJitterPct)
	}
	if e.AdaptiveFeedbackAlpha <= 0 || e.AdaptiveFeedbackAlpha >= 1 {
		return fail("execution.adaptive_feedback_alpha must be in (0, 1), got %v", e.AdaptiveFeedbackAlpha)
	}

	if c.Audit.IntegrityKey == "" {
		return fail("audit integrity key is required (set TRADECORE_AUDIT_INTEGRITY_KEY)")
	}
	if k := c.Audit.EncryptionKey; k != "" && len(k) != 32 {
		return fail("audit encryption key must be exactly 32 bytes, got %d", len(k))
	}

	needCreds := false
	for _, a := range c.Accounts {
		if a.Venue != "paper" {
			needCreds = true
		}
	}
	if needCreds && c.Credentials.Path == "" {
		return fail("credentials.path is required when any account uses a live venue")
	}
	return nil
}

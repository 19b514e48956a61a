package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
dry_run: true
strategies:
  - name: dual_sma
    symbols: [BTCUSDT]
risk:
  daily_loss_limit: 500
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func loadValid(t *testing.T, body string) *Config {
	t.Helper()
	t.Setenv("TRADECORE_AUDIT_INTEGRITY_KEY", "test-integrity-key")
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg := loadValid(t, minimalYAML)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !cfg.DryRun {
		t.Error("dry_run not loaded")
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].ID != "main" || cfg.Accounts[0].Venue != "paper" {
		t.Errorf("default account wrong: %+v", cfg.Accounts)
	}
	if cfg.MarketData.BaseTimeframe != "5m" {
		t.Errorf("base timeframe = %q, want 5m", cfg.MarketData.BaseTimeframe)
	}
	if got := cfg.Strategies[0]; got.ID != "dual_sma" || got.Account != "main" || got.Timeframe != "5m" {
		t.Errorf("strategy defaults wrong: %+v", got)
	}
	if cfg.Risk.RiskPerTrade != 0.01 {
		t.Errorf("risk_per_trade default = %v", cfg.Risk.RiskPerTrade)
	}
	if cfg.Risk.DailyLossLimit != 500 {
		t.Errorf("daily_loss_limit = %v, want 500", cfg.Risk.DailyLossLimit)
	}
	if cfg.Execution.Workers != 4 {
		t.Errorf("workers default = %d", cfg.Execution.Workers)
	}
	if cfg.Audit.FlushInterval != 2*time.Second {
		t.Errorf("audit flush default = %v", cfg.Audit.FlushInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADECORE_AUDIT_DIR", "/var/log/tc")
	t.Setenv("TRADECORE_AUDIT_ENCRYPTION_KEY", strings.Repeat("k", 32))
	t.Setenv("TRADECORE_RISK_SYMBOL_ALLOWLIST", "BTCUSDT, ETHUSDT ,")

	cfg := loadValid(t, minimalYAML)

	if cfg.Audit.Dir != "/var/log/tc" {
		t.Errorf("audit dir = %q", cfg.Audit.Dir)
	}
	if cfg.Audit.IntegrityKey != "test-integrity-key" {
		t.Error("integrity key not picked up from env")
	}
	if len(cfg.Audit.EncryptionKey) != 32 {
		t.Errorf("encryption key length = %d", len(cfg.Audit.EncryptionKey))
	}
	want := []string{"BTCUSDT", "ETHUSDT"}
	if len(cfg.Risk.SymbolAllowList) != len(want) {
		t.Fatalf("allowlist = %v, want %v", cfg.Risk.SymbolAllowList, want)
	}
	for i, s := range want {
		if cfg.Risk.SymbolAllowList[i] != s {
			t.Errorf("allowlist[%d] = %q, want %q", i, cfg.Risk.SymbolAllowList[i], s)
		}
	}
}

func TestDryRunForcesPaperVenue(t *testing.T) {
	cfg := loadValid(t, `
dry_run: true
venues:
  - name: binance
    rest_base_url: https://api.example.com
accounts:
  - id: acct1
    venue: binance
strategies:
  - name: dual_sma
    symbols: [BTCUSDT]
`)
	if cfg.Accounts[0].Venue != "paper" {
		t.Errorf("venue = %q, want paper in dry run", cfg.Accounts[0].Venue)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad timeframe", func(c *Config) { c.Strategies[0].Timeframe = "7m" }, "strategy"},
		{"no symbols", func(c *Config) { c.Strategies[0].Symbols = nil }, "symbol"},
		{"unknown account", func(c *Config) { c.Strategies[0].Account = "ghost" }, "unknown account"},
		{"risk per trade too high", func(c *Config) { c.Risk.RiskPerTrade = 0.5 }, "risk_per_trade"},
		{"margin order", func(c *Config) { c.Risk.MarginCritical = 0.6 }, "margin_critical"},
		{"drawdown order", func(c *Config) { c.Risk.DrawdownDanger = 0.5 }, "drawdown"},
		{"slippage order", func(c *Config) { c.Execution.SlippageHighPct = 0.5 }, "slippage"},
		{"bad vwap curve", func(c *Config) { c.Execution.VWAPCurve = "wavy" }, "vwap_curve"},
		{"missing integrity key", func(c *Config) { c.Audit.IntegrityKey = "" }, "integrity"},
		{"short encryption key", func(c *Config) { c.Audit.EncryptionKey = "short" }, "32 bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadValid(t, minimalYAML)
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate passed, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDuplicateStrategyIDRejected(t *testing.T) {
	cfg := loadValid(t, `
dry_run: true
strategies:
  - name: dual_sma
    symbols: [BTCUSDT]
  - name: dual_sma
    symbols: [ETHUSDT]
`)
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate strategy id") {
		t.Fatalf("err = %v, want duplicate strategy id", err)
	}
}

func TestLiveVenueRequiresCredentials(t *testing.T) {
	cfg := loadValid(t, `
venues:
  - name: binance
    rest_base_url: https://api.example.com
accounts:
  - id: live
    venue: binance
strategies:
  - name: dual_sma
    symbols: [BTCUSDT]
`)
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "credentials.path") {
		t.Fatalf("err = %v, want credentials.path error", err)
	}
	cfg.Credentials.Path = "creds.enc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with creds path: %v", err)
	}
}

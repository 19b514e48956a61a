package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

// Factory builds a fresh, uninitialized strategy instance.
type Factory func() Strategy

type registration struct {
	schema  Schema
	factory Factory
}

var (
	regMu    sync.RWMutex
	registry = map[string]registration{}
)

// Register adds a strategy family under its config name. Families call this
// from init; duplicate names are programmer errors and panic.
func Register(name string, schema Schema, factory Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("strategy: duplicate registration of " + name)
	}
	registry[name] = registration{schema: schema, factory: factory}
}

// Names returns the registered family names, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookup(name string) (registration, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	r, ok := registry[name]
	return r, ok
}

// instanceID resolves the id a strategy block runs under.
func instanceID(cfg config.StrategyConfig) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	return cfg.Name
}

// ValidateConfig checks one strategy block against its family's schema and
// returns the validated options. The name must be registered and the symbol
// count must match when the family fixes one.
func ValidateConfig(cfg config.StrategyConfig) (Options, error) {
	r, ok := lookup(cfg.Name)
	if !ok {
		return nil, types.Ef(types.KindConfig, "strategy.validate",
			"unknown strategy %q (have: %s)", cfg.Name, strings.Join(Names(), ", "))
	}
	if r.schema.Symbols > 0 && len(cfg.Symbols) != r.schema.Symbols {
		return nil, types.Ef(types.KindConfig, "strategy.validate",
			"%s needs exactly %d symbols, got %d", cfg.Name, r.schema.Symbols, len(cfg.Symbols))
	}
	return r.schema.Validate(cfg.Options)
}

// ValidateConfigs validates every strategy block. Runs at startup right
// after config loading so option problems fail the boot, never a callback.
func ValidateConfigs(cfgs []config.StrategyConfig) error {
	for _, cfg := range cfgs {
		if _, err := ValidateConfig(cfg); err != nil {
			return fmt.Errorf("strategy %s: %w", instanceID(cfg), err)
		}
	}
	return nil
}

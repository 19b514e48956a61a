package strategy

import (
	"fmt"
	"math"
	"strings"

	"tradecore/pkg/types"
)

// Options are the validated, defaulted option values for one strategy
// instance. The runtime injects the reserved keys "symbols" and "timeframe"
// from the instance block after validation, before Initialize.
type Options map[string]any

// Int returns an integer option. Validation guarantees the type, so a
// missing key reads as zero.
func (o Options) Int(key string) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Float returns a numeric option.
func (o Options) Float(key string) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// String returns a string option.
func (o Options) String(key string) string {
	v, _ := o[key].(string)
	return v
}

// Bool returns a boolean option.
func (o Options) Bool(key string) bool {
	v, _ := o[key].(bool)
	return v
}

// Strings returns a string-list option ("symbols" is the usual caller).
func (o Options) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// FieldType is the declared type of one option.
type FieldType string

const (
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeString FieldType = "string"
	TypeBool   FieldType = "bool"
)

// Field declares one recognized option: type, bounds, and default. Numeric
// bounds apply when Max > Min. OneOf restricts string fields to the listed
// values.
type Field struct {
	Name     string
	Type     FieldType
	Default  any
	Min, Max float64
	OneOf    []string
	Required bool
}

// Schema is the full option contract for one strategy family. Validation is
// total at startup: unknown keys are rejected, types coerced, bounds
// enforced, defaults applied, and the cross-field check run last.
type Schema struct {
	Fields  []Field
	Symbols int                 // exact symbol count the family needs; 0 = one or more
	Check   func(Options) error // cross-field constraints, e.g. short < long
}

// Validate checks raw option values against the schema and returns the
// defaulted, coerced set.
func (s Schema) Validate(raw map[string]any) (Options, error) {
	known := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = true
	}
	for key := range raw {
		if !known[key] {
			return nil, types.Ef(types.KindConfig, "strategy.options", "unknown option %q", key)
		}
	}

	out := make(Options, len(s.Fields))
	for _, f := range s.Fields {
		v, present := raw[f.Name]
		if !present {
			if f.Required {
				return nil, types.Ef(types.KindConfig, "strategy.options", "option %q is required", f.Name)
			}
			out[f.Name] = f.Default
			continue
		}
		coerced, err := coerceOption(f, v)
		if err != nil {
			return nil, err
		}
		out[f.Name] = coerced
	}

	if s.Check != nil {
		if err := s.Check(out); err != nil {
			return nil, types.E(types.KindConfig, "strategy.options", err)
		}
	}
	return out, nil
}

// coerceOption normalizes one raw value to the field's declared type and
// enforces its bounds. YAML decoding hands integers as int and everything
// else as float64, so both arrivals are accepted for numeric fields.
func coerceOption(f Field, v any) (any, error) {
	bad := func(format string, args ...any) (any, error) {
		return nil, types.Ef(types.KindConfig, "strategy.options", format, args...)
	}

	switch f.Type {
	case TypeInt:
		var n int
		switch x := v.(type) {
		case int:
			n = x
		case int64:
			n = int(x)
		case float64:
			if x != math.Trunc(x) {
				return bad("option %q wants an integer, got %v", f.Name, x)
			}
			n = int(x)
		default:
			return bad("option %q wants an integer, got %T", f.Name, v)
		}
		if f.Max > f.Min && (float64(n) < f.Min || float64(n) > f.Max) {
			return bad("option %q = %d outside [%v, %v]", f.Name, n, f.Min, f.Max)
		}
		return n, nil

	case TypeFloat:
		var x float64
		switch y := v.(type) {
		case float64:
			x = y
		case int:
			x = float64(y)
		case int64:
			x = float64(y)
		default:
			return bad("option %q wants a number, got %T", f.Name, v)
		}
		if f.Max > f.Min && (x < f.Min || x > f.Max) {
			return bad("option %q = %v outside [%v, %v]", f.Name, x, f.Min, f.Max)
		}
		return x, nil

	case TypeString:
		sv, ok := v.(string)
		if !ok {
			return bad("option %q wants a string, got %T", f.Name, v)
		}
		if len(f.OneOf) > 0 {
			allowed := false
			for _, cand := range f.OneOf {
				if cand == sv {
					allowed = true
					break
				}
			}
			if !allowed {
				return bad("option %q = %q, allowed: %s", f.Name, sv, strings.Join(f.OneOf, ", "))
			}
		}
		return sv, nil

	case TypeBool:
		bv, ok := v.(bool)
		if !ok {
			return bad("option %q wants a bool, got %T", f.Name, v)
		}
		return bv, nil
	}
	return bad("option %q declares unsupported type %q", f.Name, f.Type)
}

// ordered is a convenience for cross-field checks on two numeric options.
func ordered(o Options, lowKey, highKey string) error {
	if lo, hi := o.Float(lowKey), o.Float(highKey); lo >= hi {
		return fmt.Errorf("%s (%v) must be below %s (%v)", lowKey, lo, highKey, hi)
	}
	return nil
}

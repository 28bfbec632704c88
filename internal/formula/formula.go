// Package formula implements BanTimeExtra: the per-jail configuration that
// turns a base ban time and a repeat-offender count into an escalated ban
// time. It replaces the source's runtime eval of an arbitrary math
// expression with a small, sandboxed arithmetic DSL (github.com/expr-lang/expr)
// exposing exactly Time, Count and BanFactor plus exp/log/min/max.
package formula

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/banshee-ips/banshee/internal/errkind"
)

// DefaultMaxTime is used when BanTimeExtra.MaxTime is unset (<= 0).
const DefaultMaxTime = 86400

// IncrInput is the value closed-over formulas and custom expressions
// receive: the base ban time and the repeat-offender count.
type IncrInput struct {
	Time  float64
	Count int
}

// EvalFunc is a prepared evaluator closing over a jail's BanTimeExtra
// configuration. Failure falls back to the input time unmodified.
type EvalFunc func(IncrInput) (float64, error)

// BanTimeExtra is the per-jail ban-time escalation configuration.
type BanTimeExtra struct {
	Increment    bool
	MaxTime      float64   // seconds; <= 0 means DefaultMaxTime
	RndTime      float64   // jitter upper bound in [0, RndTime); 0 disables
	Factor       float64   // multiplies the default formula's result; BanFactor in custom formulas; 0 means 1.0
	Multipliers  []float64 // when non-empty, overrides the default doubling formula
	OverallJails bool
	Formula      string // custom expr-lang expression; empty = default formula

	program *vm.Program
}

// Compile prepares e.evformula (accessible via Calc), compiling the custom
// expression once if Formula is set. Safe to call multiple times.
func (e *BanTimeExtra) Compile() error {
	if e.Formula == "" {
		e.program = nil
		return nil
	}
	env := exprEnv{}
	prog, err := expr.Compile(e.Formula, expr.Env(env), expr.AsFloat64())
	if err != nil {
		return &errkind.FormulaError{Expr: e.Formula, Err: err}
	}
	e.program = prog
	return nil
}

// exprEnv is the sandboxed environment exposed to custom formulas: Time,
// Count, BanFactor, plus exp/log/min/max via expr-lang's builtins.
type exprEnv struct {
	Time      float64
	Count     float64
	BanFactor float64
}

// Calc computes the escalated ban time for in, given e's configuration.
// It never returns an error for the built-in formulas (default or
// multipliers); a custom Formula that fails to evaluate returns in.Time
// unchanged alongside a *errkind.FormulaError.
func (e *BanTimeExtra) Calc(in IncrInput) (float64, error) {
	base, err := e.rawValue(in)
	if err != nil {
		return in.Time, err
	}
	if e.RndTime > 0 {
		base += rand.Float64() * e.RndTime //nolint:gosec // jitter, not security-sensitive
	}
	return clamp(base, e.MaxTime), nil
}

func (e *BanTimeExtra) rawValue(in IncrInput) (float64, error) {
	switch {
	case len(e.Multipliers) > 0:
		idx := in.Count
		if max := len(e.Multipliers) - 1; idx > max {
			idx = max
		}
		if idx < 0 {
			idx = 0
		}
		return in.Time * e.Multipliers[idx], nil
	case e.program != nil:
		env := exprEnv{Time: in.Time, Count: float64(in.Count), BanFactor: factorOrDefault(e.Factor)}
		out, err := expr.Run(e.program, env)
		if err != nil {
			return in.Time, &errkind.FormulaError{Expr: e.Formula, Err: err}
		}
		v, ok := out.(float64)
		if !ok {
			return in.Time, &errkind.FormulaError{Expr: e.Formula, Err: fmt.Errorf("formula returned non-numeric result")}
		}
		return v, nil
	default:
		count := in.Count
		if count > 20 {
			count = 20
		}
		return in.Time * factorOrDefault(e.Factor) * math.Pow(2, float64(count)), nil
	}
}

func factorOrDefault(f float64) float64 {
	if f == 0 {
		return 1.0
	}
	return f
}

func clamp(v, maxTime float64) float64 {
	if maxTime <= 0 {
		maxTime = DefaultMaxTime
	}
	if v < 0 {
		return 0
	}
	if v > maxTime {
		return maxTime
	}
	return v
}

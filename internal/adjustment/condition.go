// Package adjustment implements the Adjustment Engine: the condition
// evaluator and action catalog that runs per strategy on every market-data
// tick, per spec.md §4.10. Grounded on decision/engine.go's rule/condition
// shape (the teacher evaluates model output against configured thresholds
// to pick a trading action) generalized from its regex-parsed single
// decision into a declarative, pre-parsed condition tree over boolean
// combinators, evaluated every tick without re-parsing.
package adjustment

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Parameter is one of the leaf-predicate inputs from spec.md §4.10.
type Parameter string

const (
	ParamTimeCurrent         Parameter = "time_current"
	ParamSpotLTP             Parameter = "spot_ltp"
	ParamSpotChangePct       Parameter = "spot_change_pct"
	ParamCEDelta             Parameter = "ce_delta"
	ParamPEDelta             Parameter = "pe_delta"
	ParamCEPnL               Parameter = "ce_pnl"
	ParamPEPnL               Parameter = "pe_pnl"
	ParamCombinedPnL         Parameter = "combined_pnl"
	ParamMaxLegDelta         Parameter = "max_leg_delta"
	ParamMinLegDelta         Parameter = "min_leg_delta"
	ParamBothLegsDeltaAbove  Parameter = "both_legs_delta_above"
	ParamBothLegsDeltaBelow  Parameter = "both_legs_delta_below"
	paramBothLegsDeltaLegacy Parameter = "both_legs_delta" // deprecated alias of ParamBothLegsDeltaBelow
)

// Comparator is one of the six supported leaf-predicate operators.
type Comparator string

const (
	CmpLT Comparator = "<"
	CmpLE Comparator = "<="
	CmpEQ Comparator = "=="
	CmpNE Comparator = "!="
	CmpGE Comparator = ">="
	CmpGT Comparator = ">"
)

// EvalContext is the per-tick snapshot of everything a condition tree can
// reference. The engine rebuilds this once per tick from StrategyExecState
// plus fresh market data; conditions never fetch data themselves.
type EvalContext struct {
	TimeCurrentMinutes int // minutes since midnight, local exchange time
	SpotLTP            decimal.Decimal
	SpotChangePct      decimal.Decimal
	CEDelta            decimal.Decimal
	PEDelta            decimal.Decimal
	CEPnL              decimal.Decimal
	PEPnL              decimal.Decimal
	CombinedPnL        decimal.Decimal
}

func (c EvalContext) value(p Parameter) (decimal.Decimal, error) {
	absCE := c.CEDelta.Abs()
	absPE := c.PEDelta.Abs()
	switch p {
	case ParamTimeCurrent:
		return decimal.NewFromInt(int64(c.TimeCurrentMinutes)), nil
	case ParamSpotLTP:
		return c.SpotLTP, nil
	case ParamSpotChangePct:
		return c.SpotChangePct, nil
	case ParamCEDelta:
		return c.CEDelta, nil
	case ParamPEDelta:
		return c.PEDelta, nil
	case ParamCEPnL:
		return c.CEPnL, nil
	case ParamPEPnL:
		return c.PEPnL, nil
	case ParamCombinedPnL:
		return c.CombinedPnL, nil
	case ParamMaxLegDelta:
		return decimal.Max(absCE, absPE), nil
	case ParamMinLegDelta:
		return decimal.Min(absCE, absPE), nil
	case ParamBothLegsDeltaAbove:
		return decimal.Min(absCE, absPE), nil
	case ParamBothLegsDeltaBelow, paramBothLegsDeltaLegacy:
		return decimal.Max(absCE, absPE), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown parameter %q", p)
	}
}

func compare(actual decimal.Decimal, cmp Comparator, want decimal.Decimal) (bool, error) {
	switch cmp {
	case CmpLT:
		return actual.LessThan(want), nil
	case CmpLE:
		return actual.LessThanOrEqual(want), nil
	case CmpEQ:
		return actual.Equal(want), nil
	case CmpNE:
		return !actual.Equal(want), nil
	case CmpGE:
		return actual.GreaterThanOrEqual(want), nil
	case CmpGT:
		return actual.GreaterThan(want), nil
	default:
		return false, fmt.Errorf("unknown comparator %q", cmp)
	}
}

// Condition is a node in a pre-parsed rule tree: either a leaf predicate or
// a boolean combinator over child conditions.
type Condition interface {
	Eval(ctx EvalContext) (bool, error)
}

// Leaf is a single (parameter, comparator, value) predicate.
type Leaf struct {
	Parameter  Parameter
	Comparator Comparator
	Value      decimal.Decimal
}

func (l Leaf) Eval(ctx EvalContext) (bool, error) {
	actual, err := ctx.value(l.Parameter)
	if err != nil {
		return false, err
	}
	if l.Parameter == paramBothLegsDeltaLegacy {
		log.Warn().Msgf("condition uses deprecated parameter %q; treating as %q", paramBothLegsDeltaLegacy, ParamBothLegsDeltaBelow)
	}
	return compare(actual, l.Comparator, l.Value)
}

// And requires every child to hold.
type And []Condition

func (a And) Eval(ctx EvalContext) (bool, error) {
	for _, c := range a {
		ok, err := c.Eval(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Or requires at least one child to hold.
type Or []Condition

func (o Or) Eval(ctx EvalContext) (bool, error) {
	for _, c := range o {
		ok, err := c.Eval(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Not negates its single child.
type Not struct {
	Cond Condition
}

func (n Not) Eval(ctx EvalContext) (bool, error) {
	ok, err := n.Cond.Eval(ctx)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

package profile

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExtraStatisticID is the stable integer identifier of an ExtraStatistic,
// assigned in a subrange disjoint from every Metric's Identifier range
// (§4.4, as extended by SPEC_FULL.md §3).
type ExtraStatisticID uint16

// ExtraStatistic is a named, uniqued, derived scalar computed once per
// Context from already-finalized Statistic values of one or more metrics
// (e.g. an "instructions per cycle" column derived from two base metrics).
type ExtraStatistic struct {
	ID       ExtraStatisticID
	Name     string
	Inputs   []string // referenced "metric.statistic" names, bound as env vars m0, m1, ...
	Formula  string
	program  *vm.Program
}

func NewExtraStatistic(id ExtraStatisticID, name string, inputs []string, formula string) (*ExtraStatistic, error) {
	env := make(map[string]any, len(inputs))
	for i := range inputs {
		env[fmt.Sprintf("m%d", i)] = 0.0
	}
	prog, err := expr.Compile(formula, expr.Env(env), sqrtFunc, nonnegFunc)
	if err != nil {
		return nil, fmt.Errorf("extra statistic %q: compiling formula %q: %w", name, formula, err)
	}
	return &ExtraStatistic{ID: id, Name: name, Inputs: append([]string(nil), inputs...), Formula: formula, program: prog}, nil
}

func (e *ExtraStatistic) Evaluate(inputs []float64) (float64, error) {
	env := make(map[string]any, len(inputs))
	for i, v := range inputs {
		env[fmt.Sprintf("m%d", i)] = v
	}
	out, err := expr.Run(e.program, env)
	if err != nil {
		return 0, fmt.Errorf("extra statistic %q: %w", e.Name, err)
	}
	return toFloat(out)
}

package profile

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// sqrtFunc is registered into every finalize-expression environment: expr-lang
// does not ship a builtin square root, so one is supplied explicitly rather
// than reimplementing variance/stddev arithmetic outside the expression
// engine.
var sqrtFunc = expr.Function(
	"sqrt",
	func(params ...any) (any, error) {
		v, err := toFloat(params[0])
		if err != nil {
			return nil, err
		}
		return math.Sqrt(v), nil
	},
	new(func(float64) float64),
)

// nonnegFunc clamps away the small negative variances floating-point
// cancellation can otherwise produce in p2/p0 - mean^2.
var nonnegFunc = expr.Function(
	"nonneg",
	func(params ...any) (any, error) {
		v, err := toFloat(params[0])
		if err != nil {
			return nil, err
		}
		return math.Max(v, 0), nil
	},
	new(func(float64) float64),
)

// MetricScope is one of the four projection modes a metric value can be read
// under along the CCT. This is distinct from a Context's Scope (§3); the
// spec overloads the word "scope" for both concepts.
type MetricScope uint8

const (
	MetricScopePoint MetricScope = iota
	MetricScopeFunction
	MetricScopeLexAware
	MetricScopeExecution
)

// NumMetricScopes is the number of MetricScope values; also the stride used
// when computing a StatisticPartial's identifier (§4.4).
const NumMetricScopes = 4

func (s MetricScope) String() string {
	switch s {
	case MetricScopePoint:
		return "point"
	case MetricScopeFunction:
		return "function"
	case MetricScopeLexAware:
		return "lex_aware"
	case MetricScopeExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// CombineOp is the cross-thread reduction rule for a StatisticPartial. Kept
// as a closed enum (not an expression) because combination happens on the
// lock-free atomic-CAS hot path of §4.3.
type CombineOp uint8

const (
	CombineSum CombineOp = iota
	CombineMin
	CombineMax
)

// PartialSpec is the user-facing request to add a StatisticPartial to a
// Metric: a single-variable accumulate expression (evaluated against a
// variable named "x", the thread-local metric scope value) plus a combine
// rule.
type PartialSpec struct {
	AccumulateExpr string
	Combine        CombineOp
}

// StatisticPartial is the "(accumulate, combine)" building block described in
// §3. Accumulate is compiled once with expr-lang/expr, the same
// compile-once-evaluate-many-times idiom the teacher uses for job
// classification rules (internal/tagger/classifyJob.go's ruleVariable).
type StatisticPartial struct {
	Index          int
	AccumulateExpr string
	program        *vm.Program
	Combine        CombineOp
}

// Accumulate evaluates the partial's accumulate expression against a single
// thread-local metric scope value, bound to variable "x".
func (p *StatisticPartial) Accumulate(x float64) (float64, error) {
	out, err := expr.Run(p.program, map[string]any{"x": x})
	if err != nil {
		return 0, fmt.Errorf("partial %d accumulate: %w", p.Index, err)
	}
	return toFloat(out)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expression did not evaluate to a number, got %T", v)
	}
}

// Statistic is one named, requested statistic (sum, mean, min, max, stddev,
// cv, ...) composed from one or more Partials via a finalize expression.
type Statistic struct {
	Name           string
	PartialIndices []int
	FinalizeExpr   string
	program        *vm.Program
}

// Finalize evaluates the statistic's finalize expression over the named
// partial results, bound as variables p0, p1, ... in PartialIndices order.
func (s *Statistic) Finalize(partialValues []float64) (float64, error) {
	env := make(map[string]any, len(partialValues)+1)
	for i, v := range partialValues {
		env[fmt.Sprintf("p%d", i)] = v
	}
	env["n"] = float64(len(partialValues))
	out, err := expr.Run(s.program, env)
	if err != nil {
		return 0, fmt.Errorf("statistic %q finalize: %w", s.Name, err)
	}
	return toFloat(out)
}

// MetricID is the stable integer identifier of a Metric's base Identifier
// (§4.4); it is the "v" from which every (metric, partial, scope) cell's
// on-disk identifier is derived.
type MetricID uint16

// Identifier is the base-index scheme of §4.4: every (metric[, partial[,
// scope]]) cell gets a unique id derived from a metric's base index.
type Identifier struct {
	Base uint64
}

func (id Identifier) ForMetric() uint64 { return id.Base }

func (id Identifier) ForPartial(partialIndex int) uint64 {
	return id.Base + uint64(partialIndex)*NumMetricScopes
}

func (id Identifier) ForScope(partialIndex int, scope MetricScope) uint64 {
	return id.Base + uint64(partialIndex)*NumMetricScopes + uint64(scope)
}

// Metric is a measured quantity such as cycles or cache misses. Metrics are
// uniqued by name and frozen as soon as their scope set is first consulted
// by a Statistic or Partial request: §3 freezes the metric's presentation
// configuration (Scopes/Visible/Order) at that point, but further
// Statistics/Partials may still be added before pipeline finalization
// assigns Identifier.Base.
type Metric struct {
	mu sync.Mutex

	ID          MetricID
	Name        string
	Description string
	Scopes      []MetricScope
	Visible     bool
	Order       int

	Partials   []*StatisticPartial
	Statistics []*Statistic

	frozen             bool
	identifierAssigned bool
	Identifier         Identifier
}

// HasScope reports whether m carries values under the given MetricScope.
func (m *Metric) HasScope(s MetricScope) bool {
	for _, sc := range m.Scopes {
		if sc == s {
			return true
		}
	}
	return false
}

// AddPartial compiles spec.AccumulateExpr and appends a new StatisticPartial,
// freezing the metric's presentation configuration as a side effect.
func (m *Metric) AddPartial(spec PartialSpec) (*StatisticPartial, error) {
	prog, err := expr.Compile(spec.AccumulateExpr, expr.Env(map[string]any{"x": 0.0}))
	if err != nil {
		return nil, fmt.Errorf("metric %q: compiling accumulate expr %q: %w", m.Name, spec.AccumulateExpr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true

	p := &StatisticPartial{
		Index:          len(m.Partials),
		AccumulateExpr: spec.AccumulateExpr,
		program:        prog,
		Combine:        spec.Combine,
	}
	m.Partials = append(m.Partials, p)
	return p, nil
}

// AddStatistic compiles finalizeExpr and appends a new Statistic referencing
// the given partial indices.
func (m *Metric) AddStatistic(name string, partialIndices []int, finalizeExpr string) (*Statistic, error) {
	env := map[string]any{"n": 0.0}
	for i := range partialIndices {
		env[fmt.Sprintf("p%d", i)] = 0.0
	}
	prog, err := expr.Compile(finalizeExpr, expr.Env(env), sqrtFunc, nonnegFunc)
	if err != nil {
		return nil, fmt.Errorf("metric %q: compiling finalize expr for statistic %q: %w", m.Name, name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true

	s := &Statistic{
		Name:           name,
		PartialIndices: append([]int(nil), partialIndices...),
		FinalizeExpr:   finalizeExpr,
		program:        prog,
	}
	m.Statistics = append(m.Statistics, s)
	return s, nil
}

// Frozen reports whether m's Scopes/Visible/Order can no longer be changed.
func (m *Metric) Frozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// span is the number of identifier slots m's Identifier range occupies:
// one for the metric itself, plus one per (partial, scope) cell.
func (m *Metric) span() uint64 {
	return 1 + uint64(len(m.Partials))*NumMetricScopes
}

// AssignIdentifiers stamps each Metric's Identifier.Base in ascending
// MetricID order, so no two metrics' ranges overlap (§4.4). Idempotent:
// metrics already stamped (by an earlier sink in the same pipeline run)
// keep their existing Base.
func AssignIdentifiers(metrics []*Metric) {
	sorted := append([]*Metric(nil), metrics...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var next uint64
	for _, m := range sorted {
		m.mu.Lock()
		if !m.identifierAssigned {
			m.Identifier = Identifier{Base: next}
			m.identifierAssigned = true
		}
		next = m.Identifier.Base + m.span()
		m.mu.Unlock()
	}
}

// StandardPartialSpecs returns the (accumulate, combine) pairs needed to
// compute {sum, mean, min, max, stddev, cv} from raw per-thread values: a
// running count, sum and sum-of-squares, plus running min/max. This mirrors
// the "online" one-pass variance algorithm, expressed as StatisticPartials.
func StandardPartialSpecs() []PartialSpec {
	return []PartialSpec{
		{AccumulateExpr: "1", Combine: CombineSum},   // p0: count
		{AccumulateExpr: "x", Combine: CombineSum},   // p1: sum
		{AccumulateExpr: "x*x", Combine: CombineSum}, // p2: sum of squares
		{AccumulateExpr: "x", Combine: CombineMin},   // p3: min
		{AccumulateExpr: "x", Combine: CombineMax},   // p4: max
	}
}

// AddStandardStatistics wires sum/mean/min/max/stddev/cv on top of
// StandardPartialSpecs, in the order the partials above are added.
func AddStandardStatistics(m *Metric) error {
	for _, spec := range StandardPartialSpecs() {
		if _, err := m.AddPartial(spec); err != nil {
			return err
		}
	}
	type def struct {
		name     string
		finalize string
	}
	defs := []def{
		{"sum", "p1"},
		{"mean", "p1 / p0"},
		{"min", "p3"},
		{"max", "p4"},
		{"stddev", "sqrt(nonneg(p2/p0 - (p1/p0)*(p1/p0)))"},
		{"cv", "sqrt(nonneg(p2/p0 - (p1/p0)*(p1/p0))) / (p1/p0)"},
	}
	for _, d := range defs {
		if _, err := m.AddStatistic(d.name, []int{0, 1, 2, 3, 4}, d.finalize); err != nil {
			return err
		}
	}
	return nil
}

package validate

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// defaultTolerance is used when a content check declares none.
const defaultTolerance = 1e-6

// Content re-derives a declared formula from named variables and compares it
// with the value the render command prints. Declared edge cases re-render
// with overridden variables and must print the guarded output, never NaN or
// Inf.
type Content struct{}

// Kind implements Validator.
func (Content) Kind() ticket.ValidatorKind { return ticket.ValidatorContent }

// Validate implements Validator.
func (c Content) Validate(ctx context.Context, vc Context) Result {
	if vc.Check == nil || vc.Check.Content == nil {
		return scriptError(c.Kind(), fmt.Errorf("task declares no content check"))
	}
	check := vc.Check.Content

	formula, err := ParseFormula(check.Formula)
	if err != nil {
		return scriptError(c.Kind(), err)
	}
	want, err := formula.Eval(check.Variables)
	if err != nil {
		return scriptError(c.Kind(), err)
	}
	if math.IsNaN(want) || math.IsInf(want, 0) {
		return scriptError(c.Kind(), fmt.Errorf("formula %q is not finite over the declared variables", check.Formula))
	}

	tol := check.Tolerance
	if tol <= 0 {
		tol = defaultTolerance
	}

	var failures []Failure
	res, err := vc.Runner.Run(ctx, vc.Root, check.Render, variableEnv(check.Variables))
	if err != nil {
		return scriptError(c.Kind(), fmt.Errorf("render: %w", err))
	}
	out := strings.TrimSpace(res.Stdout)
	got, perr := strconv.ParseFloat(out, 64)
	switch {
	case res.ExitCode != 0:
		failures = append(failures, Failure{Check: "render", Expected: "exit 0", Actual: describeResult(res)})
	case leaksNonFinite(out):
		failures = append(failures, Failure{Check: "render", Expected: formatFloat(want), Actual: out})
	case perr != nil:
		failures = append(failures, Failure{Check: "render", Expected: formatFloat(want), Actual: fmt.Sprintf("non-numeric output %q", out)})
	case math.Abs(got-want) > tol:
		failures = append(failures, Failure{
			Check:    "formula " + check.Formula,
			Expected: fmt.Sprintf("%s ± %g", formatFloat(want), tol),
			Actual:   formatFloat(got),
		})
	}

	for _, ec := range check.EdgeCases {
		vars := maps.Clone(check.Variables)
		if vars == nil {
			vars = make(map[string]float64)
		}
		maps.Copy(vars, ec.Overrides)

		res, err := vc.Runner.Run(ctx, vc.Root, check.Render, variableEnv(vars))
		if err != nil {
			return scriptError(c.Kind(), fmt.Errorf("edge case %s: %w", ec.Name, err))
		}
		out := strings.TrimSpace(res.Stdout)
		name := "edge case " + ec.Name
		switch {
		case res.ExitCode != 0:
			failures = append(failures, Failure{Check: name, Expected: "exit 0", Actual: describeResult(res)})
		case leaksNonFinite(out):
			failures = append(failures, Failure{Check: name, Expected: "guarded output", Actual: out})
		case ec.Expect != "" && out != ec.Expect:
			failures = append(failures, Failure{Check: name, Expected: strconv.Quote(ec.Expect), Actual: strconv.Quote(out)})
		}
	}
	return verdict(c.Kind(), "content derivation", failures)
}

// variableEnv passes variables to the render command as NAME=value pairs in
// a stable order.
func variableEnv(vars map[string]float64) []string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	env := make([]string, 0, len(names))
	for _, k := range names {
		env = append(env, k+"="+formatFloat(vars[k]))
	}
	return env
}

func leaksNonFinite(out string) bool {
	for _, f := range strings.Fields(strings.ToLower(out)) {
		switch strings.TrimLeft(f, "+-") {
		case "nan", "inf", "infinity":
			return true
		}
	}
	return false
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Formula is a syntax-checked arithmetic expression over named variables.
type Formula struct {
	src string
}

var formulaOptions = []expr.Option{
	expr.Function("sqrt", func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("sqrt takes one argument, got %d", len(params))
		}
		v, err := toFloat(params[0])
		if err != nil {
			return nil, err
		}
		return math.Sqrt(v), nil
	}),
}

// ParseFormula compiles src with expr syntax. Besides + - * / and
// parentheses, formulas may call the expr builtins (abs, min, max, round,
// floor, ceil) and sqrt.
func ParseFormula(src string) (*Formula, error) {
	if _, err := expr.Compile(src, formulaOptions...); err != nil {
		return nil, fmt.Errorf("parse formula %q: %w", src, err)
	}
	return &Formula{src: src}, nil
}

// Eval evaluates the formula. Every identifier must be a declared variable.
// Division by zero yields Inf or NaN rather than an error.
func (f *Formula) Eval(vars map[string]float64) (float64, error) {
	env := make(map[string]any, len(vars))
	for k, v := range vars {
		env[k] = v
	}
	// Recompile against the variable set so unknown names and functions fail
	// type checking.
	program, err := expr.Compile(f.src, append(slices.Clone(formulaOptions), expr.Env(env))...)
	if err != nil {
		return 0, fmt.Errorf("formula %q: %w", f.src, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return 0, fmt.Errorf("formula %q: %w", f.src, err)
	}
	v, err := toFloat(out)
	if err != nil {
		return 0, fmt.Errorf("formula %q: %w", f.src, err)
	}
	return v, nil
}

// String returns the source text.
func (f *Formula) String() string {
	return f.src
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

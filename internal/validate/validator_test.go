package validate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	tferrors "github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

const root = "/proj"

// fakeRunner returns canned results keyed by command. A responder, when set,
// overrides the table so tests can look at the environment.
type fakeRunner struct {
	mu        sync.Mutex
	results   map[string]CommandResult
	errs      map[string]error
	responder func(command string, env []string) CommandResult
	calls     []string
}

func (f *fakeRunner) Run(_ context.Context, _ string, command string, env []string) (CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	if err := f.errs[command]; err != nil {
		return CommandResult{}, err
	}
	if f.responder != nil {
		return f.responder(command, env), nil
	}
	if r, ok := f.results[command]; ok {
		return r, nil
	}
	return CommandResult{ExitCode: 127, Stderr: "command not found"}, nil
}

type fakeProber struct {
	down map[string]bool
}

func (p fakeProber) Probe(_ context.Context, dep ticket.Dependency) error {
	if p.down[dep.Name] {
		return fmt.Errorf("connection refused")
	}
	return nil
}

func memFs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		if err := afero.WriteFile(fs, root+"/"+path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func TestGeneric(t *testing.T) {
	runner := &fakeRunner{results: map[string]CommandResult{
		"build": {ExitCode: 0, Stdout: "ok\n"},
		"test":  {ExitCode: 1, Stdout: "FAIL TestX\n"},
		"lint":  {ExitCode: 0, Stdout: "3 warnings"},
	}}

	tests := []struct {
		name      string
		steps     []ticket.VerificationStep
		pass      bool
		failures  int
		calls     int
		scriptErr bool
		action    ticket.FailureAction
	}{
		{
			name:  "all steps pass",
			steps: []ticket.VerificationStep{{Name: "build", Check: "build"}, {Name: "lint", Check: "lint", Success: "contains:warnings"}},
			pass:  true, calls: 2,
		},
		{
			name:     "failure continues to next step",
			steps:    []ticket.VerificationStep{{Name: "test", Check: "test"}, {Name: "build", Check: "build"}},
			failures: 1, calls: 2, action: ticket.OnFailureAutoFix,
		},
		{
			name:     "fail action stops",
			steps:    []ticket.VerificationStep{{Name: "test", Check: "test", OnFailure: ticket.OnFailureFail}, {Name: "build", Check: "build"}},
			failures: 1, calls: 1, action: ticket.OnFailureFail,
		},
		{
			name:     "defer action wins",
			steps:    []ticket.VerificationStep{{Name: "test", Check: "test", OnFailure: ticket.OnFailureDefer}, {Name: "lint", Check: "lint", Success: "matches:^0 warnings"}},
			failures: 2, calls: 2, action: ticket.OnFailureDefer,
		},
		{
			name:      "invalid regex is a script error",
			steps:     []ticket.VerificationStep{{Name: "lint", Check: "lint", Success: "matches:("}},
			calls:     1,
			scriptErr: true,
		},
		{
			name: "no steps passes",
			pass: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner.calls = nil
			res := Generic{}.Validate(context.Background(), Context{
				Root:   root,
				Runner: runner,
				Check:  &ticket.Check{Generic: &ticket.GenericCheck{Steps: tt.steps}},
			})
			if res.Pass != tt.pass {
				t.Fatalf("Pass = %v, want %v (%s)", res.Pass, tt.pass, res.Diagnostic)
			}
			if (res.Err != nil) != tt.scriptErr {
				t.Errorf("Err = %v, scriptErr = %v", res.Err, tt.scriptErr)
			}
			if len(res.Diagnostic.Failures) != tt.failures {
				t.Errorf("failures = %d, want %d", len(res.Diagnostic.Failures), tt.failures)
			}
			if len(runner.calls) != tt.calls {
				t.Errorf("calls = %v, want %d", runner.calls, tt.calls)
			}
			if tt.action != "" && res.Diagnostic.Action() != tt.action {
				t.Errorf("Action() = %s, want %s", res.Diagnostic.Action(), tt.action)
			}
			if !tt.pass && !tt.scriptErr && len(res.Diagnostic.Hints) == 0 {
				t.Error("failed diagnostics should carry hints")
			}
		})
	}
}

func TestGeneric_UsesValidationConfigSteps(t *testing.T) {
	runner := &fakeRunner{results: map[string]CommandResult{"build": {}}}
	res := Generic{}.Validate(context.Background(), Context{
		Root:   root,
		Runner: runner,
		Steps:  []ticket.VerificationStep{{Name: "build", Check: "build"}},
	})
	if !res.Pass || len(runner.calls) != 1 {
		t.Errorf("Validate() = %+v, calls = %v", res, runner.calls)
	}
}

func TestGeneric_TaskWithoutCheck(t *testing.T) {
	runner := &fakeRunner{}
	tests := []struct {
		name  string
		check *ticket.Check
	}{
		{"nil check", nil},
		{"other kind's check", &ticket.Check{Content: &ticket.ContentCheck{Formula: "a", Render: "r"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Generic{}.Validate(context.Background(), Context{
				TaskID: "t1",
				Root:   root,
				Runner: runner,
				Check:  tt.check,
				Steps:  []ticket.VerificationStep{{Name: "build", Check: "build"}},
			})
			if res.Pass || res.Err == nil {
				t.Errorf("Validate() = %+v, want script error", res)
			}
			if len(runner.calls) != 0 {
				t.Errorf("calls = %v, want none", runner.calls)
			}
		})
	}
}

func TestStateFlow(t *testing.T) {
	fs := memFs(t, map[string]string{"cache/state.json": `{"cart": []}`})
	runner := &fakeRunner{results: map[string]CommandResult{
		"checkout": {Stdout: "route=/confirm\nbanner visible\n"},
		"broken":   {ExitCode: 2, Stderr: "panic"},
	}}

	check := func(transition string, effects ...ticket.Effect) Context {
		return Context{
			Root:   root,
			Fs:     fs,
			Runner: runner,
			Check:  &ticket.Check{StateFlow: &ticket.StateFlowCheck{Transition: transition, Effects: effects}},
		}
	}

	t.Run("effects hold", func(t *testing.T) {
		res := StateFlow{}.Validate(context.Background(), check("checkout",
			ticket.Effect{Kind: "route", Pattern: `route=/confirm`},
			ticket.Effect{Kind: "visibility", Pattern: `banner visible`},
			ticket.Effect{Kind: "cache", Pattern: `"cart": \[\]`, File: "cache/state.json"},
			ticket.Effect{Kind: "cache", Pattern: `stale`, File: "cache/state.json", Absent: true},
		))
		if !res.Pass {
			t.Fatalf("expected pass: %s", res.Diagnostic)
		}
	})

	t.Run("missing effect fails", func(t *testing.T) {
		res := StateFlow{}.Validate(context.Background(), check("checkout",
			ticket.Effect{Kind: "route", Pattern: `route=/home`},
			ticket.Effect{Kind: "cache", Pattern: `.`, File: "cache/missing.json"},
		))
		if res.Pass || len(res.Diagnostic.Failures) != 2 {
			t.Fatalf("Validate() = %+v", res.Diagnostic)
		}
		if res.Diagnostic.Kind != ticket.ValidatorStateFlow {
			t.Errorf("Kind = %s", res.Diagnostic.Kind)
		}
	})

	t.Run("failed transition", func(t *testing.T) {
		res := StateFlow{}.Validate(context.Background(), check("broken"))
		if res.Pass || res.Err != nil {
			t.Fatalf("Validate() = %+v", res)
		}
		if !strings.Contains(res.Diagnostic.String(), "panic") {
			t.Errorf("diagnostic should quote output: %s", res.Diagnostic)
		}
	})

	t.Run("missing check", func(t *testing.T) {
		res := StateFlow{}.Validate(context.Background(), Context{Runner: runner})
		if res.Err == nil {
			t.Error("missing check should be a script error")
		}
	})
}

func TestFormula(t *testing.T) {
	vars := map[string]float64{"total": 10, "count": 4, "zero": 0}
	tests := []struct {
		src     string
		want    float64
		wantErr bool
	}{
		{"total / count", 2.5, false},
		{"-(total - count) * 2", -12, false},
		{"round(total / 3)", 3, false},
		{"max(count, total, 7)", 10, false},
		{"abs(count - total)", 6, false},
		{"sqrt(count) + floor(total / count)", 4, false},
		{"min(total, count) / 2", 2, false},
		{"total / zero", math.Inf(1), false},
		{"total % count", 0, true},
		{"missing + 1", 0, true},
		{"nope(1)", 0, true},
		{"sqrt(count, total)", 0, true},
		{"total > count", 0, true},
		{`"str"`, 0, true},
		{"total +", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			f, err := ParseFormula(tt.src)
			var got float64
			if err == nil {
				got, err = f.Eval(vars)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContent(t *testing.T) {
	// render prints a/b, or "n/a" when the guarded program sees b=0.
	guarded := func(_ string, env []string) CommandResult {
		vals := map[string]string{}
		for _, kv := range env {
			k, v, _ := strings.Cut(kv, "=")
			vals[k] = v
		}
		if vals["b"] == "0" {
			return CommandResult{Stdout: "n/a\n"}
		}
		var a, b float64
		fmt.Sscan(vals["a"], &a)
		fmt.Sscan(vals["b"], &b)
		return CommandResult{Stdout: fmt.Sprintf("%g\n", a/b)}
	}
	unguarded := func(_ string, env []string) CommandResult {
		r := guarded("", env)
		if r.Stdout == "n/a\n" {
			r.Stdout = "NaN\n"
		}
		return r
	}
	constant := func(string, []string) CommandResult { return CommandResult{Stdout: "42\n"} }

	check := &ticket.Check{Content: &ticket.ContentCheck{
		Formula:   "a / b",
		Variables: map[string]float64{"a": 3, "b": 4},
		Render:    "render",
		EdgeCases: []ticket.EdgeCase{{Name: "zero denominator", Overrides: map[string]float64{"b": 0}, Expect: "n/a"}},
	}}

	tests := []struct {
		name      string
		responder func(string, []string) CommandResult
		pass      bool
		failures  int
	}{
		{"guarded render passes", guarded, true, 0},
		{"NaN leak on edge case", unguarded, false, 1},
		{"constant output", constant, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Content{}.Validate(context.Background(), Context{
				Root:   root,
				Runner: &fakeRunner{responder: tt.responder},
				Check:  check,
			})
			if res.Pass != tt.pass {
				t.Fatalf("Pass = %v: %s", res.Pass, res.Diagnostic)
			}
			if len(res.Diagnostic.Failures) != tt.failures {
				t.Errorf("failures = %+v, want %d", res.Diagnostic.Failures, tt.failures)
			}
		})
	}

	t.Run("non-finite formula is a script error", func(t *testing.T) {
		bad := &ticket.Check{Content: &ticket.ContentCheck{Formula: "a / b", Variables: map[string]float64{"a": 1, "b": 0}, Render: "render"}}
		res := Content{}.Validate(context.Background(), Context{Runner: &fakeRunner{responder: guarded}, Check: bad})
		if res.Err == nil {
			t.Error("expected script error")
		}
	})
}

func TestInteractive(t *testing.T) {
	fs := memFs(t, map[string]string{
		"src/Checkout.tsx":            `<button id="pay-now" onClick={handlePay}>Pay</button>`,
		"src/handlers.ts":             "export function handlePay() { navigate(\"/receipt\") }",
		"src/routes.ts":               `const routes = ["/receipt"]`,
		"node_modules/lib/button.tsx": `<button id="pay-now" onClick={handleOther}>`,
		"docs/readme.md":              "pay-now",
	})

	check := func(element, handler, nav string) *ticket.Check {
		return &ticket.Check{Interactive: &ticket.InteractiveCheck{
			Element: element, Handler: handler, Navigation: nav, Files: []string{"src/**"},
		}}
	}

	tests := []struct {
		name     string
		check    *ticket.Check
		pass     bool
		failures []string
	}{
		{"fully wired", check(`id="pay-now"`, "handlePay", "/receipt"), true, nil},
		{"element missing", check(`id="cancel"`, "handlePay", ""), false, []string{"element"}},
		{"handler not wired or defined", check(`id="pay-now"`, "handleOther", ""), false, []string{"handler wiring", "handler definition"}},
		{"navigation unresolved", check(`id="pay-now"`, "handlePay", "/missing"), false, []string{"navigation"}},
		{"no matching files", &ticket.Check{Interactive: &ticket.InteractiveCheck{Element: "x", Handler: "y", Files: []string{"app/**"}}}, false, []string{"files"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Interactive{}.Validate(context.Background(), Context{Root: root, Fs: fs, Check: tt.check})
			if res.Pass != tt.pass {
				t.Fatalf("Pass = %v: %s", res.Pass, res.Diagnostic)
			}
			var got []string
			for _, f := range res.Diagnostic.Failures {
				got = append(got, f.Check)
			}
			if strings.Join(got, ",") != strings.Join(tt.failures, ",") {
				t.Errorf("failures = %v, want %v", got, tt.failures)
			}
		})
	}
}

func TestIntegration(t *testing.T) {
	fs := memFs(t, map[string]string{
		"client/api.go": "func call() { bo := backoff.NewExponentialBackOff(); ctx, _ = context.WithTimeout(ctx, d) }",
		"client/doc.md": "401 Unauthorized is handled",
	})
	check := &ticket.Check{Integration: &ticket.IntegrationCheck{
		Dependencies: []ticket.Dependency{
			{Name: "api", Kind: "http", Target: "http://api"},
			{Name: "db", Kind: "tcp", Target: "db:5432"},
		},
		Strategies: []string{"timeout", "backoff", "auth_failure"},
		Files:      []string{"client/*.go"},
	}}

	t.Run("reachable with strategies except auth", func(t *testing.T) {
		res := Integration{}.Validate(context.Background(), Context{Root: root, Fs: fs, Prober: fakeProber{}, Check: check})
		if res.Pass {
			t.Fatal("auth_failure handling is missing from client/*.go")
		}
		if len(res.Diagnostic.Failures) != 1 || res.Diagnostic.Failures[0].Check != "strategy auth_failure" {
			t.Errorf("failures = %+v", res.Diagnostic.Failures)
		}
	})

	t.Run("unreachable dependency", func(t *testing.T) {
		c := *check.Integration
		c.Strategies = nil
		res := Integration{}.Validate(context.Background(), Context{
			Root: root, Fs: fs, Prober: fakeProber{down: map[string]bool{"db": true}},
			Check: &ticket.Check{Integration: &c},
		})
		if res.Pass || len(res.Diagnostic.Failures) != 1 || res.Diagnostic.Failures[0].Check != "dependency db" {
			t.Errorf("Validate() = %+v", res.Diagnostic)
		}
	})
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	if len(r.Kinds()) != len(ticket.ValidatorKinds()) {
		t.Errorf("Kinds() = %v", r.Kinds())
	}
	for _, k := range ticket.ValidatorKinds() {
		v, err := r.Get(k)
		if err != nil || v.Kind() != k {
			t.Errorf("Get(%s) = %v, %v", k, v, err)
		}
	}

	_, err := r.Get("fuzz")
	if !errors.Is(err, tferrors.ErrUnknownValidator) {
		t.Errorf("Get(fuzz) error = %v", err)
	}
	var cfgErr *tferrors.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Error("unknown kind should be a ConfigurationError")
	}

	res, err := r.Validate(context.Background(), ticket.ValidatorGeneric, Context{Runner: &fakeRunner{}})
	if err != nil || !res.Pass {
		t.Errorf("Validate() = %+v, %v", res, err)
	}
}

func TestValidatorsAreRerunnable(t *testing.T) {
	fs := memFs(t, map[string]string{"a.go": "func handle() {}\n// <el>\nhandle"})
	vc := Context{
		Root:   root,
		Fs:     fs,
		Runner: &fakeRunner{results: map[string]CommandResult{"ok": {}}},
		Check: &ticket.Check{Interactive: &ticket.InteractiveCheck{
			Element: "<el>", Handler: "handle", Files: []string{"*.go"},
		}},
	}
	first := Interactive{}.Validate(context.Background(), vc)
	second := Interactive{}.Validate(context.Background(), vc)
	if first.Pass != second.Pass || first.Diagnostic.String() != second.Diagnostic.String() {
		t.Errorf("re-running changed the verdict: %+v vs %+v", first, second)
	}
	if !first.Pass {
		t.Errorf("expected pass: %s", first.Diagnostic)
	}
}

func TestHintsAreCopies(t *testing.T) {
	h := Hints(ticket.ValidatorContent)
	h[0] = "mutated"
	if Hints(ticket.ValidatorContent)[0] == "mutated" {
		t.Error("Hints should return a copy")
	}
}

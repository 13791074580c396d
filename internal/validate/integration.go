package validate

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// maxConcurrentProbes bounds parallel reachability probes.
const maxConcurrentProbes = 8

// strategyPatterns recognise the required error-handling strategies in
// source code.
var strategyPatterns = map[string]*regexp.Regexp{
	"backoff":      regexp.MustCompile(`(?i)\b(backoff|back_off|retry|retries)\b`),
	"auth_failure": regexp.MustCompile(`(?i)(\b401\b|\b403\b|unauthori[sz]ed|forbidden|auth[_ ]?(error|fail))`),
	"timeout":      regexp.MustCompile(`(?i)(timeout|deadline|time_out)`),
}

// Integration confirms declared external dependencies are reachable and the
// required error-handling strategies are present in the matched sources.
type Integration struct{}

// Kind implements Validator.
func (Integration) Kind() ticket.ValidatorKind { return ticket.ValidatorIntegration }

// Validate implements Validator.
func (in Integration) Validate(ctx context.Context, vc Context) Result {
	if vc.Check == nil || vc.Check.Integration == nil {
		return scriptError(in.Kind(), fmt.Errorf("task declares no integration check"))
	}
	check := vc.Check.Integration

	var failures []Failure
	if len(check.Dependencies) > 0 {
		if vc.Prober == nil {
			return scriptError(in.Kind(), fmt.Errorf("no prober configured"))
		}
		probeErrs := make([]error, len(check.Dependencies))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentProbes)
		for i, dep := range check.Dependencies {
			g.Go(func() error {
				probeErrs[i] = vc.Prober.Probe(gctx, dep)
				return nil
			})
		}
		_ = g.Wait()

		for i, dep := range check.Dependencies {
			if probeErrs[i] != nil {
				failures = append(failures, Failure{
					Check:    "dependency " + dep.Name,
					Expected: dep.Kind + " " + dep.Target + " reachable",
					Actual:   probeErrs[i].Error(),
				})
			}
		}
	}

	if len(check.Strategies) > 0 {
		files, err := collectSources(vc.Fs, vc.Root, check.Files)
		if err != nil {
			return scriptError(in.Kind(), err)
		}
		strategies := append([]string(nil), check.Strategies...)
		sort.Strings(strategies)
		for _, s := range strategies {
			re, ok := strategyPatterns[s]
			if !ok {
				return scriptError(in.Kind(), fmt.Errorf("unknown error-handling strategy %q", s))
			}
			found := false
			for _, f := range files {
				if re.MatchString(f.Content) {
					found = true
					break
				}
			}
			if !found {
				failures = append(failures, Failure{
					Check:    "strategy " + s,
					Expected: s + " handling in sources",
					Actual:   fmt.Sprintf("absent from %d file(s)", len(files)),
				})
			}
		}
	}
	return verdict(in.Kind(), "integration", failures)
}

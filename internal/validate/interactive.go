package validate

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// Interactive confirms that a declared UI element exists, that it references
// its handler, that the handler is defined, and that the navigation target
// resolves to a real file or a declared route.
type Interactive struct{}

// Kind implements Validator.
func (Interactive) Kind() ticket.ValidatorKind { return ticket.ValidatorInteractive }

// Validate implements Validator.
func (iv Interactive) Validate(ctx context.Context, vc Context) Result {
	if vc.Check == nil || vc.Check.Interactive == nil {
		return scriptError(iv.Kind(), fmt.Errorf("task declares no interactive check"))
	}
	check := vc.Check.Interactive

	files, err := collectSources(vc.Fs, vc.Root, check.Files)
	if err != nil {
		return scriptError(iv.Kind(), err)
	}
	if err := ctx.Err(); err != nil {
		return scriptError(iv.Kind(), err)
	}
	if len(files) == 0 {
		return fail(iv.Kind(), "no source files matched", []Failure{{
			Check:    "files",
			Expected: "files matching " + strings.Join(check.Files, ", "),
			Actual:   "none",
		}})
	}

	handlerRef := regexp.MustCompile(`\b` + regexp.QuoteMeta(check.Handler) + `\b`)
	handlerDef := regexp.MustCompile(`(?m)(\b(func|function|def|fn|const|let|var)\s+` +
		regexp.QuoteMeta(check.Handler) + `\b)|(\b` + regexp.QuoteMeta(check.Handler) + `\s*(:|=)[^=])`)

	var elementFiles []string
	wired := false
	defined := false
	for _, f := range files {
		hasElement := strings.Contains(f.Content, check.Element)
		if hasElement {
			elementFiles = append(elementFiles, f.Path)
			if handlerRef.MatchString(f.Content) {
				wired = true
			}
		}
		if handlerDef.MatchString(f.Content) {
			defined = true
		}
	}

	var failures []Failure
	if len(elementFiles) == 0 {
		failures = append(failures, Failure{Check: "element", Expected: check.Element, Actual: "not found"})
	} else if !wired {
		failures = append(failures, Failure{
			Check:    "handler wiring",
			Expected: fmt.Sprintf("%s referenced next to %s", check.Handler, check.Element),
			Actual:   "no reference in " + strings.Join(elementFiles, ", "),
		})
	}
	if !defined {
		failures = append(failures, Failure{Check: "handler definition", Expected: check.Handler + " defined", Actual: "not found"})
	}
	if check.Navigation != "" && !iv.navigationResolves(vc, files, check.Navigation) {
		failures = append(failures, Failure{Check: "navigation", Expected: check.Navigation + " resolvable", Actual: "no file or route declares it"})
	}
	return verdict(iv.Kind(), "interactive wiring", failures)
}

func (Interactive) navigationResolves(vc Context, files []sourceFile, target string) bool {
	if ok, _ := afero.Exists(vc.Fs, filepath.Join(vc.Root, target)); ok {
		return true
	}
	quoted := []string{`"` + target + `"`, `'` + target + `'`, "`" + target + "`"}
	for _, f := range files {
		for _, q := range quoted {
			if strings.Contains(f.Content, q) {
				return true
			}
		}
	}
	return false
}

// Package issue syncs terminal ticket states to external issue trackers
// (GitHub, Linear, Notion). Issues are linked by putting their URL in a
// ticket's notes.
package issue

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/logging"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
	"github.com/Iron-Ham/ticketflow/internal/vcs"
)

// Provider represents an issue tracking service
type Provider string

const (
	ProviderGitHub  Provider = "github"
	ProviderLinear  Provider = "linear"
	ProviderNotion  Provider = "notion"
	ProviderUnknown Provider = "unknown"
)

var (
	gitHubIssueRegex = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/issues/(\d+)$`)
	linearIssueRegex = regexp.MustCompile(`linear\.app/[^/]+/issue/([A-Z]+-\d+)`)
	urlRegex         = regexp.MustCompile(`https?://[^\s<>()"']+`)
)

// DetectProvider determines the issue provider from a URL
func DetectProvider(issueURL string) (Provider, error) {
	parsed, err := url.Parse(issueURL)
	if err != nil {
		return ProviderUnknown, fmt.Errorf("invalid URL: %w", err)
	}

	host := strings.ToLower(parsed.Host)

	switch {
	case strings.Contains(host, "github.com"):
		return ProviderGitHub, nil
	case strings.Contains(host, "linear.app"):
		return ProviderLinear, nil
	case strings.Contains(host, "notion.so") || strings.Contains(host, "notion.site"):
		return ProviderNotion, nil
	default:
		return ProviderUnknown, nil
	}
}

// Links returns the issue URLs of known providers found in t's notes, in
// order of appearance and without duplicates.
func Links(t *ticket.Ticket) []string {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range urlRegex.FindAllString(t.Notes, -1) {
		link := strings.TrimRight(raw, ".,;:")
		if seen[link] {
			continue
		}
		if p, err := DetectProvider(link); err != nil || p == ProviderUnknown {
			continue
		}
		seen[link] = true
		out = append(out, link)
	}
	return out
}

// Tracker pushes ticket outcomes to linked issues through the providers'
// CLIs (gh, linear).
type Tracker struct {
	executor vcs.CommandExecutor
	logger   *logging.Logger
}

// NewTracker creates a Tracker. A nil executor runs real commands.
func NewTracker(executor vcs.CommandExecutor, logger *logging.Logger) *Tracker {
	if executor == nil {
		executor = vcs.CLICommandExecutor{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Tracker{executor: executor, logger: logger}
}

// Sync closes the linked issues of a COMPLETED ticket and comments the defer
// reason on those of a DEFERRED one. Other states and unlinked tickets are
// a no-op. Every link is attempted; failures are joined.
func (s *Tracker) Sync(ctx context.Context, t *ticket.Ticket) error {
	if t.State != ticket.StateCompleted && t.State != ticket.StateDeferred {
		return nil
	}
	var errs []error
	for _, link := range Links(t) {
		if err := s.syncOne(ctx, t, link); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Tracker) syncOne(ctx context.Context, t *ticket.Ticket, link string) error {
	provider, _ := DetectProvider(link)
	switch provider {
	case ProviderGitHub:
		return s.syncGitHub(ctx, t, link)
	case ProviderLinear:
		return s.syncLinear(ctx, t, link)
	default:
		s.logger.Debug("issue provider has no sync support", "ticket_id", t.ID, "url", link, "provider", string(provider))
		return nil
	}
}

// syncGitHub uses the gh CLI.
// Format: https://github.com/owner/repo/issues/123
func (s *Tracker) syncGitHub(ctx context.Context, t *ticket.Ticket, link string) error {
	matches := gitHubIssueRegex.FindStringSubmatch(link)
	if len(matches) != 4 {
		return fmt.Errorf("invalid GitHub issue URL: %s", link)
	}
	repoPath := matches[1] + "/" + matches[2]
	number := matches[3]

	var args []string
	if t.State == ticket.StateCompleted {
		args = []string{"issue", "close", number, "--repo", repoPath, "--comment", completedComment(t)}
	} else {
		args = []string{"issue", "comment", number, "--repo", repoPath, "--body", deferredComment(t)}
	}
	output, err := s.executor.Run(ctx, "", "gh", args...)
	if err != nil {
		return fmt.Errorf("gh %s #%s: %w\noutput: %s", args[1], number, err, strings.TrimSpace(string(output)))
	}
	s.logger.Info("synced GitHub issue", "ticket_id", t.ID, "repo", repoPath, "issue", number, "state", string(t.State))
	return nil
}

// syncLinear closes Linear issues with the linear CLI. The CLI has no
// comment verb, so deferrals are only logged.
func (s *Tracker) syncLinear(ctx context.Context, t *ticket.Ticket, link string) error {
	matches := linearIssueRegex.FindStringSubmatch(link)
	if len(matches) != 2 {
		return fmt.Errorf("invalid Linear issue URL: %s", link)
	}
	issueID := matches[1]
	if t.State != ticket.StateCompleted {
		s.logger.Debug("leaving Linear issue open", "ticket_id", t.ID, "issue", issueID)
		return nil
	}

	output, err := s.executor.Run(ctx, "", "linear", "issue", "close", issueID)
	if err != nil {
		// Linear CLI might not be installed
		s.logger.Warn("failed to close Linear issue",
			"ticket_id", t.ID, "issue", issueID, "error", err.Error(), "output", string(output))
		return nil
	}
	s.logger.Info("closed Linear issue", "ticket_id", t.ID, "issue", issueID)
	return nil
}

func completedComment(t *ticket.Ticket) string {
	msg := fmt.Sprintf("Completed by ticketflow as %s.", t.ID)
	if len(t.CommitRefs) > 0 {
		msg += " Commits: " + strings.Join(t.CommitRefs, ", ")
	}
	return msg
}

func deferredComment(t *ticket.Ticket) string {
	if t.Defer == nil {
		return fmt.Sprintf("ticketflow deferred %s.", t.ID)
	}
	return fmt.Sprintf("ticketflow deferred %s (%s): %s", t.ID, t.Defer.Category, t.Defer.Message)
}

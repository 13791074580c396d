package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ticketflow/internal/resolver"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
	"github.com/Iron-Ham/ticketflow/internal/util"
)

var statusCmd = &cobra.Command{
	Use:   "status [ticket-id...]",
	Short: "Show ticket states",
	Long: `List tickets with their state, priority and progress. Deferred tickets
show why they were deferred.`,
	RunE: runStatus,
}

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List tickets whose dependencies are completed",
	Args:  cobra.NoArgs,
	RunE:  runReady,
}

var (
	statusState string
	statusJSON  bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(readyCmd)

	statusCmd.Flags().StringVar(&statusState, "state", "", "only show tickets in this state")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the ticket records as JSON")
}

var stateStyles = map[ticket.State]lipgloss.Style{
	ticket.StateUnprocessed: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	ticket.StateInProgress:  lipgloss.NewStyle().Foreground(lipgloss.Color("33")).Bold(true),
	ticket.StateCompleted:   lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
	ticket.StateDeferred:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
}

func styledState(s ticket.State) string {
	label := fmt.Sprintf("%-11s", s)
	if style, ok := stateStyles[s]; ok {
		return style.Render(label)
	}
	return label
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	tickets, err := p.store.List(cmd.Context())
	if err != nil {
		return err
	}
	tickets = filterTickets(tickets, args, ticket.State(strings.ToUpper(statusState)))

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tickets)
	}
	if len(tickets) == 0 {
		fmt.Fprintln(out, "No tickets")
		return nil
	}
	writeStatus(out, tickets)
	return nil
}

// filterTickets keeps the tickets named in ids (all when empty) that are in
// state (any when empty).
func filterTickets(tickets []*ticket.Ticket, ids []string, state ticket.State) []*ticket.Ticket {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*ticket.Ticket
	for _, t := range tickets {
		if len(want) > 0 && !want[t.ID] {
			continue
		}
		if state != "" && t.State != state {
			continue
		}
		out = append(out, t)
	}
	return out
}

const maxTitleWidth = 60

func writeStatus(w io.Writer, tickets []*ticket.Ticket) {
	counts := make(map[ticket.State]int)
	for _, t := range tickets {
		counts[t.State]++
		fmt.Fprintf(w, "%-12s %s %s  %s%s\n", t.ID, styledState(t.State), t.Priority, util.TruncateANSI(t.Title, maxTitleWidth), progress(t))
		if t.State == ticket.StateDeferred && t.Defer != nil {
			line := fmt.Sprintf("%s: %s", t.Defer.Category, util.FirstLine(t.Defer.Message))
			if t.Defer.ManualRetry {
				line += " [manual retry]"
			}
			fmt.Fprintf(w, "             %s\n", line)
		}
	}
	fmt.Fprintf(w, "\n%d ticket(s): %d unprocessed, %d in progress, %d completed, %d deferred\n",
		len(tickets),
		counts[ticket.StateUnprocessed],
		counts[ticket.StateInProgress],
		counts[ticket.StateCompleted],
		counts[ticket.StateDeferred],
	)
}

// progress renders "(done/total tasks)" for tasked tickets.
func progress(t *ticket.Ticket) string {
	if !t.HasTasks() {
		return ""
	}
	done := 0
	for _, task := range t.Tasks {
		if task.Status == ticket.TaskCompleted {
			done++
		}
	}
	return fmt.Sprintf(" (%d/%d tasks)", done, len(t.Tasks))
}

func runReady(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	tickets, err := p.store.List(cmd.Context())
	if err != nil {
		return err
	}
	g, err := resolver.Build(tickets)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ready := g.Ready()
	if len(ready) == 0 {
		fmt.Fprintln(out, "No ready tickets")
	}
	for _, t := range ready {
		fmt.Fprintf(out, "%-12s %s  %s\n", t.ID, t.Priority, t.Title)
	}
	for _, c := range g.BlockingChains() {
		fmt.Fprintf(out, "blocked: %s\n", c)
	}
	return nil
}

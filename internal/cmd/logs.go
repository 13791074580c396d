package cmd

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ticketflow/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View run logs",
	Long: `View and filter the structured log, including rotated backups.

Examples:
  # Show the last 50 entries
  ticketflow logs

  # Everything one ticket logged, as JSON
  ticketflow logs --ticket T-12 -n 0 --format json

  # Warnings and errors from the last hour
  ticketflow logs --level warn --since 1h

  # Search messages
  ticketflow logs --grep "deferred|rolled back"`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsTail   int
	logsLevel  string
	logsSince  string
	logsRun    string
	logsTicket string
	logsTask   string
	logsGrep   string
	logsFormat string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsRun, "run", "", "Only entries of this run id")
	logsCmd.Flags().StringVar(&logsTicket, "ticket", "", "Only entries of this ticket")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "Only entries of this task")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter messages matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "Output format: text, json or csv")
}

func runLogs(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	filter := logging.LogFilter{
		Level:    logsLevel,
		RunID:    logsRun,
		TicketID: logsTicket,
		TaskID:   logsTask,
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		filter.StartTime = time.Now().Add(-d)
	}
	var pattern *regexp.Regexp
	if logsGrep != "" {
		pattern, err = regexp.Compile(logsGrep)
		if err != nil {
			return fmt.Errorf("invalid --grep pattern: %w", err)
		}
	}

	entries, err := logging.AggregateLogs(p.path(p.cfg.Logging.Dir))
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}
	entries = logging.FilterLogs(entries, filter)
	if pattern != nil {
		matched := entries[:0]
		for _, e := range entries {
			if pattern.MatchString(e.Message) {
				matched = append(matched, e)
			}
		}
		entries = matched
	}
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No matching log entries")
		return nil
	}
	return logging.WriteEntries(cmd.OutOrStdout(), entries, logsFormat)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ticketflow/internal/commitlog"
)

var commitsCmd = &cobra.Command{
	Use:   "commits [ticket-id]",
	Short: "Show the commit journal",
	Long: `Show every commit the serializer attempted, in order, including failed
attempts and auto-fix commits.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCommits,
}

var commitsFailed bool

func init() {
	rootCmd.AddCommand(commitsCmd)

	commitsCmd.Flags().BoolVar(&commitsFailed, "failed", false, "only show failed attempts")
}

func runCommits(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	journal, err := commitlog.OpenJournal(p.path(p.cfg.Commit.JournalPath))
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	var ticketID string
	if len(args) == 1 {
		ticketID = args[0]
	}
	entries, err := journal.List(cmd.Context(), ticketID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	shown := 0
	for _, e := range entries {
		if commitsFailed && e.Status != commitlog.StatusFailed {
			continue
		}
		shown++
		ref := e.CommitID
		if len(ref) > 10 {
			ref = ref[:10]
		}
		if e.Status == commitlog.StatusFailed {
			ref = "FAILED"
		}
		fmt.Fprintf(out, "%4d  %s  %-10s  %s\n", e.Seq, e.CreatedAt.Local().Format("2006-01-02 15:04:05"), ref, e.Message)
		if e.Error != "" {
			fmt.Fprintf(out, "      %s\n", e.Error)
		}
	}
	if shown == 0 {
		fmt.Fprintln(out, "No commits")
	}
	return nil
}

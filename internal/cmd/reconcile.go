package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ticketflow/internal/annotation"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Merge annotation file edits into the ticket index",
	Long: `Merge user edits from the annotation files into the canonical ticket
index, then refresh every annotation file from the index. Conflicting
edits to system-owned fields are reported and discarded.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reconcile whenever annotation files change",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(watchCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	report, err := p.reconciler().Reconcile(cmd.Context())
	if err != nil {
		return err
	}
	writeReconcileReport(cmd.OutOrStdout(), report)
	if len(report.Conflicts) > 0 || len(report.Errors) > 0 {
		return exitWith(ExitWarnings)
	}
	return nil
}

func writeReconcileReport(w io.Writer, r *annotation.Report) {
	fmt.Fprintf(w, "exported %d, updated %d, rewritten %d\n", len(r.Exported), len(r.Updated), len(r.Rewritten))
	for _, id := range r.Updated {
		fmt.Fprintf(w, "  updated %s\n", id)
	}
	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "  conflict: %s\n", c)
	}
	for _, id := range r.Orphans {
		fmt.Fprintf(w, "  orphan annotation: %s\n", id)
	}
	for _, err := range r.Errors {
		fmt.Fprintf(w, "  error: %v\n", err)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := p.reconciler()
	out := cmd.OutOrStdout()
	reconcile := func(ctx context.Context) error {
		report, err := rec.Reconcile(ctx)
		if err != nil {
			return err
		}
		if len(report.Updated) > 0 || len(report.Conflicts) > 0 || len(report.Exported) > 0 {
			writeReconcileReport(out, report)
		}
		return nil
	}
	// Bring the files up to date before watching them.
	if err := reconcile(ctx); err != nil {
		return err
	}

	dir := p.path(p.cfg.Store.AnnotationsDir)
	fmt.Fprintf(out, "Watching %s (Ctrl-C to stop)\n", dir)
	w := annotation.NewWatcher(dir, p.cfg.Store.ReconcileDebounce(), reconcile, p.logger)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

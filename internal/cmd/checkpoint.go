package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ticketflow/internal/checkpoint"
	"github.com/Iron-Ham/ticketflow/internal/event"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointList,
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <ticket-id>",
	Short: "Snapshot a ticket's files and state",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointCreate,
}

var checkpointArchiveCmd = &cobra.Command{
	Use:   "archive <checkpoint-id>",
	Short: "Move a checkpoint out of the active list",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointArchive,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <checkpoint-id>",
	Short: "Roll files and task state back to a checkpoint",
	Long: `Restore a checkpoint.

Modes:
  full       restore files and reset the scope's tasks to UNPROCESSED
  files      restore files only; allowed for COMPLETED tickets
  component  like full, for a component-scoped checkpoint

With --component the latest checkpoint of that component of the given
ticket is restored instead of a checkpoint id.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

var (
	checkpointAll       bool
	checkpointComponent string
	restoreMode         string
	restoreComponent    string
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(restoreCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointArchiveCmd)

	checkpointListCmd.Flags().BoolVarP(&checkpointAll, "all", "a", false, "include archived checkpoints")
	checkpointCreateCmd.Flags().StringVar(&checkpointComponent, "component", "", "snapshot only this component")
	restoreCmd.Flags().StringVar(&restoreMode, "mode", string(checkpoint.ModeFull), "restore mode: full, files or component")
	restoreCmd.Flags().StringVar(&restoreComponent, "component", "", "treat the argument as a ticket id and restore this component's latest checkpoint")
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	cps, err := p.checkpoints().List(checkpointAll)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(cps) == 0 {
		fmt.Fprintln(out, "No checkpoints")
		return nil
	}
	for _, cp := range cps {
		archived := ""
		if cp.Archived {
			archived = " (archived)"
		}
		fmt.Fprintf(out, "%s  %s  %s  %d file(s)%s\n",
			cp.ID, cp.CreatedAt.Local().Format("2006-01-02 15:04:05"), cp.Scope, len(cp.Files), archived)
	}
	return nil
}

func runCheckpointCreate(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	scope := checkpoint.TicketScope(args[0])
	if checkpointComponent != "" {
		scope = checkpoint.ComponentScope(args[0], checkpointComponent)
	}
	id, err := p.checkpoints().Create(cmd.Context(), scope)
	if err != nil {
		return err
	}
	p.bus.Publish(event.NewCheckpointCreatedEvent(id, scope.String()))
	fmt.Fprintf(cmd.OutOrStdout(), "Created checkpoint %s for %s\n", id, scope)
	return nil
}

func runCheckpointArchive(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	if err := p.checkpoints().Archive(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived checkpoint %s\n", args[0])
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	mode, err := checkpoint.ParseMode(restoreMode)
	if err != nil {
		return err
	}
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	mgr := p.checkpoints()
	if _, err := mgr.Recover(cmd.Context()); err != nil {
		return err
	}

	var report *checkpoint.Report
	if restoreComponent != "" {
		report, err = mgr.RestoreComponent(cmd.Context(), args[0], restoreComponent, mode)
	} else {
		report, err = mgr.Restore(cmd.Context(), args[0], mode)
	}
	if err != nil {
		return err
	}
	p.bus.Publish(event.NewCheckpointRestoredEvent(report.CheckpointID, report.Scope.String(), string(report.Mode), "operator request"))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Restored checkpoint %s (%s, %s)\n", report.CheckpointID, report.Scope, report.Mode)
	fmt.Fprintf(out, "  files restored: %d\n", report.FilesRestored)
	fmt.Fprintf(out, "  files removed:  %d\n", report.FilesRemoved)
	if len(report.TasksReset) > 0 {
		fmt.Fprintf(out, "  tasks reset:    %v\n", report.TasksReset)
	}
	return nil
}

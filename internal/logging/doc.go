// Package logging provides structured logging for ticketflow runs.
//
// This package wraps Go's log/slog to write JSON lines that carry the run,
// ticket and task a message belongs to, so a run can be reconstructed after
// the fact with [AggregateLogs] and [FilterLogs].
//
// # Basic Usage
//
//	logger, err := logging.NewLoggerWithRotation(".ticketflow/logs", "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	runLog := logger.WithRun(runID)
//	runLog.WithTicket("T-1").WithTask("T1").Info("validation passed", "attempt", 2)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"validation passed","run_id":"...","ticket_id":"T-1","task_id":"T1","attempt":2}
//
// # Rotation
//
// [RotatingWriter] rotates the log file once it exceeds MaxSizeMB. Backups
// are numbered .1 (newest) to .N and are optionally zstd-compressed with a
// .zst suffix; [ReadBackup] transparently decompresses them.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* share their parent's destination.
package logging

package annotation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/ticketflow/internal/logging"
)

// DefaultDebounce is the quiet period after the last change before a
// reconciliation runs. Editors often emit several events per save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reconciles whenever annotation files change.
type Watcher struct {
	dir       string
	debounce  time.Duration
	reconcile func(context.Context) error
	logger    *logging.Logger
}

// NewWatcher creates a Watcher over dir that calls reconcile after changes
// settle. A non-positive debounce uses DefaultDebounce.
func NewWatcher(dir string, debounce time.Duration, reconcile func(context.Context) error, logger *logging.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{dir: dir, debounce: debounce, reconcile: reconcile, logger: logger}
}

// Run watches until ctx is done. Reconciliation errors are logged and the
// watch continues.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("watching annotations", "dir", w.dir, "debounce", w.debounce.String())

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := 0

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			pending++
			timer.Reset(w.debounce)

		case <-timer.C:
			w.logger.Debug("annotation changes settled", "events", pending)
			pending = 0
			if err := w.reconcile(ctx); err != nil {
				w.logger.Error("reconcile failed", "error", err.Error())
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("annotation watch error", "error", err.Error())
		}
	}
}

// relevant keeps writes and creates of annotation files, ignoring the
// exporter's temp files.
func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	name := filepath.Base(ev.Name)
	return strings.HasSuffix(name, Ext) && !strings.HasPrefix(name, ".")
}

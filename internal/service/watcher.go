package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last file
// event before reloading, so editors that write in bursts trigger a
// single reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the rule set when its file changes on disk. It
// watches the containing directory rather than the file itself, so
// save-and-rename editors do not drop the watch.
type Watcher struct {
	rulesets *RulesetService
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// NewWatcher builds a watcher for the service's rules file.
func NewWatcher(rulesets *RulesetService, logger *slog.Logger) *Watcher {
	return &Watcher{
		rulesets: rulesets,
		logger:   logger,
		debounce: DefaultDebounce,
	}
}

// Start begins watching. The loop runs until Stop is called or ctx is
// cancelled; Stop must still be called to release the OS watch.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}

	dir := filepath.Dir(w.rulesets.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.fsw = fsw
	w.stopChan = make(chan struct{})
	w.started = true
	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("watching rules file", "path", w.rulesets.Path())
	return nil
}

// Stop closes the watch and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopChan)
	fsw := w.fsw
	w.mu.Unlock()

	fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	target := filepath.Clean(w.rulesets.Path())
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.rulesets.Reload(); err != nil {
				w.logger.Error("rules reload failed, keeping active set", "error", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", "error", err)
		}
	}
}

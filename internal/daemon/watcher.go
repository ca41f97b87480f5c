package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of SQLite writes into one wakeup.
const DefaultDebounce = 50 * time.Millisecond

// WatchEvent reports that files under the watched directory changed.
type WatchEvent struct {
	Paths []string
	At    time.Time
}

// Watcher watches the state store's directory so decisions written by other
// processes (a CLI reviewer) wake blocked tool calls without waiting a full
// poll interval.
type Watcher struct {
	dir            string
	match          func(name string) bool
	logger         *log.Logger
	debounceWindow time.Duration

	events chan WatchEvent
	errors chan error

	mu      sync.Mutex
	pending map[string]fsnotify.Op

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewWatcher watches files in statePath's directory whose names begin with
// the state file's base name (the database, its -wal and -shm files).
func NewWatcher(statePath string, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.Default()
	}
	base := filepath.Base(statePath)
	return &Watcher{
		dir:            filepath.Dir(statePath),
		match:          func(name string) bool { return strings.HasPrefix(filepath.Base(name), base) },
		logger:         logger,
		debounceWindow: DefaultDebounce,
		events:         make(chan WatchEvent, 16),
		errors:         make(chan error, 4),
		pending:        make(map[string]fsnotify.Op),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Events delivers debounced change batches.
func (w *Watcher) Events() <-chan WatchEvent { return w.events }

// Errors delivers watcher errors.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Start begins watching. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.doneCh)
	defer fw.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.match(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if w.record(ev) {
				timer.Reset(w.debounceWindow)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				w.logger.Warn("watcher error dropped", "error", err)
			}
		case <-timer.C:
			w.flush()
		}
	}
}

// record adds ev to the pending batch and reports whether it started a new batch.
func (w *Watcher) record(ev fsnotify.Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	first := len(w.pending) == 0
	w.pending[ev.Name] |= ev.Op
	return first
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	select {
	case w.events <- WatchEvent{Paths: paths, At: time.Now()}:
	default:
		// A batch is already queued; the consumer will re-read the store anyway.
	}
}

// Stop ends the watch and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
	case <-time.After(time.Second):
	}
}

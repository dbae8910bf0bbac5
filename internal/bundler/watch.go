package bundler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports a build as complete once the output directory has been
// quiet for the configured period after at least one change.
type Watcher struct {
	fs      *fsnotify.Watcher
	root    string
	quiet   time.Duration
	onQuiet func(changes int)
	logger  *zap.Logger
	done    chan struct{}
	started atomic.Bool
}

// NewWatcher watches root and every directory below it, creating root if
// needed.
func NewWatcher(root string, quiet time.Duration, onQuiet func(changes int), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create watch root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fs:      fsw,
		root:    root,
		quiet:   quiet,
		onQuiet: onQuiet,
		logger:  logger,
		done:    make(chan struct{}),
	}
	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if addErr := w.fs.Add(path); addErr != nil {
			return fmt.Errorf("watch %s: %w", path, addErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	return nil
}

// Start runs the event loop until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending int
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(ev.Name); err != nil {
						w.logger.Warn("watch new directory", zap.String("path", ev.Name), zap.Error(err))
					}
				}
			}
			pending++
			if timer == nil {
				timer = time.NewTimer(w.quiet)
			} else {
				timer.Reset(w.quiet)
			}
			timerC = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		case <-timerC:
			timerC = nil
			if pending > 0 && w.onQuiet != nil {
				w.onQuiet(pending)
			}
			pending = 0
		}
	}
}

// Close stops watching and waits for the loop to exit if it was started.
func (w *Watcher) Close() error {
	if err := w.fs.Close(); err != nil {
		return fmt.Errorf("close fsnotify watcher: %w", err)
	}
	if w.started.Load() {
		<-w.done
	}
	return nil
}

// Package bundler drives the external build tool: a one-shot or watching
// dev build served by the static origin, then a production rebuild.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/JakeFAU/croc/internal/prerender"
)

const stopGrace = 5 * time.Second

// Config describes the build commands.
type Config struct {
	// Entry replaces the {entry} placeholder in command arguments.
	Entry string
	// OutDir is where builds write; it replaces {outDir}.
	OutDir string
	// Dir is the working directory for commands; empty means the current one.
	Dir         string
	DevCommand  []string
	ProdCommand []string
	// Watch runs DevCommand as a long-lived process and detects build
	// completion by watching OutDir.
	Watch       bool
	QuietPeriod time.Duration
	// ModeEnv names the environment variable carrying the build mode.
	ModeEnv string
}

// Site is reloaded once the first dev build completes.
type Site interface {
	Reload() error
}

// Listener serves the site on a port.
type Listener interface {
	Start(port int) error
	Shutdown(ctx context.Context) error
}

// Bundler implements prerender.Bundler over external commands.
type Bundler struct {
	cfg      Config
	site     Site
	listener Listener
	logger   *zap.Logger
	events   *broadcaster

	lifetime context.Context
	stop     context.CancelFunc

	mu        sync.Mutex
	serving   bool
	closed    bool
	watchCmd  *exec.Cmd
	watchDone chan struct{}
	watchErr  error
	watcher   *Watcher
}

var _ prerender.Bundler = (*Bundler)(nil)

// New creates a Bundler. listener may be nil when nothing needs serving.
func New(cfg Config, site Site, listener Listener, logger *zap.Logger) *Bundler {
	if logger == nil {
		logger = zap.NewNop()
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Bundler{
		cfg:      cfg,
		site:     site,
		listener: listener,
		logger:   logger,
		events:   newBroadcaster(),
		lifetime: lifetime,
		stop:     stop,
	}
}

// Subscribe returns a channel of build completions and a function that
// unsubscribes.
func (b *Bundler) Subscribe() (<-chan BuildEvent, func()) {
	return b.events.subscribe()
}

// Serve opens the listener on port, runs the dev build and returns once the
// first build has completed and the site reflects it. ctx bounds only the
// wait; a watching build keeps running until Bundle or Close.
func (b *Bundler) Serve(ctx context.Context, port int, mode prerender.BuildMode) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bundler closed")
	}
	if b.serving {
		b.mu.Unlock()
		return errors.New("bundler already serving")
	}
	b.serving = true
	b.mu.Unlock()

	if b.listener != nil {
		if err := b.listener.Start(port); err != nil {
			return fmt.Errorf("start origin: %w", err)
		}
	}

	var err error
	switch {
	case len(b.cfg.DevCommand) == 0:
		b.logger.Info("no dev command configured; serving prebuilt output", zap.String("dir", b.cfg.OutDir))
		b.events.publish(BuildEvent{Mode: mode, At: time.Now()})
	case b.cfg.Watch:
		err = b.startWatch(ctx, mode)
	default:
		err = b.run(ctx, b.cfg.DevCommand, mode)
		if err == nil {
			b.events.publish(BuildEvent{Mode: mode, At: time.Now()})
		}
	}
	if err != nil {
		return fmt.Errorf("%s build: %w", modeName(mode), err)
	}

	if b.site != nil {
		if err := b.site.Reload(); err != nil {
			return fmt.Errorf("reload site: %w", err)
		}
	}
	return nil
}

// Bundle stops any watching dev build and runs the one-shot build for mode.
func (b *Bundler) Bundle(ctx context.Context, mode prerender.BuildMode) error {
	b.stopWatch()
	if len(b.cfg.ProdCommand) == 0 {
		b.logger.Warn("no production command configured; skipping rebuild")
		return nil
	}
	if err := b.run(ctx, b.cfg.ProdCommand, mode); err != nil {
		return fmt.Errorf("%s build: %w", modeName(mode), err)
	}
	b.events.publish(BuildEvent{Mode: mode, At: time.Now()})
	return nil
}

// Close stops the watch process and the listener. It is safe to call more
// than once.
func (b *Bundler) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.stopWatch()
	b.stop()
	if b.listener != nil {
		if err := b.listener.Shutdown(ctx); err != nil {
			return fmt.Errorf("close listener: %w", err)
		}
	}
	return nil
}

func (b *Bundler) run(ctx context.Context, argv []string, mode prerender.BuildMode) error {
	cmd := b.command(ctx, argv, mode)
	out := b.output(argv[0])
	defer func() { _ = out.Close() }()
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	b.logger.Info("build started", zap.String("mode", modeName(mode)), zap.Strings("command", cmd.Args))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("run %s: %w", argv[0], ctxErr)
		}
		return fmt.Errorf("run %s: %w", argv[0], err)
	}
	b.logger.Info("build finished", zap.String("mode", modeName(mode)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (b *Bundler) startWatch(ctx context.Context, mode prerender.BuildMode) error {
	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	watcher, err := NewWatcher(b.cfg.OutDir, b.cfg.QuietPeriod, func(changes int) {
		b.logger.Info("watch build settled", zap.Int("changes", changes))
		b.events.publish(BuildEvent{Mode: mode, At: time.Now(), Changes: changes})
	}, b.logger.Named("watcher"))
	if err != nil {
		return err
	}
	watcher.Start(b.lifetime)

	cmd := b.command(b.lifetime, b.cfg.DevCommand, mode)
	out := b.output(b.cfg.DevCommand[0])
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		_ = watcher.Close()
		_ = out.Close()
		return fmt.Errorf("start %s: %w", b.cfg.DevCommand[0], err)
	}
	done := make(chan struct{})

	b.mu.Lock()
	b.watcher = watcher
	b.watchCmd = cmd
	b.watchDone = done
	b.mu.Unlock()

	go func() {
		err := cmd.Wait()
		_ = out.Close()
		b.mu.Lock()
		b.watchErr = err
		b.mu.Unlock()
		close(done)
	}()
	b.logger.Info("watch build started", zap.Strings("command", cmd.Args))

	select {
	case <-events:
		// Captured snapshots land in the output directory; stop watching so
		// they are not reported as rebuilds.
		b.closeWatcher()
		return nil
	case <-done:
		b.mu.Lock()
		err := b.watchErr
		b.mu.Unlock()
		if err == nil {
			err = errors.New("watch process exited before the first build")
		}
		return fmt.Errorf("watch %s: %w", b.cfg.DevCommand[0], err)
	case <-ctx.Done():
		return fmt.Errorf("wait for first build: %w", ctx.Err())
	}
}

func (b *Bundler) stopWatch() {
	b.mu.Lock()
	cmd, done := b.watchCmd, b.watchDone
	b.watchCmd, b.watchDone = nil, nil
	b.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		select {
		case <-done:
		default:
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				_ = cmd.Process.Kill()
			}
			select {
			case <-done:
			case <-time.After(stopGrace):
				_ = cmd.Process.Kill()
				<-done
			}
		}
		b.logger.Debug("watch build stopped")
	}
	b.closeWatcher()
}

func (b *Bundler) closeWatcher() {
	b.mu.Lock()
	watcher := b.watcher
	b.watcher = nil
	b.mu.Unlock()

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			b.logger.Warn("close watcher", zap.Error(err))
		}
	}
}

func (b *Bundler) command(ctx context.Context, argv []string, mode prerender.BuildMode) *exec.Cmd {
	args := make([]string, len(argv))
	replacer := strings.NewReplacer("{entry}", b.cfg.Entry, "{outDir}", b.cfg.OutDir)
	for i, a := range argv {
		args[i] = replacer.Replace(a)
	}
	// #nosec G204 -- commands come from the operator's configuration.
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = b.cfg.Dir
	cmd.Env = modeEnviron(os.Environ(), b.cfg.ModeEnv, mode)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace
	return cmd
}

func (b *Bundler) output(name string) *zapio.Writer {
	return &zapio.Writer{Log: b.logger.Named("build").With(zap.String("command", name)), Level: zap.InfoLevel}
}

// modeEnviron sets key to the value for mode, replacing any inherited one.
// Development builds get an empty value.
func modeEnviron(env []string, key string, mode prerender.BuildMode) []string {
	if key == "" {
		return env
	}
	value := ""
	if mode == prerender.ModeProduction {
		value = string(prerender.ModeProduction)
	}
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, key+"="+value)
}

func modeName(mode prerender.BuildMode) string {
	if mode == "" {
		return string(prerender.ModeDevelopment)
	}
	return string(mode)
}

// Package origin serves the dev build output to the browser during capture.
package origin

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const shellName = "index.html"

// Config describes what the origin serves.
type Config struct {
	// Dir is the build output directory.
	Dir string
	// AssetPrefix is the public path the bundler emits assets under, e.g. "/dist".
	AssetPrefix string
}

// Origin maps request paths onto the build output. Paths outside the asset
// prefix receive the application shell; paths under it are stripped of the
// prefix and served from Dir. Anything unresolved goes to next, or 404.
//
// The shell is held in memory from the last Reload so captures written to
// Dir/index.html during a run never replace the document the browser boots.
type Origin struct {
	dir    string
	prefix string
	next   http.Handler
	logger *zap.Logger

	mu       sync.RWMutex
	shell    []byte
	shellMod time.Time
}

// New creates an Origin. next may be nil.
func New(cfg Config, next http.Handler, logger *zap.Logger) *Origin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Origin{
		dir:    cfg.Dir,
		prefix: strings.TrimRight(cfg.AssetPrefix, "/"),
		next:   next,
		logger: logger,
	}
}

// Reload re-reads the application shell from Dir. A missing shell is not an
// error; requests for it fall through to next until one exists.
func (o *Origin) Reload() error {
	p := filepath.Join(o.dir, shellName)
	// #nosec G304 -- the path is the configured build output directory.
	data, err := os.ReadFile(p)
	var mod time.Time
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		return fmt.Errorf("read shell: %w", err)
	default:
		if info, statErr := os.Stat(p); statErr == nil {
			mod = info.ModTime()
		}
	}

	o.mu.Lock()
	o.shell = data
	o.shellMod = mod
	o.mu.Unlock()
	o.logger.Debug("shell reloaded", zap.String("path", p), zap.Int("bytes", len(data)))
	return nil
}

// Resolve maps a request path to the file it refers to, relative to Dir.
// asset is false when the request gets the application shell.
func (o *Origin) Resolve(requestPath string) (rel string, asset bool) {
	if o.prefix == "" {
		return shellName, false
	}
	if requestPath != o.prefix && !strings.HasPrefix(requestPath, o.prefix+"/") {
		return shellName, false
	}
	rest := strings.TrimPrefix(requestPath, o.prefix)
	return strings.TrimPrefix(path.Clean("/"+rest), "/"), true
}

func (o *Origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel, asset := o.Resolve(r.URL.Path)
	if !asset {
		o.serveShell(w, r)
		return
	}
	if rel == "" {
		o.notFound(w, r)
		return
	}

	full := filepath.Join(o.dir, filepath.FromSlash(rel))
	// #nosec G304 -- rel is cleaned against a rooted path above.
	f, err := os.Open(full)
	if err != nil {
		o.notFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		o.notFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (o *Origin) serveShell(w http.ResponseWriter, r *http.Request) {
	o.mu.RLock()
	shell, mod := o.shell, o.shellMod
	o.mu.RUnlock()
	if shell == nil {
		o.notFound(w, r)
		return
	}
	http.ServeContent(w, r, shellName, mod, bytes.NewReader(shell))
}

func (o *Origin) notFound(w http.ResponseWriter, r *http.Request) {
	if o.next != nil {
		o.next.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

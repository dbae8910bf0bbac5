package prerender

import (
	"context"
	"io"
	"time"
)

// Page is one isolated browser page bound to a single route capture.
type Page interface {
	// InterceptRequests aborts every request for which allow returns false.
	// It must be called before Navigate.
	InterceptRequests(ctx context.Context, allow func(url string) bool) error
	SetViewport(ctx context.Context, width, height int) error
	// Navigate loads url and returns once the network is almost idle.
	Navigate(ctx context.Context, url string) error
	WaitReady(ctx context.Context, selector string) error
	// OuterHTML returns the outer HTML of the document element.
	OuterHTML(ctx context.Context) (string, error)
	Close() error
}

// Browser spawns and reclaims pages. It is shared by concurrent captures.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// BrowserLauncher starts a browser. The returned Browser must outlive ctx.
type BrowserLauncher func(ctx context.Context) (Browser, error)

// Bundler is the external build collaborator. The ctx passed to Serve and
// Bundle bounds the wait for the build, never the lifetime of what it starts.
type Bundler interface {
	// Serve starts the build in mode, exposes the output on port and returns
	// once the first build completes.
	Serve(ctx context.Context, port int, mode BuildMode) error
	// Bundle runs a one-shot build in mode and returns when it completes.
	Bundle(ctx context.Context, mode BuildMode) error
	Close(ctx context.Context) error
}

// ArtifactStore writes a snapshot and returns its location.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// ManifestStore records the artifacts of a completed run.
type ManifestStore interface {
	RecordSnapshots(ctx context.Context, runID string, artifacts []Artifact) error
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Worker captures a single route.
type Worker interface {
	Capture(ctx context.Context, route Route) (Artifact, error)
}

// WorkerFactory binds a Worker to the launched browser.
type WorkerFactory func(browser Browser) Worker

// Pacer delays page opens; a nil Pacer means no pacing.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Hasher computes artifact digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

package prerender

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Route is a logical page path such as "/" or "/about".
type Route = string

// BuildMode selects how the bundler compiles the application.
type BuildMode string

// Supported build modes.
const (
	ModeDevelopment BuildMode = "development"
	ModeProduction  BuildMode = "production"
)

const contentTypeHTML = "text/html; charset=utf-8"

// ErrRouteTimeout marks a capture that exceeded the per-route deadline.
var ErrRouteTimeout = errors.New("route capture timed out")

// Artifact describes one written snapshot.
type Artifact struct {
	Route      Route         `json:"route"`
	Location   string        `json:"location"`
	Bytes      int           `json:"bytes"`
	Digest     string        `json:"sha256"`
	CapturedAt time.Time     `json:"captured_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// RunSummary is returned by the Orchestrator and published on completion.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Phases     []Phase    `json:"phases"`
	Artifacts  []Artifact `json:"artifacts"`
}

// Phase returns the last phase reached.
func (s RunSummary) Phase() Phase {
	if len(s.Phases) == 0 {
		return ""
	}
	return s.Phases[len(s.Phases)-1]
}

// RouteError names the route whose capture failed the batch.
type RouteError struct {
	Route Route
	Err   error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Route, e.Err)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

// ArtifactPath is the store-relative destination of a route's snapshot,
// i.e. "<route>/index.html" without a leading slash.
func ArtifactPath(route Route) string {
	return strings.TrimPrefix(path.Join("/", route, "index.html"), "/")
}

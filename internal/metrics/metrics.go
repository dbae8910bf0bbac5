// Package metrics exposes Prometheus collectors for the prerender pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	captureTotal               *prometheus.CounterVec
	captureBytesTotal          prometheus.Counter
	captureDurationSeconds     *prometheus.HistogramVec
	inflightCaptures           prometheus.Gauge
	pipelinePhase              *prometheus.GaugeVec
	phaseDurationSeconds       *prometheus.HistogramVec
	buildDurationSeconds       *prometheus.HistogramVec
	paceDelaySeconds           prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

var phases = []string{"building", "serving", "capturing", "rebuilding", "done", "failed"}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		captureTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "croc_captures_total",
				Help: "Total number of route captures, labeled by result.",
			},
			[]string{"result"},
		)

		captureBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "croc_capture_bytes_total",
				Help: "Total number of HTML bytes written by captures.",
			},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "croc_capture_duration_seconds",
				Help:    "Histogram of route capture latencies, labeled by result.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"result"},
		)

		inflightCaptures = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "croc_inflight_captures",
				Help: "Number of route captures currently in progress.",
			},
		)

		pipelinePhase = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "croc_pipeline_phase",
				Help: "Set to 1 for the phase the pipeline is currently in.",
			},
			[]string{"phase"},
		)

		phaseDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "croc_phase_duration_seconds",
				Help:    "Histogram of time spent in each pipeline phase.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"phase"},
		)

		buildDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "croc_build_duration_seconds",
				Help:    "Histogram of bundler build latencies, labeled by mode and result.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode", "result"},
		)

		paceDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "croc_pace_delay_seconds",
				Help:    "Histogram of time page opens waited on the pacer.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCapture records the outcome of a single route capture.
func ObserveCapture(result string, duration time.Duration, bytesWritten int) {
	Init()
	captureTotal.WithLabelValues(result).Inc()
	captureDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
	if bytesWritten > 0 {
		captureBytesTotal.Add(float64(bytesWritten))
	}
}

// IncInflightCaptures increments the in-flight captures gauge.
func IncInflightCaptures() {
	Init()
	inflightCaptures.Inc()
}

// DecInflightCaptures decrements the in-flight captures gauge.
func DecInflightCaptures() {
	Init()
	inflightCaptures.Dec()
}

// SetPhase marks phase as the current one and clears the rest.
func SetPhase(phase string) {
	Init()
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		pipelinePhase.WithLabelValues(p).Set(v)
	}
}

// ObservePhase records how long the pipeline spent in phase.
func ObservePhase(phase string, duration time.Duration) {
	Init()
	phaseDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObserveBuild records a bundler run.
func ObserveBuild(mode, result string, duration time.Duration) {
	Init()
	if mode == "" {
		mode = "development"
	}
	buildDurationSeconds.WithLabelValues(mode, result).Observe(duration.Seconds())
}

// ObservePaceDelay records how long a page open waited on the pacer.
func ObservePaceDelay(duration time.Duration) {
	Init()
	paceDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware records request counts and latencies for chi routers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			routePattern = rctx.RoutePattern()
		}
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

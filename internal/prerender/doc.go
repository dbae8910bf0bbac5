// Package prerender implements the snapshot pipeline: the Renderer that
// captures one route through a headless browser, the bounded Batch Scheduler
// that drives it over the configured routes, and the Orchestrator that
// sequences build, serve, capture, rebuild and shutdown.
package prerender

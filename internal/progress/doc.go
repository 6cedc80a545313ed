// Package progress provides the run events, the non-blocking hub, and the
// recorder the orchestrator uses to report crawl progress. Events are batched
// on a background goroutine and fanned out to sinks such as Prometheus,
// structured logs, or the crawl-run tables.
package progress

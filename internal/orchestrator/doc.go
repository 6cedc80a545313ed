// Package orchestrator drives a crawl run. Workers pull targets from the
// frontier, fetch them through the browser pool under the retry policy,
// extract content, and record every outcome in the state store. Listing
// pages feed discovered links back into the frontier; article pages are
// deduplicated, saved, and archived.
//
// A run ends when every category reached its target, when the frontier is
// empty with nothing in flight, or when the caller cancels. In-flight work
// then finishes on a detached context bounded by the drain timeout before
// state and artifacts are flushed.
package orchestrator

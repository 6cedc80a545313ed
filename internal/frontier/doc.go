// Package frontier holds pending crawl targets in priority order. It
// deduplicates by URL, enforces per-category quotas and per-domain share
// caps on admission, and consults a politeness gate on dispatch so one slow
// domain never blocks ready work behind it.
package frontier

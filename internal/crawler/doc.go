// Package crawler defines the types shared by the crawl engine: targets,
// fetched pages, extracted articles, typed errors, and the interfaces that
// browser backends, extractors, and storage adapters implement.
package crawler

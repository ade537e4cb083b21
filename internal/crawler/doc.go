// Package crawler holds the shared vocabulary of the sold-listings crawler: listing records,
// crawl tasks and their state machine, rendered pages, failure records, the error taxonomy, and
// the interfaces that connect the fetcher, renderers, sinks, and diagnostics.
package crawler

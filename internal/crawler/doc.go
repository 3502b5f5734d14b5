// Package crawler implements the crawl controller: it seeds the frontier,
// drives fetches through a bounded worker pool, enforces the page budget and
// hands successful pages to the page store.
package crawler

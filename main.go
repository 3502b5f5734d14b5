// Package main is the listing-crawler entrypoint.
//
// Architecture overview:
//   - CLI & config: cobra parses flags; Viper populates config from defaults, an optional YAML file and the
//     environment (CRAWLER_* keys plus the plain START_URLS, MAX_PAGES, OUTPUT_DIR, PROXY_URL, ... names).
//   - Crawl controller: internal/crawler.Engine seeds the frontier, runs a bounded worker pool and stops at the
//     page budget, on an empty frontier, or on SIGINT/SIGTERM after finishing in-flight saves.
//   - Fetch pipeline: a gocolly collector with a retrying transport, rotating user agents, optional proxy and
//     429 handling (Retry-After or a fixed fallback pause).
//   - Persistence & fanout: pages and their JSON records go to a local directory, GCS or memory. Saved pages are
//     optionally cataloged in Postgres and announced on Pub/Sub. A crawl_summary.json closes each run.
//   - Observability: zap logs carry the run ID and URL; Prometheus metrics and live progress are served on
//     metrics.addr when set.
//
// Exit codes: 0 for a completed run (including partial and interrupted runs), 2 when configuration is invalid or
// no seed URL is usable, 1 otherwise.
package main

import (
	"os"

	"github.com/JakeFAU/listing-crawler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

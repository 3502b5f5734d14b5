package scope

import (
	"net/url"
	"slices"
	"strings"
)

// Decision is the outcome of classifying a candidate URL.
type Decision int

const (
	// InScope marks URLs the crawl should fetch.
	InScope Decision = iota
	// ExcludedByDomain covers foreign hosts and unparseable input.
	ExcludedByDomain
	// ExcludedByExtension covers static assets such as images and scripts.
	ExcludedByExtension
	// ExcludedBySubstring covers editorial and account sections.
	ExcludedBySubstring
	// NotUnderAllowedPrefix covers same-site pages outside the listing tree.
	NotUnderAllowedPrefix
)

// String returns a label suitable for logs and metrics.
func (d Decision) String() string {
	switch d {
	case InScope:
		return "in_scope"
	case ExcludedByDomain:
		return "excluded_domain"
	case ExcludedByExtension:
		return "excluded_extension"
	case ExcludedBySubstring:
		return "excluded_substring"
	case NotUnderAllowedPrefix:
		return "not_under_prefix"
	default:
		return "unknown"
	}
}

// Rules holds the ordered lists that define the crawl boundary.
type Rules struct {
	AllowedDomain      string
	AllowedPrefixes    []string
	RootPath           string
	ExcludedSubstrings []string
	ExcludedExtensions []string
}

// DefaultRules returns the boundary for carzone.ie listing pages.
func DefaultRules() Rules {
	return Rules{
		AllowedDomain:   "carzone.ie",
		AllowedPrefixes: []string{"/cars", "/used-cars", "/electric-cars", "/dealer-cars"},
		RootPath:        "/cars",
		ExcludedSubstrings: []string{
			"/news", "/advice", "/review", "/reviews", "/blog", "/help", "/login",
			"/account", "/privacy", "/terms", "/about", "/sell", "/new-cars",
			"/finance", "/car-reviews", "/insurance", "/contact", "/sitemap",
			"/cookies", "/cookie",
		},
		ExcludedExtensions: []string{
			".jpg", ".jpeg", ".png", ".gif", ".svg", ".ico", ".webp", ".bmp",
			".css", ".js", ".json", ".pdf", ".txt", ".xml", ".woff", ".woff2",
			".ttf", ".map",
		},
	}
}

// Classify evaluates rawURL against the rules. Exclusions always win over
// prefix inclusion.
func (r Rules) Classify(rawURL string) Decision {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ExcludedByDomain
	}
	if !IsSameDomain(rawURL, r.AllowedDomain) {
		return ExcludedByDomain
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	lower := strings.ToLower(path)
	for _, ext := range r.ExcludedExtensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return ExcludedByExtension
		}
	}
	for _, sub := range r.ExcludedSubstrings {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return ExcludedBySubstring
		}
	}
	for _, prefix := range r.AllowedPrefixes {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return InScope
		}
	}
	if r.RootPath != "" && path == r.RootPath {
		return InScope
	}
	return NotUnderAllowedPrefix
}

// IsInScope reports whether rawURL classifies as InScope.
func (r Rules) IsInScope(rawURL string) bool {
	return r.Classify(rawURL) == InScope
}

// Clone returns a deep copy so callers can extend the lists safely.
func (r Rules) Clone() Rules {
	r.AllowedPrefixes = slices.Clone(r.AllowedPrefixes)
	r.ExcludedSubstrings = slices.Clone(r.ExcludedSubstrings)
	r.ExcludedExtensions = slices.Clone(r.ExcludedExtensions)
	return r
}

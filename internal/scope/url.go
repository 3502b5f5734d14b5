// Package scope normalizes crawl candidates and decides which of them belong
// to the crawl.
package scope

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrMalformedURL reports input that cannot be turned into a crawlable URL.
var ErrMalformedURL = errors.New("malformed url")

// Normalize canonicalizes rawURL: the scheme is forced to https, the host is
// lowercased, default ports are removed and the fragment is dropped. Path and
// query are kept verbatim. Normalize(Normalize(u)) == Normalize(u).
func Normalize(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty input", ErrMalformedURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedURL, err)
	}
	if u.Host == "" || u.Opaque != "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrMalformedURL, trimmed)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrMalformedURL, trimmed)
	}
	switch port := u.Port(); port {
	case "", "80", "443":
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		u.Host = host
	default:
		u.Host = net.JoinHostPort(host, port)
	}
	u.Scheme = "https"
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// IsSameDomain reports whether the host of rawURL is allowedDomain or one of
// its subdomains.
func IsSameDomain(rawURL, allowedDomain string) bool {
	domain := strings.ToLower(strings.TrimSpace(allowedDomain))
	if domain == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == domain || strings.HasSuffix(host, "."+domain)
}

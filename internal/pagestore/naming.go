package pagestore

import (
	"crypto/sha1" // #nosec G505 -- short, non-cryptographic name disambiguator.
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var unsafeSlugChars = regexp.MustCompile(`[^a-zA-Z0-9\-_/]+`)

// Name parts are capped so that index, host, slug, hash and extension stay
// well under the 255 byte filename limit. The index keeps names unique.
const (
	maxHostLen = 64
	maxSlugLen = 120
)

// BaseName returns the extension-less object name for the page at index,
// e.g. 0007_www.carzone.ie_cars-audi_3f1c2a9b.
func BaseName(index int, rawURL string) (string, error) {
	if index < 1 {
		return "", fmt.Errorf("index must be >= 1, got %d", index)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := truncate(strings.ReplaceAll(u.Host, ":", "_"), maxHostLen)
	return fmt.Sprintf("%04d_%s_%s_%s", index, host, pathSlug(u.EscapedPath()), queryHash(u.RawQuery)), nil
}

func pathSlug(path string) string {
	slug := unsafeSlugChars.ReplaceAllString(strings.Trim(path, "/"), "-")
	slug = strings.ReplaceAll(slug, "/", "-")
	slug = strings.TrimRight(truncate(slug, maxSlugLen), "-")
	if slug == "" {
		return "root"
	}
	return slug
}

// truncate cuts s to n bytes. Inputs are ASCII after slugging.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func queryHash(rawQuery string) string {
	if rawQuery == "" {
		return "noq"
	}
	sum := sha1.Sum([]byte(rawQuery)) // #nosec G401
	return hex.EncodeToString(sum[:])[:8]
}

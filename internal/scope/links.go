package scope

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var skippedHrefPrefixes = []string{"#", "mailto:", "tel:", "javascript:"}

// ExtractLinks returns every anchor target in htmlBody, resolved against
// baseURL and normalized, in document order. Duplicates are preserved and
// anything that fails to resolve is dropped.
func ExtractLinks(htmlBody []byte, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(htmlBody))
	if err != nil {
		return nil
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || hasSkippedPrefix(href) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		normalized, err := Normalize(base.ResolveReference(ref).String())
		if err != nil {
			return
		}
		links = append(links, normalized)
	})
	return links
}

func hasSkippedPrefix(href string) bool {
	lower := strings.ToLower(href)
	for _, prefix := range skippedHrefPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

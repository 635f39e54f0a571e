// Package gmaps binds the pipeline to the Google Maps web UI: it opens
// search result feeds, harvests place links from the DOM, and extracts
// structured place data from individual listing pages.
package gmaps

import (
	"net/url"
	"strings"
)

const (
	baseURL = "https://www.google.com"

	// endOfListMarker appears in the feed DOM once Maps has no more
	// results to load for a query.
	endOfListMarker = "You've reached the end of the list"

	placeLinkSelector = "a[href*=\"/maps/place/\"]"
)

// feedSelectors are tried in order when locating the scrollable result
// panel. Maps ships several DOM variants depending on locale and rollout.
var feedSelectors = []string{
	`div[role="feed"]`,
	`div[aria-label^="Results for"]`,
	`div.m6QErb[aria-label]`,
}

// SearchURL builds the Maps search URL for a term. The hl parameter pins
// the UI language so that selectors and the end-of-list marker stay stable.
func SearchURL(term, lang string) string {
	if lang == "" {
		lang = "en"
	}
	return baseURL + "/maps/search/" + url.PathEscape(term) + "?hl=" + url.QueryEscape(lang)
}

// absolutePlaceURL normalizes a harvested href into an absolute URL,
// dropping fragments so the same place is never queued twice.
func absolutePlaceURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href = href[:i]
	}
	if strings.HasPrefix(href, "/") {
		return baseURL + href
	}
	if !strings.Contains(href, "/maps/place/") {
		return ""
	}
	return href
}

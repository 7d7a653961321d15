package ingest

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/david/oppforge/internal/globaltime"
)

// descriptionPolicy is safe for concurrent use once built.
var descriptionPolicy = bluemonday.UGCPolicy()

var trackingKeys = map[string]struct{}{
	"fbclid":   {},
	"gclid":    {},
	"mc_cid":   {},
	"mc_eid":   {},
	"ref":      {},
	"ref_src":  {},
	"ref_url":  {},
	"referrer": {},
}

// Normalize canonicalizes one connector payload. It is a pure function of its input
// apart from defaulting a missing scraped_at to the current clock.
func Normalize(p RawPayload) (RawListing, error) {
	sourceName := strings.ToLower(NormalizeText(p.SourceName))
	if sourceName == "" {
		return RawListing{}, &ValidationError{Field: "source_name", Reason: "required"}
	}

	canonURL, err := CanonicalizeURL(p.URL)
	if err != nil {
		return RawListing{}, err
	}

	title := untilStable(p.Title, cleanTitleOnce)
	if title == "" {
		return RawListing{}, &ValidationError{Field: "title", Reason: "empty after trimming"}
	}

	scrapedAt, err := parseScrapedAt(p.ScrapedAt)
	if err != nil {
		return RawListing{}, err
	}

	description := CleanDescription(p.Description)

	var deadline *time.Time
	if strings.TrimSpace(p.Deadline) != "" {
		deadline = ParseDeadline(p.Deadline)
	} else {
		deadline = ExtractDeadline(description, scrapedAt)
	}

	var requirements []string
	for _, r := range p.Requirements {
		requirements = MergeUniqueFold(requirements, splitAndCleanList(r))
	}
	requirements = MergeUniqueFold(requirements, ExtractSkills(title+"\n"+description))

	var tags []string
	for _, t := range p.Tags {
		tags = MergeUniqueFold(tags, []string{NormalizeText(t)})
	}

	return RawListing{
		SourceID:     NormalizeText(p.SourceID),
		SourceName:   sourceName,
		URL:          canonURL,
		Title:        title,
		Description:  description,
		RewardText:   NormalizeText(p.RewardText),
		Deadline:     deadline,
		Chain:        NormalizeText(p.Chain),
		Category:     NormalizeText(p.Category),
		Requirements: requirements,
		Tags:         tags,
		ScrapedAt:    scrapedAt,
	}, nil
}

func parseScrapedAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return globaltime.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, &ValidationError{Field: "scraped_at", Reason: fmt.Sprintf("not RFC3339: %q", raw)}
}

// CanonicalizeURL produces the identity form of a listing URL. Equal canonical URLs
// mean the same listing.
func CanonicalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "url", Reason: "required"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", &ValidationError{Field: "url", Reason: "unparseable", Err: err}
	}
	if !u.IsAbs() || u.Host == "" {
		return "", &ValidationError{Field: "url", Reason: "must be absolute with a host"}
	}

	u.Scheme = strings.ToLower(u.Scheme)

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", &ValidationError{Field: "url", Reason: "must be absolute with a host"}
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	u.Fragment = ""
	u.RawFragment = ""

	u.RawQuery = canonicalQuery(u.RawQuery)
	u.ForceQuery = false

	// Dropping RawPath re-encodes the path minimally, which decodes escaped
	// unreserved characters. An escaped slash changes meaning and is kept.
	if !strings.Contains(strings.ToUpper(u.RawPath), "%2F") {
		u.RawPath = ""
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = strings.TrimRight(u.RawPath, "/")

	return u.String(), nil
}

type queryPair struct {
	key     string
	encoded string
}

// canonicalQuery drops tracking keys and sorts the remaining pairs by key. Pairs
// that do not decode, such as ones using ";" separators or bad escapes, are kept
// verbatim so distinct URLs never collapse into one.
func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	var pairs []queryPair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(part, "=")
		if strings.Contains(part, ";") {
			pairs = append(pairs, queryPair{key: rawKey, encoded: part})
			continue
		}
		key, kerr := url.QueryUnescape(rawKey)
		value, verr := url.QueryUnescape(rawValue)
		if kerr != nil || verr != nil {
			if !isTrackingKey(rawKey) {
				pairs = append(pairs, queryPair{key: rawKey, encoded: part})
			}
			continue
		}
		if isTrackingKey(key) {
			continue
		}
		pairs = append(pairs, queryPair{key: key, encoded: url.QueryEscape(key) + "=" + url.QueryEscape(value)})
	}

	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = p.encoded
	}
	return strings.Join(encoded, "&")
}

func isTrackingKey(key string) bool {
	k := strings.ToLower(key)
	if strings.HasPrefix(k, "utm_") || strings.HasPrefix(k, "trk") {
		return true
	}
	_, ok := trackingKeys[k]
	return ok
}

// CleanDescription sanitizes HTML descriptions and flattens them to normalized text.
// Cleaning its own output returns it unchanged.
func CleanDescription(s string) string {
	return untilStable(s, cleanDescriptionOnce)
}

func cleanDescriptionOnce(s string) string {
	if looksLikeHTML(s) {
		return HTMLToText(descriptionPolicy.Sanitize(s))
	}
	return NormalizeText(s)
}

func cleanTitleOnce(s string) string {
	s = NormalizeText(s)
	if looksLikeHTML(s) {
		return HTMLToText(s)
	}
	return s
}

// maxCleanPasses bounds re-cleaning of text whose decoded entities form new markup.
const maxCleanPasses = 5

// untilStable applies clean until the text stops changing. Decoding entities can
// produce literal markup, which a later pass would strip.
func untilStable(s string, clean func(string) string) string {
	for i := 0; i < maxCleanPasses; i++ {
		next := clean(s)
		if next == s {
			return s
		}
		s = next
	}
	return s
}

// HTMLToText converts HTML to plain text, collapsing whitespace.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return NormalizeText(html) // Fallback to original if parsing fails
	}
	// Keep block boundaries as word boundaries.
	doc.Find("br, p, div, li, tr, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml(" ")
	})
	return NormalizeText(doc.Text())
}

func looksLikeHTML(s string) bool {
	if strings.Contains(s, "<") && strings.Contains(s, ">") {
		return true
	}
	return strings.Contains(s, "&") && strings.Contains(s, ";")
}

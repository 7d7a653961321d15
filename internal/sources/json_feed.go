package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/ingest"
)

// JSONFeedConnector reads a JSON API and maps each item to a payload through the
// source's field map.
type JSONFeedConnector struct {
	cfg     SourceConfig
	fetcher Fetcher
	pdf     *PDFEnricher
	logger  zerolog.Logger
}

func NewJSONFeedConnector(cfg SourceConfig, fetcher Fetcher, logger zerolog.Logger) *JSONFeedConnector {
	c := &JSONFeedConnector{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger.With().Str("source", cfg.ID).Logger(),
	}
	if cfg.Detail.PDFLink != "" {
		c.pdf = NewPDFEnricher(fetcher)
	}
	return c
}

func (c *JSONFeedConnector) Source() SourceConfig { return c.cfg }

// Collect walks up to max_pages pages. Items fetched before a failing page are
// returned together with the error.
func (c *JSONFeedConnector) Collect(ctx context.Context) ([]ingest.RawPayload, error) {
	var payloads []ingest.RawPayload
	visited := make(map[string]bool)
	current := c.cfg.URL

	for page := 0; page < c.cfg.maxPages() && current != ""; page++ {
		if visited[current] {
			c.logger.Warn().Str("url", current).Msg("pagination cycle detected")
			break
		}
		visited[current] = true

		doc, err := c.fetcher.Fetch(ctx, current)
		if err != nil {
			return payloads, fmt.Errorf("fetch page %d of %s: %w", page+1, c.cfg.ID, err)
		}
		body, err := readAll(doc)
		if err != nil {
			return payloads, fmt.Errorf("read page %d of %s: %w", page+1, c.cfg.ID, err)
		}

		items, next, err := c.parsePage(body, current)
		if err != nil {
			return payloads, err
		}
		for _, item := range items {
			p, ok := c.mapItem(item, current)
			if !ok {
				continue
			}
			if c.pdf != nil && p.Deadline == "" {
				if link := resolveLink(current, stringAt(item, c.cfg.Detail.PDFLink)); link != "" {
					c.enrichFromPDF(ctx, &p, link)
				}
			}
			payloads = append(payloads, p)
		}
		current = next
	}
	return payloads, nil
}

func (c *JSONFeedConnector) enrichFromPDF(ctx context.Context, p *ingest.RawPayload, link string) {
	deadline, err := c.pdf.Deadline(ctx, link)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", link).Msg("pdf enrichment failed")
		return
	}
	if deadline != nil {
		p.Deadline = deadline.Format(time.RFC3339)
	}
}

func (c *JSONFeedConnector) parsePage(body []byte, pageURL string) ([]map[string]any, string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, "", fmt.Errorf("decode %s feed: %w", c.cfg.ID, err)
	}

	list := root
	if c.cfg.Fields.Items != "" {
		list = lookupPath(root, c.cfg.Fields.Items)
	}
	raw, ok := list.([]any)
	if !ok {
		return nil, "", fmt.Errorf("%s feed: %q is not an array", c.cfg.ID, c.cfg.Fields.Items)
	}

	items := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			items = append(items, m)
		}
	}

	var next string
	if c.cfg.Fields.Next != "" {
		next = resolveLink(pageURL, stringAt(root, c.cfg.Fields.Next))
	}
	return items, next, nil
}

// mapItem builds the payload. Items without a title or URL are skipped here; the
// normalizer rejects the subtler cases.
func (c *JSONFeedConnector) mapItem(item map[string]any, pageURL string) (ingest.RawPayload, bool) {
	f := c.cfg.Fields
	p := ingest.RawPayload{
		SourceID:     stringAt(item, f.ID),
		SourceName:   c.cfg.Name,
		URL:          resolveLink(pageURL, stringAt(item, f.URL)),
		Title:        stringAt(item, f.Title),
		Description:  stringAt(item, f.Description),
		RewardText:   stringAt(item, f.Reward),
		Deadline:     stringAt(item, f.Deadline),
		Chain:        stringAt(item, f.Chain),
		Category:     stringAt(item, f.Category),
		Requirements: stringsAt(item, f.Requirements),
		Tags:         stringsAt(item, f.Tags),
		ScrapedAt:    globaltime.UTC().Format(time.RFC3339Nano),
	}
	if p.Title == "" || p.URL == "" {
		return p, false
	}
	return p, true
}

// lookupPath follows a dotted path through objects. Numeric segments index arrays.
func lookupPath(v any, path string) any {
	if path == "" {
		return nil
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			v = node[i]
		default:
			return nil
		}
	}
	return v
}

func stringAt(v any, path string) string {
	return scalarString(lookupPath(v, path))
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

// stringsAt accepts an array of scalars, an array of objects with a name or
// label, or a comma separated string.
func stringsAt(v any, path string) []string {
	switch x := lookupPath(v, path).(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s := scalarString(e)
			if s == "" {
				if m, ok := e.(map[string]any); ok {
					s = firstNonEmpty(scalarString(m["name"]), scalarString(m["label"]), scalarString(m["title"]))
				}
			}
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(x, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolveLink(base, link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	ref, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}

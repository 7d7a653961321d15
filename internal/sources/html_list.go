package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/ingest"
)

// HTMLListConnector scrapes listing pages with CSS selectors, following the next
// page link up to max_pages.
type HTMLListConnector struct {
	cfg          SourceConfig
	fetcher      Fetcher
	pdf          *PDFEnricher
	allowPrivate bool
	logger       zerolog.Logger
}

func NewHTMLListConnector(cfg SourceConfig, fetcher Fetcher, allowPrivate bool, logger zerolog.Logger) *HTMLListConnector {
	c := &HTMLListConnector{
		cfg:          cfg,
		fetcher:      fetcher,
		allowPrivate: allowPrivate,
		logger:       logger.With().Str("source", cfg.ID).Logger(),
	}
	if cfg.Detail.PDFLink != "" {
		c.pdf = NewPDFEnricher(fetcher)
	}
	return c
}

func (c *HTMLListConnector) Source() SourceConfig { return c.cfg }

type listItem struct {
	payload ingest.RawPayload
	pdfLink string
}

func (c *HTMLListConnector) buildCollector(ctx context.Context, host string) *colly.Collector {
	fetch := withFetchDefaults(c.cfg.Fetch)
	delay := time.Duration(float64(time.Second) / fetch.RateLimitRPS)

	collector := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.MaxBodySize(int(fetch.MaxBodyBytes)),
		colly.DetectCharset(),
	)
	collector.WithTransport(newTransport(c.allowPrivate))
	collector.SetRedirectHandler(redirectPolicy(c.allowPrivate))
	collector.SetRequestTimeout(time.Duration(fetch.TimeoutSeconds) * time.Second)
	collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       delay,
		RandomDelay: delay / 2,
	})

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil || r.URL.Host != host {
			r.Abort()
			return
		}
		r.Headers.Set("Accept-Language", fetch.AcceptLanguage)
		for k, v := range c.cfg.Headers {
			r.Headers.Set(k, v)
		}
		c.logger.Debug().Str("url", r.URL.String()).Msg("visiting")
	})
	return collector
}

// Collect scrapes the listing pages. Items from pages fetched before a failure
// are returned together with the error.
func (c *HTMLListConnector) Collect(ctx context.Context) ([]ingest.RawPayload, error) {
	parsedURL, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	collector := c.buildCollector(ctx, parsedURL.Host)

	var (
		items    []listItem
		nextPage string
		pageErr  error
	)
	sel := c.cfg.Selectors
	collector.OnHTML(sel.Container, func(e *colly.HTMLElement) {
		if item, ok := c.extractItem(e); ok {
			items = append(items, item)
		}
	})
	if sel.Next != "" {
		collector.OnHTML(sel.Next, func(e *colly.HTMLElement) {
			if nextPage == "" {
				nextPage = e.Request.AbsoluteURL(e.Attr("href"))
			}
		})
	}
	collector.OnError(func(r *colly.Response, err error) {
		pageErr = fmt.Errorf("fetch %s: status %d: %w", r.Request.URL, r.StatusCode, err)
	})

	visited := make(map[string]bool)
	current := c.cfg.URL
	for page := 0; page < c.cfg.maxPages() && current != ""; page++ {
		if err := ctx.Err(); err != nil {
			return c.finish(ctx, items), err
		}
		if visited[current] {
			c.logger.Warn().Str("url", current).Msg("pagination cycle detected")
			break
		}
		visited[current] = true

		nextPage, pageErr = "", nil
		if err := collector.Visit(current); err != nil {
			return c.finish(ctx, items), fmt.Errorf("visit page %d of %s: %w", page+1, c.cfg.ID, err)
		}
		collector.Wait()
		if pageErr != nil {
			return c.finish(ctx, items), pageErr
		}
		current = nextPage
	}

	return c.finish(ctx, items), nil
}

// finish runs PDF enrichment for items that have no deadline of their own.
func (c *HTMLListConnector) finish(ctx context.Context, items []listItem) []ingest.RawPayload {
	payloads := make([]ingest.RawPayload, 0, len(items))
	for _, item := range items {
		p := item.payload
		if c.pdf != nil && p.Deadline == "" && item.pdfLink != "" && ctx.Err() == nil {
			deadline, err := c.pdf.Deadline(ctx, item.pdfLink)
			if err != nil {
				c.logger.Warn().Err(err).Str("url", item.pdfLink).Msg("pdf enrichment failed")
			} else if deadline != nil {
				p.Deadline = deadline.Format(time.RFC3339)
			}
		}
		payloads = append(payloads, p)
	}
	return payloads
}

func (c *HTMLListConnector) extractItem(e *colly.HTMLElement) (listItem, bool) {
	sel := c.cfg.Selectors
	dom := e.DOM

	title := strings.TrimSpace(dom.Find(sel.Title).First().Text())
	if sel.Title == "" {
		title = strings.TrimSpace(dom.Text())
	}

	linkAttr := sel.LinkAttr
	if linkAttr == "" {
		linkAttr = "href"
	}
	var link string
	if sel.Link == "" || sel.Link == "." {
		link = strings.TrimSpace(e.Attr(linkAttr))
	} else {
		link, _ = dom.Find(sel.Link).First().Attr(linkAttr)
		link = strings.TrimSpace(link)
	}
	if title == "" || link == "" {
		return listItem{}, false
	}

	p := ingest.RawPayload{
		SourceName:  c.cfg.Name,
		URL:         e.Request.AbsoluteURL(link),
		Title:       title,
		Description: childHTML(dom, sel.Description),
		RewardText:  childText(dom, sel.Reward),
		Deadline:    childText(dom, sel.Deadline),
		Chain:       childText(dom, sel.Chain),
		Category:    childText(dom, sel.Category),
		Tags:        childTexts(dom, sel.Tags),
		ScrapedAt:   globaltime.UTC().Format(time.RFC3339Nano),
	}
	if id, ok := dom.Attr("data-id"); ok {
		p.SourceID = strings.TrimSpace(id)
	}

	item := listItem{payload: p}
	if c.cfg.Detail.PDFLink != "" {
		if href, ok := dom.Find(c.cfg.Detail.PDFLink).First().Attr("href"); ok {
			item.pdfLink = e.Request.AbsoluteURL(strings.TrimSpace(href))
		}
	}
	return item, true
}

func childText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(s.Find(selector).First().Text())
}

func childTexts(s *goquery.Selection, selector string) []string {
	if selector == "" {
		return nil
	}
	var out []string
	s.Find(selector).Each(func(_ int, el *goquery.Selection) {
		if t := strings.TrimSpace(el.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

// childHTML keeps markup so the normalizer can sanitize and flatten it.
func childHTML(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	html, err := s.Find(selector).First().Html()
	if err != nil {
		return ""
	}
	html = strings.TrimSpace(html)
	if !utf8.ValidString(html) {
		html = strings.ToValidUTF8(html, "")
	}
	return html
}

package sources

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	rpdf "rsc.io/pdf"

	"github.com/david/oppforge/internal/ingest"
)

var deadlineLabelHints = []string{
	"deadline", "closes", "closing date", "submissions close", "apply by", "applications close", "due",
}

var dateSnippetRegexes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b\d{1,2}/\d{1,2}/20\d{2}\b`),
	regexp.MustCompile(`(?i)\b20\d{2}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`(?i)\b\d{1,2}\s+(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+20\d{2}(\s+\d{1,2}(:\d{2})?\s*(a\.?m\.?|p\.?m\.?))?\b`),
	regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+\d{1,2},?\s+20\d{2}(\s+\d{1,2}(:\d{2})?\s*(a\.?m\.?|p\.?m\.?))?\b`),
}

// DeadlineEvidence is one date found in a document, with the text around it.
type DeadlineEvidence struct {
	Date    time.Time
	Snippet string
	// Labeled is set when a deadline phrase appears near the date.
	Labeled bool
}

// PDFEnricher reads a program brief PDF and picks its closing date.
type PDFEnricher struct {
	fetcher Fetcher
}

func NewPDFEnricher(fetcher Fetcher) *PDFEnricher {
	return &PDFEnricher{fetcher: fetcher}
}

// Deadline returns the chosen deadline of the PDF at link, or nil when the text
// holds no date.
func (e *PDFEnricher) Deadline(ctx context.Context, link string) (*time.Time, error) {
	doc, err := e.fetcher.Fetch(ctx, link)
	if err != nil {
		return nil, err
	}
	content, err := readAll(doc)
	if err != nil {
		return nil, fmt.Errorf("pdf read failed: %w", err)
	}

	text, err := extractPDFText(content)
	if err != nil {
		return nil, fmt.Errorf("pdf text extraction failed: %w", err)
	}
	return pickDeadline(parseDeadlineEvidence(text)), nil
}

func extractPDFText(content []byte) (text string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			text = ""
		}
	}()

	reader, err := rpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		for _, fragment := range page.Content().Text {
			builder.WriteString(fragment.S)
			builder.WriteString(" ")
		}
		builder.WriteString("\n")
	}

	return builder.String(), nil
}

// parseDeadlineEvidence finds every parseable date, oldest first. A date that
// appears twice keeps the labeled occurrence.
func parseDeadlineEvidence(text string) []DeadlineEvidence {
	matches := make(map[int64]DeadlineEvidence)

	for _, expr := range dateSnippetRegexes {
		for _, loc := range expr.FindAllStringIndex(text, -1) {
			token := strings.TrimSpace(text[loc[0]:loc[1]])
			parsed := ingest.ParseDeadline(token)
			if parsed == nil {
				continue
			}
			start := loc[0] - 80
			if start < 0 {
				start = 0
			}
			end := loc[1] + 80
			if end > len(text) {
				end = len(text)
			}
			snippet := strings.TrimSpace(strings.ReplaceAll(text[start:end], "\n", " "))
			ev := DeadlineEvidence{Date: *parsed, Snippet: snippet, Labeled: hasDeadlineHint(text[start:loc[0]])}

			key := parsed.Unix()
			if prev, ok := matches[key]; ok && prev.Labeled {
				continue
			}
			matches[key] = ev
		}
	}

	ordered := make([]DeadlineEvidence, 0, len(matches))
	for _, ev := range matches {
		ordered = append(ordered, ev)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Date.Before(ordered[j].Date)
	})
	return ordered
}

func hasDeadlineHint(prefix string) bool {
	lower := strings.ToLower(prefix)
	for _, hint := range deadlineLabelHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// pickDeadline prefers the latest labeled date and falls back to the latest date.
func pickDeadline(evidence []DeadlineEvidence) *time.Time {
	for i := len(evidence) - 1; i >= 0; i-- {
		if evidence[i].Labeled {
			t := evidence[i].Date
			return &t
		}
	}
	if len(evidence) == 0 {
		return nil
	}
	t := evidence[len(evidence)-1].Date
	return &t
}

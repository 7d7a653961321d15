package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	isoDateRegex   = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	slashDateRegex = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(20\d{2})\b`)
	monthDayRegex  = regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(20\d{2})\b`)
	dayMonthRegex  = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.?,?\s+(20\d{2})\b`)

	// Deadline phrases searched in descriptions when no explicit deadline was provided.
	deadlinePhraseRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:deadline|closing|closes|apply by|ends|until|due)\s*(?:on|date)?:?\s*([a-z]{3,9}\.?\s\d{1,2}(?:st|nd|rd|th)?,?\s?\d{4})`),
		regexp.MustCompile(`(?i)\b(?:deadline|closing|closes|apply by|ends|until|due)\s*(?:on|date)?:?\s*(\d{1,2}(?:st|nd|rd|th)?\s[a-z]{3,9}\.?,?\s?\d{4})`),
		regexp.MustCompile(`(?i)\b(?:deadline|closing|closes|apply by|ends|until|due)\s*(?:on|date)?:?\s*(\d{1,2}/\d{1,2}/\d{4})`),
		regexp.MustCompile(`(?i)\b(?:deadline|closing|closes|apply by|ends|until|due)\s*(?:on|date)?:?\s*(\d{4}-\d{2}-\d{2}(?:T[\d:]+(?:Z|[+-]\d{2}:\d{2})?)?)`),
	}
	dueNoYearRegex = regexp.MustCompile(`(?i)\bdue:?\s*([a-z]{3,9})\.?\s(\d{1,2})\b`)
)

// ParseDeadline turns free deadline text into a UTC instant. Date-only values are
// pinned to the end of that day. Unparseable text yields nil.
func ParseDeadline(text string) *time.Time {
	text = NormalizeText(text)
	if text == "" {
		return nil
	}
	t, err := parseDateRobust(text)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// ExtractDeadline searches description text for a deadline phrase such as
// "Apply by March 15, 2026". A "Due March 15" without a year resolves to the next
// occurrence relative to now.
func ExtractDeadline(text string, now time.Time) *time.Time {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	for _, re := range deadlinePhraseRegexes {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		if t := ParseDeadline(m[1]); t != nil {
			return t
		}
	}

	if m := dueNoYearRegex.FindStringSubmatch(text); len(m) == 3 {
		month, ok := parseMonth(m[1])
		if !ok {
			return nil
		}
		var day int
		if _, err := fmt.Sscanf(m[2], "%d", &day); err != nil || day < 1 || day > 31 {
			return nil
		}
		now = now.UTC()
		t := toEndOfDay(time.Date(now.Year(), month, day, 0, 0, 0, 0, time.UTC))
		if t.Before(now) {
			t = toEndOfDay(time.Date(now.Year()+1, month, day, 0, 0, 0, 0, time.UTC))
		}
		return &t
	}

	return nil
}

// parseDateRobust attempts to parse dates in multiple formats
func parseDateRobust(text string) (time.Time, error) {
	text = cleanDateString(text)
	text = strings.ReplaceAll(text, "a.m.", "AM")
	text = strings.ReplaceAll(text, "p.m.", "PM")
	text = strings.ReplaceAll(text, " am", " AM")
	text = strings.ReplaceAll(text, " pm", " PM")
	text = stripOrdinals(text)

	// ISO first, most reliable
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", text); err == nil {
		return toEndOfDay(t), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", text); err == nil {
		return t, nil
	}

	englishFormats := []string{
		"2 January 2006",
		"02 January 2006",
		"2 January 2006 3 PM",
		"2 January 2006 3:04 PM",
		"January 2, 2006",
		"January 2 2006",
		"January 2, 2006 3 PM",
		"January 2, 2006 3:04 PM",
		"Jan 2, 2006",
		"Jan 2 2006",
		"2 Jan 2006",
		"02 Jan 2006",
		"Mon, 02 Jan 2006 15:04:05 MST",
		"01/02/2006",
		"01/02/2006 3 PM",
		"02/01/2006", // UK format
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	}

	for _, format := range englishFormats {
		if t, err := time.Parse(format, text); err == nil {
			// A format carrying a clock keeps it; date-only means end of day.
			if strings.Contains(format, ":") || strings.Contains(format, "PM") {
				return t, nil
			}
			return toEndOfDay(t), nil
		}
	}

	if t := parseDateWithRegex(text); !t.IsZero() {
		return toEndOfDay(t), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", text)
}

// toEndOfDay sets the time to 23:59:59.999999999 UTC
func toEndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, time.UTC)
}

// parseDateWithRegex uses regex to extract dates embedded in longer text
func parseDateWithRegex(text string) time.Time {
	if m := isoDateRegex.FindString(text); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			return t
		}
	}

	// US first (03/15/2026), then day-first (15/03/2026) when the month is out of range.
	if m := slashDateRegex.FindStringSubmatch(text); len(m) == 4 {
		if t, err := time.Parse("1/2/2006", fmt.Sprintf("%s/%s/%s", m[1], m[2], m[3])); err == nil {
			return t
		}
		if t, err := time.Parse("1/2/2006", fmt.Sprintf("%s/%s/%s", m[2], m[1], m[3])); err == nil {
			return t
		}
	}

	if m := monthDayRegex.FindStringSubmatch(text); len(m) == 4 {
		if t, ok := dateFromParts(m[1], m[2], m[3]); ok {
			return t
		}
	}
	if m := dayMonthRegex.FindStringSubmatch(text); len(m) == 4 {
		if t, ok := dateFromParts(m[2], m[1], m[3]); ok {
			return t
		}
	}

	return time.Time{}
}

func dateFromParts(monthName, day, year string) (time.Time, bool) {
	month, ok := parseMonth(monthName)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse("1/2/2006", fmt.Sprintf("%d/%s/%s", int(month), day, year))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseMonth(name string) (time.Month, bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if len(name) < 3 {
		return 0, false
	}
	for m := time.January; m <= time.December; m++ {
		full := strings.ToLower(m.String())
		if full == name || full[:3] == name || (name == "sept" && m == time.September) {
			return m, true
		}
	}
	return 0, false
}

var ordinalRegex = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)\b`)

func stripOrdinals(s string) string {
	return ordinalRegex.ReplaceAllString(s, "$1")
}

// cleanDateString removes common prefixes and cleans up date strings
func cleanDateString(s string) string {
	prefixes := []string{
		"Closing date:", "Deadline:", "Open:", "Publication date:",
		"Due date:", "Expires:", "Ends:", "Apply by:", "Submissions close:",
	}
	sLower := strings.ToLower(s)
	for _, p := range prefixes {
		if idx := strings.Index(sLower, strings.ToLower(p)); idx != -1 {
			s = s[idx+len(p):]
			sLower = sLower[idx+len(p):]
		}
	}
	return strings.TrimSpace(s)
}

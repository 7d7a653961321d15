package ingest

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// normalizeSpace collapses multiple spaces into one and trims the string.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeText applies NFKC folding, drops control characters and collapses whitespace.
func NormalizeText(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return normalizeSpace(s)
}

// FoldTitle lowercases and strips everything that is not a letter or digit.
// Two titles that differ only in punctuation, spacing or case fold to the same key.
func FoldTitle(s string) string {
	s = strings.ToLower(NormalizeText(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func splitAndCleanList(block string) []string {
	block = strings.ReplaceAll(block, "\r\n", "\n")
	block = strings.ReplaceAll(block, "\r", "\n")

	var out []string
	for _, raw := range strings.Split(block, "\n") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}

		s = strings.TrimLeft(s, " \t-*•–—")
		s = strings.TrimSpace(s)
		s = stripLeadingNumbering(s)
		s = NormalizeText(s)
		if s == "" {
			continue
		}

		out = append(out, s)
	}

	return MergeUniqueFold(nil, out)
}

func stripLeadingNumbering(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s
	}

	for i < len(s) {
		switch s[i] {
		case '.', ')', '-', ':':
			i++
		case ' ', '\t':
			i++
		default:
			return strings.TrimSpace(s[i:])
		}
	}

	return strings.TrimSpace(s)
}

// MergeUniqueFold appends items to dst, skipping blanks and case-insensitive
// duplicates. First-seen order and spelling win.
func MergeUniqueFold(dst []string, items []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		k := strings.ToLower(strings.TrimSpace(v))
		if k != "" {
			seen[k] = struct{}{}
		}
	}

	for _, v := range items {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		dst = append(dst, v)
		seen[k] = struct{}{}
	}

	return dst
}

// TruncateText cuts a string to max runes, appending an ellipsis if truncated.
func TruncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	if maxLen > 3 {
		return string(runes[:maxLen-3]) + "..."
	}
	return string(runes[:maxLen])
}

// IsTruncated reports whether text looks cut off by its source.
func IsTruncated(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasSuffix(t, "...") || strings.HasSuffix(t, "…") || strings.HasSuffix(strings.ToLower(t), "[truncated]")
}

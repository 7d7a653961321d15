package ingest

import (
	"regexp"
	"strings"

	"github.com/david/oppforge/internal/models"
	"github.com/shopspring/decimal"
)

var (
	amountRegex = regexp.MustCompile(`(?i)(\d[\d,\.]*)\s*(k|m|b|thousand|million|billion)?\b`)

	// Token codes are checked before fiat symbols so "$5,000 in USDC" reports USDC.
	currencyPatterns = []struct {
		code string
		re   *regexp.Regexp
	}{
		{"USDC", regexp.MustCompile(`(?i)\busdc\b`)},
		{"USDT", regexp.MustCompile(`(?i)\busdt\b`)},
		{"ETH", regexp.MustCompile(`(?i)\beth\b`)},
		{"SOL", regexp.MustCompile(`(?i)\bsol\b`)},
		{"BTC", regexp.MustCompile(`(?i)\bbtc\b`)},
		{"ARB", regexp.MustCompile(`(?i)\barb\b`)},
		{"OP", regexp.MustCompile(`(?i)\bop\b`)},
		{"GBP", regexp.MustCompile(`(?i)£|\bgbp\b|\bpounds?\b`)},
		{"EUR", regexp.MustCompile(`(?i)€|\beur\b|\beuros?\b`)},
		{"USD", regexp.MustCompile(`(?i)\$|\busd\b|\bdollars?\b`)},
	}

	multipliers = map[string]decimal.Decimal{
		"k":        decimal.NewFromInt(1_000),
		"thousand": decimal.NewFromInt(1_000),
		"m":        decimal.NewFromInt(1_000_000),
		"million":  decimal.NewFromInt(1_000_000),
		"b":        decimal.NewFromInt(1_000_000_000),
		"billion":  decimal.NewFromInt(1_000_000_000),
	}
)

// ParseReward extracts a best-effort reward pool from free text. The cleaned text is
// always kept, even when no amount can be found.
func ParseReward(text string) models.RewardPool {
	text = NormalizeText(text)
	pool := models.RewardPool{Text: text}
	if text == "" {
		return pool
	}

	pool.Currency = detectCurrency(text)

	var amounts []decimal.Decimal
	for _, m := range amountRegex.FindAllStringSubmatch(text, -1) {
		val, ok := parseAmountToken(m[1])
		if !ok {
			continue
		}
		if mult, ok := multipliers[strings.ToLower(m[2])]; ok {
			val = val.Mul(mult)
		}
		amounts = append(amounts, val)
	}

	if len(amounts) == 0 {
		return pool
	}

	textLower := strings.ToLower(text)
	if len(amounts) == 1 {
		v := amounts[0]
		switch {
		case containsAny(textLower, "up to", "maximum", "max"):
			pool.High = &v
		case containsAny(textLower, "minimum", "at least", "min"):
			pool.Low = &v
		default:
			pool.High = &v
		}
		return pool
	}

	lo, hi := amounts[0], amounts[0]
	for _, a := range amounts[1:] {
		if a.LessThan(lo) {
			lo = a
		}
		if a.GreaterThan(hi) {
			hi = a
		}
	}
	if lo.Equal(hi) {
		pool.High = &hi
		return pool
	}
	pool.Low = &lo
	pool.High = &hi
	return pool
}

func detectCurrency(text string) string {
	for _, c := range currencyPatterns {
		if c.re.MatchString(text) {
			return c.code
		}
	}
	return ""
}

// parseAmountToken handles 1,000,000 / 1.000.000 / 1000000 / 1,000.50.
func parseAmountToken(s string) (decimal.Decimal, bool) {
	s = strings.TrimRight(s, ",.")
	if s == "" {
		return decimal.Decimal{}, false
	}

	clean := strings.ReplaceAll(s, ",", "")
	if strings.Count(clean, ".") > 1 {
		// European thousands separators
		clean = strings.ReplaceAll(clean, ".", "")
	}

	val, err := decimal.NewFromString(clean)
	if err != nil || !val.IsPositive() {
		return decimal.Decimal{}, false
	}
	return val, true
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

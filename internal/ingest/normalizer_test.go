package ingest

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/models"
)

func TestCanonicalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Lowercase scheme and host", "HTTPS://Example.COM/Grants", "https://example.com/Grants"},
		{"Strip www", "https://www.gitcoin.co/grants/123", "https://gitcoin.co/grants/123"},
		{"Drop fragment", "https://example.com/a#apply", "https://example.com/a"},
		{"Drop default https port", "https://example.com:443/a", "https://example.com/a"},
		{"Drop default http port", "http://example.com:80/a", "http://example.com/a"},
		{"Keep custom port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"Strip utm params", "https://example.com/a?utm_source=x&utm_medium=y&id=7", "https://example.com/a?id=7"},
		{"Strip click ids", "https://example.com/a?fbclid=1&gclid=2&ref=tw&trk=abc", "https://example.com/a"},
		{"Sort query", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"Trailing slash removed", "https://example.com/grants/", "https://example.com/grants"},
		{"Root path removed", "https://example.com/", "https://example.com"},
		{"Unreserved chars decoded", "https://example.com/%7Euser/a%2Db", "https://example.com/~user/a-b"},
		{"Escaped slash kept", "https://example.com/a%2Fb", "https://example.com/a%2Fb"},
		{"Semicolon pair kept verbatim", "https://x.org/view?id=1;x=2", "https://x.org/view?id=1;x=2"},
		{"Bad escape kept verbatim", "https://x.org/view?q=%zz1", "https://x.org/view?q=%zz1"},
		{"Verbatim pairs sort with decoded ones", "https://x.org/view?q=%zz1&a=b&utm_source=x", "https://x.org/view?a=b&q=%zz1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizeURL(tt.input)
			if err != nil {
				t.Fatalf("CanonicalizeURL(%q) error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("CanonicalizeURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCanonicalizeURL_UndecodableQueriesStayDistinct(t *testing.T) {
	for _, pair := range [][2]string{
		{"https://x.org/view?id=1;x=2", "https://x.org/view?id=7;x=9"},
		{"https://x.org/view?q=%zz1", "https://x.org/view?q=%zz2"},
	} {
		a, err := CanonicalizeURL(pair[0])
		if err != nil {
			t.Fatal(err)
		}
		b, err := CanonicalizeURL(pair[1])
		if err != nil {
			t.Fatal(err)
		}
		if a == b {
			t.Errorf("%q and %q both canonicalize to %q", pair[0], pair[1], a)
		}
		again, err := CanonicalizeURL(a)
		if err != nil {
			t.Fatal(err)
		}
		if again != a {
			t.Errorf("CanonicalizeURL(%q) = %q, want it unchanged", a, again)
		}
	}
}

func TestCanonicalizeURL_TrackingVariantsConverge(t *testing.T) {
	a, err := CanonicalizeURL("https://www.example.com/grants/42/?utm_campaign=launch#top")
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalizeURL("https://example.com/grants/42")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("expected equal canonical URLs, got %q and %q", a, b)
	}
}

func TestCanonicalizeURL_Invalid(t *testing.T) {
	for _, in := range []string{"", "not a url", "/relative/path", "mailto:someone@example.com", "https://"} {
		_, err := CanonicalizeURL(in)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("CanonicalizeURL(%q): expected ValidationError, got %v", in, err)
			continue
		}
		if verr.Field != "url" {
			t.Errorf("CanonicalizeURL(%q): expected field url, got %q", in, verr.Field)
		}
	}
}

func TestNormalize(t *testing.T) {
	globaltime.SetMockTime(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	defer globaltime.ResetTime()

	p := RawPayload{
		SourceID:     " 42 ",
		SourceName:   "  Gitcoin ",
		URL:          "https://www.gitcoin.co/grants/42?utm_source=feed",
		Title:        "  Arbitrum   Stylus\tGrant Program ",
		Description:  "<p>Build <b>Rust</b> tooling for Stylus.</p><p>Apply by March 15, 2026</p><script>alert(1)</script>",
		RewardText:   "Up to $50,000",
		Chain:        " Arbitrum ",
		Category:     "grant",
		Requirements: []string{"- Open source\n- rust", "Working demo"},
		Tags:         []string{"L2", "l2", " tooling "},
	}

	got, err := Normalize(p)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if got.SourceName != "gitcoin" {
		t.Errorf("expected source gitcoin, got %q", got.SourceName)
	}
	if got.SourceID != "42" {
		t.Errorf("expected source id 42, got %q", got.SourceID)
	}
	if got.URL != "https://gitcoin.co/grants/42" {
		t.Errorf("unexpected canonical url %q", got.URL)
	}
	if got.Title != "Arbitrum Stylus Grant Program" {
		t.Errorf("unexpected title %q", got.Title)
	}
	if strings.Contains(got.Description, "alert") || strings.Contains(got.Description, "<") {
		t.Errorf("description not sanitized: %q", got.Description)
	}
	if !strings.Contains(got.Description, "Build Rust tooling for Stylus.") {
		t.Errorf("description lost text: %q", got.Description)
	}
	if got.Deadline == nil || got.Deadline.Format("2006-01-02") != "2026-03-15" {
		t.Errorf("expected deadline extracted from description, got %v", got.Deadline)
	}
	if got.Chain != "Arbitrum" {
		t.Errorf("expected raw chain preserved, got %q", got.Chain)
	}
	wantReqs := []string{"Open source", "rust", "Working demo"}
	if !reflect.DeepEqual(got.Requirements, wantReqs) {
		t.Errorf("requirements = %v, want %v", got.Requirements, wantReqs)
	}
	wantTags := []string{"L2", "tooling"}
	if !reflect.DeepEqual(got.Tags, wantTags) {
		t.Errorf("tags = %v, want %v", got.Tags, wantTags)
	}
	if !got.ScrapedAt.Equal(globaltime.UTC()) {
		t.Errorf("expected scraped_at to default to clock, got %v", got.ScrapedAt)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	p := RawPayload{
		SourceName:  "devpost",
		URL:         "https://devpost.com/hackathons/x?b=1&a=2",
		Title:       "Solana Summer Hackathon",
		Description: "Build DeFi apps in Rust. Deadline: 2026-07-01",
		ScrapedAt:   "2026-06-01T10:00:00Z",
	}

	first, err := Normalize(p)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := Normalize(p)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("normalize is not deterministic:\n%#v\n%#v", first, again)
		}
	}
}

func TestNormalize_ValidationErrors(t *testing.T) {
	base := RawPayload{SourceName: "gitcoin", URL: "https://gitcoin.co/x", Title: "Grant"}

	tests := []struct {
		name  string
		mod   func(p *RawPayload)
		field string
	}{
		{"Empty title", func(p *RawPayload) { p.Title = "   \t " }, "title"},
		{"Missing source", func(p *RawPayload) { p.SourceName = " " }, "source_name"},
		{"Relative url", func(p *RawPayload) { p.URL = "/grants/1" }, "url"},
		{"Bad scraped_at", func(p *RawPayload) { p.ScrapedAt = "yesterday" }, "scraped_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mod(&p)
			_, err := Normalize(p)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}

func TestNormalize_UnparseableDeadlineIsNil(t *testing.T) {
	got, err := Normalize(RawPayload{
		SourceName: "gitcoin",
		URL:        "https://gitcoin.co/x",
		Title:      "Grant",
		Deadline:   "when funds run out",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Deadline != nil {
		t.Errorf("expected nil deadline, got %v", got.Deadline)
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"  hello   world ", "hello world"},
		{"ｆｕｌｌｗｉｄｔｈ", "fullwidth"},
		{"a\u0000b\u0007c", "abc"},
		{"line\none\r\ntwo", "line one two"},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.input); got != tt.expected {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestFoldTitle(t *testing.T) {
	if FoldTitle("Arbitrum Stylus Grant!") != FoldTitle("arbitrum-stylus  GRANT") {
		t.Errorf("expected titles differing only in punctuation and case to fold equal")
	}
}

func TestExtractSkills(t *testing.T) {
	got := ExtractSkills("We need Solidity and C++ devs, plus a Next.js frontend. Zero-knowledge a plus. let's go")
	want := []string{"Solidity", "Next.js", "C++", "ZK", "Frontend"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractSkills = %v, want %v", got, want)
	}
}

func TestResolveVocabulary(t *testing.T) {
	categories := []struct {
		raw  string
		want models.Category
	}{
		{"grant", models.CategoryGrant},
		{"GRANTS", models.CategoryGrant},
		{"DeFi Hackathon", models.CategoryHackathon},
		{"bug bounty", models.CategoryBounty},
		{"Incentivized Testnet", models.CategoryTestnet},
		{"something else", models.CategoryOther},
		{"", models.CategoryOther},
	}
	for _, tt := range categories {
		if got := ResolveCategory(tt.raw); got != tt.want {
			t.Errorf("ResolveCategory(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	chains := []struct {
		raw  string
		want models.Chain
	}{
		{"Arbitrum", models.ChainArbitrum},
		{"binance smart chain", models.ChainBNB},
		{"ETH", models.ChainEthereum},
		{"cross-chain", models.ChainMultichain},
		{"Solana Mainnet", models.ChainSolana},
		{"Hedera", models.ChainOther},
	}
	for _, tt := range chains {
		if got := ResolveChain(tt.raw); got != tt.want {
			t.Errorf("ResolveChain(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestMergeUniqueFold(t *testing.T) {
	got := MergeUniqueFold([]string{"Rust", "DeFi"}, []string{"rust", "", "  Go ", "defi", "Go"})
	want := []string{"Rust", "DeFi", "Go"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeUniqueFold = %v, want %v", got, want)
	}
}

func TestIsTruncated(t *testing.T) {
	for in, want := range map[string]bool{
		"Full text.":                false,
		"Cut off...":                true,
		"Cut off…":                  true,
		"Body [TRUNCATED]":          true,
		"Ellipsis... in the middle": false,
	} {
		if got := IsTruncated(in); got != want {
			t.Errorf("IsTruncated(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalize_IdempotentOnNormalizedForm(t *testing.T) {
	p := RawPayload{
		SourceName:   "  DevPost",
		URL:          "https://WWW.devpost.com/h/solana/?utm_source=x",
		Title:        "Solana   Summer\nHackathon",
		Description:  "<div>Build <i>DeFi</i> apps in Rust.</div> Deadline: July 1, 2026",
		Requirements: []string{"1. Team of 2+", "2. Open source"},
		Tags:         []string{"Solana", "solana"},
		ScrapedAt:    "2026-06-01T10:00:00Z",
	}

	first, err := Normalize(p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Normalize(first.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("normalize(normalized) differs:\n%#v\n%#v", first, second)
	}
}

func TestNormalize_IdempotentWithEncodedMarkup(t *testing.T) {
	p := RawPayload{
		SourceName:  "devpost",
		URL:         "https://devpost.com/h/markup",
		Title:       "Tags &lt;b&gt;bold&lt;/b&gt; hackathon",
		Description: "Use the &lt;script&gt; tag wisely",
		ScrapedAt:   "2026-06-01T10:00:00Z",
	}

	first, err := Normalize(p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Normalize(first.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if first.Description != second.Description {
		t.Errorf("description = %q after renormalizing, want %q", second.Description, first.Description)
	}
	if first.Title != second.Title {
		t.Errorf("title = %q after renormalizing, want %q", second.Title, first.Title)
	}
	if strings.Contains(first.Description, "<script>") {
		t.Errorf("description %q still carries markup", first.Description)
	}
}

func TestCleanDescription_StableOnOwnOutput(t *testing.T) {
	for _, in := range []string{
		"Use the &lt;script&gt; tag wisely",
		"<p>a &amp;lt;b&amp;gt; c</p>",
		"plain a < b and c > d",
	} {
		once := CleanDescription(in)
		if twice := CleanDescription(once); twice != once {
			t.Errorf("CleanDescription(%q) = %q, cleaning again gives %q", in, once, twice)
		}
	}
}

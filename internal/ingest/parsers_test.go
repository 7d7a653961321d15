package ingest

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseReward(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		low      string
		high     string
		currency string
	}{
		{"Dollar with k suffix", "$40k", "", "40000", "USD"},
		{"Millions", "1.5M USDC prize pool", "", "1500000", "USDC"},
		{"Range", "$5,000 - $25,000", "5000", "25000", "USD"},
		{"Up to", "Up to €100,000 per project", "", "100000", "EUR"},
		{"At least", "At least 10 ETH", "10", "", "ETH"},
		{"Token wins over symbol", "$10,000 paid in USDT", "", "10000", "USDT"},
		{"European thousands", "1.000.000 EUR", "", "1000000", "EUR"},
		{"Spelled multiplier", "2 million ARB", "", "2000000", "ARB"},
		{"No amount", "Swag and glory", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseReward(tt.input)
			if got.Text != tt.input {
				t.Errorf("expected text kept %q, got %q", tt.input, got.Text)
			}
			if got.Currency != tt.currency {
				t.Errorf("currency = %q, want %q", got.Currency, tt.currency)
			}
			checkAmount(t, "low", got.Low == nil, func() string { return got.Low.String() }, tt.low)
			checkAmount(t, "high", got.High == nil, func() string { return got.High.String() }, tt.high)
		})
	}
}

func checkAmount(t *testing.T, label string, isNil bool, value func() string, want string) {
	t.Helper()
	if want == "" {
		if !isNil {
			t.Errorf("%s = %s, want nil", label, value())
		}
		return
	}
	if isNil {
		t.Errorf("%s = nil, want %s", label, want)
		return
	}
	if got := value(); got != want {
		t.Errorf("%s = %s, want %s", label, got, want)
	}
}

func TestParseDeadline(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"2026-03-15", "2026-03-15T23:59:59Z"},
		{"2026-03-15T12:00:00Z", "2026-03-15T12:00:00Z"},
		{"2026-03-15T12:00:00+02:00", "2026-03-15T10:00:00Z"},
		{"March 15, 2026", "2026-03-15T23:59:59Z"},
		{"15 March 2026", "2026-03-15T23:59:59Z"},
		{"Mar 15th, 2026", "2026-03-15T23:59:59Z"},
		{"Deadline: 03/15/2026", "2026-03-15T23:59:59Z"},
		{"15/03/2026", "2026-03-15T23:59:59Z"},
		{"Closes on March 15, 2026 at noon", "2026-03-15T23:59:59Z"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseDeadline(tt.input)
			if got == nil {
				t.Fatalf("ParseDeadline(%q) = nil", tt.input)
			}
			if s := got.Truncate(time.Second).Format(time.RFC3339); s != tt.expected {
				t.Errorf("ParseDeadline(%q) = %s, want %s", tt.input, s, tt.expected)
			}
		})
	}

	for _, bad := range []string{"", "TBD", "rolling", "soon-ish"} {
		if got := ParseDeadline(bad); got != nil {
			t.Errorf("ParseDeadline(%q) = %v, want nil", bad, got)
		}
	}
}

func TestExtractDeadline(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{"Apply by month name", "Great program. Apply by March 15, 2026.", "2026-03-15"},
		{"Closing numeric", "Applications closing: 06/30/2026", "2026-06-30"},
		{"Ends ISO", "Round ends 2026-08-01 for all tracks", "2026-08-01"},
		{"Until day first", "Open until 3 September 2026", "2026-09-03"},
		{"Due without year is next occurrence", "Submissions due March 1", "2027-03-01"},
		{"Due without year later this year", "Submissions due June 1", "2026-06-01"},
		{"No phrase", "No dates mentioned here", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractDeadline(tt.text, now)
			if tt.expected == "" {
				if got != nil {
					t.Errorf("expected nil, got %v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected %s, got nil", tt.expected)
			}
			if s := got.Format("2006-01-02"); s != tt.expected {
				t.Errorf("got %s, want %s", s, tt.expected)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	valid := `{"source_name":"gitcoin","url":"https://gitcoin.co/g/1","title":"Grant","tags":["a"]}`
	p, err := DecodePayload(json.RawMessage(valid))
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if p.SourceName != "gitcoin" || p.Title != "Grant" || len(p.Tags) != 1 {
		t.Errorf("unexpected payload %+v", p)
	}

	invalid := []struct {
		name string
		body string
	}{
		{"Missing title", `{"source_name":"gitcoin","url":"https://gitcoin.co/g/1"}`},
		{"Unknown field", `{"source_name":"gitcoin","url":"u","title":"t","bogus":1}`},
		{"Wrong type", `{"source_name":"gitcoin","url":"u","title":7}`},
		{"Trailing content", `{"source_name":"gitcoin","url":"u","title":"t"} {}`},
		{"Not JSON", `<html>`},
		{"Empty", ``},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(json.RawMessage(tt.body))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestDecodePayloads(t *testing.T) {
	body := `[
		{"source_name":"gitcoin","url":"https://gitcoin.co/g/1","title":"One"},
		{"source_name":"gitcoin","url":"https://gitcoin.co/g/2"}
	]`
	payloads, errs, err := DecodePayloads(json.RawMessage(body))
	if err != nil {
		t.Fatalf("DecodePayloads failed: %v", err)
	}
	if len(payloads) != 2 || len(errs) != 2 {
		t.Fatalf("expected 2 results, got %d payloads and %d errors", len(payloads), len(errs))
	}
	if errs[0] != nil || payloads[0].Title != "One" {
		t.Errorf("first element should decode, got %+v / %v", payloads[0], errs[0])
	}
	if errs[1] == nil {
		t.Errorf("second element should fail validation")
	}

	single, errs, err := DecodePayloads(json.RawMessage(`{"source_name":"x","url":"https://x.io","title":"T"}`))
	if err != nil || len(single) != 1 || errs[0] != nil {
		t.Errorf("single object should decode as one payload, got %v %v %v", single, errs, err)
	}
}

package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/models"
)

func TestAssessRisk(t *testing.T) {
	t.Parallel()
	longDesc := strings.Repeat("Build zero-knowledge tooling for the ecosystem. ", 3)

	tests := []struct {
		name  string
		req   Request
		trust int
		level models.RiskLevel
	}{
		{"Manual entry", Request{Sources: []string{"manual"}}, 100, models.RiskLow},
		{"Platform with rich description", Request{Sources: []string{"gitcoin"}, Description: longDesc}, 90, models.RiskLow},
		{"Sparse description", Request{Sources: []string{"twitter"}, Description: "short"}, 65, models.RiskMedium},
		{"Social link", Request{Sources: []string{"twitter"}, Description: longDesc, URL: "https://t.me/airdrop"}, 75, models.RiskLow},
		{"Scam phrase", Request{Title: "Guaranteed airdrop doubler", Sources: []string{"twitter"}, Description: "short"}, 25, models.RiskHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AssessRisk(tt.req)
			if got.TrustScore != tt.trust || got.RiskLevel != tt.level {
				t.Errorf("AssessRisk = %d/%s, want %d/%s (flags %v)", got.TrustScore, got.RiskLevel, tt.trust, tt.level, got.Flags)
			}
		})
	}
}

func TestDecodeModelJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"Plain", `{"ai_summary":"ok"}`, "ok", false},
		{"Fenced", "```json\n{\"ai_summary\":\"fenced\"}\n```", "fenced", false},
		{"Prose around", `Sure! Here it is: {"ai_summary":"a {brace} inside"} hope it helps`, "a {brace} inside", false},
		{"Escaped quote", `{"ai_summary":"say \"hi\" {"}`, `say "hi" {`, false},
		{"No object", "no json here", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cur curatorResponse
			err := decodeModelJSON(tt.in, &cur)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if cur.Summary != tt.want {
				t.Errorf("summary = %q, want %q", cur.Summary, tt.want)
			}
		})
	}
}

func TestHTTPOracle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantKind  Kind
		wantScore int
		wantTrust int
	}{
		{
			name: "Full response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"score":77,"win_probability":"60%","trust_score":88,"risk_level":"low","summary":"s"}`))
			},
			wantScore: 77,
			wantTrust: 88,
		},
		{
			name: "Missing strategy and risk falls back to neutral verdict",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/ai/risk-assess" {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				w.Write([]byte(`{"score":70}`))
			},
			wantScore: 70,
			wantTrust: 50,
		},
		{
			name: "Risk endpoint answers",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/ai/risk-assess" {
					w.Write([]byte(`{"risk_score":20,"risk_level":"HIGH","flags":["new domain"]}`))
					return
				}
				w.Write([]byte(`{"score":40}`))
			},
			wantScore: 40,
			wantTrust: 20,
		},
		{
			name: "Missing score is malformed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"summary":"no score"}`))
			},
			wantKind: KindMalformed,
		},
		{
			name: "Garbage body is malformed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`<html>`))
			},
			wantKind: KindMalformed,
		},
		{
			name: "Rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantKind: KindRateLimited,
		},
		{
			name: "Server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantKind: KindUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			o := NewHTTPOracle(srv.URL, srv.Client(), zerolog.Nop())
			res, err := o.Score(context.Background(), Request{Title: "Grant"})
			if tt.wantKind != "" {
				if KindOf(err) != tt.wantKind {
					t.Fatalf("kind = %q, want %q (err %v)", KindOf(err), tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if res.Score != tt.wantScore || res.TrustScore != tt.wantTrust {
				t.Errorf("got score %d trust %d, want %d/%d", res.Score, res.TrustScore, tt.wantScore, tt.wantTrust)
			}
		})
	}
}

func TestHTTPOracle_Timeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPOracle(srv.URL, srv.Client(), zerolog.Nop()).Score(ctx, Request{})
	var oe *OracleError
	if !errors.As(err, &oe) || oe.Kind != KindTimeout {
		t.Fatalf("expected timeout oracle error, got %v", err)
	}
}

type scriptedCompleter struct {
	replies []string
	errs    []error
	calls   int
}

func (s *scriptedCompleter) GenerateCompletion(_ context.Context, _ string, _ bool) (string, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], err
	}
	return "", err
}

func TestLLMOracle(t *testing.T) {
	t.Parallel()
	req := Request{
		Title:       "Arbitrum Stylus Grant",
		Description: strings.Repeat("Rust contracts on Stylus. ", 4),
		Sources:     []string{"gitcoin"},
	}

	t.Run("JSON mode", func(t *testing.T) {
		llm := &scriptedCompleter{replies: []string{`{"win_probability":"High","required_skills":["Rust","C++"],"ai_summary":"Build on Stylus"}`}}
		res, err := NewLLMOracle(llm, zerolog.Nop()).Score(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Score != 89 || res.WinProbability != "85%" || res.TrustScore != 90 || res.Strategy != "" {
			t.Errorf("unexpected result %+v", res)
		}
		if llm.calls != 1 {
			t.Errorf("expected one call, got %d", llm.calls)
		}
	})

	t.Run("Falls back to text mode", func(t *testing.T) {
		llm := &scriptedCompleter{replies: []string{"I think", "```json\n{\"win_probability\":\"medium\"}\n```"}}
		res, err := NewLLMOracle(llm, zerolog.Nop()).Score(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Score != 65 || res.WinProbability != "50%" {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("JSON mode failure retries in text mode", func(t *testing.T) {
		llm := &scriptedCompleter{
			replies: []string{"", `{"win_probability":"High"}`},
			errs:    []error{errors.New("format unsupported")},
		}
		res, err := NewLLMOracle(llm, zerolog.Nop()).Score(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.WinProbability != "85%" || llm.calls != 2 {
			t.Errorf("result = %+v after %d calls, want 85%% after 2", res, llm.calls)
		}
	})

	t.Run("Cancelled context does not retry", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		llm := &scriptedCompleter{errs: []error{context.Canceled}}
		_, err := NewLLMOracle(llm, zerolog.Nop()).Score(ctx, req)
		if KindOf(err) != KindUnavailable {
			t.Errorf("kind = %q, want %q (err %v)", KindOf(err), KindUnavailable, err)
		}
		if llm.calls != 1 {
			t.Errorf("calls = %d, want 1", llm.calls)
		}
	})

	t.Run("Unparseable is malformed", func(t *testing.T) {
		llm := &scriptedCompleter{replies: []string{"nope", "still nope"}}
		_, err := NewLLMOracle(llm, zerolog.Nop()).Score(context.Background(), req)
		if KindOf(err) != KindMalformed {
			t.Errorf("expected malformed, got %v", err)
		}
	})

	t.Run("Unknown win label is malformed", func(t *testing.T) {
		llm := &scriptedCompleter{replies: []string{`{"win_probability":"certain"}`}}
		_, err := NewLLMOracle(llm, zerolog.Nop()).Score(context.Background(), req)
		if KindOf(err) != KindMalformed {
			t.Errorf("expected malformed, got %v", err)
		}
	})
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	base := time.Second
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := Backoff(base, i+1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

package sources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/db"
	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/ingest"
	"github.com/david/oppforge/internal/models"
	"github.com/david/oppforge/internal/pipeline"
)

type stubConnector struct {
	cfg      SourceConfig
	payloads []ingest.RawPayload
	err      error

	mu    sync.Mutex
	calls int
	ran   chan struct{}
}

func (c *stubConnector) Source() SourceConfig { return c.cfg }

func (c *stubConnector) Collect(context.Context) ([]ingest.RawPayload, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.ran != nil {
		select {
		case c.ran <- struct{}{}:
		default:
		}
	}
	return c.payloads, c.err
}

// countingSubmitter marks every third payload a duplicate and rejects titles
// starting with "bad".
type countingSubmitter struct {
	mu        sync.Mutex
	submitted int
}

func (s *countingSubmitter) SubmitBatch(_ context.Context, payloads []ingest.RawPayload) pipeline.BatchReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r pipeline.BatchReport
	for i, p := range payloads {
		s.submitted++
		switch {
		case len(p.Title) >= 3 && p.Title[:3] == "bad":
			r.Invalid++
		case i%3 == 2:
			r.Duplicates++
		default:
			r.Created++
		}
	}
	return r
}

func stubSource(id string, n int) *stubConnector {
	c := &stubConnector{cfg: SourceConfig{ID: id, Name: id, Kind: KindJSON, Interval: time.Hour}}
	for i := 0; i < n; i++ {
		c.payloads = append(c.payloads, ingest.RawPayload{SourceName: id, URL: "https://x/" + id, Title: "item"})
	}
	return c
}

func TestRunSourceRecordsRun(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(now)
	defer globaltime.ResetTime()

	store := db.NewMemoryStore()
	conn := stubSource("dorahacks", 3)
	conn.payloads = append(conn.payloads, ingest.RawPayload{Title: "bad one"})

	r := NewRunner([]Connector{conn}, &countingSubmitter{}, store, zerolog.Nop())
	run, err := r.RunSource(context.Background(), "dorahacks")
	if err != nil {
		t.Fatalf("RunSource: %v", err)
	}
	if run.Status != models.RunSuccess {
		t.Errorf("status = %s", run.Status)
	}
	if run.Found != 4 || run.Accepted != 2 || run.Duplicates != 1 || run.Invalid != 1 {
		t.Errorf("counts = found %d accepted %d dup %d invalid %d", run.Found, run.Accepted, run.Duplicates, run.Invalid)
	}

	health, err := store.ScraperHealth(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(health) != 1 || health[0].Source != "dorahacks" || health[0].LastRun == nil {
		t.Fatalf("health = %+v", health)
	}
	if health[0].LastSuccess == nil || !health[0].LastSuccess.Equal(now) {
		t.Errorf("last success = %v", health[0].LastSuccess)
	}
}

func TestRunSourceStatus(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		err     error
		want    string
		wantErr bool
	}{
		{name: "clean run", n: 2, want: models.RunSuccess},
		{name: "empty feed", n: 0, want: models.RunSuccess},
		{name: "later page failed", n: 2, err: errors.New("page 2: 503"), want: models.RunPartial},
		{name: "nothing collected", n: 0, err: errors.New("dns failure"), want: models.RunFailed, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := stubSource("src", tt.n)
			conn.err = tt.err
			store := db.NewMemoryStore()

			run, err := NewRunner([]Connector{conn}, &countingSubmitter{}, store, zerolog.Nop()).RunSource(context.Background(), "src")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if run.Status != tt.want {
				t.Errorf("status = %s, want %s", run.Status, tt.want)
			}
			if tt.err != nil && run.Error != tt.err.Error() {
				t.Errorf("error = %q", run.Error)
			}
		})
	}
}

func TestRunSourceUnknown(t *testing.T) {
	r := NewRunner(nil, &countingSubmitter{}, nil, zerolog.Nop())
	if _, err := r.RunSource(context.Background(), "nope"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
}

func TestRunnerStartRunsEachSourceUntilCancelled(t *testing.T) {
	a, b := stubSource("a", 1), stubSource("b", 1)
	a.ran, b.ran = make(chan struct{}, 1), make(chan struct{}, 1)
	sub := &countingSubmitter{}

	r := NewRunner([]Connector{b, a}, sub, db.NewMemoryStore(), zerolog.Nop())
	if got := r.Sources(); len(got) != 2 || got[0].ID != "a" {
		t.Fatalf("sources = %+v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	for _, ch := range []chan struct{}{a.ran, b.ran} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("connector was not run")
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

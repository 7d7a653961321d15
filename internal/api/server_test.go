package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/auth"
	"github.com/david/oppforge/internal/db"
	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/merge"
	"github.com/david/oppforge/internal/models"
	"github.com/david/oppforge/internal/pipeline"
	"github.com/david/oppforge/internal/sources"
)

const adminSecret = "shared-secret"

type stubRunner struct{}

func (stubRunner) RunSource(_ context.Context, id string) (models.ScrapeRun, error) {
	if id != "dorahacks" {
		return models.ScrapeRun{}, sources.ErrUnknownSource
	}
	return models.ScrapeRun{Source: id, Status: models.RunSuccess, Found: 3, Accepted: 3}, nil
}

type testServer struct {
	srv   *Server
	store *db.MemoryStore
	auth  *auth.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	store := db.NewMemoryStore()

	clusters := dedup.NewMemoryClusterStore()
	clusterer := dedup.NewClusterer(clusters, dedup.DefaultConfig(), logger)
	ranking := merge.NewRanking(map[string]merge.SourceProfile{
		"arbitrum": {Tier: merge.TierOfficial, Authoritative: true},
	})
	engine := merge.NewEngine(store, clusterer, ranking, merge.Config{}, logger)
	p := pipeline.New(pipeline.Deps{
		Index:     dedup.NewMemoryIndex(),
		Clusters:  clusters,
		Clusterer: clusterer,
		Merger:    engine,
		Store:     store,
	}, pipeline.Config{}, logger)

	authSvc, err := auth.NewService(store, auth.Config{JWTSecret: "jwt", TokenTTL: time.Hour, AdminSecret: adminSecret}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := authSvc.Bootstrap(context.Background(), "admin@example.org", "hunter22"); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(Deps{Store: store, Ingestor: p, Auth: authSvc, Runner: stubRunner{}}, Config{}, logger)
	return &testServer{srv: srv, store: store, auth: authSvc}
}

func (ts *testServer) do(t *testing.T, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set(auth.AdminSecretHeader, adminSecret)
	}
	rec := httptest.NewRecorder()
	ts.srv.Echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestIngestAndList(t *testing.T) {
	ts := newTestServer(t)

	body := `[
	  {"source_name": "arbitrum", "url": "https://arbitrum.foundation/grants/stylus", "title": "Stylus Sprint",
	   "description": "Build Rust contracts", "reward_text": "$50,000", "chain": "Arbitrum", "category": "grant"},
	  {"source_name": "arbitrum", "url": "https://arbitrum.foundation/grants/stylus", "title": "Stylus Sprint"},
	  {"source_name": "arbitrum", "url": "https://arbitrum.foundation/x", "title": "   "},
	  {"source_name": "arbitrum", "title": "missing url"}
	]`
	rec := ts.do(t, http.MethodPost, "/api/v1/ingest", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest = %d %s", rec.Code, rec.Body.String())
	}
	report := decode[pipeline.BatchReport](t, rec)
	if report.Created != 1 || report.Duplicates != 1 || report.Invalid != 2 {
		t.Fatalf("report = %+v", report)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/opportunities", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	list := decode[map[string]any](t, rec)
	data := list["data"].([]any)
	if len(data) != 1 || list["total"].(float64) != 1 {
		t.Fatalf("list = %s", rec.Body.String())
	}
	rec0 := data[0].(map[string]any)
	if rec0["reward_pool"] != "$50,000" {
		t.Errorf("reward_pool = %v", rec0["reward_pool"])
	}
	if rec0["source"] != "arbitrum" {
		t.Errorf("source = %v", rec0["source"])
	}
	if rec0["summary"] != "Build Rust contracts" {
		t.Errorf("summary = %v", rec0["summary"])
	}
	if rec0["status"] != models.StatusActive {
		t.Errorf("status = %v", rec0["status"])
	}
	if rec0["score"] != nil {
		t.Errorf("unscored record has score %v", rec0["score"])
	}
	for _, key := range []string{"id", "title", "category", "chain", "win_probability", "trust_score", "risk_level", "is_verified", "deadline", "requirements", "tags", "created_at", "url", "sources", "reward", "updated_at"} {
		if _, ok := rec0[key]; !ok {
			t.Errorf("wire record misses %q", key)
		}
	}

	id := rec0["id"].(string)
	rec = ts.do(t, http.MethodGet, "/api/v1/opportunities/"+id, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
}

func TestIngestErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		body  string
		admin bool
		code  int
	}{
		{name: "unauthenticated", body: `{}`, admin: false, code: http.StatusUnauthorized},
		{name: "malformed json", body: `{"title":`, admin: true, code: http.StatusBadRequest},
		{name: "trailing content", body: `{} {}`, admin: true, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/ingest", tt.body, tt.admin)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
		})
	}
}

func TestListValidation(t *testing.T) {
	ts := newTestServer(t)
	for _, q := range []string{"status=open", "sort=random", "verified=maybe"} {
		rec := ts.do(t, http.MethodGet, "/api/v1/opportunities?"+q, "", false)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: code = %d", q, rec.Code)
		}
	}
}

func TestGetOpportunityErrors(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/api/v1/opportunities/not-a-uuid", "", false); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id code = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/v1/opportunities/5b0f5f5e-3f7e-4a38-9a8e-0d2b7c1f0a11", "", false); rec.Code != http.StatusNotFound {
		t.Errorf("missing id code = %d", rec.Code)
	}
}

func TestLoginTokenGrantsAdmin(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", `{"email":"admin@example.org","password":"nope"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", `{"email":"admin@example.org","password":"hunter22"}`, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d %s", rec.Code, rec.Body.String())
	}
	token := decode[auth.AuthResponse](t, rec).Token

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/scrapers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	out := httptest.NewRecorder()
	ts.srv.Echo.ServeHTTP(out, req)
	if out.Code != http.StatusOK || strings.TrimSpace(out.Body.String()) != "[]" {
		t.Fatalf("scrapers = %d %s", out.Code, out.Body.String())
	}
}

func TestManualVerifyDelete(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/admin/opportunities",
		`{"title":"Core Devs Fund","url":"https://fund.example.org","reward_pool":"10,000 USDC","tags":["infra"]}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	created := decode[map[string]any](t, rec)
	if created["source"] != models.SourceManual || created["is_verified"] != true {
		t.Fatalf("created = %s", rec.Body.String())
	}
	id := created["id"].(string)

	if rec := ts.do(t, http.MethodPost, "/api/v1/admin/opportunities", `{"title":"no url"}`, true); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid manual create = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/admin/opportunities",
		`{"title":"Core Devs Fund again","url":"https://fund.example.org"}`, true); rec.Code != http.StatusConflict {
		t.Errorf("duplicate manual create = %d %s", rec.Code, rec.Body.String())
	}

	if rec := ts.do(t, http.MethodPost, "/api/v1/admin/opportunities/"+id+"/verify", "", true); rec.Code != http.StatusOK {
		t.Errorf("verify = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/v1/admin/opportunities/"+id, "", true); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/v1/admin/opportunities/"+id, "", true); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/admin/opportunities/"+id+"/verify", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("verify deleted = %d", rec.Code)
	}
}

func TestRunSource(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/api/v1/admin/sources/dorahacks/run", "", true); rec.Code != http.StatusOK {
		t.Errorf("run = %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/admin/sources/nope/run", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run = %d", rec.Code)
	}
}

func TestReconcileJob(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/ingest", `{"source_name":"arbitrum","url":"https://a.example.org/1","title":"One"}`, true)

	rec := ts.do(t, http.MethodPost, "/api/v1/admin/reconcile", "", true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reconcile = %d %s", rec.Code, rec.Body.String())
	}
	jobID := decode[map[string]any](t, rec)["job_id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = ts.do(t, http.MethodGet, "/api/v1/admin/job/"+jobID, "", true)
		if rec.Code != http.StatusOK {
			t.Fatalf("job = %d", rec.Code)
		}
		job := decode[map[string]any](t, rec)
		if job["status"] == jobCompleted {
			result := job["result"].(map[string]any)
			if result["reconcile"].(map[string]any)["clusters"].(float64) != 1 {
				t.Errorf("result = %v", result)
			}
			break
		}
		if job["status"] == jobFailed {
			t.Fatalf("job failed: %v", job["error"])
		}
		if time.Now().After(deadline) {
			t.Fatal("job did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if rec := ts.do(t, http.MethodGet, "/api/v1/admin/job/unknown", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job = %d", rec.Code)
	}
}

func TestListIncludesExpiredUnlessFiltered(t *testing.T) {
	ts := newTestServer(t)
	past := time.Now().UTC().Add(-48 * time.Hour)
	expired := &models.Opportunity{
		ID:        uuid.New(),
		Title:     "Closed Bounty",
		Deadline:  &past,
		Sources:   []models.SourceRef{{Name: "gitcoin", URL: "https://gitcoin.co/closed"}},
		CreatedAt: past,
		UpdatedAt: past,
	}
	if err := ts.store.Upsert(context.Background(), expired); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/opportunities", "", false)
	list := decode[map[string]any](t, rec)
	if list["total"].(float64) != 1 {
		t.Fatalf("unfiltered list = %s", rec.Body.String())
	}
	if got := list["data"].([]any)[0].(map[string]any)["status"]; got != models.StatusExpired {
		t.Errorf("status = %v, want %s", got, models.StatusExpired)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/opportunities?status=active", "", false)
	if total := decode[map[string]any](t, rec)["total"].(float64); total != 0 {
		t.Errorf("active list total = %v, want 0", total)
	}
}

package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/globaltime"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisQueue_OrderAndLimit(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	q := NewRedisQueue(client, "test:jobs", zerolog.Nop())
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	for _, j := range []Job{
		{OpportunityID: a, ContentHash: "ha", DueAt: now.Add(2 * time.Second)},
		{OpportunityID: b, ContentHash: "hb", DueAt: now},
		{OpportunityID: c, ContentHash: "hc", DueAt: now.Add(time.Hour)},
	} {
		if err := q.Push(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := q.PopDue(ctx, now.Add(time.Minute), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].OpportunityID != b || jobs[0].ContentHash != "hb" {
		t.Fatalf("first pop = %+v, want job for %s", jobs, b)
	}
	jobs, err = q.PopDue(ctx, now.Add(time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].OpportunityID != a {
		t.Fatalf("second pop = %+v, want job for %s", jobs, a)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1 job not yet due", n)
	}
}

func TestRedisQueue_ClaimsAreExclusive(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	first := NewRedisQueue(client, "test:jobs", zerolog.Nop())
	second := NewRedisQueue(client, "test:jobs", zerolog.Nop())
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := first.Push(ctx, Job{OpportunityID: uuid.New(), DueAt: now}); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[uuid.UUID]bool{}
	for _, q := range []*RedisQueue{first, second, first} {
		jobs, err := q.PopDue(ctx, now, 2)
		if err != nil {
			t.Fatal(err)
		}
		for _, j := range jobs {
			if seen[j.OpportunityID] {
				t.Errorf("job %s claimed twice", j.OpportunityID)
			}
			seen[j.OpportunityID] = true
		}
	}
	if len(seen) != 3 {
		t.Errorf("claimed %d jobs, want 3", len(seen))
	}
}

func TestRedisQueue_DropsUndecodableMembers(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	q := NewRedisQueue(client, "test:jobs", zerolog.Nop())
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	if err := client.ZAdd(ctx, "test:jobs", redis.Z{Score: 0, Member: "not-json"}).Err(); err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	if err := q.Push(ctx, Job{OpportunityID: id, DueAt: now}); err != nil {
		t.Fatal(err)
	}

	jobs, err := q.PopDue(ctx, now, 0)
	if err != nil {
		t.Fatalf("PopDue error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].OpportunityID != id {
		t.Fatalf("PopDue = %+v, want only the decodable job", jobs)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len = %d, undecodable member should be removed", n)
	}
}

func TestRedisQueue_ReadFailureIsReported(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	q := NewRedisQueue(client, "test:jobs", zerolog.Nop())

	mr.SetError("ERR server unavailable")
	defer mr.SetError("")
	jobs, err := q.PopDue(ctx, time.Now(), 0)
	if err == nil {
		t.Fatalf("expected error while redis is failing, got jobs %+v", jobs)
	}
	if jobs != nil {
		t.Errorf("jobs = %+v, want none on error", jobs)
	}
}

func TestWorker_RedisQueueBackoffAndMaxAttempts(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(start)
	defer globaltime.ResetTime()

	_, client := newTestRedis(t)
	ctx := context.Background()
	o := opportunity("h1")
	store := newMemScores(o)
	queue := NewRedisQueue(client, "test:jobs", zerolog.Nop())
	orc := &stubOracle{err: newError(KindRateLimited, nil)}
	w := NewWorker(orc, store, queue, nil, WorkerConfig{MaxAttempts: 3, BackoffBase: 10 * time.Second}, zerolog.Nop())

	if err := w.Enqueue(ctx, o); err != nil {
		t.Fatal(err)
	}
	if n, err := w.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}

	globaltime.Advance(9 * time.Second)
	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Fatalf("retry ran %d jobs before its backoff elapsed", n)
	}
	globaltime.Advance(time.Second)
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("retry should be due after 10s, ran %d", n)
	}

	// Second retry waits base*2.
	globaltime.Advance(20 * time.Second)
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Fatalf("second retry should be due after 20s, ran %d", n)
	}

	if orc.calls != 3 {
		t.Errorf("oracle calls = %d, want 3", orc.calls)
	}
	if n, _ := queue.Len(ctx); n != 0 {
		t.Errorf("job should be dropped after max attempts, %d left", n)
	}
	if got, err := store.Get(ctx, o.ID); err != nil || got.Score != nil {
		t.Errorf("record must stay visible and unscored, got %+v, %v", got, err)
	}
}

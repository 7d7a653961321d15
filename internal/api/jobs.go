package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/david/oppforge/internal/globaltime"
)

const (
	jobRunning   = "running"
	jobCompleted = "completed"
	jobFailed    = "failed"

	maxFinishedJobs = 20
)

type backgroundJob struct {
	ID        string             `json:"id"`
	Kind      string             `json:"kind"`
	Status    string             `json:"status"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Result    any                `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	cancel    context.CancelFunc `json:"-"`
}

// jobTracker runs at most one job per kind and keeps the most recent finished
// ones for polling.
type jobTracker struct {
	mu    sync.Mutex
	jobs  map[string]*backgroundJob
	order []string
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[string]*backgroundJob)}
}

// start launches fn unless a job of the same kind is running, in which case that
// job is returned with started=false.
func (t *jobTracker) start(ctx context.Context, kind string, timeout time.Duration, fn func(ctx context.Context) (any, error)) (job backgroundJob, started bool) {
	t.mu.Lock()
	for _, j := range t.jobs {
		if j.Kind == kind && j.Status == jobRunning {
			running := *j
			t.mu.Unlock()
			return running, false
		}
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	j := &backgroundJob{
		ID:        uuid.New().String()[:8],
		Kind:      kind,
		Status:    jobRunning,
		StartedAt: globaltime.UTC(),
		cancel:    cancel,
	}
	t.jobs[j.ID] = j
	t.order = append(t.order, j.ID)
	t.evictLocked()
	snapshot := *j
	t.mu.Unlock()

	go func() {
		defer cancel()
		result, err := fn(jobCtx)

		t.mu.Lock()
		defer t.mu.Unlock()
		ended := globaltime.UTC()
		j.EndedAt = &ended
		j.Result = result
		if err != nil {
			j.Status = jobFailed
			j.Error = err.Error()
			return
		}
		j.Status = jobCompleted
	}()

	return snapshot, true
}

func (t *jobTracker) get(id string) (backgroundJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return backgroundJob{}, false
	}
	return *j, true
}

func (t *jobTracker) evictLocked() {
	finished := 0
	for i := len(t.order) - 1; i >= 0; i-- {
		id := t.order[i]
		if t.jobs[id].Status == jobRunning {
			continue
		}
		finished++
		if finished > maxFinishedJobs {
			delete(t.jobs, id)
			t.order = append(t.order[:i], t.order[i+1:]...)
		}
	}
}

func (t *jobTracker) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, j := range t.jobs {
		if j.Status == jobRunning && j.cancel != nil {
			j.cancel()
		}
	}
}

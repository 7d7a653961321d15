package oracle

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job asks for one opportunity to be scored against a specific content hash.
type Job struct {
	OpportunityID uuid.UUID `json:"opportunity_id"`
	ContentHash   string    `json:"content_hash"`
	Attempts      int       `json:"attempts"`
	DueAt         time.Time `json:"due_at"`
}

// Queue holds scoring jobs ordered by due time. PopDue claims jobs: a job it
// returns is returned to no other caller.
type Queue interface {
	Push(ctx context.Context, j Job) error
	PopDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Len(ctx context.Context) (int, error)
}

type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if !h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].DueAt.Before(h[j].DueAt)
	}
	return h[i].OpportunityID.String() < h[j].OpportunityID.String()
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	*h = old[:n-1]
	return j
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs jobHeap
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ context.Context, j Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.jobs, j)
	return nil
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for q.jobs.Len() > 0 && (limit <= 0 || len(out) < limit) {
		if q.jobs[0].DueAt.After(now) {
			break
		}
		out = append(out, heap.Pop(&q.jobs).(Job))
	}
	return out, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len(), nil
}

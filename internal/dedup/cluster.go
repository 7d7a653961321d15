package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/david/oppforge/internal/ingest"
)

var (
	ErrStaleCluster    = errors.New("cluster version changed")
	ErrClusterNotFound = errors.New("cluster not found")
)

// Member is one listing that joined a cluster. Members are never removed.
type Member struct {
	ListingID string            `json:"listing_id"`
	Listing   ingest.RawListing `json:"listing"`
	Score     float64           `json:"score"`
	JoinedAt  time.Time         `json:"joined_at"`
}

// Cluster groups listings believed to describe the same opportunity.
type Cluster struct {
	ID            string
	Members       []Member
	TitleCentroid Vector
	BodyCentroid  Vector
	CentroidText  string
	Version       int
	OpportunityID string
	// Members before MergeOffset were retired by an administrative delete and no
	// longer feed the merge.
	MergeOffset int
	Deadline    *time.Time
	OpenedAt    time.Time
	LastSeenAt  time.Time
	ClosedAt    *time.Time
}

// Active returns the members that feed the merge.
func (c *Cluster) Active() []Member {
	if c.MergeOffset >= len(c.Members) {
		return nil
	}
	return c.Members[c.MergeOffset:]
}

// HasOtherSource reports whether any member came from a source other than name.
func (c *Cluster) HasOtherSource(name string) bool {
	for _, m := range c.Members {
		if m.Listing.SourceName != name {
			return true
		}
	}
	return false
}

// Open reports whether the cluster may still absorb listings at now given the
// window start.
func (c *Cluster) Open(now, windowStart time.Time) bool {
	if c.ClosedAt != nil {
		return false
	}
	if c.LastSeenAt.Before(windowStart) {
		return false
	}
	if c.Deadline != nil && c.Deadline.Before(now) {
		return false
	}
	return true
}

// Clone deep-copies the cluster so stores never share mutable state with callers.
func (c *Cluster) Clone() *Cluster {
	out := *c
	out.Members = append([]Member(nil), c.Members...)
	out.TitleCentroid = cloneVector(c.TitleCentroid)
	out.BodyCentroid = cloneVector(c.BodyCentroid)
	if c.Deadline != nil {
		d := *c.Deadline
		out.Deadline = &d
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

func cloneVector(v Vector) Vector {
	out := make(Vector, len(v))
	for k, w := range v {
		out[k] = w
	}
	return out
}

// ClusterStore persists clusters. Update is a compare-and-swap on Version: it fails
// with ErrStaleCluster if the stored version differs from expectedVersion, and on
// success stores the cluster at expectedVersion+1.
type ClusterStore interface {
	Create(ctx context.Context, c *Cluster) error
	Get(ctx context.Context, id string) (*Cluster, error)
	Update(ctx context.Context, c *Cluster, expectedVersion int) error
	// Window returns clusters not closed and seen at or after since.
	Window(ctx context.Context, since time.Time) ([]*Cluster, error)
	FindByOpportunity(ctx context.Context, opportunityID string) (*Cluster, error)
	// Purge removes clusters closed before cutoff and returns their ids.
	Purge(ctx context.Context, cutoff time.Time) ([]string, error)
}

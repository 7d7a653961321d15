package ingest

import (
	"fmt"
	"time"
)

// RawPayload is the connector-facing shape of one scraped listing. Every field is
// untrusted free text until Normalize has run.
type RawPayload struct {
	SourceID     string   `json:"source_id,omitempty"`
	SourceName   string   `json:"source_name"`
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	RewardText   string   `json:"reward_text,omitempty"`
	Deadline     string   `json:"deadline,omitempty"`
	Chain        string   `json:"chain,omitempty"`
	Category     string   `json:"category,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	ScrapedAt    string   `json:"scraped_at,omitempty"`
}

// RawListing is a canonicalized listing. It is immutable once produced and is only
// kept as cluster membership; the durable record is the merged Opportunity.
type RawListing struct {
	SourceID     string     `json:"source_id"`
	SourceName   string     `json:"source_name"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	RewardText   string     `json:"reward_text"`
	Deadline     *time.Time `json:"deadline"`
	Chain        string     `json:"chain"`
	Category     string     `json:"category"`
	Requirements []string   `json:"requirements"`
	Tags         []string   `json:"tags"`
	ScrapedAt    time.Time  `json:"scraped_at"`
}

// ValidationError reports a payload that cannot enter the pipeline.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid payload: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Payload renders a listing back into connector form. Normalizing the result yields
// the same listing.
func (l RawListing) Payload() RawPayload {
	p := RawPayload{
		SourceID:     l.SourceID,
		SourceName:   l.SourceName,
		URL:          l.URL,
		Title:        l.Title,
		Description:  l.Description,
		RewardText:   l.RewardText,
		Chain:        l.Chain,
		Category:     l.Category,
		Requirements: append([]string(nil), l.Requirements...),
		Tags:         append([]string(nil), l.Tags...),
		ScrapedAt:    l.ScrapedAt.UTC().Format(time.RFC3339Nano),
	}
	if l.Deadline != nil {
		p.Deadline = l.Deadline.UTC().Format(time.RFC3339Nano)
	}
	return p
}

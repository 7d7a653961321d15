package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RunSuccess = "success"
	RunFailed  = "failed"
	RunPartial = "partial"
)

// ScrapeRun is one connector execution.
type ScrapeRun struct {
	ID         uuid.UUID `json:"id"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
	Found      int       `json:"found"`
	Accepted   int       `json:"accepted"`
	Duplicates int       `json:"duplicates"`
	Invalid    int       `json:"invalid"`
	Error      string    `json:"error,omitempty"`
}

// ScraperHealth summarizes the runs of one source for the admin view.
type ScraperHealth struct {
	Source      string     `json:"source"`
	LastRun     *ScrapeRun `json:"last_run"`
	LastSuccess *time.Time `json:"last_success"`
	Runs24h     int        `json:"runs_24h"`
	Failures24h int        `json:"failures_24h"`
}

// Stats are feed totals.
type Stats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Expired    int            `json:"expired"`
	Verified   int            `json:"verified"`
	Scored     int            `json:"scored"`
	Unscored   int            `json:"unscored"`
	ByCategory map[string]int `json:"by_category"`
	ByChain    map[string]int `json:"by_chain"`
}

// Admin is an account allowed to use the admin surface.
type Admin struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/oppforge/internal/cli"
	"github.com/david/oppforge/internal/config"
	"github.com/david/oppforge/internal/db"
	"github.com/david/oppforge/internal/globaltime"
)

func main() {
	envLoader := cli.AddEnvFlag(flag.CommandLine, ".env", "")
	limit := flag.Int("limit", 10, "number of recent runs to show")
	flag.Parse()
	_, _ = envLoader.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `
		SELECT source, status, found, accepted, duplicates, invalid, error, started_at, finished_at
		FROM scrape_runs ORDER BY started_at DESC LIMIT $1`, *limit)
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Source", "Status", "Found", "Accepted", "Dupes", "Invalid", "Duration", "Started At", "Error"})

	for rows.Next() {
		var source, status, runErr string
		var found, accepted, dupes, invalid int
		var startedAt, finishedAt time.Time
		if err := rows.Scan(&source, &status, &found, &accepted, &dupes, &invalid, &runErr, &startedAt, &finishedAt); err != nil {
			log.Printf("Scan error: %v", err)
			continue
		}
		duration := finishedAt.Sub(startedAt).Round(time.Second).String()
		t.AppendRow(table.Row{source, status, found, accepted, dupes, invalid, duration, startedAt.Local().Format("Jan 02 15:04:05"), truncate(runErr, 60)})
	}
	if err := rows.Err(); err != nil {
		log.Fatal(err)
	}
	t.Render()

	health, err := db.NewStore(pool).ScraperHealth(ctx, globaltime.UTC())
	if err != nil {
		log.Fatal(err)
	}
	h := table.NewWriter()
	h.SetOutputMirror(os.Stdout)
	h.AppendHeader(table.Row{"Source", "Runs (24h)", "Failed (24h)", "Last Status", "Last Success"})
	for _, s := range health {
		lastStatus, lastSuccess := "-", "never"
		if s.LastRun != nil {
			lastStatus = s.LastRun.Status
		}
		if s.LastSuccess != nil {
			lastSuccess = s.LastSuccess.Local().Format("Jan 02 15:04:05")
		}
		h.AppendRow(table.Row{s.Source, s.Runs24h, s.Failures24h, lastStatus, lastSuccess})
	}
	h.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

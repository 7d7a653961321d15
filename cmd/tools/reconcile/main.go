package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

type jobStatus struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Duration string          `json:"duration"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
}

func main() {
	baseURL := flag.String("base-url", "http://localhost:8081", "API base URL")
	wait := flag.Duration("wait", 10*time.Minute, "How long to poll for the job result")
	flag.Parse()

	adminSecret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	if adminSecret == "" {
		fmt.Println("Missing ADMIN_SECRET environment variable")
		os.Exit(1)
	}
	base := strings.TrimRight(*baseURL, "/")
	client := &http.Client{Timeout: 30 * time.Second}

	var started struct {
		JobID string `json:"job_id"`
		Error string `json:"error"`
	}
	status, err := call(client, http.MethodPost, base+"/api/v1/admin/reconcile", adminSecret, &started)
	if err != nil {
		fmt.Printf("Error starting reconcile: %v\n", err)
		os.Exit(1)
	}
	switch status {
	case http.StatusAccepted:
		fmt.Printf("Reconcile job %s started\n", started.JobID)
	case http.StatusConflict:
		fmt.Printf("Reconcile job %s already running; following it\n", started.JobID)
	default:
		fmt.Printf("Unexpected response %d: %s\n", status, started.Error)
		os.Exit(1)
	}

	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		time.Sleep(2 * time.Second)

		var job jobStatus
		if _, err := call(client, http.MethodGet, base+"/api/v1/admin/job/"+started.JobID, adminSecret, &job); err != nil {
			fmt.Printf("Error polling job: %v\n", err)
			os.Exit(1)
		}
		switch job.Status {
		case "completed":
			fmt.Printf("Completed in %s: %s\n", job.Duration, job.Result)
			return
		case "failed":
			fmt.Printf("Failed after %s: %s\n", job.Duration, job.Error)
			os.Exit(1)
		}
	}
	fmt.Println("Timed out waiting for reconcile job")
	os.Exit(1)
}

func call(client *http.Client, method, url, adminSecret string, out any) (int, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Admin-Secret", adminSecret)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode failed: %w", err)
	}
	return resp.StatusCode, nil
}

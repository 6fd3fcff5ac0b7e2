package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestHealthAndMetrics(t *testing.T) {
	ts := newStack(t)

	t.Run("health reports the snapshot as reachable", func(t *testing.T) {
		var health struct {
			Status   string `json:"status"`
			Database string `json:"database"`
		}
		ts.request(t, http.MethodGet, "/health", nil, &health, http.StatusOK)
		if health.Status != "ok" {
			t.Errorf("expected status ok, got %q", health.Status)
		}
		if health.Database != "ok" {
			t.Errorf("expected database ok, got %q", health.Database)
		}
	})

	t.Run("metrics expose run counters and request series", func(t *testing.T) {
		// A request through the instrumented API makes the HTTP series
		// appear; the run counters are registered up front.
		ts.request(t, http.MethodGet, "/api/v1/studies", nil, nil, http.StatusOK)

		resp, err := http.Get(ts.Server.URL + "/metrics")
		if err != nil {
			t.Fatalf("fetch metrics: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected status 200, got %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read metrics: %v", err)
		}
		text := string(body)
		for _, metric := range []string{
			"cohortmatch_runs_started_total",
			"cohortmatch_runs_completed_total",
			"cohortmatch_runs_failed_total",
			"cohortmatch_http_requests_total",
		} {
			if !strings.Contains(text, metric) {
				t.Errorf("metrics output is missing %s", metric)
			}
		}
	})
}

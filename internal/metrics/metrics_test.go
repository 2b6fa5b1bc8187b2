package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestMetricsServer(t *testing.T) {
	srv := Start(8888, nil)
	// Give it a tiny bit of time to start up
	time.Sleep(100 * time.Millisecond)

	defer srv.Stop(context.Background())

	RecordFetch("example.com", Fetch{
		StatusCode: 200,
		Bytes:      11,
		Duration:   1 * time.Second,
	})
	RecordJobTransition("discover", "completed")
	RecordPoll("processing")
	ObserveResolution("ready", 3*time.Second)

	resp, err := http.Get("http://localhost:8888/metrics")
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	output := string(body)

	if !strings.Contains(output, "prospector_fetch_requests_total") {
		t.Errorf("expected prospector_fetch_requests_total metric")
	}

	if !strings.Contains(output, `prospector_fetch_bytes_total{domain="example.com"} 11`) {
		t.Errorf("expected prospector_fetch_bytes_total metric for example.com")
	}

	if !strings.Contains(output, `prospector_job_transitions_total{stage="discover",status="completed"}`) {
		t.Errorf("expected job transition metric")
	}

	if !strings.Contains(output, `prospector_search_polls_total{status="processing"}`) {
		t.Errorf("expected poll metric")
	}

	if !strings.Contains(output, "prospector_search_resolve_duration_seconds_bucket") {
		t.Errorf("expected resolve duration histogram")
	}
}

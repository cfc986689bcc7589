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
	srv := Start(8898, nil)
	// Give it a tiny bit of time to start up
	time.Sleep(100 * time.Millisecond)

	defer srv.Stop(context.Background())

	RecordFetch("cdn.example", 200, "", 11, time.Second)
	RecordIngest("generic", OutcomeCreated)
	RecordImage("hit")

	resp, err := http.Get("http://localhost:8898/metrics")
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

	for _, want := range []string{
		`poolfeed_fetch_requests_total{failure="",host="cdn.example",status="200"}`,
		`poolfeed_fetch_duration_seconds_bucket`,
		`poolfeed_fetch_bytes_total{host="cdn.example"} 11`,
		`poolfeed_ingest_records_total{marketplace="generic",outcome="created"}`,
		`poolfeed_image_resolutions_total{result="hit"}`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in metrics output", want)
		}
	}
}

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolfeed_fetch_requests_total",
			Help: "Total number of outbound fetches executed",
		},
		[]string{"host", "status", "failure"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolfeed_fetch_duration_seconds",
			Help:    "Duration of outbound fetches in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	FetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolfeed_fetch_bytes_total",
			Help: "Total bytes downloaded across all outbound fetches",
		},
		[]string{"host"},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolfeed_proxy_failures_total",
			Help: "Total number of proxy failures during fetches",
		},
		[]string{"proxy_url"},
	)

	GateInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolfeed_gate_in_flight",
			Help: "Outbound operations currently holding a fetch gate permit",
		},
	)

	GateWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolfeed_gate_waiting",
			Help: "Callers currently waiting for a fetch gate permit",
		},
	)

	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolfeed_ingest_records_total",
			Help: "Raw listing records processed by ingestion, by outcome",
		},
		[]string{"marketplace", "outcome"},
	)

	IngestRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolfeed_ingest_run_duration_seconds",
			Help:    "Duration of ingestion runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"marketplace"},
	)

	ImageResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolfeed_image_resolutions_total",
			Help: "Image cache resolutions, by result (local, hit, miss, known_bad, failed)",
		},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolfeed_http_requests_total",
			Help: "Total number of API requests served",
		},
		[]string{"method", "route", "status"},
	)
)

// Outcome labels for IngestRecordsTotal.
const (
	OutcomeCreated  = "created"
	OutcomeUpdated  = "updated"
	OutcomeRejected = "rejected"
	OutcomeExcluded = "excluded"
	OutcomeFailed   = "failed"
)

// RecordFetch updates fetch metrics for one completed or failed request.
// failure is empty on success, otherwise the failure kind.
func RecordFetch(host string, status int, failure string, bytes int, d time.Duration) {
	statusStr := strconv.Itoa(status)
	if status == 0 {
		statusStr = "none"
	}
	FetchRequestsTotal.WithLabelValues(host, statusStr, failure).Inc()
	FetchDuration.WithLabelValues(host).Observe(d.Seconds())
	FetchBytesTotal.WithLabelValues(host).Add(float64(bytes))
}

// RecordIngest counts one processed record.
func RecordIngest(marketplace, outcome string) {
	IngestRecordsTotal.WithLabelValues(marketplace, outcome).Inc()
}

// RecordImage counts one image cache resolution.
func RecordImage(result string) {
	ImageResolutionsTotal.WithLabelValues(result).Inc()
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

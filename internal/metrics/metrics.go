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
	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_job_transitions_total",
			Help: "Total number of job status transitions",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospector_stage_duration_seconds",
			Help:    "Duration of stage bodies in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"stage", "outcome"},
	)

	SearchPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_search_polls_total",
			Help: "Total number of search task polls by observed status class",
		},
		[]string{"status"},
	)

	SearchResolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospector_search_resolve_duration_seconds",
			Help:    "Time from first poll wait to a terminal search outcome",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_fetch_requests_total",
			Help: "Total number of enrichment page fetches",
		},
		[]string{"domain", "status", "detected", "detection_src"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospector_fetch_duration_seconds",
			Help:    "Duration of enrichment page fetches in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	FetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_fetch_bytes_total",
			Help: "Total bytes downloaded across all enrichment fetches",
		},
		[]string{"domain"},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_proxy_failures_total",
			Help: "Total number of proxy failures during fetches",
		},
		[]string{"proxy_url"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_messages_total",
			Help: "Total number of outreach messages by result",
		},
		[]string{"result"},
	)
)

// RecordJobTransition counts a job entering status.
func RecordJobTransition(stage, status string) {
	JobTransitionsTotal.WithLabelValues(stage, status).Inc()
}

// ObserveStage records how long a stage body ran and how it ended.
func ObserveStage(stage, outcome string, d time.Duration) {
	StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// RecordPoll counts one search poll round trip.
func RecordPoll(status string) {
	SearchPollsTotal.WithLabelValues(status).Inc()
}

// ObserveResolution records the outcome of one poll loop.
func ObserveResolution(outcome string, d time.Duration) {
	SearchResolveDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Fetch describes one page fetch for metrics purposes.
type Fetch struct {
	StatusCode   int
	Err          error
	DetectedBot  bool
	DetectionSrc string
	Bytes        int
	Duration     time.Duration
}

// RecordFetch updates the fetch metrics for domain.
func RecordFetch(domain string, f Fetch) {
	detectedStr := "false"
	if f.DetectedBot {
		detectedStr = "true"
	}

	statusStr := strconv.Itoa(f.StatusCode)
	if f.Err != nil {
		statusStr = "error"
	}

	FetchRequestsTotal.WithLabelValues(domain, statusStr, detectedStr, f.DetectionSrc).Inc()
	FetchDuration.WithLabelValues(domain).Observe(f.Duration.Seconds())
	FetchBytesTotal.WithLabelValues(domain).Add(float64(f.Bytes))
}

// RecordProxyFailure counts a failed fetch through proxyURL.
func RecordProxyFailure(proxyURL string) {
	ProxyFailures.WithLabelValues(proxyURL).Inc()
}

// RecordMessage counts one outreach attempt ("sent", "failed", "dry_run").
func RecordMessage(result string) {
	MessagesTotal.WithLabelValues(result).Inc()
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
		// Suppress the error from intentional shutdown
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

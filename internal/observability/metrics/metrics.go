// Package metrics registers the daemon's Prometheus collectors and exposes
// them through promhttp.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deflow"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Workflow executions by terminal status.",
	}, []string{"status"})

	executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock duration of workflow executions.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"status"})

	steps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_total",
		Help:      "Executed workflow nodes by type and status.",
	}, []string{"node_type", "status"})

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of a single node visit.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"node_type"})

	txSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tx_submissions_total",
		Help:      "Transaction submissions by chain and outcome.",
	}, []string{"chain", "outcome"})

	nonceRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tx_nonce_retries_total",
		Help:      "Submissions retried after a nonce conflict.",
	}, []string{"chain"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executions_running",
		Help:      "Executions currently being processed by workers.",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		executions, executionDuration,
		steps, stepDuration,
		txSubmissions, nonceRetries,
		queueDepth,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveExecution records a finished execution.
func ObserveExecution(status string, duration time.Duration) {
	executions.WithLabelValues(status).Inc()
	executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveStep records one node visit.
func ObserveStep(nodeType, status string, duration time.Duration) {
	steps.WithLabelValues(nodeType, status).Inc()
	stepDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// ObserveTxSubmission records the outcome of one orchestrator submission.
func ObserveTxSubmission(chain, outcome string) {
	txSubmissions.WithLabelValues(chain, outcome).Inc()
}

// IncNonceRetry counts a nonce-conflict retry.
func IncNonceRetry(chain string) {
	nonceRetries.WithLabelValues(chain).Inc()
}

// ExecutionStarted increments the in-flight gauge.
func ExecutionStarted() { queueDepth.Inc() }

// ExecutionDone decrements the in-flight gauge.
func ExecutionDone() { queueDepth.Dec() }

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

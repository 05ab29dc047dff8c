package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTxSubmission(t *testing.T) {
	before := testutil.ToFloat64(txSubmissions.WithLabelValues("sepolia", "confirmed"))
	ObserveTxSubmission("sepolia", "confirmed")
	after := testutil.ToFloat64(txSubmissions.WithLabelValues("sepolia", "confirmed"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveHTTPRequest("/api/v1/workflows", "GET", 500, 20*time.Millisecond)
	ObserveExecution("completed", 3*time.Second)
	IncNonceRetry("base")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, name := range []string{
		"deflow_http_requests_total",
		"deflow_http_request_errors_total",
		"deflow_executions_total",
		"deflow_tx_nonce_retries_total",
	} {
		if !strings.Contains(text, name) {
			t.Fatalf("metric %s missing from exposition", name)
		}
	}
}

package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	xerrors "DeFlow/internal/errors"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingNotifier) Channel() Channel { return ChannelLog }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDispatcherStampsTime(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewFanout(rec, nil)
	if err := d.Notify(context.Background(), Event{Code: "X", ExecutionID: "e1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected one event, got %d", len(rec.events))
	}
	if rec.events[0].OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be set")
	}
}

func TestFanoutDispatcherJoinsErrors(t *testing.T) {
	rec := &recordingNotifier{err: xerrors.New(xerrors.CodeUpstreamFailure, "down")}
	d := NewFanout(rec)
	err := d.Notify(context.Background(), Event{ExecutionID: "e1"})
	if err == nil || !strings.Contains(err.Error(), "channel log") {
		t.Fatalf("expected channel error, got %v", err)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 0)
	event := Event{Code: "TX_REVERTED", Message: "swap step: reverted", ExecutionID: "e1", WorkflowID: "w1"}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.ExecutionID != "e1" || got.WorkflowID != "w1" || got.Code != "TX_REVERTED" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, 0).Notify(context.Background(), Event{ExecutionID: "e1"})
	if !xerrors.HasCode(err, xerrors.CodeUpstreamFailure) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestUnconfiguredNotifiersSkip(t *testing.T) {
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if err := (&SlackNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("slack: %v", err)
	}
}

func TestFormatTextSortsMetadata(t *testing.T) {
	text := FormatText(Event{
		Code:        "QUOTE_FAILED",
		Severity:    xerrors.SeverityWarning,
		Message:     "quote step: no route",
		ExecutionID: "e1",
		Metadata:    map[string]string{"b": "2", "a": "1"},
	})
	if strings.Index(text, "- a: 1") > strings.Index(text, "- b: 2") {
		t.Fatalf("metadata not sorted: %s", text)
	}
	if !strings.Contains(text, "执行: e1") {
		t.Fatalf("missing execution id: %s", text)
	}
}

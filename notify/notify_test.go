package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/randalmurphal/logsift/auth"
	devhttp "github.com/randalmurphal/logsift/http"
)

// =============================================================================
// Event Type Tests
// =============================================================================

func TestEventTypes(t *testing.T) {
	types := []EventType{
		EventRunStarted,
		EventRunCompleted,
		EventRunFailed,
		EventStageStarted,
		EventStageCompleted,
		EventStageFailed,
		EventFallback,
		EventTruncated,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if seen[et] {
			t.Errorf("duplicate event type: %s", et)
		}
		seen[et] = true
	}
}

func TestNopNotifier(t *testing.T) {
	err := NopNotifier{}.Notify(context.Background(), Event{Type: EventRunStarted, Message: "test"})
	if err != nil {
		t.Errorf("NopNotifier.Notify() error = %v, want nil", err)
	}
}

// =============================================================================
// LogNotifier Tests
// =============================================================================

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	err := n.Notify(context.Background(), Event{
		Type:      EventRunCompleted,
		RunID:     "run-123",
		Source:    "github:octo/repo#42",
		Message:   "extraction finished",
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
		Stats:     &RunStats{BytesIn: 3 << 20, BytesRetained: 2048, Signals: 4, Excerpts: 2},
	})
	if err != nil {
		t.Errorf("LogNotifier.Notify() error = %v", err)
	}

	output := buf.String()
	for _, want := range []string{"extraction finished", "run-123", "github:octo/repo#42", "bytes_in=\"3.0 MiB\"", "signals=4"} {
		if !strings.Contains(output, want) {
			t.Errorf("log output missing %q: %s", want, output)
		}
	}
}

func TestLogNotifier_Severity(t *testing.T) {
	tests := []struct {
		severity string
		wantLog  string
	}{
		{SeverityInfo, "level=INFO"},
		{SeverityWarning, "level=WARN"},
		{SeverityError, "level=ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			var buf bytes.Buffer
			n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

			if err := n.Notify(context.Background(), Event{Type: EventStageFailed, Message: "test", Severity: tt.severity}); err != nil {
				t.Errorf("Notify() error = %v", err)
			}
			if !strings.Contains(buf.String(), tt.wantLog) {
				t.Errorf("log output = %q, want to contain %q", buf.String(), tt.wantLog)
			}
		})
	}
}

func TestLogNotifier_NilLogger(t *testing.T) {
	n := NewLogNotifier(nil)
	if n.Logger == nil {
		t.Error("NewLogNotifier should use default logger when nil")
	}
}

// =============================================================================
// WebhookNotifier Tests
// =============================================================================

func TestWebhookNotifier(t *testing.T) {
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %s, want application/json", ct)
		}
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, map[string]string{"Authorization": "Bearer test-token"})

	err := n.Notify(context.Background(), Event{
		Type:      EventRunCompleted,
		RunID:     "run-123",
		Message:   "done",
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
		Stats:     &RunStats{Signals: 3, Truncated: true, TruncationReason: "max_result_bytes"},
	})
	if err != nil {
		t.Fatalf("WebhookNotifier.Notify() error = %v", err)
	}

	var parsed Event
	if err := json.Unmarshal(receivedBody, &parsed); err != nil {
		t.Fatalf("failed to parse received body: %v", err)
	}
	if parsed.RunID != "run-123" {
		t.Errorf("received RunID = %s, want run-123", parsed.RunID)
	}
	if parsed.Stats == nil || parsed.Stats.Signals != 3 || parsed.Stats.TruncationReason != "max_result_bytes" {
		t.Errorf("received Stats = %+v", parsed.Stats)
	}
}

func TestWebhookNotifier_CustomHeaders(t *testing.T) {
	var receivedAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, map[string]string{"Authorization": "Bearer test-token"})
	if err := n.Notify(context.Background(), Event{Type: EventRunStarted}); err != nil {
		t.Errorf("Notify() error = %v", err)
	}
	if receivedAuth != "Bearer test-token" {
		t.Errorf("Authorization header = %q, want 'Bearer test-token'", receivedAuth)
	}
}

func TestWebhookNotifier_TypeFilter(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, nil, EventRunFailed)
	for _, et := range []EventType{EventRunStarted, EventStageCompleted, EventRunFailed} {
		if err := n.Notify(context.Background(), Event{Type: et}); err != nil {
			t.Fatalf("Notify(%s) error = %v", et, err)
		}
	}
	if calls != 1 {
		t.Errorf("webhook calls = %d, want 1", calls)
	}
}

func TestWebhookNotifier_Signed(t *testing.T) {
	secret := []byte("webhook-secret-with-at-least-32-bytes")
	var claims *auth.EventClaims
	var verifyErr error
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, verifyErr = auth.VerifyEvent(auth.SignerConfig{Secret: secret}, token, body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, nil)
	n.Secret = secret
	if err := n.Notify(context.Background(), Event{Type: EventRunFailed, RunID: "run-9"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if verifyErr != nil {
		t.Fatalf("VerifyEvent() error = %v", verifyErr)
	}
	if claims.Subject != "run-9" || claims.EventType != string(EventRunFailed) {
		t.Errorf("claims = %+v", claims)
	}

	n.Secret = []byte("short")
	if err := n.Notify(context.Background(), Event{Type: EventRunFailed}); !errors.Is(err, auth.ErrSecretTooShort) {
		t.Errorf("Notify() error = %v, want ErrSecretTooShort", err)
	}
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewWebhookNotifier(server.URL, nil).Notify(context.Background(), Event{Type: EventRunStarted})
	if err == nil {
		t.Fatal("Notify() should return error for 503 status")
	}
	if !errors.Is(err, devhttp.ErrServerError) {
		t.Errorf("error = %v, want ErrServerError", err)
	}
	if !devhttp.IsRetryable(err) {
		t.Error("503 should be retryable")
	}
}

func TestWebhookNotifier_NetworkError(t *testing.T) {
	n := NewWebhookNotifier("http://localhost:99999", nil) // Invalid port
	if err := n.Notify(context.Background(), Event{Type: EventRunStarted}); err == nil {
		t.Error("Notify() should return error for network failure")
	}
}

// =============================================================================
// MetricsNotifier Tests
// =============================================================================

type recordingCounter struct {
	noop.Int64Counter
	total int64
	attrs []attribute.Set
}

func (c *recordingCounter) Add(_ context.Context, incr int64, opts ...metric.AddOption) {
	c.total += incr
	c.attrs = append(c.attrs, metric.NewAddConfig(opts).Attributes())
}

type recordingMeter struct {
	noop.Meter
	counters map[string]*recordingCounter
}

func (m *recordingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	c := &recordingCounter{}
	m.counters[name] = c
	return c, nil
}

func TestMetricsNotifier(t *testing.T) {
	meter := &recordingMeter{counters: map[string]*recordingCounter{}}
	m, err := NewMetricsNotifier(meter)
	if err != nil {
		t.Fatalf("NewMetricsNotifier() error = %v", err)
	}
	ctx := context.Background()

	events := []Event{
		{Type: EventRunStarted},
		{Type: EventFallback},
		{Type: EventRunCompleted, Stats: &RunStats{
			Channel: "raw", BytesIn: 1000, BytesRetained: 100, Signals: 2,
			Truncated: true, TruncationReason: "max_result_bytes", Duration: time.Second,
		}},
		{Type: EventRunCompleted, Stats: &RunStats{Channel: "compressed", BytesIn: 500, Signals: 1}},
		{Type: EventRunFailed, Stage: StageRetrieve},
	}
	for _, e := range events {
		if err := m.Notify(ctx, e); err != nil {
			t.Fatalf("Notify() error = %v", err)
		}
	}

	want := map[string]int64{
		"logsift.runs":              3,
		"logsift.bytes_in":          1500,
		"logsift.bytes_retained":    100,
		"logsift.signals":           3,
		"logsift.truncations":       1,
		"logsift.channel_fallbacks": 1,
	}
	for name, total := range want {
		c, ok := meter.counters[name]
		if !ok {
			t.Errorf("counter %s not created", name)
			continue
		}
		if c.total != total {
			t.Errorf("%s = %d, want %d", name, c.total, total)
		}
	}

	runs := meter.counters["logsift.runs"]
	last := runs.attrs[len(runs.attrs)-1]
	if v, _ := last.Value("outcome"); v.AsString() != "failed" {
		t.Errorf("last run outcome = %q, want failed", v.AsString())
	}
	if v, _ := last.Value("stage"); v.AsString() != StageRetrieve {
		t.Errorf("last run stage = %q, want %s", v.AsString(), StageRetrieve)
	}
}

func TestMetricsNotifier_GlobalMeter(t *testing.T) {
	m, err := NewMetricsNotifier(nil)
	if err != nil {
		t.Fatalf("NewMetricsNotifier(nil) error = %v", err)
	}
	if err := m.Notify(context.Background(), Event{Type: EventRunCompleted, Stats: &RunStats{}}); err != nil {
		t.Errorf("Notify() error = %v", err)
	}
}

// =============================================================================
// MultiNotifier Tests
// =============================================================================

func TestMultiNotifier(t *testing.T) {
	var calls []string

	multi := NewMultiNotifier(
		&mockNotifier{name: "n1", calls: &calls},
		nil,
		&mockNotifier{name: "n2", calls: &calls},
	)

	if err := multi.Notify(context.Background(), Event{Type: EventRunStarted}); err != nil {
		t.Errorf("MultiNotifier.Notify() error = %v", err)
	}
	if len(calls) != 2 || calls[0] != "n1" || calls[1] != "n2" {
		t.Errorf("calls = %v, want [n1 n2]", calls)
	}
}

func TestMultiNotifier_ContinuesOnError(t *testing.T) {
	var calls []string
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	var logBuf bytes.Buffer
	multi := NewMultiNotifier(
		&mockNotifier{name: "n1", calls: &calls, err: errA},
		&mockNotifier{name: "n2", calls: &calls},
		&mockNotifier{name: "n3", calls: &calls, err: errB},
	)
	multi.Logger = slog.New(slog.NewTextHandler(&logBuf, nil))

	err := multi.Notify(context.Background(), Event{Type: EventRunStarted})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("error = %v, want both notifier errors", err)
	}
	if len(calls) != 3 {
		t.Errorf("call count = %d, want 3", len(calls))
	}
	if strings.Count(logBuf.String(), "notifier failed") != 2 {
		t.Errorf("log output = %s", logBuf.String())
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error
}

func (m *mockNotifier) Notify(ctx context.Context, event Event) error {
	*m.calls = append(*m.calls, m.name)
	return m.err
}

// =============================================================================
// Context Injection Tests
// =============================================================================

func TestNotifierContextInjection(t *testing.T) {
	ctx := context.Background()
	if NotifierFromContext(ctx) != nil {
		t.Error("NotifierFromContext should return nil without injection")
	}

	ctx = WithNotifier(ctx, NopNotifier{})
	if NotifierFromContext(ctx) == nil {
		t.Error("NotifierFromContext should not return nil after injection")
	}
}

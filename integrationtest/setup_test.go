package integrationtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/logsift"
	"github.com/randalmurphal/logsift/auth"
	"github.com/randalmurphal/logsift/retrieve"
)

const webhookSecret = "integration-webhook-secret-32-bytes!"

// fakeGitHub serves the Actions endpoints for run 42 of o/r. A nil runZip
// makes the run log archive unavailable.
type fakeGitHub struct {
	runZip []byte
	jobLog string
}

func (f fakeGitHub) start(t *testing.T) *retrieve.GitHubProvider {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/api/repos/o/r/actions/runs/42/artifacts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"total_count": 0, "artifacts": []any{}})
	})
	mux.HandleFunc("/api/repos/o/r/actions/runs/42/logs", func(w http.ResponseWriter, _ *http.Request) {
		if f.runZip == nil {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]string{"message": "Not Found"})
			return
		}
		w.Header().Set("Location", server.URL+"/blob/run.zip")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/api/repos/o/r/actions/runs/42/jobs", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"total_count": 2,
			"jobs": []map[string]any{
				{"id": 100, "name": "lint", "conclusion": "success"},
				{"id": 101, "name": "test", "conclusion": "failure"},
			},
		})
	})
	mux.HandleFunc("/api/repos/o/r/actions/jobs/101/logs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", server.URL+"/blob/job.txt")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/blob/run.zip", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(f.runZip)
	})
	mux.HandleFunc("/blob/job.txt", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, f.jobLog)
	})

	client := github.NewClient(nil)
	base, err := url.Parse(server.URL + "/api/")
	require.NoError(t, err)
	client.BaseURL = base

	p, err := retrieve.NewGitHubProviderWithClient(client, "o", "r", nil)
	require.NoError(t, err)
	return p
}

// receivedEvent is one verified webhook delivery.
type receivedEvent struct {
	RunID string
	Type  string
}

// eventSink is a webhook receiver that verifies every delivery's token.
type eventSink struct {
	mu       sync.Mutex
	events   []receivedEvent
	rejected int
}

func (s *eventSink) start(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		token := r.Header.Get("Authorization")
		if len(token) > len("Bearer ") {
			token = token[len("Bearer "):]
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		claims, err := auth.VerifyEvent(auth.SignerConfig{Secret: []byte(webhookSecret)}, token, body)
		if err != nil {
			s.rejected++
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.events = append(s.events, receivedEvent{RunID: claims.Subject, Type: claims.EventType})
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func (s *eventSink) snapshot() ([]receivedEvent, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]receivedEvent(nil), s.events...), s.rejected
}

func testConfig(t *testing.T) logsift.Config {
	t.Helper()
	cfg := logsift.DefaultConfig()
	cfg.ScratchDir = t.TempDir()
	cfg.ContextRadiusLines = 2
	cfg.RetryAttempts = 1
	cfg.RetryBackoffBase = time.Millisecond
	return cfg
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        *APIError
		wantMsg    string
		wantUnwrap error
	}{
		{
			name: "not found",
			err: &APIError{
				Service:    "github",
				StatusCode: 404,
				Message:    "Not Found",
				Endpoint:   "repos/o/r/actions/runs/1/artifacts",
			},
			wantMsg:    "github API error (404) at repos/o/r/actions/runs/1/artifacts: Not Found",
			wantUnwrap: ErrNotFound,
		},
		{
			name: "with request ID",
			err: &APIError{
				Service:    "gitlab",
				StatusCode: 502,
				Message:    "Bad Gateway",
				Endpoint:   "/api/v4/projects/1/jobs/2/trace",
				RequestID:  "abc123",
			},
			wantMsg:    "gitlab API error (502) at /api/v4/projects/1/jobs/2/trace [abc123]: Bad Gateway",
			wantUnwrap: ErrServerError,
		},
		{
			name:       "unauthorized",
			err:        NewAPIError("github", 401, "/logs", "Bad credentials"),
			wantMsg:    "github API error (401) at /logs: Bad credentials",
			wantUnwrap: ErrUnauthorized,
		},
		{
			name:       "forbidden",
			err:        NewAPIError("github", 403, "/logs", "Resource not accessible"),
			wantMsg:    "github API error (403) at /logs: Resource not accessible",
			wantUnwrap: ErrForbidden,
		},
		{
			name:       "expired artifact",
			err:        NewAPIError("github", 410, "/artifacts/9/zip", "Artifact has expired"),
			wantMsg:    "github API error (410) at /artifacts/9/zip: Artifact has expired",
			wantUnwrap: ErrGone,
		},
		{
			name:       "rate limited",
			err:        NewAPIError("gitlab", 429, "/jobs", "Too many requests"),
			wantMsg:    "gitlab API error (429) at /jobs: Too many requests",
			wantUnwrap: ErrRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
			if got := tt.err.Unwrap(); !errors.Is(got, tt.wantUnwrap) {
				t.Errorf("Unwrap() = %v, want %v", got, tt.wantUnwrap)
			}
		})
	}
}

func TestRateLimitError(t *testing.T) {
	err := &RateLimitError{Service: "github", RetryAfter: 30 * time.Second}
	if got, want := err.Error(), "github rate limit exceeded, retry after 30s"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !IsRateLimited(err) {
		t.Error("RateLimitError should unwrap to ErrRateLimited")
	}
}

func TestPredicates(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	tests := []struct {
		name          string
		err           error
		wantRetryable bool
		wantNotFound  bool
	}{
		{"nil", nil, false, false},
		{"rate limited", fmt.Errorf("wrap: %w", ErrRateLimited), true, false},
		{"server error", NewAPIError("x", 503, "/", "down"), true, false},
		{"not found", NewAPIError("x", 404, "/", "missing"), false, true},
		{"gone", NewAPIError("x", 410, "/", "expired"), false, true},
		{"unauthorized", NewAPIError("x", 401, "/", "nope"), false, false},
		{"network", fmt.Errorf("download: %w", netErr), true, false},
		{"canceled", context.Canceled, false, false},
		{"plain", errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetryable)
			}
			if got := IsNotFound(tt.err); got != tt.wantNotFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.wantNotFound)
			}
		})
	}
}

func TestPageIterator(t *testing.T) {
	pages := [][]int{{1, 2}, {}, {3, 4}, {5}}
	fetch := func(_ context.Context, page int) ([]int, bool, error) {
		return pages[page], page < len(pages)-1, nil
	}

	t.Run("all", func(t *testing.T) {
		got, err := NewPageIterator(fetch, 0).All(context.Background())
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		if len(got) != 5 {
			t.Errorf("All() = %v, want 5 items", got)
		}
	})

	t.Run("max pages", func(t *testing.T) {
		got, err := NewPageIterator(fetch, 2).All(context.Background())
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("All() = %v, want first page only", got)
		}
	})

	t.Run("find stops early", func(t *testing.T) {
		calls := 0
		counting := func(ctx context.Context, page int) ([]int, bool, error) {
			calls++
			return fetch(ctx, page)
		}
		it := NewPageIterator(counting, 0)
		got, ok, err := it.Find(context.Background(), func(v int) bool { return v == 3 })
		if err != nil || !ok || got != 3 {
			t.Fatalf("Find() = %v, %v, %v", got, ok, err)
		}
		if calls != 3 {
			t.Errorf("fetched %d pages, want 3", calls)
		}
	})

	t.Run("error is sticky", func(t *testing.T) {
		boom := errors.New("boom")
		it := NewPageIterator(func(context.Context, int) ([]int, bool, error) {
			return nil, false, boom
		}, 0)
		if _, _, err := it.Next(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("Next() error = %v, want boom", err)
		}
		if _, _, err := it.Next(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("second Next() error = %v, want boom", err)
		}
	})
}

func TestClientOpen(t *testing.T) {
	t.Run("streams body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "line one\nline two\n")
		}))
		defer server.Close()

		client := NewClient(ClientConfig{ServiceName: "test"})
		resp, err := client.Open(context.Background(), server.URL+"/logs", nil)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if string(body) != "line one\nline two\n" {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("handles 404", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Not Found"})
		}))
		defer server.Close()

		client := NewClient(ClientConfig{ServiceName: "test", RetryWait: time.Millisecond})
		_, err := client.Open(context.Background(), server.URL+"/missing", nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("got error %v, want ErrNotFound", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Message != "Not Found" {
			t.Errorf("got error %#v, want parsed message", err)
		}
	})

	t.Run("applies headers and hook", func(t *testing.T) {
		var gotAuth, gotAccept, gotUA string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotAccept = r.Header.Get("Accept")
			gotUA = r.Header.Get("User-Agent")
		}))
		defer server.Close()

		client := NewClient(ClientConfig{
			ServiceName: "test",
			BeforeRequest: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer token123")
			},
		})

		resp, err := client.Open(context.Background(), server.URL, map[string]string{"Accept": "application/zip"})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		resp.Body.Close()

		if gotAuth != "Bearer token123" {
			t.Errorf("got Authorization = %q", gotAuth)
		}
		if gotAccept != "application/zip" {
			t.Errorf("got Accept = %q", gotAccept)
		}
		if gotUA != "logsift/1.0" {
			t.Errorf("got User-Agent = %q", gotUA)
		}
	})

	t.Run("retries on 5xx", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if attempts.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = io.WriteString(w, "ok")
		}))
		defer server.Close()

		client := NewClient(ClientConfig{
			ServiceName: "test",
			MaxRetries:  3,
			RetryWait:   time.Millisecond,
		})

		resp, err := client.Open(context.Background(), server.URL, nil)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		resp.Body.Close()
		if got := attempts.Load(); got != 3 {
			t.Errorf("got %d attempts, want 3", got)
		}
	})

	t.Run("does not retry 401", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		client := NewClient(ClientConfig{ServiceName: "test", MaxRetries: 3, RetryWait: time.Millisecond})
		_, err := client.Open(context.Background(), server.URL, nil)
		if !IsUnauthorized(err) {
			t.Errorf("got error %v, want ErrUnauthorized", err)
		}
		if got := attempts.Load(); got != 1 {
			t.Errorf("got %d attempts, want 1", got)
		}
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		client := NewClient(ClientConfig{ServiceName: "test", MaxRetries: 5, RetryWait: time.Second})
		_, err := client.Open(ctx, server.URL, nil)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("got error %v, want deadline exceeded", err)
		}
	})
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/logsift/auth"
	clierrors "github.com/randalmurphal/logsift/errors"
	"github.com/randalmurphal/logsift/testutil"
)

// execute runs the CLI with an isolated home directory so no user config
// leaks into the test.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestFileCommand_Text(t *testing.T) {
	log := testutil.NumberedLog(100, map[int]string{50: "error: boom"})
	path := testutil.TempFile(t, "build.log", []byte(log))

	out, _, err := execute(t, "", "file", path, "--context-radius", "2", "--scratch-dir", t.TempDir())
	require.NoError(t, err)

	assert.Contains(t, out, ": completed, plain,")
	assert.Contains(t, out, "=== excerpt 1/1: lines 48-52 [error=1] ===\nline 48\nline 49\nerror: boom\n")
	assert.Contains(t, out, "=== 1 excerpts, 1 signals, 100 lines, truncated: no ===")
}

func TestFileCommand_JSON(t *testing.T) {
	log := testutil.NumberedLog(400, map[int]string{
		100: "Traceback (most recent call last):",
		101: `  File "app.py", line 3, in <module>`,
	})
	path := testutil.TempFile(t, "build.log.gz", testutil.Gzip(t, []byte(log)))

	out, _, err := execute(t, "", "file", path, "-o", "json", "--context-radius", "1", "--scratch-dir", t.TempDir())
	require.NoError(t, err)

	var res struct {
		Status   string `json:"status"`
		Format   string `json:"format"`
		Excerpts []struct {
			StartLine int `json:"start_line"`
			EndLine   int `json:"end_line"`
		} `json:"excerpts"`
		Signals   int  `json:"signals"`
		Truncated bool `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "gzip", res.Format)
	assert.Equal(t, 2, res.Signals)
	require.Len(t, res.Excerpts, 1)
	assert.Equal(t, 99, res.Excerpts[0].StartLine)
	assert.Equal(t, 102, res.Excerpts[0].EndLine)
	assert.False(t, res.Truncated)
}

func TestFileCommand_Stdin(t *testing.T) {
	out, _, err := execute(t, "checkout\nbuild\nall good\n", "file", "-", "--scratch-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "no failure signals found")
	assert.Contains(t, out, "=== 0 excerpts, 0 signals, 3 lines, truncated: no ===")
}

func TestFileCommand_Errors(t *testing.T) {
	binary := testutil.TempFile(t, "blob.bin", []byte{0x00, 0x13, 0x37, 0x00, 0xff})
	text := testutil.TempFile(t, "build.log", []byte("error: x\n"))

	tests := []struct {
		name string
		args []string
		is   error
		code int
	}{
		{"unsupported payload", []string{"file", binary}, clierrors.ErrUnreadableLog, 5},
		{"unknown format flag", []string{"file", text, "--format", "rar"}, clierrors.ErrUnreadableLog, 5},
		{"invalid config", []string{"file", text, "--memory-ceiling", "1KiB"}, clierrors.ErrBadConfig, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, "", append(tt.args, "--scratch-dir", t.TempDir())...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
			assert.Equal(t, tt.code, clierrors.ExitCode(err))
		})
	}

	t.Run("failed run still prints the result", func(t *testing.T) {
		out, _, err := execute(t, "", "file", binary, "-o", "json", "--scratch-dir", t.TempDir())
		require.Error(t, err)
		assert.Contains(t, out, `"status": "failed"`)
	})
}

func TestFileCommand_SignedWebhook(t *testing.T) {
	secret := "a-webhook-secret-of-at-least-32-bytes"
	var events []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := auth.VerifyEvent(auth.SignerConfig{Secret: []byte(secret)}, token, body)
		if assert.NoError(t, err) {
			events = append(events, claims.EventType)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	path := testutil.TempFile(t, "build.log", []byte("compile\nerror: x\n"))
	_, _, err := execute(t, "", "file", path,
		"--webhook", server.URL,
		"--webhook-secret", secret,
		"--webhook-events", "run_started,run_completed",
		"--scratch-dir", t.TempDir(),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"run_started", "run_completed"}, events)
}

func TestInvalidOutput(t *testing.T) {
	_, _, err := execute(t, "", "file", "-", "-o", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output")
}

func TestGitHubCommand_MissingToken(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GH_TOKEN", "")

	_, _, err := execute(t, "", "github", "acme/widgets", "123")
	require.Error(t, err)
	assert.True(t, clierrors.IsAuthError(err))
	assert.Contains(t, err.Error(), "GITHUB_TOKEN")
	assert.Equal(t, 3, clierrors.ExitCode(err))
}

func TestGitLabCommand_RawFallback(t *testing.T) {
	log := testutil.NumberedLog(60, map[int]string{30: "ERROR: Job failed: exit code 1"})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/7/jobs/99", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": 99, "status": "failed", "artifacts": []}`)
	})
	mux.HandleFunc("/api/v4/projects/7/jobs/99/trace", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("PRIVATE-TOKEN"))
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, log)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, _, err := execute(t, "",
		"gitlab", "7", "99",
		"--base-url", srv.URL,
		"--token", "secret",
		"--retries", "1",
		"--context-radius", "2",
		"--scratch-dir", t.TempDir(),
	)
	require.NoError(t, err)
	assert.Contains(t, out, ": completed via raw, plain,")
	assert.Contains(t, out, "fallback: ")
	assert.Contains(t, out, "=== excerpt 1/1: lines 28-32 [error=1] ===")
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("LOGSIFT_MERGE_GAP_LINES", "4")

	out, _, err := execute(t, "", "config", "-o", "json", "--context-radius", "7")
	require.NoError(t, err)

	var entries []configEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	got := map[string]configEntry{}
	for _, e := range entries {
		got[e.Key] = e
	}
	assert.Equal(t, configEntry{Key: "context_radius_lines", Value: "7", Source: "flag"}, got["context_radius_lines"])
	assert.Equal(t, configEntry{Key: "merge_gap_lines", Value: "4", Source: "env"}, got["merge_gap_lines"])
	assert.Equal(t, "default", got["memory_ceiling_bytes"].Source)

	t.Run("invalid values are shown before failing", func(t *testing.T) {
		out, _, err := execute(t, "", "config", "--memory-ceiling", "1KiB")
		require.Error(t, err)
		assert.Equal(t, 2, clierrors.ExitCode(err))
		assert.Contains(t, out, "memory_ceiling_bytes")
		assert.Contains(t, out, "(flag)")
	})
}

func TestScratchSweep(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "run-crashed-abc")
	fresh := filepath.Join(root, "run-active-def")
	for _, dir := range []string{stale, fresh} {
		require.NoError(t, os.Mkdir(dir, 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "spool"), make([]byte, 2048), 0o600))
	}
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	out, _, err := execute(t, "", "scratch", "sweep", "--dry-run", "--scratch-dir", root)
	require.NoError(t, err)
	assert.Contains(t, out, "Would remove run-crashed-abc")
	assert.DirExists(t, stale)

	out, _, err = execute(t, "", "scratch", "sweep", "--scratch-dir", root)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 run directories (2.0 KiB), kept 1")
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
}

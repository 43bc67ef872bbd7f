package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/logsift"
	devhttp "github.com/randalmurphal/logsift/http"
)

// CLIError wraps an error with user-friendly context and suggestions.
type CLIError struct {
	// Err is the underlying error
	Err error

	// Message is a user-friendly description of what went wrong
	Message string

	// Suggestion is an actionable hint for the user
	Suggestion string

	// Details provides additional context (optional)
	Details string
}

func (e *CLIError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Details != "" {
		sb.WriteString("\n")
		sb.WriteString(e.Details)
	}

	if e.Suggestion != "" {
		sb.WriteString("\n\n")
		sb.WriteString(e.Suggestion)
	}

	return sb.String()
}

func (e *CLIError) Unwrap() error {
	return e.Err
}

// ErrorMessenger provides customizable error messages.
// Implement this interface to customize suggestions for your CLI.
type ErrorMessenger interface {
	// AuthErrorMessage returns the message and suggestion for a rejected or
	// missing token. tokenEnv names the variable the token is read from.
	AuthErrorMessage(provider, tokenEnv string) (message, suggestion string)

	// PermissionDeniedMessage returns the message and suggestion for a token
	// without access to the run.
	PermissionDeniedMessage(provider string) (message, suggestion string)

	// ConnectionErrorMessage returns the message and suggestion for an
	// unreachable provider.
	ConnectionErrorMessage(serverURL string) (message, suggestion string)

	// LogUnavailableMessage returns the message and suggestion when no
	// channel produced the log.
	LogUnavailableMessage(runID string) (message, suggestion string)

	// UnsupportedFormatMessage returns the message and suggestion for an
	// undecodable payload.
	UnsupportedFormatMessage() (message, suggestion string)

	// QuotaMessage returns the message and suggestion for a scratch quota
	// failure.
	QuotaMessage() (message, suggestion string)

	// TimeoutMessage returns the message and suggestion for an expired run.
	TimeoutMessage(limit time.Duration) (message, suggestion string)

	// ConfigErrorMessage returns the message and suggestion for bad config.
	ConfigErrorMessage() (message, suggestion string)
}

// DefaultMessenger provides default error messages.
type DefaultMessenger struct{}

func (m DefaultMessenger) AuthErrorMessage(provider, tokenEnv string) (string, string) {
	return fmt.Sprintf("%s rejected the access token.", provider),
		fmt.Sprintf("Set %s to a valid token or pass --token.", tokenEnv)
}

func (m DefaultMessenger) PermissionDeniedMessage(provider string) (string, string) {
	return fmt.Sprintf("The token cannot read logs from %s.", provider),
		"Check the token's scopes: it needs read access to actions or jobs."
}

func (m DefaultMessenger) ConnectionErrorMessage(serverURL string) (string, string) {
	return fmt.Sprintf("Cannot connect to %s", serverURL),
		"Check that:\n  - The URL is correct\n  - Your network connection is working"
}

func (m DefaultMessenger) LogUnavailableMessage(runID string) (string, string) {
	return fmt.Sprintf("No log could be retrieved for run %s.", runID),
		"Check the run ID. Logs of expired runs are no longer downloadable."
}

func (m DefaultMessenger) UnsupportedFormatMessage() (string, string) {
	return "The log is not plain text or a supported archive (gzip, zip, zstd, lz4).",
		"Pass --format if the content type is wrong."
}

func (m DefaultMessenger) QuotaMessage() (string, string) {
	return "The log needed more scratch disk than allowed.",
		"Raise disk_quota_bytes or point scratch_dir at a larger volume."
}

func (m DefaultMessenger) TimeoutMessage(limit time.Duration) (string, string) {
	return fmt.Sprintf("Extraction did not finish within %s.", limit),
		"Raise per_run_timeout_seconds for very large logs."
}

func (m DefaultMessenger) ConfigErrorMessage() (string, string) {
	return "The configuration is invalid.",
		"Run 'logsift config' to see each value and where it came from."
}

// WrapConfig configures error wrapping behavior.
type WrapConfig struct {
	Messenger ErrorMessenger

	// Provider and TokenEnv fill in authentication messages.
	Provider string
	TokenEnv string

	// ServerURL fills in connection messages.
	ServerURL string

	// RunID fills in retrieval messages.
	RunID string

	// Timeout fills in timeout messages.
	Timeout time.Duration
}

// Option configures WrapConfig.
type Option func(*WrapConfig)

// WithMessenger sets a custom error messenger.
func WithMessenger(m ErrorMessenger) Option {
	return func(c *WrapConfig) {
		c.Messenger = m
	}
}

// WithProvider names the provider and the variable its token comes from.
func WithProvider(name, tokenEnv string) Option {
	return func(c *WrapConfig) {
		c.Provider = name
		c.TokenEnv = tokenEnv
	}
}

// WithServerURL sets the URL reported by connection errors.
func WithServerURL(u string) Option {
	return func(c *WrapConfig) {
		c.ServerURL = u
	}
}

// WithRunID sets the run reported by retrieval errors.
func WithRunID(id string) Option {
	return func(c *WrapConfig) {
		c.RunID = id
	}
}

// WithTimeout sets the limit reported by timeout errors.
func WithTimeout(d time.Duration) Option {
	return func(c *WrapConfig) {
		c.Timeout = d
	}
}

func getConfig(opts []Option) *WrapConfig {
	cfg := &WrapConfig{
		Messenger: DefaultMessenger{},
		Provider:  "The provider",
		TokenEnv:  "the token variable",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Wrap turns a run or setup error into a CLIError with guidance. Errors it
// does not recognize are returned unchanged.
func Wrap(err error, opts ...Option) error {
	if err == nil {
		return nil
	}
	var cli *CLIError
	if errors.As(err, &cli) {
		return err
	}

	cfg := getConfig(opts)
	m := cfg.Messenger
	wrap := func(sentinel error, msg, suggestion string) error {
		return &CLIError{Err: sentinel, Message: msg, Suggestion: suggestion, Details: err.Error()}
	}

	switch {
	case errors.Is(err, logsift.ErrInvalidConfig):
		msg, s := m.ConfigErrorMessage()
		return wrap(ErrBadConfig, msg, s)
	case devhttp.IsUnauthorized(err), errors.Is(err, ErrNotAuthenticated):
		msg, s := m.AuthErrorMessage(cfg.Provider, cfg.TokenEnv)
		return wrap(ErrNotAuthenticated, msg, s)
	case devhttp.IsForbidden(err):
		msg, s := m.PermissionDeniedMessage(cfg.Provider)
		return wrap(ErrPermissionDenied, msg, s)
	}

	switch logsift.KindOf(err) {
	case logsift.KindRetrievalFailed:
		if IsConnectionError(err) {
			return WrapConnectionError(err, cfg.ServerURL, opts...)
		}
		msg, s := m.LogUnavailableMessage(cfg.RunID)
		return wrap(ErrLogUnavailable, msg, s)
	case logsift.KindUnsupportedFormat:
		msg, s := m.UnsupportedFormatMessage()
		return wrap(ErrUnreadableLog, msg, s)
	case logsift.KindDiskQuotaExceeded:
		msg, s := m.QuotaMessage()
		return wrap(ErrScratchFull, msg, s)
	case logsift.KindTimedOut:
		msg, s := m.TimeoutMessage(cfg.Timeout)
		return wrap(ErrTimedOut, msg, s)
	case logsift.KindCancelled:
		return &CLIError{Err: ErrInterrupted, Message: "Interrupted."}
	}
	return err
}

// WrapConnectionError wraps connection-related errors with helpful guidance.
func WrapConnectionError(err error, serverURL string, opts ...Option) error {
	if err == nil {
		return nil
	}
	if !IsConnectionError(err) {
		return err
	}

	msg, suggestion := getConfig(opts).Messenger.ConnectionErrorMessage(serverURL)
	return &CLIError{
		Err:        ErrConnectionFailed,
		Message:    msg,
		Details:    err.Error(),
		Suggestion: suggestion,
	}
}

// NewNotAuthenticatedError creates an error for a missing token.
func NewNotAuthenticatedError(opts ...Option) error {
	cfg := getConfig(opts)
	msg, suggestion := cfg.Messenger.AuthErrorMessage(cfg.Provider, cfg.TokenEnv)
	return &CLIError{
		Err:        ErrNotAuthenticated,
		Message:    msg,
		Suggestion: suggestion,
	}
}

// ExitCode maps an error to the process exit status. Each failure kind has
// its own code so scripts can react without parsing output.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrBadConfig), errors.Is(err, logsift.ErrInvalidConfig):
		return 2
	case IsAuthError(err), IsPermissionError(err):
		return 3
	}

	switch logsift.KindOf(err) {
	case logsift.KindRetrievalFailed:
		return 4
	case logsift.KindUnsupportedFormat:
		return 5
	case logsift.KindDiskQuotaExceeded:
		return 6
	case logsift.KindTimedOut:
		return 7
	case logsift.KindCancelled:
		return 130
	}
	switch {
	case errors.Is(err, ErrLogUnavailable), errors.Is(err, ErrConnectionFailed):
		return 4
	case errors.Is(err, ErrUnreadableLog):
		return 5
	case errors.Is(err, ErrScratchFull):
		return 6
	case errors.Is(err, ErrTimedOut):
		return 7
	case errors.Is(err, ErrInterrupted):
		return 130
	}
	return 1
}

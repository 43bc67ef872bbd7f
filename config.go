package logsift

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/randalmurphal/logsift/config"
	"github.com/randalmurphal/logsift/extract"
)

// Configuration keys, as used in config files and LOGSIFT_* variables.
const (
	KeyMemoryCeiling     = "memory_ceiling_bytes"
	KeyDiskQuota         = "disk_quota_bytes"
	KeyContextRadius     = "context_radius_lines"
	KeyMergeGap          = "merge_gap_lines"
	KeyMaxResult         = "max_result_bytes"
	KeyRunTimeout        = "per_run_timeout_seconds"
	KeyRetryAttempts     = "retry_attempts"
	KeyRetryBackoffBase  = "retry_backoff_base_seconds"
	KeyChunkSize         = "chunk_size_bytes"
	KeyChunkQueueDepth   = "chunk_queue_depth"
	KeyMaxLine           = "max_line_bytes"
	KeyScratchDir        = "scratch_dir"
	KeyScratchStaleAfter = "scratch_stale_after"
	KeyRulesFile         = "rules_file"
	KeyIncludeWarnings   = "include_warnings"
)

// EnvPrefix is prepended to upper-cased keys for environment overrides.
const EnvPrefix = "LOGSIFT_"

// Config is the explicit configuration of an Extractor. There is no
// process-wide configuration; every Extractor gets its own copy.
type Config struct {
	// MemoryCeilingBytes caps bytes buffered by one run at any instant.
	MemoryCeilingBytes int64 `json:"memory_ceiling_bytes"`

	// DiskQuotaBytes caps scratch bytes one run may write.
	DiskQuotaBytes int64 `json:"disk_quota_bytes"`

	ContextRadiusLines int   `json:"context_radius_lines"`
	MergeGapLines      int   `json:"merge_gap_lines"`
	MaxResultBytes     int64 `json:"max_result_bytes"`

	// PerRunTimeout bounds the wall-clock time of one run.
	PerRunTimeout time.Duration `json:"per_run_timeout"`

	RetryAttempts    int           `json:"retry_attempts"`
	RetryBackoffBase time.Duration `json:"retry_backoff_base"`

	ChunkSizeBytes  int `json:"chunk_size_bytes"`
	ChunkQueueDepth int `json:"chunk_queue_depth"`
	MaxLineBytes    int `json:"max_line_bytes"`

	// ScratchDir is the scratch root. Empty means $TMPDIR/logsift.
	ScratchDir        string        `json:"scratch_dir,omitempty"`
	ScratchStaleAfter time.Duration `json:"scratch_stale_after"`

	// RulesFile replaces the built-in classifier rules when set.
	RulesFile string `json:"rules_file,omitempty"`

	IncludeWarnings bool `json:"include_warnings"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MemoryCeilingBytes: 256 << 20,
		DiskQuotaBytes:     2 << 30,
		ContextRadiusLines: extract.DefaultContextRadius,
		MergeGapLines:      extract.DefaultMergeGap,
		MaxResultBytes:     extract.DefaultMaxResultBytes,
		PerRunTimeout:      300 * time.Second,
		RetryAttempts:      3,
		RetryBackoffBase:   time.Second,
		ChunkSizeBytes:     64 << 10,
		ChunkQueueDepth:    4,
		MaxLineBytes:       extract.DefaultMaxLineBytes,
		ScratchStaleAfter:  24 * time.Hour,
		IncludeWarnings:    true,
	}
}

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

func (c Config) engineConfig() extract.Config {
	return extract.Config{
		ContextRadius:  c.ContextRadiusLines,
		MergeGap:       c.MergeGapLines,
		MaxResultBytes: c.MaxResultBytes,
		MaxLineBytes:   c.MaxLineBytes,
		IgnoreWarnings: !c.IncludeWarnings,
	}
}

// MinMemoryCeiling is the smallest ceiling that can hold a full result, the
// engine look-back and every chunk that may be in flight at once.
func (c Config) MinMemoryCeiling() int64 {
	inFlight := int64(c.ChunkQueueDepth+2) * int64(c.ChunkSizeBytes)
	return c.MaxResultBytes + c.engineConfig().LookBackBytes() + inFlight
}

// Validate rejects unusable values.
func (c Config) Validate() error {
	var errs []error
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, v))
		}
	}
	nonNegative := func(key string, v int64) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", key, v))
		}
	}

	positive(KeyMemoryCeiling, c.MemoryCeilingBytes)
	positive(KeyDiskQuota, c.DiskQuotaBytes)
	nonNegative(KeyContextRadius, int64(c.ContextRadiusLines))
	nonNegative(KeyMergeGap, int64(c.MergeGapLines))
	positive(KeyMaxResult, c.MaxResultBytes)
	positive(KeyRunTimeout, int64(c.PerRunTimeout))
	positive(KeyRetryAttempts, int64(c.RetryAttempts))
	positive(KeyRetryBackoffBase, int64(c.RetryBackoffBase))
	positive(KeyChunkSize, int64(c.ChunkSizeBytes))
	positive(KeyChunkQueueDepth, int64(c.ChunkQueueDepth))
	positive(KeyMaxLine, int64(c.MaxLineBytes))

	if len(errs) == 0 {
		if need := c.MinMemoryCeiling(); c.MemoryCeilingBytes < need {
			errs = append(errs, fmt.Errorf("%s %s is below the %s needed for the result cap, look-back and chunk queue",
				KeyMemoryCeiling, humanize.IBytes(uint64(c.MemoryCeilingBytes)), humanize.IBytes(uint64(need))))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// defaults renders DefaultConfig as resolver defaults. Every key appears,
// so files carrying unknown keys produce warnings.
func defaults() map[string]string {
	d := DefaultConfig()
	return map[string]string{
		KeyMemoryCeiling:     humanize.IBytes(uint64(d.MemoryCeilingBytes)),
		KeyDiskQuota:         humanize.IBytes(uint64(d.DiskQuotaBytes)),
		KeyContextRadius:     strconv.Itoa(d.ContextRadiusLines),
		KeyMergeGap:          strconv.Itoa(d.MergeGapLines),
		KeyMaxResult:         humanize.IBytes(uint64(d.MaxResultBytes)),
		KeyRunTimeout:        strconv.Itoa(int(d.PerRunTimeout / time.Second)),
		KeyRetryAttempts:     strconv.Itoa(d.RetryAttempts),
		KeyRetryBackoffBase:  strconv.Itoa(int(d.RetryBackoffBase / time.Second)),
		KeyChunkSize:         humanize.IBytes(uint64(d.ChunkSizeBytes)),
		KeyChunkQueueDepth:   strconv.Itoa(d.ChunkQueueDepth),
		KeyMaxLine:           humanize.IBytes(uint64(d.MaxLineBytes)),
		KeyScratchDir:        "",
		KeyScratchStaleAfter: d.ScratchStaleAfter.String(),
		KeyRulesFile:         "",
		KeyIncludeWarnings:   strconv.FormatBool(d.IncludeWarnings),
	}
}

// LoadOptions controls LoadConfig.
type LoadOptions struct {
	// File is an explicit config file; it must exist when set.
	File string

	// Flags are command-line overrides keyed like the config file.
	Flags map[string]string

	// Warnings receives resolver warnings. Nil discards them.
	Warnings io.Writer

	// Resolver overrides the resolver, for tests.
	Resolver *config.Resolver
}

// LoadConfig resolves configuration from defaults, the global file
// (~/.config/logsift/config.yaml), .logsift.yaml in the git root, an
// explicit file, LOGSIFT_* variables and flags, in increasing precedence.
// The result is validated.
func LoadConfig(opts LoadOptions) (Config, *config.Resolved, error) {
	r := opts.Resolver
	if r == nil {
		w := opts.Warnings
		if w == nil {
			w = io.Discard
		}
		r = config.NewResolver(Resolver(opts.File, w))
	}

	resolved, err := r.ResolveWithFlags(opts.Flags)
	if err != nil {
		return Config{}, nil, err
	}

	cfg, err := FromResolved(resolved)
	if err != nil {
		return Config{}, resolved, err
	}
	return cfg, resolved, cfg.Validate()
}

// Resolver returns the resolver settings LoadConfig uses.
func Resolver(file string, warnings io.Writer) config.ResolverConfig {
	return config.ResolverConfig{
		EnvPrefix:       EnvPrefix,
		GlobalConfigDir: "logsift",
		LocalConfigName: ".logsift.yaml",
		File:            file,
		Defaults:        defaults(),
		ErrWriter:       warnings,
	}
}

// FromResolved converts resolved string values into a Config.
func FromResolved(r *config.Resolved) (Config, error) {
	var cfg Config
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	bytes := func(key string) int64 {
		n, err := r.Bytes(key)
		collect(err)
		return n
	}
	integer := func(key string) int {
		n, err := r.Int(key)
		collect(err)
		return n
	}
	duration := func(key string) time.Duration {
		d, err := r.Duration(key)
		collect(err)
		return d
	}

	cfg.MemoryCeilingBytes = bytes(KeyMemoryCeiling)
	cfg.DiskQuotaBytes = bytes(KeyDiskQuota)
	cfg.ContextRadiusLines = integer(KeyContextRadius)
	cfg.MergeGapLines = integer(KeyMergeGap)
	cfg.MaxResultBytes = bytes(KeyMaxResult)
	cfg.PerRunTimeout = duration(KeyRunTimeout)
	cfg.RetryAttempts = integer(KeyRetryAttempts)
	cfg.RetryBackoffBase = duration(KeyRetryBackoffBase)
	cfg.ChunkSizeBytes = int(bytes(KeyChunkSize))
	cfg.ChunkQueueDepth = integer(KeyChunkQueueDepth)
	cfg.MaxLineBytes = int(bytes(KeyMaxLine))
	cfg.ScratchStaleAfter = duration(KeyScratchStaleAfter)
	cfg.ScratchDir = expandHome(r.Get(KeyScratchDir))
	cfg.RulesFile = expandHome(r.Get(KeyRulesFile))

	warnings, err := r.Bool(KeyIncludeWarnings)
	collect(err)
	cfg.IncludeWarnings = warnings

	if len(errs) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return cfg, nil
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

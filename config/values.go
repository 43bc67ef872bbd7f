package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrInvalidValue is wrapped by every ValueError.
var ErrInvalidValue = errors.New("invalid config value")

// ValueError reports a value that could not be converted to its key's type.
type ValueError struct {
	Key    string
	Value  string
	Source Source
	Err    error
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("config %s=%q (from %s): %v", e.Key, e.Value, e.Source, e.Err)
}

// Unwrap returns ErrInvalidValue and the conversion error.
func (e *ValueError) Unwrap() []error {
	return []error{ErrInvalidValue, e.Err}
}

func (c *Resolved) invalid(key string, err error) error {
	return &ValueError{Key: key, Value: c.values[key], Source: c.sources[key], Err: err}
}

// Int parses key as a decimal integer.
func (c *Resolved) Int(key string) (int, error) {
	n, err := strconv.Atoi(c.values[key])
	if err != nil {
		return 0, c.invalid(key, err)
	}
	return n, nil
}

// Bytes parses key as a byte size. Plain integers and human sizes such as
// "512MiB" or "2 GB" are accepted.
func (c *Resolved) Bytes(key string) (int64, error) {
	n, err := humanize.ParseBytes(c.values[key])
	if err != nil {
		return 0, c.invalid(key, err)
	}
	if n > math.MaxInt64 {
		return 0, c.invalid(key, errors.New("size overflows int64"))
	}
	return int64(n), nil
}

// Duration parses key as a Go duration ("90s", "5m"). A bare number is
// taken as seconds.
func (c *Resolved) Duration(key string) (time.Duration, error) {
	v := c.values[key]
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, c.invalid(key, err)
	}
	return d, nil
}

// Bool parses key with strconv.ParseBool.
func (c *Resolved) Bool(key string) (bool, error) {
	b, err := strconv.ParseBool(c.values[key])
	if err != nil {
		return false, c.invalid(key, err)
	}
	return b, nil
}

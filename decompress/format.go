package decompress

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"
)

// Format identifies the encoding of a log payload.
type Format uint8

const (
	// FormatUnknown is the zero value; it never survives Detect.
	FormatUnknown Format = iota

	// FormatPlain is uncompressed text (UTF-8, or UTF-16 with a BOM).
	FormatPlain

	// FormatGzip is one or more concatenated gzip members.
	FormatGzip

	// FormatZip is a zip archive whose entries are decoded in archive order.
	FormatZip

	// FormatZstd is a zstandard frame stream.
	FormatZstd

	// FormatLZ4 is an LZ4 frame stream.
	FormatLZ4
)

// String returns the format name used in configuration and results.
func (f Format) String() string {
	switch f {
	case FormatPlain:
		return "plain"
	case FormatGzip:
		return "gzip"
	case FormatZip:
		return "zip"
	case FormatZstd:
		return "zstd"
	case FormatLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// ContentType returns the canonical media type of f, or "" for
// FormatUnknown.
func (f Format) ContentType() string {
	switch f {
	case FormatPlain:
		return "text/plain"
	case FormatGzip:
		return "application/gzip"
	case FormatZip:
		return "application/zip"
	case FormatZstd:
		return "application/zstd"
	case FormatLZ4:
		return "application/x-lz4"
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// ErrUnsupportedFormat indicates a payload no codec recognizes. Nothing is
// decoded heuristically.
var ErrUnsupportedFormat = errors.New("unsupported log format")

// ParseFormat parses a format name or a content type. An empty string
// returns FormatUnknown with no error.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FormatUnknown, nil
	}
	switch s {
	case "plain", "text", "txt", "none":
		return FormatPlain, nil
	case "gzip", "gz":
		return FormatGzip, nil
	case "zip":
		return FormatZip, nil
	case "zstd", "zst":
		return FormatZstd, nil
	case "lz4":
		return FormatLZ4, nil
	}
	if f := fromContentType(s); f != FormatUnknown {
		return f, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// fromContentType maps a declared content type to a format. Generic binary
// types return FormatUnknown so the caller falls back to sniffing.
func fromContentType(contentType string) Format {
	if contentType == "" {
		return FormatUnknown
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch mt {
	case "application/gzip", "application/x-gzip", "application/gzip-compressed":
		return FormatGzip
	case "application/zip", "application/x-zip", "application/x-zip-compressed":
		return FormatZip
	case "application/zstd", "application/x-zstd":
		return FormatZstd
	case "application/x-lz4", "application/lz4":
		return FormatLZ4
	}
	if strings.HasPrefix(mt, "text/") {
		return FormatPlain
	}
	return FormatUnknown
}

var (
	magicGzip   = []byte{0x1f, 0x8b}
	magicZip    = []byte("PK\x03\x04")
	magicZipNil = []byte("PK\x05\x06")
	magicZstd   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4    = []byte{0x04, 0x22, 0x4d, 0x18}

	bomUTF8    = []byte{0xef, 0xbb, 0xbf}
	bomUTF16LE = []byte{0xff, 0xfe}
	bomUTF16BE = []byte{0xfe, 0xff}
)

// SniffLen is the number of leading bytes Detect inspects.
const SniffLen = 512

// Detect picks the format of a payload from its declared content type,
// falling back to the leading bytes head. Plain text is recognized by a
// byte order mark or by head being valid UTF-8 without NUL bytes. Anything
// else fails with ErrUnsupportedFormat.
func Detect(contentType string, head []byte) (Format, error) {
	if f := fromContentType(contentType); f != FormatUnknown {
		return f, nil
	}

	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatGzip, nil
	case bytes.HasPrefix(head, magicZip), bytes.HasPrefix(head, magicZipNil):
		return FormatZip, nil
	case bytes.HasPrefix(head, magicZstd):
		return FormatZstd, nil
	case bytes.HasPrefix(head, magicLZ4):
		return FormatLZ4, nil
	case bytes.HasPrefix(head, bomUTF8), bytes.HasPrefix(head, bomUTF16LE), bytes.HasPrefix(head, bomUTF16BE):
		return FormatPlain, nil
	case looksLikeText(head):
		return FormatPlain, nil
	}

	if len(head) > 8 {
		head = head[:8]
	}
	return FormatUnknown, fmt.Errorf("%w: content type %q, leading bytes % x", ErrUnsupportedFormat, contentType, head)
}

func looksLikeText(head []byte) bool {
	if bytes.IndexByte(head, 0) >= 0 {
		return false
	}
	// head may end in the middle of a rune.
	for i := 0; i < utf8.UTFMax && len(head) > 0; i++ {
		if utf8.Valid(head) {
			return true
		}
		head = head[:len(head)-1]
	}
	return utf8.Valid(head)
}

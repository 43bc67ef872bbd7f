package decompress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/randalmurphal/logsift/budget"
)

// DefaultChunkSize is used when Options.ChunkSize is zero.
const DefaultChunkSize = 64 * 1024

// Chunk is one ordered unit of decoded text. Ownership passes to the
// receiver, which must release Reserved bytes to the budget once done.
type Chunk struct {
	// Seq starts at 0 and increases by one per chunk within a run.
	Seq int

	// Offset and End delimit the chunk in the decoded stream, which for
	// archives is the concatenation of all entries.
	Offset int64
	End    int64

	// Entry is the archive entry the chunk belongs to, "" for single
	// stream formats. A chunk never spans two entries.
	Entry string

	// EntryStart marks the first chunk of an entry.
	EntryStart bool

	Data []byte

	// Reserved is the budget reservation backing Data.
	Reserved int64
}

// Input is the payload to decode.
type Input struct {
	Reader io.Reader

	// ReaderAt and Size give random access, required by zip. When nil, a
	// zip payload is copied through Options.Spool first.
	ReaderAt io.ReaderAt
	Size     int64

	ContentType string
}

// SpoolFunc copies r to temporary storage and returns random access to it.
type SpoolFunc func(ctx context.Context, r io.Reader) (io.ReaderAt, int64, error)

// Options configures decoding.
type Options struct {
	ChunkSize int

	// Format overrides detection when set.
	Format Format

	// Budget, when set, is reserved from before each chunk is read. A full
	// budget stalls decoding until the consumer releases chunks.
	Budget *budget.State

	Spool  SpoolFunc
	Logger *slog.Logger
}

// ErrCorrupt indicates the payload failed to decode partway through.
// Chunks already emitted remain valid.
var ErrCorrupt = errors.New("corrupt compressed stream")

// ErrNeedsRandomAccess indicates a zip payload arrived without random
// access and no spool was configured.
var ErrNeedsRandomAccess = errors.New("zip payload requires random access")

// CorruptError reports where decoding failed.
type CorruptError struct {
	Format Format
	Entry  string

	// Offset is the decoded offset reached before the failure.
	Offset int64

	// Chunks is the number of chunks emitted before the failure.
	Chunks int

	Err error
}

// Error implements the error interface.
func (e *CorruptError) Error() string {
	where := fmt.Sprintf("offset %d", e.Offset)
	if e.Entry != "" {
		where = fmt.Sprintf("entry %q, %s", e.Entry, where)
	}
	return fmt.Sprintf("corrupt %s stream at %s after %d chunk(s): %v", e.Format, where, e.Chunks, e.Err)
}

// Unwrap returns ErrCorrupt and the decoder error.
func (e *CorruptError) Unwrap() []error {
	return []error{ErrCorrupt, e.Err}
}

// SourceError wraps a failure reading the payload itself, as opposed to a
// failure decoding it.
type SourceError struct {
	Err error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	return "read payload: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *SourceError) Unwrap() error {
	return e.Err
}

// sourceReader tags errors from the payload so they are not mistaken for
// corruption after passing through a codec.
type sourceReader struct {
	r io.Reader
}

func (s sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = &SourceError{Err: err}
	}
	return n, err
}

type sourceReaderAt struct {
	r io.ReaderAt
}

func (s sourceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.r.ReadAt(p, off)
	if err != nil && err != io.EOF {
		err = &SourceError{Err: err}
	}
	return n, err
}

// Stats summarizes a finished decode.
type Stats struct {
	Chunks  int
	Bytes   int64
	Entries int
}

// Decoder turns one payload into a chunk sequence. It is single use.
type Decoder struct {
	in     Input
	br     *bufio.Reader
	format Format
	opts   Options
	logger *slog.Logger

	seq     int
	offset  int64
	entries int
}

// NewDecoder detects the payload format. It reads at most SniffLen bytes,
// which stay buffered for decoding.
func NewDecoder(in Input, opts Options) (*Decoder, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	br := bufio.NewReaderSize(sourceReader{in.Reader}, SniffLen)

	format := opts.Format
	if format == FormatUnknown {
		head, err := br.Peek(SniffLen)
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			return nil, err
		}
		format, err = Detect(in.ContentType, head)
		if err != nil {
			return nil, err
		}
	}

	return &Decoder{
		in:     in,
		br:     br,
		format: format,
		opts:   opts,
		logger: logger,
	}, nil
}

// Format returns the detected format.
func (d *Decoder) Format() Format {
	return d.format
}

// Stats returns counts for chunks emitted so far. Call it after Stream
// returns.
func (d *Decoder) Stats() Stats {
	return Stats{Chunks: d.seq, Bytes: d.offset, Entries: d.entries}
}

// Stream decodes the payload into out and closes out when done. A decode
// failure returns a *CorruptError; chunks sent before it stay valid.
func (d *Decoder) Stream(ctx context.Context, out chan<- Chunk) error {
	defer close(out)

	switch d.format {
	case FormatPlain:
		return d.emit(ctx, out, d.br, "")

	case FormatGzip:
		zr, err := gzip.NewReader(d.br)
		if err != nil {
			return d.classify(ctx, "", err)
		}
		defer zr.Close()
		return d.emit(ctx, out, zr, "")

	case FormatZstd:
		zr, err := zstd.NewReader(d.br,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(true),
		)
		if err != nil {
			return d.classify(ctx, "", err)
		}
		defer zr.Close()
		return d.emit(ctx, out, zr, "")

	case FormatLZ4:
		return d.emit(ctx, out, lz4.NewReader(d.br), "")

	case FormatZip:
		return d.streamZip(ctx, out)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, d.format)
	}
}

func (d *Decoder) streamZip(ctx context.Context, out chan<- Chunk) error {
	ra, size := d.in.ReaderAt, d.in.Size
	if ra == nil {
		if d.opts.Spool == nil {
			return ErrNeedsRandomAccess
		}
		var err error
		ra, size, err = d.opts.Spool(ctx, d.br)
		if err != nil {
			return fmt.Errorf("spool zip payload: %w", err)
		}
	} else {
		ra = sourceReaderAt{ra}
	}

	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return d.classify(ctx, "", err)
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := d.streamEntry(ctx, out, f); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) streamEntry(ctx context.Context, out chan<- Chunk, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return d.classify(ctx, f.Name, err)
	}
	defer rc.Close()
	return d.emit(ctx, out, rc, f.Name)
}

// emit reads r to EOF in chunk-size pieces, decoding text along the way.
func (d *Decoder) emit(ctx context.Context, out chan<- Chunk, r io.Reader, entry string) error {
	text := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	size := int64(d.opts.ChunkSize)
	first := true
	if entry != "" {
		d.entries++
	}

	for {
		if d.opts.Budget != nil {
			if err := d.opts.Budget.Reserve(ctx, size); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		buf := make([]byte, size)
		n, rerr := fill(text, buf)

		if n > 0 {
			c := Chunk{
				Seq:        d.seq,
				Offset:     d.offset,
				End:        d.offset + int64(n),
				Entry:      entry,
				EntryStart: first,
				Data:       buf[:n],
				Reserved:   size,
			}
			select {
			case out <- c:
			case <-ctx.Done():
				d.release(size)
				return ctx.Err()
			}
			d.seq++
			d.offset += int64(n)
			first = false
		} else {
			d.release(size)
		}

		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return d.classify(ctx, entry, rerr)
		}
	}
}

func (d *Decoder) release(n int64) {
	if d.opts.Budget != nil {
		d.opts.Budget.Release(n)
	}
}

// classify turns a read error into the error Stream reports.
func (d *Decoder) classify(ctx context.Context, entry string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se
	}
	d.logger.Warn("decompression failed mid-stream",
		"format", d.format,
		"entry", entry,
		"offset", d.offset,
		"chunks", d.seq,
		"error", err,
	)
	return &CorruptError{Format: d.format, Entry: entry, Offset: d.offset, Chunks: d.seq, Err: err}
}

// fill reads until buf is full or r fails. Unlike io.ReadFull it reports a
// clean io.EOF even after a partial read, which keeps truncated input
// (io.ErrUnexpectedEOF from a codec) distinguishable from the end.
func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	empty := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			empty++
			if empty > 100 {
				return n, io.ErrNoProgress
			}
		}
	}
	return n, nil
}

// Stream detects the format of in and decodes it into out, closing out in
// every case.
func Stream(ctx context.Context, in Input, opts Options, out chan<- Chunk) error {
	d, err := NewDecoder(in, opts)
	if err != nil {
		close(out)
		return err
	}
	return d.Stream(ctx, out)
}

package decompress

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/logsift/budget"
	"github.com/randalmurphal/logsift/testutil"
)

func TestDetect(t *testing.T) {
	gz := testutil.Gzip(t, []byte("x"))
	zs := testutil.Zstd(t, []byte("x"))
	lz := testutil.LZ4(t, []byte("x"))
	zp := testutil.Zip(t, testutil.Entry{Name: "a", Body: "x"})

	tests := []struct {
		name        string
		contentType string
		head        []byte
		want        Format
		wantErr     bool
	}{
		{"declared gzip wins", "application/gzip", []byte("plain"), FormatGzip, false},
		{"declared zip with params", "application/zip; charset=binary", nil, FormatZip, false},
		{"declared text", "text/plain; charset=utf-8", []byte{0xff, 0x00}, FormatPlain, false},
		{"sniff gzip", "application/octet-stream", gz, FormatGzip, false},
		{"sniff zip", "", zp, FormatZip, false},
		{"sniff zstd", "", zs, FormatZstd, false},
		{"sniff lz4", "", lz, FormatLZ4, false},
		{"sniff utf8", "", []byte("2024-01-01 build started\n"), FormatPlain, false},
		{"sniff utf16 bom", "", []byte{0xff, 0xfe, 'h', 0}, FormatPlain, false},
		{"split rune at end", "", []byte("caf\xc3"), FormatPlain, false},
		{"empty", "", nil, FormatPlain, false},
		{"binary", "application/octet-stream", []byte{0x7f, 'E', 'L', 'F', 0, 1, 2}, FormatUnknown, true},
		{"bzip2 unsupported", "", []byte("BZh91AY&SY\x00\x01"), FormatUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.contentType, tt.head)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"":                  FormatUnknown,
		"gz":                FormatGzip,
		"ZSTD":              FormatZstd,
		"application/zip":   FormatZip,
		"text/x-log":        FormatPlain,
		"application/x-lz4": FormatLZ4,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("rar")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestFormatContentTypeRoundTrip(t *testing.T) {
	for _, f := range []Format{FormatPlain, FormatGzip, FormatZip, FormatZstd, FormatLZ4} {
		got, err := ParseFormat(f.ContentType())
		require.NoError(t, err, f)
		assert.Equal(t, f, got)
	}
	assert.Empty(t, FormatUnknown.ContentType())
}

// collect drains ch, releasing each chunk's reservation as a consumer would.
func collect(ch <-chan Chunk, b *budget.State) []Chunk {
	var out []Chunk
	for c := range ch {
		out = append(out, c)
		if b != nil {
			b.Release(c.Reserved)
		}
	}
	return out
}

func run(t *testing.T, in Input, opts Options) ([]Chunk, error) {
	t.Helper()
	ch := make(chan Chunk, 2)
	errc := make(chan error, 1)
	go func() { errc <- Stream(context.Background(), in, opts, ch) }()
	chunks := collect(ch, opts.Budget)
	return chunks, <-errc
}

func join(chunks []Chunk) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Data)
	}
	return buf.Bytes()
}

func assertSequence(t *testing.T, chunks []Chunk) {
	t.Helper()
	var offset int64
	for i, c := range chunks {
		assert.Equal(t, i, c.Seq, "sequence must be gapless")
		assert.Equal(t, offset, c.Offset, "chunk %d offset", i)
		assert.Equal(t, c.Offset+int64(len(c.Data)), c.End)
		offset = c.End
	}
}

func TestStreamFormats(t *testing.T) {
	data := []byte(testutil.NumberedLog(2000, map[int]string{1500: "ERROR: boom"}))
	zipped := testutil.Zip(t, testutil.Entry{Name: "log.txt", Body: string(data)})

	tests := []struct {
		name    string
		payload []byte
		in      func(p []byte) Input
		want    Format
	}{
		{"plain", data, nil, FormatPlain},
		{"gzip", testutil.Gzip(t, data), nil, FormatGzip},
		{"zstd", testutil.Zstd(t, data), nil, FormatZstd},
		{"lz4", testutil.LZ4(t, data), nil, FormatLZ4},
		{"zip", zipped, func(p []byte) Input {
			return Input{Reader: bytes.NewReader(p), ReaderAt: bytes.NewReader(p), Size: int64(len(p))}
		}, FormatZip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{Reader: bytes.NewReader(tt.payload)}
			if tt.in != nil {
				in = tt.in(tt.payload)
			}

			d, err := NewDecoder(in, Options{ChunkSize: 1024})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Format())

			ch := make(chan Chunk, 4)
			errc := make(chan error, 1)
			go func() { errc <- d.Stream(context.Background(), ch) }()
			chunks := collect(ch, nil)
			require.NoError(t, <-errc)

			assert.Equal(t, data, join(chunks))
			assertSequence(t, chunks)
			for _, c := range chunks[:len(chunks)-1] {
				assert.Len(t, c.Data, 1024, "only the last chunk may be short")
			}
			assert.Equal(t, len(chunks), d.Stats().Chunks)
			assert.Equal(t, int64(len(data)), d.Stats().Bytes)
		})
	}
}

func TestStreamZipEntryBoundaries(t *testing.T) {
	entries := []testutil.Entry{
		{Name: "1_setup.txt", Body: strings.Repeat("a", 2500)},
		{Name: "logs/", Body: ""},
		{Name: "2_build.txt", Body: "short\n"},
		{Name: "3_empty.txt", Body: ""},
		{Name: "4_test.txt", Body: strings.Repeat("b", 1024)},
	}
	raw := testutil.Zip(t, entries...)

	chunks, err := run(t, Input{Reader: bytes.NewReader(raw), ReaderAt: bytes.NewReader(raw), Size: int64(len(raw))},
		Options{ChunkSize: 1024})
	require.NoError(t, err)
	assertSequence(t, chunks)

	var names []string
	for _, c := range chunks {
		names = append(names, c.Entry)
	}
	assert.Equal(t, []string{
		"1_setup.txt", "1_setup.txt", "1_setup.txt",
		"2_build.txt",
		"4_test.txt",
	}, names)

	assert.True(t, chunks[0].EntryStart)
	assert.False(t, chunks[1].EntryStart)
	assert.True(t, chunks[3].EntryStart)
	assert.Len(t, chunks[2].Data, 2500-2048, "entry end closes the chunk")
	assert.Equal(t, "short\n", string(chunks[3].Data))
}

func TestStreamZipSpool(t *testing.T) {
	raw := testutil.Zip(t, testutil.Entry{Name: "a.txt", Body: "hello\n"})
	spooled := false
	opts := Options{
		ChunkSize: 64,
		Spool: func(_ context.Context, r io.Reader) (io.ReaderAt, int64, error) {
			spooled = true
			data, err := io.ReadAll(r)
			return bytes.NewReader(data), int64(len(data)), err
		},
	}

	chunks, err := run(t, Input{Reader: bytes.NewReader(raw), ContentType: "application/zip"}, opts)
	require.NoError(t, err)
	assert.True(t, spooled)
	assert.Equal(t, "hello\n", string(join(chunks)))
}

func TestStreamZipWithoutRandomAccess(t *testing.T) {
	raw := testutil.Zip(t, testutil.Entry{Name: "a.txt", Body: "hello\n"})
	_, err := run(t, Input{Reader: bytes.NewReader(raw)}, Options{})
	assert.ErrorIs(t, err, ErrNeedsRandomAccess)
}

func TestStreamCorruptGzip(t *testing.T) {
	data := testutil.Incompressible(64 * 1024)
	gz := testutil.Gzip(t, data)
	cut := testutil.Truncate(gz, len(gz)/2)

	chunks, err := run(t, Input{Reader: bytes.NewReader(cut)}, Options{ChunkSize: 4096})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)

	var cerr *CorruptError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, FormatGzip, cerr.Format)
	assert.Equal(t, len(chunks), cerr.Chunks)
	assert.GreaterOrEqual(t, len(chunks), 3)

	assertSequence(t, chunks)
	got := join(chunks)
	assert.Equal(t, data[:len(got)], got, "emitted chunks are a valid prefix")
}

func TestStreamCorruptZipEntry(t *testing.T) {
	raw := testutil.Zip(t, testutil.Entry{Name: "a.txt", Body: "first entry\n"}, testutil.Entry{Name: "b.txt", Body: "second entry\n"})
	// Flip a byte inside the first entry's deflate data, right after its
	// 30-byte local header and 5-byte name.
	bad := bytes.Clone(raw)
	bad[36] ^= 0xff

	_, err := run(t, Input{Reader: bytes.NewReader(bad), ReaderAt: bytes.NewReader(bad), Size: int64(len(bad))}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)

	var cerr *CorruptError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "a.txt", cerr.Entry)
}

func TestStreamUnsupported(t *testing.T) {
	ch := make(chan Chunk)
	err := Stream(context.Background(), Input{Reader: bytes.NewReader([]byte{0x7f, 'E', 'L', 'F', 0, 0})}, Options{}, ch)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, open := <-ch
	assert.False(t, open, "output is closed on every path")
}

func TestStreamTextNormalization(t *testing.T) {
	t.Run("utf16 with bom", func(t *testing.T) {
		in := []byte{0xff, 0xfe, 'o', 0, 'k', 0, '\n', 0}
		chunks, err := run(t, Input{Reader: bytes.NewReader(in)}, Options{})
		require.NoError(t, err)
		assert.Equal(t, "ok\n", string(join(chunks)))
	})

	t.Run("utf8 bom dropped", func(t *testing.T) {
		in := append([]byte{0xef, 0xbb, 0xbf}, "ok\n"...)
		chunks, err := run(t, Input{Reader: bytes.NewReader(in)}, Options{})
		require.NoError(t, err)
		assert.Equal(t, "ok\n", string(join(chunks)))
	})

	t.Run("invalid bytes replaced", func(t *testing.T) {
		in := []byte("bad \xff byte\n")
		chunks, err := run(t, Input{Reader: bytes.NewReader(in)}, Options{Format: FormatPlain})
		require.NoError(t, err)
		assert.Equal(t, "bad \uFFFD byte\n", string(join(chunks)))
	})
}

func TestStreamBackpressure(t *testing.T) {
	const chunk = 1024
	b := budget.New(3 * chunk)
	data := []byte(testutil.NumberedLog(5000, nil))

	ch := make(chan Chunk, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- Stream(context.Background(), Input{Reader: bytes.NewReader(data)}, Options{ChunkSize: chunk, Budget: b}, ch)
	}()

	var got bytes.Buffer
	for c := range ch {
		// A slow consumer: the producer must stall on the budget rather than
		// fill the 16-slot queue.
		time.Sleep(100 * time.Microsecond)
		assert.LessOrEqual(t, b.Snapshot().Buffered, int64(3*chunk))
		got.Write(c.Data)
		b.Release(c.Reserved)
	}
	require.NoError(t, <-errc)

	assert.Equal(t, data, got.Bytes())
	snap := b.Snapshot()
	assert.LessOrEqual(t, snap.Peak, int64(3*chunk))
	assert.Equal(t, int64(0), snap.Buffered)
}

func TestStreamCancel(t *testing.T) {
	b := budget.New(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan Chunk)
	errc := make(chan error, 1)
	go func() {
		errc <- Stream(ctx, Input{Reader: bytes.NewReader([]byte(testutil.NumberedLog(1000, nil)))},
			Options{ChunkSize: 512, Budget: b}, ch)
	}()

	first := <-ch
	b.Release(first.Reserved)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not stop after cancellation")
	}
	collect(ch, b)
	assert.Equal(t, int64(0), b.Snapshot().Buffered, "unsent chunk reservations are returned")
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestStreamSourceFailureIsNotCorruption(t *testing.T) {
	boom := errors.New("connection reset")
	gz := testutil.Gzip(t, testutil.Incompressible(32*1024))
	r := &failingReader{data: gz[:len(gz)/2], err: boom}

	_, err := run(t, Input{Reader: r}, Options{ChunkSize: 1024})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrCorrupt)

	var se *SourceError
	assert.True(t, errors.As(err, &se))
}

package extract

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/randalmurphal/logsift/budget"
	"github.com/randalmurphal/logsift/decompress"
)

// Defaults for Config fields left at zero.
const (
	DefaultContextRadius  = 5
	DefaultMergeGap       = 2
	DefaultMaxResultBytes = 1 << 20
	DefaultMaxLineBytes   = 4 << 10
)

// ClipMarker is appended to lines longer than Config.MaxLineBytes.
const ClipMarker = " …[clipped]"

// Truncation reasons reported in Result.TruncationReason.
const (
	ReasonMaxResult    = "max_result_bytes"
	ReasonMemory       = "memory_ceiling"
	ReasonCorruptInput = "corrupt_input"
)

// Config configures an Engine.
type Config struct {
	// ContextRadius is the number of lines kept before and after a signal.
	ContextRadius int

	// MergeGap joins excerpts separated by at most this many lines.
	MergeGap int

	// MaxResultBytes caps the total excerpt text.
	MaxResultBytes int64

	// MaxLineBytes clips longer lines.
	MaxLineBytes int

	Rules *RuleSet

	// IgnoreWarnings classifies warnings without reporting them as signals.
	IgnoreWarnings bool

	// Budget, when set, backs the look-back buffer and every retained line.
	// Chunk reservations are released as chunks are consumed.
	Budget *budget.State

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ContextRadius < 0 {
		c.ContextRadius = 0
	}
	if c.MergeGap < 0 {
		c.MergeGap = 0
	}
	if c.MaxResultBytes <= 0 {
		c.MaxResultBytes = DefaultMaxResultBytes
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.Rules == nil {
		c.Rules = Default()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Signal is one classified line.
type Signal struct {
	// Chunk is the sequence number of the chunk the line starts in.
	Chunk int  `json:"chunk"`
	Line  int  `json:"line"`
	Kind  Kind `json:"kind"`

	Rule string `json:"rule"`
	Text string `json:"text"`
}

// Excerpt is a contiguous window of lines around one or more signals. Line
// numbers are 0-based and inclusive.
type Excerpt struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// Entry is the archive entry holding the first line, if any.
	Entry string `json:"entry,omitempty"`

	Summary map[Kind]int `json:"summary"`
	Signals []Signal     `json:"signals"`
	Text    string       `json:"text"`

	// Clipped marks an excerpt cut short by the result size cap.
	Clipped bool `json:"clipped,omitempty"`
}

// Result is the outcome of one engine run.
type Result struct {
	Excerpts []Excerpt `json:"excerpts"`

	BytesIn       int64 `json:"bytes_in"`
	BytesRetained int64 `json:"bytes_retained"`
	LinesSeen     int   `json:"lines_seen"`
	ChunksSeen    int   `json:"chunks_seen"`

	Signals       int          `json:"signals"`
	SignalsByKind map[Kind]int `json:"signals_by_kind,omitempty"`

	// DroppedSignals counts signals seen after excerpts stopped being
	// accepted. It is zero unless Truncated is set.
	DroppedSignals int `json:"dropped_signals,omitempty"`

	Truncated        bool   `json:"truncated"`
	TruncationReason string `json:"truncation_reason,omitempty"`
}

// RetentionRatio returns retained bytes over input bytes.
func (r *Result) RetentionRatio() float64 {
	if r.BytesIn == 0 {
		return 0
	}
	return float64(r.BytesRetained) / float64(r.BytesIn)
}

// Truncate marks the result truncated. The first reason sticks.
func (r *Result) Truncate(reason string) {
	if !r.Truncated {
		r.Truncated = true
		r.TruncationReason = reason
	}
}

// line is one decoded line held in the look-back ring.
type line struct {
	num     int
	chunk   int
	entry   string
	text    string
	clipped bool
}

// ring keeps the most recent lines, oldest first.
type ring struct {
	buf  []line
	head int
	n    int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]line, capacity)}
}

func (r *ring) push(l line) {
	r.buf[(r.head+r.n)%len(r.buf)] = l
	if r.n < len(r.buf) {
		r.n++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// since returns held lines numbered from..to inclusive, oldest first.
func (r *ring) since(from, to int) []line {
	var out []line
	for i := 0; i < r.n; i++ {
		l := r.buf[(r.head+i)%len(r.buf)]
		if l.num >= from && l.num <= to {
			out = append(out, l)
		}
	}
	return out
}

// open is the excerpt being assembled.
type open struct {
	ex   Excerpt
	text strings.Builder

	// end is the last line the window currently covers.
	end int

	// last is the last line appended.
	last int
}

// Engine assembles excerpts from a chunk stream. An Engine is single use.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	result   Result
	ring     *ring
	cur      *open
	reserved int64
	closed   bool

	partial        []byte
	hasPartial     bool
	partialClipped bool
	partialChunk   int
	partialEntry   string
	lineNo         int
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		ring:   newRing(cfg.ContextRadius + cfg.MergeGap),
		result: Result{SignalsByKind: map[Kind]int{}},
	}
}

// LookBackBytes is the memory the engine reserves up front for held lines.
func (c Config) LookBackBytes() int64 {
	c = c.withDefaults()
	lines := int64(c.ContextRadius+c.MergeGap) + 2
	return lines * (int64(c.MaxLineBytes) + int64(len(ClipMarker)) + 1)
}

// Run consumes chunks until in is closed or ctx is done, and returns the
// result accumulated so far in both cases. Run does not drain in after
// ctx is done; the caller releases whatever is left.
func (e *Engine) Run(ctx context.Context, in <-chan decompress.Chunk) (*Result, error) {
	if b := e.cfg.Budget; b != nil {
		lookBack := e.cfg.LookBackBytes()
		if err := b.Reserve(ctx, lookBack); err != nil {
			return e.finish(), err
		}
		defer b.Release(lookBack)
	}
	defer e.releaseRetained()

	for {
		select {
		case <-ctx.Done():
			return e.finish(), ctx.Err()
		case c, ok := <-in:
			if !ok {
				e.flushPartial()
				return e.finish(), nil
			}
			e.consume(c)
			if e.cfg.Budget != nil {
				e.cfg.Budget.Release(c.Reserved)
			}
		}
	}
}

// Feed processes one chunk synchronously, for callers that already hold the
// data. Call Close after the last chunk.
func (e *Engine) Feed(c decompress.Chunk) {
	e.consume(c)
}

// Close flushes the trailing line and returns the result.
func (e *Engine) Close() *Result {
	defer e.releaseRetained()
	e.flushPartial()
	return e.finish()
}

func (e *Engine) consume(c decompress.Chunk) {
	e.result.ChunksSeen++
	e.result.BytesIn += int64(len(c.Data))

	// An archive entry always starts a new line.
	if c.EntryStart {
		e.flushPartial()
	}

	data := c.Data
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			e.appendPartial(data, c)
			return
		}
		e.appendPartial(data[:i], c)
		e.flushPartial()
		data = data[i+1:]
	}
}

func (e *Engine) appendPartial(b []byte, c decompress.Chunk) {
	if !e.hasPartial {
		e.hasPartial = true
		e.partialChunk = c.Seq
		e.partialEntry = c.Entry
	}
	room := e.cfg.MaxLineBytes - len(e.partial)
	if len(b) > room {
		b = b[:max(room, 0)]
		e.partialClipped = true
	}
	e.partial = append(e.partial, b...)
}

func (e *Engine) flushPartial() {
	if !e.hasPartial {
		return
	}
	text := strings.TrimSuffix(string(e.partial), "\r")
	if e.partialClipped {
		text = trimRune(text)
	}
	l := line{
		num:     e.lineNo,
		chunk:   e.partialChunk,
		entry:   e.partialEntry,
		text:    text,
		clipped: e.partialClipped,
	}
	e.partial = e.partial[:0]
	e.hasPartial = false
	e.partialClipped = false
	e.lineNo++
	e.processLine(l)
}

func (e *Engine) processLine(l line) {
	e.result.LinesSeen++
	r := e.cfg.ContextRadius

	kind, rule, ok := e.cfg.Rules.Classify(l.text)
	if ok && kind == KindWarning && e.cfg.IgnoreWarnings {
		ok = false
	}

	if ok {
		e.result.Signals++
		e.result.SignalsByKind[kind]++
		sig := Signal{Chunk: l.chunk, Line: l.num, Kind: kind, Rule: rule, Text: l.text}

		switch {
		case e.closed:
			e.result.DroppedSignals++

		case e.cur != nil && l.num-r <= e.cur.end+e.cfg.MergeGap+1:
			// Overlapping or within the merge gap: pull in held filler lines.
			for _, h := range e.ring.since(e.cur.last+1, l.num-1) {
				if !e.appendLine(h) {
					break
				}
			}
			if e.cur != nil && e.appendLine(l) {
				e.addSignal(sig)
				e.cur.end = l.num + r
			} else {
				e.result.DroppedSignals++
			}

		default:
			e.closeExcerpt()
			held := e.ring.since(l.num-r, l.num-1)
			first := l
			if len(held) > 0 {
				first = held[0]
			}
			e.cur = &open{
				ex: Excerpt{
					StartLine: first.num,
					Entry:     first.entry,
					Summary:   map[Kind]int{},
				},
				last: -1,
			}
			kept := true
			for _, h := range held {
				if kept = e.appendLine(h); !kept {
					break
				}
			}
			if kept && e.appendLine(l) {
				e.addSignal(sig)
				e.cur.end = l.num + r
			} else {
				e.result.DroppedSignals++
			}
		}
	} else if e.cur != nil {
		if l.num <= e.cur.end {
			e.appendLine(l)
		} else if l.num >= e.cur.end+e.cfg.MergeGap+r+1 {
			e.closeExcerpt()
		}
	}

	e.ring.push(l)
}

func (e *Engine) addSignal(s Signal) {
	e.cur.ex.Signals = append(e.cur.ex.Signals, s)
	e.cur.ex.Summary[s.Kind]++
}

// appendLine adds l to the open excerpt. It returns false when the line
// could not be kept, in which case the engine stops accepting excerpts.
func (e *Engine) appendLine(l line) bool {
	if e.cur == nil || e.closed {
		return false
	}

	text := l.text
	if l.clipped {
		text += ClipMarker
	}
	need := int64(len(text)) + 1

	if e.result.BytesRetained+need > e.cfg.MaxResultBytes {
		room := e.cfg.MaxResultBytes - e.result.BytesRetained - 1
		if room > 0 && e.reserve(room+1) {
			part := trimRune(text[:int(room)])
			e.cur.text.WriteString(part)
			e.cur.text.WriteByte('\n')
			e.result.BytesRetained += int64(len(part)) + 1
			e.cur.last = l.num
		}
		e.cur.ex.Clipped = true
		e.stop(ReasonMaxResult)
		return false
	}

	if !e.reserve(need) {
		e.cur.ex.Clipped = true
		e.stop(ReasonMemory)
		return false
	}

	e.cur.text.WriteString(text)
	e.cur.text.WriteByte('\n')
	e.result.BytesRetained += need
	e.cur.last = l.num
	return true
}

func (e *Engine) reserve(n int64) bool {
	if e.cfg.Budget == nil {
		return true
	}
	if !e.cfg.Budget.TryReserve(n) {
		return false
	}
	e.reserved += n
	return true
}

func (e *Engine) releaseRetained() {
	if e.cfg.Budget != nil && e.reserved > 0 {
		e.cfg.Budget.Release(e.reserved)
		e.reserved = 0
	}
}

// stop closes the open excerpt and refuses new ones.
func (e *Engine) stop(reason string) {
	e.closeExcerpt()
	e.closed = true
	e.result.Truncate(reason)
	e.logger.Warn("extraction result truncated",
		"reason", reason,
		"retained", humanize.IBytes(uint64(e.result.BytesRetained)),
		"excerpts", len(e.result.Excerpts),
	)
}

func (e *Engine) closeExcerpt() {
	if e.cur == nil {
		return
	}
	cur := e.cur
	e.cur = nil
	if cur.last < 0 {
		return
	}
	cur.ex.EndLine = cur.last
	cur.ex.Text = cur.text.String()
	e.result.Excerpts = append(e.result.Excerpts, cur.ex)
}

func (e *Engine) finish() *Result {
	e.closeExcerpt()
	res := e.result
	if res.Excerpts == nil {
		res.Excerpts = []Excerpt{}
	}
	return &res
}

// trimRune drops a trailing partial UTF-8 sequence.
func trimRune(s string) string {
	for i := 0; i < utf8.UTFMax && len(s) > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			return s
		}
		s = s[:len(s)-1]
	}
	return s
}

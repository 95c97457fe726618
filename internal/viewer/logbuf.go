package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

// LogEntry is one captured log line. Level and Subsystem are filled when the
// line came from a go-log logger; other writers leave them empty.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

// LogBuffer keeps the most recent log lines of the process and fans new ones
// out to live subscribers (the log SSE stream).
type LogBuffer struct {
	mu      sync.Mutex
	lines   *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	pending bytes.Buffer
	now     func() time.Time
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		lines: util.NewRingBuffer[LogEntry](max),
		subs:  make(map[chan LogEntry]struct{}),
		now:   time.Now,
	}
}

// Write splits p into lines; a trailing fragment waits for the next call.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending.Write(p)
	for {
		i := bytes.IndexByte(b.pending.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b.pending.Next(i+1)[:i]), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := parseLine(line, b.now())
		b.lines.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

// parseLine reads go-log's plaintext layout:
// time TAB LEVEL TAB subsystem TAB caller TAB message.
func parseLine(line string, now time.Time) LogEntry {
	e := LogEntry{TS: now, Msg: line}
	f := strings.SplitN(line, "\t", 5)
	if len(f) < 4 {
		return e
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.000Z0700", f[0]); err == nil {
		e.TS = ts
	} else {
		return e
	}
	e.Level = strings.ToLower(f[1])
	e.Subsystem = f[2]
	e.Msg = f[len(f)-1]
	return e
}

// Capture tees every go-log logger into the buffer until ctx ends.
func (b *LogBuffer) Capture(ctx context.Context) {
	r := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()
	go func() { _, _ = io.Copy(b, r) }()
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.lines.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// logFilter is the ?subsystem=&level=&tail= query shared by both endpoints.
type logFilter struct {
	subsystem string
	minLevel  int
	tail      int
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

func parseLogFilter(r *http.Request) logFilter {
	q := r.URL.Query()
	f := logFilter{subsystem: q.Get("subsystem"), tail: -1}
	if n, err := strconv.Atoi(q.Get("tail")); err == nil && n >= 0 {
		f.tail = n
	}
	if rank, ok := levelRank[strings.ToLower(q.Get("level"))]; ok {
		f.minLevel = rank
	}
	return f
}

func (f logFilter) match(e LogEntry) bool {
	if f.subsystem != "" && e.Subsystem != f.subsystem {
		return false
	}
	if f.minLevel > 0 {
		rank, ok := levelRank[e.Level]
		return ok && rank >= f.minLevel
	}
	return true
}

func (f logFilter) apply(entries []LogEntry) []LogEntry {
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if f.tail >= 0 && len(out) > f.tail {
		out = out[len(out)-f.tail:]
	}
	return out
}

// GET /api/logs?subsystem=&level=&tail=
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(parseLogFilter(r).apply(b.Snapshot()))
}

// GET /api/logs/stream (SSE). With ?tail=N the last N matching lines are
// replayed before live lines.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	f := parseLogFilter(r)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	if f.tail > 0 {
		for _, e := range f.apply(b.Snapshot()) {
			writeLogEvent(w, e)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if f.match(e) {
				writeLogEvent(w, e)
				flusher.Flush()
			}
		}
	}
}

func writeLogEvent(w io.Writer, e LogEntry) {
	data, _ := json.Marshal(e)
	_, _ = io.WriteString(w, "event: log\ndata: ")
	_, _ = w.Write(data)
	_, _ = io.WriteString(w, "\n\n")
}

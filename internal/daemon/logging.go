package daemon

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mapeo.dev/go/mapeo/internal/config"
)

// LogBufferSize is the number of log entries kept for the web API.
const LogBufferSize = 5000

// LogEntry is one captured log record.
type LogEntry struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a fixed-size ring of recent log entries.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	count   int
}

// NewLogBuffer creates a buffer holding up to size entries.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = LogBufferSize
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

// Add appends an entry, overwriting the oldest when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// QueryOpts filters a log query. Level returns that level and above.
type QueryOpts struct {
	Since *time.Time
	Until *time.Time
	Level string
	Limit int
}

// Query returns matching entries oldest first. When Limit is set the most
// recent Limit matches are returned.
func (b *LogBuffer) Query(opts QueryOpts) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	minLevel, filterLevel := parseLevel(opts.Level)

	start := 0
	if b.count == len(b.entries) {
		start = b.head
	}

	results := make([]LogEntry, 0)
	for i := 0; i < b.count; i++ {
		entry := b.entries[(start+i)%len(b.entries)]

		if opts.Since != nil && entry.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && entry.Timestamp.After(*opts.Until) {
			continue
		}
		if filterLevel {
			if lvl, ok := parseLevel(entry.Level); ok && lvl < minLevel {
				continue
			}
		}
		results = append(results, entry)
	}

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[len(results)-opts.Limit:]
	}
	return results
}

// Count returns the number of buffered entries.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// CountByLevel returns the number of buffered entries per level.
func (b *LogBuffer) CountByLevel() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int)
	for i := 0; i < b.count; i++ {
		counts[b.entries[i].Level]++
	}
	return counts
}

func parseLevel(s string) (slog.Level, bool) {
	if s == "" {
		return 0, false
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, false
	}
	return lvl, true
}

// BufferedHandler copies every record it handles into a LogBuffer before
// passing it on.
type BufferedHandler struct {
	buffer *LogBuffer
	next   slog.Handler
	attrs  []slog.Attr
	group  string
}

// NewBufferedHandler wraps next.
func NewBufferedHandler(buffer *LogBuffer, next slog.Handler) *BufferedHandler {
	return &BufferedHandler{buffer: buffer, next: next}
}

func (h *BufferedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *BufferedHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fields[key] = a.Value.Any()
		return true
	})

	h.buffer.Add(LogEntry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Fields:    fields,
	})
	return h.next.Handle(ctx, r)
}

func (h *BufferedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BufferedHandler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
		group:  h.group,
	}
}

func (h *BufferedHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &BufferedHandler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		group:  group,
	}
}

// NewLogger builds the daemon logger from the logging config. Records go to
// w and, when buffer is not nil, into buffer.
func NewLogger(cfg config.LoggingConfig, w io.Writer, buffer *LogBuffer) *slog.Logger {
	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if buffer != nil {
		handler = NewBufferedHandler(buffer, handler)
	}
	return slog.New(handler)
}

package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TranscriptHandler writes records as plain "[time - LEVEL]: message" lines.
// It backs per-build log files and captured HTTP responses, which are read
// by people rather than log pipelines.
type TranscriptHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
	now   func() time.Time
}

// NewTranscriptHandler creates a handler writing to w at or above level.
func NewTranscriptHandler(w io.Writer, level slog.Leveler) *TranscriptHandler {
	if level == nil {
		level = slog.LevelDebug
	}
	return &TranscriptHandler{
		mu:    &sync.Mutex{},
		w:     w,
		level: level,
		now:   time.Now,
	}
}

// NewTranscript returns a logger writing transcript lines to w.
func NewTranscript(w io.Writer) *slog.Logger {
	return slog.New(NewTranscriptHandler(w, slog.LevelDebug))
}

func (h *TranscriptHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *TranscriptHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = h.now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s - %s]: %s", ts.Format("2006-01-02 15:04:05"), r.Level.String(), r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *TranscriptHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// WithGroup is a no-op; transcript lines are flat.
func (h *TranscriptHandler) WithGroup(string) slog.Handler {
	return h
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(b, " %s=%v", a.Key, a.Value.Resolve().Any())
}

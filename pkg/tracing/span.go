// Package tracing records in-process span trees and writes them to slog when
// the root span finishes. Synchronization passes use it to show how long a
// pass spent locking, projecting and writing.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey struct{}

type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	Duration  time.Duration
	Err       error

	mu       sync.Mutex
	parent   *Span
	children []*Span
	attrs    []slog.Attr
	ended    bool
}

// Start opens a span under the span carried by ctx, or a new root span with
// a fresh trace id when ctx carries none.
func Start(ctx context.Context, name string, attrs ...slog.Attr) (context.Context, *Span) {
	s := &Span{Name: name, StartTime: time.Now(), attrs: attrs}
	if parent := FromContext(ctx); parent != nil {
		s.parent = parent
		s.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, s)
		parent.mu.Unlock()
	} else {
		s.TraceID = uuid.NewString()
	}
	return context.WithValue(ctx, contextKey{}, s), s
}

func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(contextKey{}).(*Span)
	return s
}

// TraceID returns the trace id carried by ctx, or "".
func TraceID(ctx context.Context) string {
	if s := FromContext(ctx); s != nil {
		return s.TraceID
	}
	return ""
}

func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, slog.Any(key, value))
	s.mu.Unlock()
}

// End closes the span with err as its outcome. Only the first call counts.
// Ending a root span logs the whole tree at debug level through logger.
func (s *Span) End(logger *slog.Logger, err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.Duration = time.Since(s.StartTime)
	s.Err = err
	s.mu.Unlock()

	if s.parent == nil && logger != nil {
		s.log(logger, 0)
	}
}

// Children returns a copy of the span's direct children.
func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

func (s *Span) log(logger *slog.Logger, depth int) {
	s.mu.Lock()
	attrs := make([]slog.Attr, 0, len(s.attrs)+5)
	attrs = append(attrs,
		slog.String("trace_id", s.TraceID),
		slog.String("span", s.Name),
		slog.Int64("duration_us", s.Duration.Microseconds()),
		slog.Int("depth", depth),
	)
	attrs = append(attrs, s.attrs...)
	if s.Err != nil {
		attrs = append(attrs, slog.String("error", s.Err.Error()))
	}
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	logger.LogAttrs(context.Background(), slog.LevelDebug, "span", attrs...)
	for _, c := range children {
		c.log(logger, depth+1)
	}
}

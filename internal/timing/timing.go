// Package timing records a per-request timeline of named checkpoints,
// rendered as a Server-Timing header value. The recorder travels in the
// request context so nested stages can append steps without threading it
// through every signature.
package timing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type step struct {
	name  string
	delta time.Duration
	total time.Duration
}

// Timer is an append-only, request-scoped checkpoint log. Safe for
// concurrent use by sub-operations of the same request.
type Timer struct {
	mu    sync.Mutex
	start time.Time
	last  time.Time
	steps []step
}

func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// AddStep appends a checkpoint named name, recording the elapsed time
// since the previous checkpoint and since the request start.
func (t *Timer) AddStep(name string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step{
		name:  name,
		delta: now.Sub(t.last),
		total: now.Sub(t.start),
	})
	t.last = now
}

// ServerTimings renders the timeline as comma-joined `name;dur=<ms>`
// tokens, consumed by operators for latency breakdown only.
func (t *Timer) ServerTimings() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := make([]string, 0, len(t.steps))
	for _, s := range t.steps {
		parts = append(parts, fmt.Sprintf("%s;dur=%.1f", s.name, float64(s.delta.Microseconds())/1000))
	}
	return strings.Join(parts, ", ")
}

// Steps returns the recorded step names in order.
func (t *Timer) Steps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.steps))
	for _, s := range t.steps {
		names = append(names, s.name)
	}
	return names
}

type ctxKey struct{}

// NewContext attaches a fresh Timer to ctx and returns both.
func NewContext(ctx context.Context) (context.Context, *Timer) {
	t := New()
	return context.WithValue(ctx, ctxKey{}, t), t
}

// FromContext returns the request's Timer, or nil when none is attached.
func FromContext(ctx context.Context) *Timer {
	t, _ := ctx.Value(ctxKey{}).(*Timer)
	return t
}

// AddStep records a checkpoint on the context's Timer. A missing Timer is
// a no-op so library code never has to guard the call.
func AddStep(ctx context.Context, name string) {
	if t := FromContext(ctx); t != nil {
		t.AddStep(name)
	}
}

// Package ledger records every model invocation made while servicing a trace.
package ledger

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/trace"
)

// DefaultPendingTTL bounds how long an entry may stay PENDING before the
// sweep collects it (calls that never reported completion, e.g. a crash).
const DefaultPendingTTL = 10 * time.Minute

// Entry represents one model invocation.
type Entry struct {
	TraceID     string           `json:"trace_id"`
	SpanID      string           `json:"span_id"`
	Model       string           `json:"model"`
	TokensIn    int64            `json:"tokens_in"`
	TokensOut   int64            `json:"tokens_out"`
	State       domain.CallState `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Ledger is an in-memory LLM call ledger with a periodic pending sweep.
type Ledger struct {
	mu         sync.RWMutex
	entries    map[string]*Entry // keyed by span id
	pendingTTL time.Duration
}

// New creates a ledger. A non-positive ttl falls back to DefaultPendingTTL.
func New(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &Ledger{
		entries:    make(map[string]*Entry),
		pendingTTL: ttl,
	}
}

// Begin records a new PENDING entry and returns its span id.
func (l *Ledger) Begin(traceID, model string) string {
	spanID := trace.NewSpanID()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[spanID] = &Entry{
		TraceID:   traceID,
		SpanID:    spanID,
		Model:     model,
		State:     domain.CallStatePending,
		CreatedAt: time.Now(),
	}
	return spanID
}

// Complete marks the entry COMPLETE with its token counts. Completing an
// entry the sweep already collected is a no-op.
func (l *Ledger) Complete(spanID string, tokensIn, tokensOut int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[spanID]
	if !ok {
		return
	}
	now := time.Now()
	e.State = domain.CallStateComplete
	e.TokensIn = tokensIn
	e.TokensOut = tokensOut
	e.CompletedAt = &now
}

// Get returns a copy of the entry for a span, or nil.
func (l *Ledger) Get(spanID string) *Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[spanID]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// ByTrace returns all entries for a trace, ordered by creation time.
func (l *Ledger) ByTrace(traceID string) []Entry {
	l.mu.RLock()
	var out []Entry
	for _, e := range l.entries {
		if e.TraceID == traceID {
			out = append(out, *e)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep removes PENDING entries older than the TTL and returns how many were
// collected. Completed entries are never removed.
func (l *Ledger) Sweep() int {
	cutoff := time.Now().Add(-l.pendingTTL)
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for spanID, e := range l.entries {
		if e.State == domain.CallStatePending && e.CreatedAt.Before(cutoff) {
			delete(l.entries, spanID)
			removed++
		}
	}
	return removed
}

// RunSweeper periodically sweeps stale pending entries until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context) {
	interval := l.pendingTTL / 10
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				log.Printf("WARN: ledger sweep collected %d stale pending entries", n)
			}
		}
	}
}

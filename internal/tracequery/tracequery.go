// Package tracequery assembles the cross-boundary timeline for a trace:
// durable lifecycle events from the store interleaved with model call entries
// from the in-memory ledger.
package tracequery

import (
	"context"
	"fmt"
	"sort"

	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/ledger"
	"github.com/tobyms/foreman/internal/store"
)

// Item kinds in a timeline.
const (
	KindEvent   = "event"
	KindLLMCall = "llm-call"
)

// Item is one timeline entry, either a lifecycle event or a model call.
type Item struct {
	Ts    int64         `json:"ts"`
	Kind  string        `json:"kind"`
	Event *domain.Event `json:"event,omitempty"`
	Call  *ledger.Entry `json:"call,omitempty"`
}

// Timeline is the merged view of one trace.
type Timeline struct {
	TraceID        string `json:"trace_id"`
	Items          []Item `json:"items"`
	TotalTokensIn  int64  `json:"total_tokens_in"`
	TotalTokensOut int64  `json:"total_tokens_out"`
}

// Service answers trace queries.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
}

// New creates a trace query service.
func New(st store.Store, ld *ledger.Ledger) *Service {
	return &Service{store: st, ledger: ld}
}

// Timeline returns all activity for a trace in timestamp order: the parent
// run's events, every delegated job's events, and the model calls recorded
// against the trace. Ledger entries are best-effort; events are durable.
func (s *Service) Timeline(ctx context.Context, traceID string) (*Timeline, error) {
	events, err := s.store.GetTraceEvents(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trace events: %w", err)
	}

	tl := &Timeline{TraceID: traceID}
	for i := range events {
		tl.Items = append(tl.Items, Item{
			Ts:    events[i].Ts,
			Kind:  KindEvent,
			Event: &events[i],
		})
	}

	calls := s.ledger.ByTrace(traceID)
	for i := range calls {
		tl.Items = append(tl.Items, Item{
			Ts:   calls[i].CreatedAt.UnixMilli(),
			Kind: KindLLMCall,
			Call: &calls[i],
		})
		tl.TotalTokensIn += calls[i].TokensIn
		tl.TotalTokensOut += calls[i].TokensOut
	}

	sort.SliceStable(tl.Items, func(i, j int) bool { return tl.Items[i].Ts < tl.Items[j].Ts })
	return tl, nil
}

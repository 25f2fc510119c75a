// Package bus provides in-process publish/subscribe on top of the durable
// event log. The durable log is the source of truth; live delivery is
// best-effort.
package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/store"
	"github.com/tobyms/foreman/internal/trace"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 64

// Subscription is a live listener for one run's events.
type Subscription struct {
	RunID string
	C     chan domain.Event
}

// Bus fans published events out to zero or more live subscribers and
// unconditionally appends them to the durable log. It is constructed once at
// startup and passed explicitly to the engine, processor, and transport.
type Bus struct {
	store        store.Store
	mu           sync.RWMutex
	subs         map[string][]*Subscription // keyed by run id
	droppedCount atomic.Uint64
}

// New creates a bus over the given store.
func New(st store.Store) *Bus {
	return &Bus{
		store: st,
		subs:  make(map[string][]*Subscription),
	}
}

// Publish appends the event durably, then delivers it to live subscribers for
// the event's run. Publishing with zero subscribers is expected. A full
// subscriber channel drops the event rather than blocking the publisher; the
// durable log never loses it.
func (b *Bus) Publish(ctx context.Context, event *domain.Event) error {
	if event.EventID == "" {
		event.EventID = trace.NewEventID()
	}
	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}

	if err := b.store.AppendEvent(ctx, event); err != nil {
		return err
	}

	// Deliver while holding the read lock: Unsubscribe closes channels under
	// the write lock, so a send can never race a close. Sends are
	// non-blocking, so the lock is held only briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[event.RunID] {
		select {
		case sub.C <- *event:
		default:
			count := b.droppedCount.Add(1)
			if count%10 == 1 { // log every 10th drop to avoid spam
				log.Printf("WARN: subscriber channel full, dropped live event (total dropped: %d): type=%s run=%s", count, event.Type, event.RunID)
			}
		}
	}
	return nil
}

// Subscribe registers a live listener for a run's events.
func (b *Bus) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		RunID: runID,
		C:     make(chan domain.Event, DefaultSubscriberBuffer),
	}
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.RunID]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.RunID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.RunID]) == 0 {
		delete(b.subs, sub.RunID)
	}
	// Closed under the write lock so no in-flight Publish can be holding the
	// channel.
	close(sub.C)
}

// QueryTrace reconstructs the full event timeline for a trace from the
// durable log, in publish order.
func (b *Bus) QueryTrace(ctx context.Context, traceID string) ([]domain.Event, error) {
	return b.store.GetTraceEvents(ctx, traceID)
}

// DroppedCount returns the total number of live deliveries dropped.
func (b *Bus) DroppedCount() uint64 {
	return b.droppedCount.Load()
}

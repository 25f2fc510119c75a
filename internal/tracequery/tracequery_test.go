package tracequery

import (
	"context"
	"testing"
	"time"

	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/ledger"
	"github.com/tobyms/foreman/tests/helpers"
)

func TestTimelineMergesEventsAndCalls(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestStore(t)
	callLedger := ledger.New(time.Minute)
	svc := New(db, callLedger)

	base := time.Now().UnixMilli()
	for i, typ := range []domain.EventType{domain.EventTypeRunStarted, domain.EventTypeJobSpawned, domain.EventTypeRunComplete} {
		event := &domain.Event{
			EventID: "ev" + string(rune('a'+i)),
			TraceID: "tr1",
			RunID:   "r1",
			Ts:      base + int64(i*10),
			Type:    typ,
		}
		if err := db.AppendEvent(ctx, event); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	spanID := callLedger.Begin("tr1", "test-model")
	callLedger.Complete(spanID, 100, 40)
	callLedger.Begin("tr2", "test-model") // other trace

	tl, err := svc.Timeline(ctx, "tr1")
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	if len(tl.Items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(tl.Items))
	}
	if tl.TotalTokensIn != 100 || tl.TotalTokensOut != 40 {
		t.Fatalf("token totals wrong: %+v", tl)
	}

	var events, calls int
	for i, item := range tl.Items {
		switch item.Kind {
		case KindEvent:
			events++
		case KindLLMCall:
			calls++
		}
		if i > 0 && item.Ts < tl.Items[i-1].Ts {
			t.Fatalf("items out of timestamp order: %+v", tl.Items)
		}
	}
	if events != 3 || calls != 1 {
		t.Fatalf("expected 3 events and 1 call, got %d/%d", events, calls)
	}
}

func TestTimelineEmptyTrace(t *testing.T) {
	db := helpers.NewTestStore(t)
	svc := New(db, ledger.New(time.Minute))

	tl, err := svc.Timeline(context.Background(), "tr_missing")
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	if len(tl.Items) != 0 {
		t.Fatalf("expected empty timeline, got %d items", len(tl.Items))
	}
}

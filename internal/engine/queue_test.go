package engine

import (
	"fmt"
	"testing"
)

func TestQueue_PushDrainPreservesOrder(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 5; i++ {
		q.Push(ExecutionEvent{Kind: KindFill, ExecID: fmt.Sprintf("e%d", i)})
	}

	events := q.Drain()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.ExecID != fmt.Sprintf("e%d", i) {
			t.Errorf("event %d out of order: %s", i, ev.ExecID)
		}
	}

	if q.Len() != 0 {
		t.Errorf("drain must empty the queue, got %d", q.Len())
	}
	if len(q.Drain()) != 0 {
		t.Error("second drain must return nothing")
	}
}

func TestQueue_OverflowDropsOldest(t *testing.T) {
	q := NewQueue(3)
	for i := 0; i < 4; i++ {
		q.Push(ExecutionEvent{Kind: KindFill, ExecID: fmt.Sprintf("e%d", i)})
	}

	if q.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", q.Dropped())
	}

	events := q.Drain()
	if len(events) != 3 {
		t.Fatalf("expected 3 events after overflow, got %d", len(events))
	}
	if events[0].ExecID != "e1" {
		t.Errorf("oldest event must be dropped first, head is %s", events[0].ExecID)
	}
}

package pipeline

import (
	"fmt"
	"testing"
	"time"
)

func entry(i int) HistoryEntry {
	return HistoryEntry{
		MessageID:  fmt.Sprintf("msg_%d", i),
		Stage:      StageAnalysis,
		PipelineID: "p1",
		Timestamp:  time.Unix(int64(i), 0),
	}
}

// TestHistoryRingBoundedMemory verifies the buffer never exceeds capacity
// and always holds the most recent entries.
func TestHistoryRingBoundedMemory(t *testing.T) {
	r := newHistoryRing(5)

	for i := 0; i < 12; i++ {
		r.append(entry(i))
		if r.len() > 5 {
			t.Fatalf("after %d appends size = %d, exceeds capacity", i+1, r.len())
		}
	}

	got := r.recent(0)
	if len(got) != 5 {
		t.Fatalf("recent() returned %d entries, want 5", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("msg_%d", 7+i)
		if e.MessageID != want {
			t.Errorf("recent()[%d] = %s, want %s", i, e.MessageID, want)
		}
	}
}

func TestHistoryRingRecentSubset(t *testing.T) {
	r := newHistoryRing(10)
	for i := 0; i < 4; i++ {
		r.append(entry(i))
	}

	got := r.recent(2)
	if len(got) != 2 {
		t.Fatalf("recent(2) returned %d entries", len(got))
	}
	if got[0].MessageID != "msg_2" || got[1].MessageID != "msg_3" {
		t.Errorf("recent(2) = [%s %s], want newest two in order", got[0].MessageID, got[1].MessageID)
	}

	// Asking for more than stored returns everything.
	if got := r.recent(99); len(got) != 4 {
		t.Errorf("recent(99) returned %d entries, want 4", len(got))
	}
}

func TestHistoryRingEmpty(t *testing.T) {
	r := newHistoryRing(3)
	if r.len() != 0 {
		t.Errorf("empty ring len = %d", r.len())
	}
	if got := r.recent(0); len(got) != 0 {
		t.Errorf("recent() on empty ring returned %d entries", len(got))
	}
}

package pipeline

import "time"

// HistoryEntry is one classified message retained for recent-activity
// introspection and dashboard replay.
type HistoryEntry struct {
	MessageID  string                 `json:"message_id"`
	Stage      string                 `json:"stage"`
	PipelineID string                 `json:"pipeline_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

// historyRing is a fixed-capacity ring buffer of the most recent entries.
// Insertion evicts the oldest once capacity is exceeded. Callers serialize
// access; the orchestrator's mutex guards it.
type historyRing struct {
	buf  []HistoryEntry
	next int
	size int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &historyRing{buf: make([]HistoryEntry, capacity)}
}

func (r *historyRing) append(e HistoryEntry) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *historyRing) len() int { return r.size }

// recent returns up to n entries in chronological order, newest last.
func (r *historyRing) recent(n int) []HistoryEntry {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]HistoryEntry, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

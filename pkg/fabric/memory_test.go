package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// collector accumulates delivered messages behind a mutex so handlers can
// be invoked from any goroutine.
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handler(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestMemoryClientDispatch(t *testing.T) {
	client := NewMemoryClient()
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer client.Stop()

	var got collector
	if err := client.Subscribe("tasks.analysis", "g1", got.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msg := Message{"tasks": []interface{}{"a"}, "request_id": "r1"}
	if err := client.Publish(context.Background(), "tasks.analysis", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got.count() != 1 {
		t.Fatalf("delivered = %d, want 1", got.count())
	}
}

// TestMemoryClientNoBacklog verifies messages published before a handler
// subscribes are not delivered: the memory backend has no persistence.
func TestMemoryClientNoBacklog(t *testing.T) {
	client := NewMemoryClient()
	client.Start(context.Background())
	defer client.Stop()

	client.Publish(context.Background(), "tasks.planning", Message{"plan_id": "early"})

	var got collector
	client.Subscribe("tasks.planning", "g1", got.handler)

	if got.count() != 0 {
		t.Fatalf("late subscriber saw %d backlogged messages, want 0", got.count())
	}

	client.Publish(context.Background(), "tasks.planning", Message{"plan_id": "late"})
	if got.count() != 1 {
		t.Fatalf("delivered = %d, want 1", got.count())
	}
}

// TestMemoryClientFanOut verifies every registered handler sees every
// message; the memory backend treats groups as a no-op since there is
// exactly one process.
func TestMemoryClientFanOut(t *testing.T) {
	client := NewMemoryClient()
	client.Start(context.Background())
	defer client.Stop()

	var a, b collector
	client.Subscribe("orchestration.events", "group-a", a.handler)
	client.Subscribe("orchestration.events", "group-b", b.handler)

	for i := 0; i < 3; i++ {
		client.Publish(context.Background(), "orchestration.events", Message{"n": float64(i)})
	}

	if a.count() != 3 || b.count() != 3 {
		t.Errorf("fan-out counts = %d, %d, want 3 and 3", a.count(), b.count())
	}
}

// TestMemoryClientHandlerIsolation verifies one failing or panicking
// handler neither stops delivery to the others nor surfaces an error.
func TestMemoryClientHandlerIsolation(t *testing.T) {
	client := NewMemoryClient()
	client.Start(context.Background())
	defer client.Stop()

	client.Subscribe("tasks.coding", "g1", func(Message) error {
		return errors.New("bad handler")
	})
	client.Subscribe("tasks.coding", "g2", func(Message) error {
		panic("worse handler")
	})
	var got collector
	client.Subscribe("tasks.coding", "g3", got.handler)

	if err := client.Publish(context.Background(), "tasks.coding", Message{"code_id": "c1"}); err != nil {
		t.Fatalf("publish returned error: %v", err)
	}
	if got.count() != 1 {
		t.Fatalf("healthy handler delivered = %d, want 1", got.count())
	}
}

// TestMemoryClientStop verifies publishes after Stop are dropped and Stop
// is safe to call repeatedly.
func TestMemoryClientStop(t *testing.T) {
	client := NewMemoryClient()
	client.Start(context.Background())

	var got collector
	client.Subscribe("tasks.testing", "g1", got.handler)

	client.Stop()
	client.Stop() // no-op

	client.Publish(context.Background(), "tasks.testing", Message{"test_id": "t1"})
	if got.count() != 0 {
		t.Fatalf("delivered after stop = %d, want 0", got.count())
	}
}

// TestMemoryClientStartIdempotent verifies repeated Start calls are safe.
func TestMemoryClientStartIdempotent(t *testing.T) {
	client := NewMemoryClient()
	for i := 0; i < 3; i++ {
		if err := client.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	client.Stop()
}

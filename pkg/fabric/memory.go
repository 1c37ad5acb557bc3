package fabric

import (
	"context"
	"sync"

	"github.com/loomhq/loom/pkg/logger"
)

// MemoryClient dispatches messages synchronously within one process. It is
// the backend for single-binary runs and tests: no persistence, no backlog
// (messages published before a handler subscribes are not delivered), and
// consumer groups are a no-op — every registered handler on a topic receives
// every message, since there is exactly one process.
type MemoryClient struct {
	handlers map[string][]Handler
	mu       sync.RWMutex
	running  bool
	stopOnce sync.Once
}

// NewMemoryClient creates an in-memory fabric client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		handlers: make(map[string][]Handler),
	}
}

// Start marks the client running. Idempotent; never fails — there is no
// broker to reach.
func (c *MemoryClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		c.running = true
		logger.InfoC("fabric", "Memory backend started")
	}
	return nil
}

// Stop marks the client stopped. Later publishes are dropped silently.
func (c *MemoryClient) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		logger.InfoC("fabric", "Memory backend stopped")
	})
}

// Publish dispatches msg synchronously to every handler registered on topic
// at call time. Handler errors are logged and isolated per handler.
func (c *MemoryClient) Publish(ctx context.Context, topic string, msg Message) error {
	c.mu.RLock()
	running := c.running
	handlers := make([]Handler, len(c.handlers[topic]))
	copy(handlers, c.handlers[topic])
	c.mu.RUnlock()

	if !running {
		logger.DebugCF("fabric", "Dropping publish on stopped memory backend", map[string]interface{}{
			"topic": topic,
		})
		return nil
	}

	for _, h := range handlers {
		if err := invoke(h, msg); err != nil {
			logHandlerError("fabric", topic, err)
		}
	}
	return nil
}

// Subscribe registers handler on topic. The group id is accepted for
// contract parity and ignored.
func (c *MemoryClient) Subscribe(topic, group string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = append(c.handlers[topic], handler)
	logger.InfoCF("fabric", "Subscribed", map[string]interface{}{
		"topic":   topic,
		"group":   group,
		"backend": "memory",
	})
	return nil
}

var _ Client = (*MemoryClient)(nil)

package fabric

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/loomhq/loom/pkg/logger"
)

// kafkaClient is the partitioned-log backend. One shared writer publishes to
// any topic; each subscription runs its own consumer-group reader goroutine.
// Offsets are committed only after the handler returns, so a crash between
// delivery and commit redelivers the message (at-least-once).
type kafkaClient struct {
	brokers         []string
	clientID        string
	connectAttempts int
	policy          Policy

	writer  *kafka.Writer
	readers []*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

func newKafkaClient(brokers []string, clientID string, connectAttempts int, policy Policy) *kafkaClient {
	if clientID == "" {
		clientID = "loom"
	}
	return &kafkaClient{
		brokers:         brokers,
		clientID:        clientID,
		connectAttempts: connectAttempts,
		policy:          policy,
	}
}

// Start verifies broker reachability and builds the shared producer.
// Idempotent. The dial is retried with the publish backoff up to the
// configured attempt count before giving up with a *ConnectionError.
func (c *kafkaClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < c.connectAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, c.policy.Delay(attempt-1)) {
				return &ConnectionError{Backend: "kafka", Err: ctx.Err()}
			}
		}
		conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
		if err != nil {
			lastErr = err
			logger.WarnCF("fabric", "Kafka dial failed", map[string]interface{}{
				"broker":  c.brokers[0],
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}
		conn.Close()
		lastErr = nil
		break
	}
	if lastErr != nil {
		return &ConnectionError{Backend: "kafka", Err: lastErr}
	}

	c.writer = &kafka.Writer{
		Addr:                   kafka.TCP(c.brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.started = true
	logger.InfoCF("fabric", "Kafka producer started", map[string]interface{}{
		"brokers":   c.brokers,
		"client_id": c.clientID,
	})
	return nil
}

// Stop cancels all consume loops, closes the readers and the writer, and
// waits for the loops to exit. Subsequent calls are no-ops.
func (c *kafkaClient) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		if !c.started {
			c.mu.Unlock()
			return
		}
		c.cancel()
		readers := c.readers
		c.readers = nil
		c.started = false
		c.mu.Unlock()

		for _, r := range readers {
			r.Close()
		}
		c.wg.Wait()
		if c.writer != nil {
			c.writer.Close()
		}
		logger.InfoC("fabric", "Kafka messaging stopped")
	})
}

// Publish writes msg to topic, retrying with capped backoff until delivery
// succeeds or the client context is canceled by Stop.
func (c *kafkaClient) Publish(ctx context.Context, topic string, msg Message) error {
	c.mu.Lock()
	writer := c.writer
	clientCtx := c.ctx
	c.mu.Unlock()
	if writer == nil {
		return &ConnectionError{Backend: "kafka", Err: context.Canceled}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, release := joinContexts(ctx, clientCtx)
	defer release()
	return publishWithRetry(ctx, "fabric", topic, c.policy, func(ctx context.Context) error {
		return writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: data})
	})
}

// Subscribe spawns a consumer-group reader for topic. An empty group
// defaults to "<client_id>-<topic>" so every subscription still has the
// group the log backend requires.
func (c *kafkaClient) Subscribe(topic, group string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return &ConnectionError{Backend: "kafka", Err: context.Canceled}
	}
	if group == "" {
		group = c.clientID + "-" + topic
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		GroupID:     group,
		Topic:       topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	c.readers = append(c.readers, reader)

	c.wg.Add(1)
	go c.consumeLoop(reader, topic, group, handler)

	logger.InfoCF("fabric", "Subscribed", map[string]interface{}{
		"topic":   topic,
		"group":   group,
		"backend": "kafka",
	})
	return nil
}

func (c *kafkaClient) consumeLoop(reader *kafka.Reader, topic, group string, handler Handler) {
	defer c.wg.Done()

	for {
		m, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logger.ErrorCF("fabric", "Kafka fetch failed", map[string]interface{}{
				"topic": topic,
				"group": group,
				"error": err.Error(),
			})
			if !sleepCtx(c.ctx, c.policy.Base) {
				return
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			logger.ErrorCF("fabric", "Dropping undecodable record", map[string]interface{}{
				"topic":     topic,
				"partition": int(m.Partition),
				"offset":    m.Offset,
				"error":     err.Error(),
			})
		} else if err := invoke(handler, msg); err != nil {
			logHandlerError("fabric", topic, err)
		}

		// Commit after the handler has run. A crash before this point
		// redelivers the record on restart.
		if err := reader.CommitMessages(c.ctx, m); err != nil && c.ctx.Err() == nil {
			logger.ErrorCF("fabric", "Offset commit failed", map[string]interface{}{
				"topic": topic,
				"group": group,
				"error": err.Error(),
			})
		}
	}
}

var _ Client = (*kafkaClient)(nil)

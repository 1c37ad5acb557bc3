package fabric

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loomhq/loom/pkg/logger"
)

// amqpClient is the queue/exchange backend. Topics are routing keys on one
// durable topic exchange; each (topic, group) pair gets its own durable
// queue, so distinct groups each see every message while competing consumers
// on the same queue share them. Messages are acked after the handler
// returns and nacked without requeue on handler failure, so one poison
// message cannot loop forever.
type amqpClient struct {
	url             string
	exchange        string
	connectAttempts int
	policy          Policy

	conn    *amqp.Connection
	pubCh   *amqp.Channel
	pubMu   sync.Mutex // amqp channels are not safe for concurrent use
	subChs  []*amqp.Channel
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

func newAMQPClient(url, exchange string, connectAttempts int, policy Policy) *amqpClient {
	return &amqpClient{
		url:             url,
		exchange:        exchange,
		connectAttempts: connectAttempts,
		policy:          policy,
	}
}

// Start dials the broker, retrying with the publish backoff up to the
// configured attempt count, then declares the shared topic exchange.
// Idempotent.
func (c *amqpClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	var conn *amqp.Connection
	var lastErr error
	for attempt := 0; attempt < c.connectAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, c.policy.Delay(attempt-1)) {
				return &ConnectionError{Backend: "amqp", Err: ctx.Err()}
			}
		}
		conn, lastErr = amqp.Dial(c.url)
		if lastErr == nil {
			break
		}
		logger.WarnCF("fabric", "AMQP dial failed", map[string]interface{}{
			"attempt": attempt,
			"error":   lastErr.Error(),
		})
	}
	if lastErr != nil {
		return &ConnectionError{Backend: "amqp", Err: lastErr}
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &ConnectionError{Backend: "amqp", Err: err}
	}
	if err := pubCh.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return &ConnectionError{Backend: "amqp", Err: err}
	}

	c.conn = conn
	c.pubCh = pubCh
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.started = true
	logger.InfoCF("fabric", "AMQP client started", map[string]interface{}{
		"exchange": c.exchange,
	})
	return nil
}

// Stop cancels consume loops, closes channels and the connection, and waits
// for the loops to drain. Subsequent calls are no-ops.
func (c *amqpClient) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		if !c.started {
			c.mu.Unlock()
			return
		}
		c.cancel()
		subChs := c.subChs
		c.subChs = nil
		c.started = false
		c.mu.Unlock()

		for _, ch := range subChs {
			ch.Close()
		}
		c.wg.Wait()

		c.pubMu.Lock()
		if c.pubCh != nil {
			c.pubCh.Close()
		}
		c.pubMu.Unlock()
		if c.conn != nil {
			c.conn.Close()
		}
		logger.InfoC("fabric", "AMQP messaging stopped")
	})
}

// Publish routes msg to topic through the shared exchange, retrying with
// capped backoff until delivery succeeds or the client is stopped.
func (c *amqpClient) Publish(ctx context.Context, topic string, msg Message) error {
	c.mu.Lock()
	clientCtx := c.ctx
	started := c.started
	c.mu.Unlock()
	if !started {
		return &ConnectionError{Backend: "amqp", Err: context.Canceled}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, release := joinContexts(ctx, clientCtx)
	defer release()
	return publishWithRetry(ctx, "fabric", topic, c.policy, func(ctx context.Context) error {
		c.pubMu.Lock()
		defer c.pubMu.Unlock()
		return c.pubCh.PublishWithContext(ctx, c.exchange, topic, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         data,
		})
	})
}

// Subscribe binds a durable queue named "<topic>.<group>" to the exchange
// and consumes it on a dedicated channel. An empty group defaults to the
// topic name, keeping one queue per topic.
func (c *amqpClient) Subscribe(topic, group string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return &ConnectionError{Backend: "amqp", Err: context.Canceled}
	}
	if group == "" {
		group = topic
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}

	queueName := topic + "." + group
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		return err
	}
	if err := ch.QueueBind(queueName, topic, c.exchange, false, nil); err != nil {
		ch.Close()
		return err
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}
	c.subChs = append(c.subChs, ch)

	c.wg.Add(1)
	go c.consumeLoop(deliveries, topic, handler)

	logger.InfoCF("fabric", "Subscribed", map[string]interface{}{
		"topic":   topic,
		"group":   group,
		"queue":   queueName,
		"backend": "amqp",
	})
	return nil
}

func (c *amqpClient) consumeLoop(deliveries <-chan amqp.Delivery, topic string, handler Handler) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(d, topic, handler)
		}
	}
}

func (c *amqpClient) handleDelivery(d amqp.Delivery, topic string, handler Handler) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logger.ErrorCF("fabric", "Dropping undecodable delivery", map[string]interface{}{
			"topic": topic,
			"error": err.Error(),
		})
		d.Nack(false, false)
		return
	}

	if err := invoke(handler, msg); err != nil {
		logHandlerError("fabric", topic, err)
		// No requeue: a failing message would otherwise loop forever.
		d.Nack(false, false)
		return
	}
	d.Ack(false)
}

var _ Client = (*amqpClient)(nil)

// Package fabric is the broker-agnostic messaging client shared by every
// service in the pipeline. It exposes publish/subscribe over named topics and
// hides which broker actually carries the messages: a Kafka partitioned log,
// an AMQP topic exchange, or an in-process dispatcher for single-binary runs
// and tests. Exactly one backend is active per deployment.
//
// Delivery contract: at-least-once publish with capped-backoff retries,
// broadcast across consumer groups, load-shared delivery within a group,
// best-effort FIFO per partition/queue only.
package fabric

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/logger"
)

// Message is an opaque JSON-serializable payload. The fabric never inspects
// its content beyond serialization.
type Message map[string]interface{}

// Handler consumes one delivered message. A returned error (or panic) is
// logged and, on the AMQP backend, negatively acknowledged without requeue;
// it never terminates the consume loop.
type Handler func(msg Message) error

// Client is the capability set every backend implements.
type Client interface {
	// Start acquires the broker connection. Idempotent. Returns a
	// *ConnectionError if the broker stays unreachable after the configured
	// number of attempts.
	Start(ctx context.Context) error

	// Stop releases producers and consumers and cancels in-flight consume
	// loops. Safe to call more than once.
	Stop()

	// Publish serializes msg and delivers it to topic, retrying transient
	// failures with capped exponential backoff until success or Stop.
	Publish(ctx context.Context, topic string, msg Message) error

	// Subscribe registers handler under a consumer group on topic. Distinct
	// groups each receive every message; members of one group share them.
	Subscribe(topic, group string, handler Handler) error
}

// ConfigurationError reports missing or invalid backend parameters. It is
// returned from New before any connection is attempted.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "fabric configuration: " + e.Reason
}

// ConnectionError reports an unreachable broker at Start.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("fabric: %s broker unreachable: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// New selects the backend named by cfg. It fails fast with a
// *ConfigurationError when the selected backend's required parameters are
// absent; no connection is made until Start.
func New(cfg *config.Config) (Client, error) {
	policy := Policy{Base: cfg.BackoffBase, Factor: cfg.BackoffFactor, Max: cfg.BackoffMax}

	switch cfg.Backend {
	case config.BackendKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, &ConfigurationError{Reason: "kafka backend selected but no bootstrap servers configured"}
		}
		return newKafkaClient(cfg.KafkaBrokers, cfg.KafkaClientID, cfg.ConnectAttempts, policy), nil
	case config.BackendAMQP:
		if cfg.AMQPURL == "" {
			return nil, &ConfigurationError{Reason: "amqp backend selected but no broker URL configured"}
		}
		if cfg.AMQPExchange == "" {
			return nil, &ConfigurationError{Reason: "amqp backend selected but no exchange configured"}
		}
		return newAMQPClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.ConnectAttempts, policy), nil
	case config.BackendMemory:
		return NewMemoryClient(), nil
	default:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unsupported broker backend %q", cfg.Backend)}
	}
}

// invoke runs a handler for one message, converting panics into errors so a
// malformed message can never kill a consume loop.
func invoke(h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}

func logHandlerError(backend, topic string, err error) {
	logger.ErrorCF(backend, "Handler failed", map[string]interface{}{
		"topic": topic,
		"error": err.Error(),
	})
}

package fabric

import (
	"errors"
	"testing"

	"github.com/loomhq/loom/pkg/config"
)

// TestNewBackendSelection verifies the factory honors the configured
// backend and fails fast on missing parameters, before any connection.
func TestNewBackendSelection(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.Config)
		wantConfig bool
	}{
		{
			name:   "memory backend",
			mutate: func(c *config.Config) { c.Backend = config.BackendMemory },
		},
		{
			name:   "kafka backend",
			mutate: func(c *config.Config) { c.Backend = config.BackendKafka },
		},
		{
			name:   "amqp backend",
			mutate: func(c *config.Config) { c.Backend = config.BackendAMQP },
		},
		{
			name: "kafka without brokers",
			mutate: func(c *config.Config) {
				c.Backend = config.BackendKafka
				c.KafkaBrokers = nil
			},
			wantConfig: true,
		},
		{
			name: "amqp without url",
			mutate: func(c *config.Config) {
				c.Backend = config.BackendAMQP
				c.AMQPURL = ""
			},
			wantConfig: true,
		},
		{
			name: "amqp without exchange",
			mutate: func(c *config.Config) {
				c.Backend = config.BackendAMQP
				c.AMQPExchange = ""
			},
			wantConfig: true,
		},
		{
			name:       "unsupported backend",
			mutate:     func(c *config.Config) { c.Backend = "carrier-pigeon" },
			wantConfig: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)

			client, err := New(cfg)
			if tt.wantConfig {
				var confErr *ConfigurationError
				if !errors.As(err, &confErr) {
					t.Fatalf("err = %v, want *ConfigurationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if client == nil {
				t.Fatal("expected non-nil client")
			}
		})
	}
}

// TestClientInterfaceCompliance pins every backend to the Client contract.
func TestClientInterfaceCompliance(t *testing.T) {
	var _ Client = (*MemoryClient)(nil)
	var _ Client = (*kafkaClient)(nil)
	var _ Client = (*amqpClient)(nil)
}

// TestInvokeRecoversPanic verifies a panicking handler is converted to an
// error instead of crashing the consume loop.
func TestInvokeRecoversPanic(t *testing.T) {
	err := invoke(func(Message) error { panic("boom") }, Message{})
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}

	err = invoke(func(Message) error { return nil }, Message{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestConnectionErrorUnwrap verifies error wrapping for errors.Is checks.
func TestConnectionErrorUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	err := &ConnectionError{Backend: "kafka", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("ConnectionError should unwrap to its cause")
	}
}

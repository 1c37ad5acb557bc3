package fabric

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastPolicy keeps retry tests quick while still exercising real sleeps.
func fastPolicy() Policy {
	return Policy{Base: time.Millisecond, Factor: 2, Max: 8 * time.Millisecond}
}

// TestPublishWithRetryEventualSuccess verifies at-least-once delivery: a
// transport that fails N times then succeeds is attempted exactly N+1 times.
func TestPublishWithRetryEventualSuccess(t *testing.T) {
	tests := []struct {
		name     string
		failures int
	}{
		{name: "immediate success", failures: 0},
		{name: "one failure", failures: 1},
		{name: "several failures", failures: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			start := time.Now()
			err := publishWithRetry(context.Background(), "fabric", "t", fastPolicy(), func(context.Context) error {
				attempts++
				if attempts <= tt.failures {
					return errors.New("broker hiccup")
				}
				return nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if attempts != tt.failures+1 {
				t.Errorf("attempts = %d, want %d", attempts, tt.failures+1)
			}

			// Total wait stays within the sum of backoff delays plus
			// generous scheduling jitter.
			var expected time.Duration
			for n := 0; n < tt.failures; n++ {
				expected += fastPolicy().Delay(n)
			}
			if elapsed := time.Since(start); elapsed > expected+200*time.Millisecond {
				t.Errorf("elapsed %s exceeds expected backoff %s", elapsed, expected)
			}
		})
	}
}

// TestPublishWithRetryAbandonedOnCancel verifies that canceling the context
// mid-retry abandons the message instead of retrying forever.
func TestPublishWithRetryAbandonedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := publishWithRetry(ctx, "fabric", "t", fastPolicy(), func(context.Context) error {
		attempts++
		if attempts == 3 {
			cancel()
		}
		return errors.New("still down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts < 3 {
		t.Errorf("attempts = %d, want at least 3", attempts)
	}
}

// TestPublishWithRetryCancelDuringBackoff verifies the backoff sleep itself
// is interruptible.
func TestPublishWithRetryCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Base: time.Minute, Factor: 2, Max: time.Minute}

	done := make(chan error, 1)
	go func() {
		done <- publishWithRetry(ctx, "fabric", "t", policy, func(context.Context) error {
			return errors.New("down")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not exit on cancel")
	}
}

// TestJoinContexts verifies either side canceling propagates.
func TestJoinContexts(t *testing.T) {
	t.Run("second context cancels", func(t *testing.T) {
		other, cancelOther := context.WithCancel(context.Background())
		joined, release := joinContexts(context.Background(), other)
		defer release()

		cancelOther()
		select {
		case <-joined.Done():
		case <-time.After(time.Second):
			t.Fatal("joined context not canceled")
		}
	})

	t.Run("nil second context is a passthrough", func(t *testing.T) {
		parent := context.Background()
		joined, release := joinContexts(parent, nil)
		defer release()
		if joined != parent {
			t.Error("expected parent context back")
		}
	})
}

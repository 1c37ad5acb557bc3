package fabric

import (
	"testing"
	"time"
)

// TestPolicyDelay verifies the exponential growth and cap of the retry
// delay computation.
func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first attempt", attempt: 0, want: 100 * time.Millisecond},
		{name: "second attempt", attempt: 1, want: 200 * time.Millisecond},
		{name: "third attempt", attempt: 2, want: 400 * time.Millisecond},
		{name: "sixth attempt", attempt: 5, want: 3200 * time.Millisecond},
		{name: "capped", attempt: 7, want: 10 * time.Second},
		{name: "far past cap", attempt: 50, want: 10 * time.Second},
		{name: "huge attempt saturates", attempt: 100000, want: 10 * time.Second},
		{name: "negative treated as zero", attempt: -3, want: 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
			}
		})
	}
}

// TestPolicyDelayCustomFactor verifies a non-default multiplier.
func TestPolicyDelayCustomFactor(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 3, Max: time.Minute}

	if got := p.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %s, want 1s", got)
	}
	if got := p.Delay(2); got != 9*time.Second {
		t.Errorf("Delay(2) = %s, want 9s", got)
	}
	if got := p.Delay(10); got != time.Minute {
		t.Errorf("Delay(10) = %s, want cap 1m", got)
	}
}

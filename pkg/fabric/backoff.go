package fabric

import (
	"math"
	"time"
)

// Policy computes retry delays: Base * Factor^attempt, capped at Max.
// Attempts are zero-based, so the first retry waits Base.
type Policy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// DefaultPolicy matches the fabric-wide publish retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		Base:   100 * time.Millisecond,
		Factor: 2.0,
		Max:    10 * time.Second,
	}
}

// Delay returns the backoff delay for the given attempt. Negative attempts
// are treated as zero. Overflow saturates at Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if d >= float64(p.Max) || math.IsInf(d, 1) || math.IsNaN(d) {
		return p.Max
	}
	return time.Duration(d)
}

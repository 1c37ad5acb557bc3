package fabric

import (
	"context"
	"time"

	"github.com/loomhq/loom/pkg/logger"
)

// publishWithRetry runs attempt until it succeeds, sleeping per policy
// between failures. There is no attempt cap: the fabric favors eventual
// delivery over fast failure, and the caller bounds the loop through ctx.
// When ctx is canceled mid-retry the message is abandoned and the last
// error is returned wrapped in the context error.
func publishWithRetry(ctx context.Context, backend, topic string, policy Policy, attempt func(context.Context) error) error {
	for n := 0; ; n++ {
		err := attempt(ctx)
		if err == nil {
			if n > 0 {
				logger.InfoCF(backend, "Publish succeeded after retries", map[string]interface{}{
					"topic":    topic,
					"attempts": n + 1,
				})
			}
			return nil
		}
		if ctx.Err() != nil {
			logger.ErrorCF(backend, "Publish abandoned, message lost", map[string]interface{}{
				"topic": topic,
				"error": err.Error(),
			})
			return ctx.Err()
		}

		delay := policy.Delay(n)
		logger.WarnCF(backend, "Publish failed, retrying", map[string]interface{}{
			"topic":   topic,
			"attempt": n,
			"delay":   delay.String(),
			"error":   err.Error(),
		})

		if !sleepCtx(ctx, delay) {
			logger.ErrorCF(backend, "Publish abandoned during backoff, message lost", map[string]interface{}{
				"topic": topic,
				"error": err.Error(),
			})
			return ctx.Err()
		}
	}
}

// sleepCtx sleeps for d unless ctx is canceled first. Reports whether the
// full delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// joinContexts derives a context canceled when either input is. The release
// func must be called to drop the linkage once the operation finishes.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	if b == nil {
		return a, func() {}
	}
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

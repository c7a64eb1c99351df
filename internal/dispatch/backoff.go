package dispatch

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	backoffBase   = 100 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 2 * time.Second
)

// backoffDelay returns the full-jitter delay before same-provider retry n
// (0-based): a uniform draw from [0, min(cap, base*factor^n)) plus 1ms, so the
// delay is never zero and never exceeds the ceiling by more than 1ms.
func backoffDelay(attempt int) time.Duration {
	ceiling := backoffBase
	for i := 0; i < attempt && ceiling < backoffCap; i++ {
		ceiling *= backoffFactor
	}
	if ceiling > backoffCap {
		ceiling = backoffCap
	}
	return rand.N(ceiling) + time.Millisecond
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

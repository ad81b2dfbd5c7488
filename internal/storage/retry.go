package storage

import "time"

// appendAttempts is the number of times a durable write is tried before the
// sample is given up on.
const appendAttempts = 3

// backoffDelay returns the wait before retry attempt n (1-based): 0.5s, 1s,
// 1.5s. Pure so the schedule is testable without I/O.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * 500 * time.Millisecond
}

// sleepCtx waits for d or until ctx is done, reporting whether the full
// delay elapsed.
func sleepCtx(ctx interface{ Done() <-chan struct{} }, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package scheduler

import (
	"math/rand/v2"
	"time"
)

// maxRetryDelay caps the backoff so high attempt counts with long base
// delays stay bounded.
const maxRetryDelay = 10 * time.Minute

// RetryDelay returns the wait before the given retry attempt (1-based):
// the job's base delay scaled linearly by attempt, plus up to 25% jitter.
func RetryDelay(baseMS, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(baseMS) * time.Millisecond * time.Duration(attempt)
	if base >= maxRetryDelay {
		return maxRetryDelay
	}
	jitter := time.Duration(rand.Int64N(int64(base/4) + 1))
	if d := base + jitter; d < maxRetryDelay {
		return d
	}
	return maxRetryDelay
}

package reliability

import (
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// maxProgressiveRetries caps the exponent of the progressive strategy.
const maxProgressiveRetries = 30

// NextAttempt computes when retry number attempt (1 based) is due, given
// the previous scheduled time current. The steps of all retries of a
// strategy add up to timeout, so the last retry happens at the end of
// the retry window. With no retries left to spread, the whole window is
// used as a single wait. SEND_ONCE never moves the schedule.
func NextAttempt(strategy pmode.RetryStrategy, current time.Time, attempt, retries int, timeout time.Duration) time.Time {
	if strategy == pmode.RetrySendOnce {
		return current
	}
	if retries <= 0 {
		return current.Add(timeout)
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > retries {
		attempt = retries
	}
	return current.Add(step(strategy, attempt, retries, timeout))
}

func step(strategy pmode.RetryStrategy, k, n int, timeout time.Duration) time.Duration {
	switch strategy {
	case pmode.RetryLinear:
		return time.Duration(int64(timeout) * int64(2*k) / int64(n*(n+1)))
	case pmode.RetryProgressive:
		if n > maxProgressiveRetries {
			n = maxProgressiveRetries
			if k > n {
				k = n
			}
		}
		total := float64(uint64(1)<<uint(n) - 1)
		return time.Duration(float64(timeout) * float64(uint64(1)<<uint(k-1)) / total)
	default:
		return timeout / time.Duration(n)
	}
}

func retryPlan(leg *pmode.LegConfiguration) (pmode.RetryStrategy, int, time.Duration) {
	ra := leg.ReceptionAwareness
	if ra == nil {
		return pmode.RetrySendOnce, 0, 0
	}
	return ra.Strategy, ra.RetryCount, ra.Timeout()
}

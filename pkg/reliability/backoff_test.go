package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

func TestNextAttemptSteps(t *testing.T) {
	tests := []struct {
		name     string
		strategy pmode.RetryStrategy
		retries  int
		timeout  time.Duration
		want     []time.Duration
	}{
		{"constant", pmode.RetryConstant, 4, 12 * time.Minute, []time.Duration{3 * time.Minute, 3 * time.Minute, 3 * time.Minute, 3 * time.Minute}},
		{"linear", pmode.RetryLinear, 3, 12 * time.Minute, []time.Duration{2 * time.Minute, 4 * time.Minute, 6 * time.Minute}},
		{"progressive", pmode.RetryProgressive, 3, 7 * time.Minute, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := epoch
			for k, want := range tt.want {
				next := NextAttempt(tt.strategy, current, k+1, tt.retries, tt.timeout)
				assert.Equal(t, want, next.Sub(current), "attempt %d", k+1)
				current = next
			}
			assert.Equal(t, tt.timeout, current.Sub(epoch), "steps add up to the retry window")
		})
	}
}

func TestNextAttemptIsMonotonic(t *testing.T) {
	for _, s := range []pmode.RetryStrategy{pmode.RetryConstant, pmode.RetryLinear, pmode.RetryProgressive} {
		current := epoch
		for k := 1; k <= 40; k++ {
			next := NextAttempt(s, current, k, 40, 24*time.Hour)
			assert.False(t, next.Before(current), "%s attempt %d", s, k)
			current = next
		}
	}
}

func TestNextAttemptEdgeCases(t *testing.T) {
	assert.Equal(t, epoch, NextAttempt(pmode.RetrySendOnce, epoch, 1, 3, time.Hour))
	assert.Equal(t, epoch.Add(time.Hour), NextAttempt(pmode.RetryConstant, epoch, 1, 0, time.Hour))

	// attempts beyond the plan reuse the last step
	assert.Equal(t, epoch.Add(6*time.Minute), NextAttempt(pmode.RetryLinear, epoch, 9, 3, 12*time.Minute))
	assert.Equal(t, epoch.Add(2*time.Minute), NextAttempt(pmode.RetryLinear, epoch, 0, 3, 12*time.Minute))
}

package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

func outcome(id string, status ReliabilityStatus, leg *pmode.LegConfiguration) Outcome {
	return Outcome{MessageID: id, Reliability: status, Response: ResponseOK, Leg: leg}
}

func TestHandleReliabilityOK(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	h := newHarness(leg)
	h.submit(t, "m1", true)
	ctx := context.Background()

	require.NoError(t, h.engine.HandleReliability(ctx, outcome("m1", ReliabilityOK, leg)))

	l := h.store.log(t, "m1")
	assert.Equal(t, StatusAcknowledged, l.Status)
	assert.Equal(t, 1, l.SendAttempts)
	assert.Equal(t, NotificationNotified, l.NotificationStatus)
	assert.NotNil(t, l.Acknowledged)
	assert.Nil(t, l.NextAttempt)
	assert.Equal(t, 1, h.store.cleared["m1"])
	assert.Equal(t, []notification{{messageID: "m1", success: true}}, h.notifier.all())

	// a late duplicate outcome changes nothing
	require.NoError(t, h.engine.HandleReliability(ctx, outcome("m1", ReliabilityOK, leg)))
	assert.Len(t, h.notifier.all(), 1)
	assert.Equal(t, 1, h.store.log(t, "m1").SendAttempts)
}

func TestHandleReliabilityWarning(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	h := newHarness(leg)
	h.submit(t, "m1", false)

	o := outcome("m1", ReliabilityOK, leg)
	o.Response = ResponseWarning
	require.NoError(t, h.engine.HandleReliability(context.Background(), o))

	l := h.store.log(t, "m1")
	assert.Equal(t, StatusAckWithWarnings, l.Status)
	assert.Equal(t, NotificationNotRequired, l.NotificationStatus)
	assert.Empty(t, h.notifier.all())
	assert.Equal(t, 1, h.store.cleared["m1"])
}

func TestRetryCountsEachFailureOnce(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	h := newHarness(leg)
	h.submit(t, "m1", true)
	ctx := context.Background()

	require.Equal(t, 3, h.store.log(t, "m1").SendAttemptsMax)

	require.NoError(t, h.engine.HandleReliability(ctx, outcome("m1", ReliabilitySendFail, leg)))
	l := h.store.log(t, "m1")
	assert.Equal(t, StatusWaitingForRetry, l.Status)
	assert.Equal(t, 1, l.SendAttempts)
	require.NotNil(t, l.NextAttempt)
	assert.Equal(t, epoch.Add(30*time.Minute), *l.NextAttempt)

	h.clock.Advance(30 * time.Minute)
	require.NoError(t, h.engine.HandleReliability(ctx, outcome("m1", ReliabilitySendFail, leg)))
	l = h.store.log(t, "m1")
	assert.Equal(t, StatusWaitingForRetry, l.Status)
	assert.Equal(t, 2, l.SendAttempts)
	assert.Equal(t, epoch.Add(60*time.Minute), *l.NextAttempt)

	h.clock.Advance(29 * time.Minute)
	require.NoError(t, h.engine.HandleReliability(ctx, outcome("m1", ReliabilitySendFail, leg)))
	l = h.store.log(t, "m1")
	assert.Equal(t, StatusSendFailure, l.Status)
	assert.Equal(t, 3, l.SendAttempts)
	assert.NotNil(t, l.Failed)
	assert.NotNil(t, l.Deleted)
	assert.Equal(t, []notification{{messageID: "m1", code: "EBMS:0202"}}, h.notifier.all())

	// terminal: further failures are ignored
	require.NoError(t, h.engine.HandleReliability(ctx, outcome("m1", ReliabilitySendFail, leg)))
	assert.Equal(t, 3, h.store.log(t, "m1").SendAttempts)
	assert.Len(t, h.notifier.all(), 1)
	assert.Equal(t, 1, h.store.cleared["m1"])
}

func TestRetryWindowElapsed(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 10, 5)
	h := newHarness(leg)
	h.submit(t, "m1", true)

	h.clock.Advance(11 * time.Minute)
	require.NoError(t, h.engine.HandleReliability(context.Background(), outcome("m1", ReliabilitySendFail, leg)))

	l := h.store.log(t, "m1")
	assert.Equal(t, StatusSendFailure, l.Status)
	assert.Equal(t, 1, l.SendAttempts)
}

func TestSendOnceFailsOnFirstError(t *testing.T) {
	leg := retryLeg(pmode.RetrySendOnce, 10, 5)
	h := newHarness(leg)
	h.submit(t, "m1", false)
	require.Equal(t, 1, h.store.log(t, "m1").SendAttemptsMax)

	require.NoError(t, h.engine.HandleReliability(context.Background(), outcome("m1", ReliabilitySendFail, leg)))
	assert.Equal(t, StatusSendFailure, h.store.log(t, "m1").Status)
}

func TestTestMessagesAreNotRetried(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	leg.Service = &pmode.Service{Name: "testService", Value: pmode.TestService}
	h := newHarness(leg)
	h.submit(t, "m1", false)
	require.True(t, h.store.log(t, "m1").TestMessage)

	require.NoError(t, h.engine.HandleReliability(context.Background(), outcome("m1", ReliabilitySendFail, leg)))
	assert.Equal(t, StatusSendFailure, h.store.log(t, "m1").Status)
}

func TestWaitingForCallback(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	h := newHarness(leg)
	h.submit(t, "m1", true)

	require.NoError(t, h.engine.HandleReliability(context.Background(), outcome("m1", ReliabilityWaitingForCallback, leg)))

	l := h.store.log(t, "m1")
	assert.Equal(t, StatusWaitingForReceipt, l.Status)
	assert.Equal(t, 0, l.SendAttempts)
	require.NotNil(t, l.NextAttempt)
	assert.Equal(t, epoch.Add(30*time.Minute), *l.NextAttempt)
	assert.Empty(t, h.notifier.all())
}

func TestAbortFailsInNewTransaction(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	h := newHarness(leg)
	h.submit(t, "m1", true)

	o := outcome("m1", ReliabilityAbort, leg)
	o.Err = errors.New("certificate rejected")
	require.NoError(t, h.engine.HandleReliability(context.Background(), o))

	assert.Equal(t, 1, h.tx.newTx)
	assert.Equal(t, 0, h.tx.inTx)
	assert.Equal(t, StatusSendFailure, h.store.log(t, "m1").Status)
	assert.Equal(t, []notification{{messageID: "m1", code: "EBMS:0004"}}, h.notifier.all())
	require.Len(t, h.store.attempts, 1)
	assert.Equal(t, AttemptAbort, h.store.attempts[0].Status)
	assert.Equal(t, "certificate rejected", h.store.attempts[0].Error)
}

func TestOutcomeFallsBackToNewTransaction(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	h := newHarness(leg)
	h.submit(t, "m1", false)
	h.tx.failInTx = 1

	require.NoError(t, h.engine.HandleReliability(context.Background(), outcome("m1", ReliabilitySendFail, leg)))
	assert.Equal(t, 1, h.tx.newTx)
	assert.Equal(t, StatusWaitingForRetry, h.store.log(t, "m1").Status)
}

func TestOutcomeNotRecorded(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	h := newHarness(leg)
	h.submit(t, "m1", true)
	h.notifier.fail = true

	err := h.engine.HandleReliability(context.Background(), outcome("m1", ReliabilityOK, leg))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutcomeNotRecorded)
	assert.ErrorIs(t, err, errInjected)

	// both transactions rolled back
	l := h.store.log(t, "m1")
	assert.Equal(t, StatusSendEnqueued, l.Status)
	assert.Equal(t, 0, l.SendAttempts)
	assert.Equal(t, NotificationRequired, l.NotificationStatus)
	assert.Zero(t, h.store.cleared["m1"])
	assert.False(t, h.registry.held("m1"))

	// the sweep picks the stranded message up once it is stale
	h.notifier.fail = false
	h.clock.Advance(DefaultStaleEnqueued)
	n, err := h.retry.EnqueueDueRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m1"}, h.queue.all())

	require.NoError(t, h.engine.HandleReliability(context.Background(), outcome("m1", ReliabilityOK, leg)))
	assert.Equal(t, StatusAcknowledged, h.store.log(t, "m1").Status)
	assert.Equal(t, []notification{{messageID: "m1", success: true}}, h.notifier.all())
}

func TestLostRetryOutcomeIsRequeued(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	h := newHarness(leg)
	h.submit(t, "m1", false)
	ctx := context.Background()
	h.store.failSaves = 2

	err := h.engine.HandleReliability(ctx, outcome("m1", ReliabilitySendFail, leg))
	require.ErrorIs(t, err, ErrOutcomeNotRecorded)
	require.Equal(t, StatusSendEnqueued, h.store.log(t, "m1").Status)

	h.clock.Advance(4 * time.Minute)
	n, err := h.retry.EnqueueDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not stale yet")

	h.clock.Advance(6 * time.Minute)
	n, err = h.retry.EnqueueDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m1"}, h.queue.all())
	l := h.store.log(t, "m1")
	assert.Equal(t, StatusSendEnqueued, l.Status)
	require.NotNil(t, l.Enqueued)
	assert.Equal(t, epoch.Add(10*time.Minute), *l.Enqueued)

	// requeued and not yet stale again
	n, err = h.retry.EnqueueDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStaleEnqueuedIsConfigurable(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	h := newHarness(leg)
	h.submit(t, "m1", false)
	deps := h.deps
	deps.StaleEnqueued = time.Minute
	retry := NewRetryService(deps)

	h.clock.Advance(time.Minute)
	n, err := retry.EnqueueDueRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutcomeForUnknownMessage(t *testing.T) {
	h := newHarness(retryLeg(pmode.RetryConstant, 60, 2))
	err := h.engine.HandleReliability(context.Background(), outcome("nope", ReliabilityOK, nil))
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.Equal(t, 0, h.tx.newTx)
}

func TestUnknownReliabilityStatus(t *testing.T) {
	h := newHarness(retryLeg(pmode.RetryConstant, 60, 2))
	h.submit(t, "m1", false)
	err := h.engine.HandleReliability(context.Background(), outcome("m1", "MAYBE", nil))
	assert.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestOutcomeReleasesInFlightMarker(t *testing.T) {
	leg := retryLeg(pmode.RetryConstant, 60, 2)
	h := newHarness(leg)
	h.submit(t, "m1", false)
	ctx := context.Background()

	ok, err := h.registry.TryAcquire(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)

	o := outcome("m1", ReliabilitySendFail, leg)
	o.Started = epoch.Add(-time.Second)
	o.Err = errors.New("connection refused")
	require.NoError(t, h.engine.HandleReliability(ctx, o))

	assert.False(t, h.registry.held("m1"))
	require.Len(t, h.store.attempts, 1)
	a := h.store.attempts[0]
	assert.Equal(t, AttemptError, a.Status)
	assert.Equal(t, "connection refused", a.Error)
	assert.Equal(t, epoch.Add(-time.Second), a.Started)
	assert.Equal(t, epoch, a.Ended)
	assert.NotEmpty(t, a.ID)
}

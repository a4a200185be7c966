package msh_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/internal/dispatch"
	"github.com/sirosfoundation/go-msh/internal/notify"
	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/internal/storage/sqlstore"
	"github.com/sirosfoundation/go-msh/pkg/msh"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/resolver"
)

const partyType = "urn:oasis:names:tc:ebcore:partyid-type:unregistered"

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu       sync.Mutex
	requests []*msh.SendRequest
	result   *msh.SendResult
	err      error
}

func (f *fakeTransport) Send(_ context.Context, req *msh.SendRequest) (*msh.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &msh.SendResult{}, nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, string) error {
	return errors.New("nats: no response from stream")
}

type harness struct {
	store     *sqlstore.Store
	resolver  *resolver.CachingResolver
	retry     *reliability.RetryService
	queue     *dispatch.ChannelQueue
	registry  *dispatch.MemoryRegistry
	transport *fakeTransport
	msh       *msh.MSH
	now       time.Time
}

func newHarness(t *testing.T, queue reliability.DispatchQueue) *harness {
	t.Helper()
	store, err := sqlstore.Open(&sqlstore.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	h := &harness{
		store:     store,
		queue:     dispatch.NewChannelQueue(16, nil),
		registry:  dispatch.NewMemoryRegistry(),
		transport: &fakeTransport{},
		now:       epoch,
	}
	if queue == nil {
		queue = h.queue
	}
	clock := func() time.Time { return h.now }

	h.resolver = resolver.NewCachingResolver(store, resolver.Options{Transactor: store})
	raw, err := os.ReadFile("../pmode/testdata/domibus.xml")
	require.NoError(t, err)
	_, err = h.resolver.UpdatePModes(context.Background(), raw, "fixture")
	require.NoError(t, err)

	deps := reliability.Dependencies{
		Logs:     store,
		Locks:    store,
		Attempts: store,
		Payloads: store,
		Notifier: notify.LogNotifier{},
		InFlight: h.registry,
		Queue:    queue,
		Legs:     h.resolver,
		Tx:       store,
		Now:      clock,
	}
	h.retry = reliability.NewRetryService(deps)
	engine := reliability.NewEngine(deps, h.retry)
	pull := reliability.NewPullService(deps, h.retry)

	h.msh, err = msh.NewMSH(msh.MSHConfig{
		Resolver:    h.resolver,
		Engine:      engine,
		Pull:        pull,
		Logs:        store,
		Tx:          store,
		InFlight:    h.registry,
		Queue:       queue,
		Transport:   h.transport,
		Payloads:    storage.MessagePayloads{Store: store},
		Now:         clock,
		WorkerCount: 1,
	})
	require.NoError(t, err)
	return h
}

func pushSubmission() *msh.Submission {
	return &msh.Submission{
		Attributes: resolver.MessageAttributes{
			Agreement: &resolver.AgreementRef{Value: "A1", Type: "T1"},
			From:      []resolver.PartyID{{Value: "domibus-blue", Type: partyType}},
			To:        []resolver.PartyID{{Value: "domibus-red", Type: partyType}},
			Service:   resolver.ServiceRef{Value: "bdx:noprocess", Type: "tc1"},
			Action:    "TC1Leg1",
		},
		Payloads:      []msh.Payload{{ContentID: "cid:invoice", ContentType: "application/xml", Data: []byte("<invoice/>")}},
		NotifyBackend: true,
	}
}

func (h *harness) log(t *testing.T, id string) *reliability.UserMessageLog {
	t.Helper()
	l, err := h.store.FindUserMessageLog(context.Background(), id)
	require.NoError(t, err)
	return l
}

func (h *harness) held(t *testing.T, id string) bool {
	t.Helper()
	ok, err := h.registry.TryAcquire(context.Background(), id)
	require.NoError(t, err)
	if ok {
		require.NoError(t, h.registry.Release(context.Background(), id))
	}
	return !ok
}

func TestSubmitAndSendAcknowledged(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.msh.Submit(ctx, pushSubmission())
	require.NoError(t, err)
	assert.Contains(t, receipt.MessageID, "@msh")
	assert.Equal(t, "agreement1:blue_gw:red_gw:testService1:tc1Action:pushTestcase1tc1Action", receipt.PModeKey)
	assert.False(t, receipt.Pull)
	assert.Equal(t, 1, h.queue.Len())
	assert.True(t, h.held(t, receipt.MessageID))

	l := h.log(t, receipt.MessageID)
	assert.Equal(t, reliability.StatusSendEnqueued, l.Status)
	assert.Equal(t, 5, l.SendAttemptsMax)
	assert.Equal(t, reliability.NotificationRequired, l.NotificationStatus)

	require.NoError(t, h.msh.Send(ctx, receipt.MessageID))
	require.Equal(t, 1, h.transport.calls())
	req := h.transport.requests[0]
	assert.Equal(t, "http://red.example.org/msh", req.Endpoint)
	assert.Equal(t, 1, req.Attempt)
	assert.Equal(t, "pushTestcase1tc1Action", req.Leg.Name)
	assert.Equal(t, "blue_gw", req.Sender.Name)
	assert.Equal(t, "red_gw", req.Receiver.Name)
	require.NotNil(t, req.Agreement)
	assert.Equal(t, "A1", req.Agreement.Value)
	require.Len(t, req.Payloads, 1)
	assert.Equal(t, "<invoice/>", string(req.Payloads[0].Data))

	l = h.log(t, receipt.MessageID)
	assert.Equal(t, reliability.StatusAcknowledged, l.Status)
	assert.Equal(t, 1, l.SendAttempts)
	assert.False(t, h.held(t, receipt.MessageID))

	payloads, err := h.store.GetPayloads(ctx, receipt.MessageID)
	require.NoError(t, err)
	assert.Empty(t, payloads)
}

func TestSendFailureIsRetriedBySweep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.transport.err = errors.New("connection refused")

	receipt, err := h.msh.Submit(ctx, pushSubmission())
	require.NoError(t, err)
	require.NoError(t, h.msh.Send(ctx, receipt.MessageID))

	l := h.log(t, receipt.MessageID)
	assert.Equal(t, reliability.StatusWaitingForRetry, l.Status)
	assert.Equal(t, 1, l.SendAttempts)
	require.NotNil(t, l.NextAttempt)
	assert.True(t, l.NextAttempt.After(epoch))
	assert.False(t, h.held(t, receipt.MessageID))

	// not due yet
	n, err := h.retry.EnqueueDueRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.now = *l.NextAttempt
	n, err = h.retry.EnqueueDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, reliability.StatusSendEnqueued, h.log(t, receipt.MessageID).Status)

	h.transport.err = nil
	require.NoError(t, h.msh.Send(ctx, receipt.MessageID))
	l = h.log(t, receipt.MessageID)
	assert.Equal(t, reliability.StatusAcknowledged, l.Status)
	assert.Equal(t, 2, l.SendAttempts)
	assert.Equal(t, 2, h.transport.requests[1].Attempt)
}

func TestAbortFailsMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.transport.err = fmt.Errorf("%w: receiver answered 400", msh.ErrAbort)

	receipt, err := h.msh.Submit(ctx, pushSubmission())
	require.NoError(t, err)
	require.NoError(t, h.msh.Send(ctx, receipt.MessageID))

	l := h.log(t, receipt.MessageID)
	assert.Equal(t, reliability.StatusSendFailure, l.Status)
	assert.Equal(t, reliability.NotificationNotified, l.NotificationStatus)
	assert.False(t, h.held(t, receipt.MessageID))
}

func TestReceiptPendingWaitsForReceipt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.transport.result = &msh.SendResult{ReceiptPending: true}

	receipt, err := h.msh.Submit(ctx, pushSubmission())
	require.NoError(t, err)
	require.NoError(t, h.msh.Send(ctx, receipt.MessageID))
	assert.Equal(t, reliability.StatusWaitingForReceipt, h.log(t, receipt.MessageID).Status)
}

func TestWarningReceipt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.transport.result = &msh.SendResult{Warning: true}

	receipt, err := h.msh.Submit(ctx, pushSubmission())
	require.NoError(t, err)
	require.NoError(t, h.msh.Send(ctx, receipt.MessageID))
	assert.Equal(t, reliability.StatusAckWithWarnings, h.log(t, receipt.MessageID).Status)
}

func TestSendSkipsFinishedMessages(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.msh.Submit(ctx, pushSubmission())
	require.NoError(t, err)
	require.NoError(t, h.msh.Send(ctx, receipt.MessageID))
	require.NoError(t, h.msh.Send(ctx, receipt.MessageID))
	assert.Equal(t, 1, h.transport.calls())
}

func TestSendUnknownMessage(t *testing.T) {
	h := newHarness(t, nil)
	err := h.msh.Send(context.Background(), "missing@msh")
	assert.ErrorIs(t, err, reliability.ErrMessageNotFound)
}

func TestSubmitResolutionFailure(t *testing.T) {
	h := newHarness(t, nil)
	sub := pushSubmission()
	sub.MessageID = "m1@blue"
	sub.Attributes.Action = "unknownAction"

	_, err := h.msh.Submit(context.Background(), sub)
	require.Error(t, err)
	assert.ErrorIs(t, err, pmode.ErrNoMatchingAction)
	assert.True(t, pmode.IsResolutionError(err))

	_, err = h.store.FindUserMessageLog(context.Background(), "m1@blue")
	assert.ErrorIs(t, err, reliability.ErrMessageNotFound)
	assert.Zero(t, h.queue.Len())
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, nil)
	sub := pushSubmission()
	sub.Attributes.To = nil
	_, err := h.msh.Submit(context.Background(), sub)
	assert.ErrorIs(t, err, msh.ErrInvalidMessage)
}

func TestSubmitLeavesMessageToSweepWhenQueueFails(t *testing.T) {
	h := newHarness(t, failingQueue{})
	sub := pushSubmission()

	receipt, err := h.msh.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, reliability.StatusWaitingForRetry, h.log(t, receipt.MessageID).Status)
	assert.False(t, h.held(t, receipt.MessageID))
}

func TestSweepRequeuesStrandedMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.msh.Submit(ctx, pushSubmission())
	require.NoError(t, err)
	require.Equal(t, reliability.StatusSendEnqueued, h.log(t, receipt.MessageID).Status)
	// a restart loses the queued entry and the in-memory marker
	require.NoError(t, h.registry.Release(ctx, receipt.MessageID))

	n, err := h.retry.EnqueueDueRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.now = epoch.Add(reliability.DefaultStaleEnqueued)
	n, err = h.retry.EnqueueDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, h.msh.Send(ctx, receipt.MessageID))
	l := h.log(t, receipt.MessageID)
	assert.Equal(t, reliability.StatusAcknowledged, l.Status)
	assert.Equal(t, 1, l.SendAttempts)
}

func TestPullFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sub := pushSubmission()
	sub.Attributes.Agreement = nil
	sub.Pull = true
	receipt, err := h.msh.Submit(ctx, sub)
	require.NoError(t, err)
	assert.True(t, receipt.Pull)
	assert.Equal(t, "http://example.org/mpc/pull", receipt.Mpc)
	assert.Equal(t, reliability.StatusReadyToPull, h.log(t, receipt.MessageID).Status)
	assert.Zero(t, h.queue.Len())

	pulled, err := h.msh.Pull(ctx, "pullMpc")
	require.NoError(t, err)
	assert.Equal(t, receipt.MessageID, pulled.MessageID)
	require.Len(t, pulled.Payloads, 1)
	assert.Equal(t, reliability.StatusBeingPulled, h.log(t, receipt.MessageID).Status)

	_, err = h.msh.Pull(ctx, "pullMpc")
	assert.ErrorIs(t, err, msh.ErrNothingToPull)

	require.NoError(t, h.msh.PullReceipt(ctx, receipt.MessageID, false))
	l := h.log(t, receipt.MessageID)
	assert.Equal(t, reliability.StatusAcknowledged, l.Status)
	assert.Equal(t, 1, l.SendAttempts)
}

func TestPullUnknownMpc(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.msh.Pull(context.Background(), "urn:mpc:unknown")
	assert.ErrorIs(t, err, pmode.ErrNoMatchingMpc)
}

func TestWorkersSendQueuedMessages(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.msh.Start(ctx))
	assert.ErrorIs(t, h.msh.Start(ctx), msh.ErrMSHAlreadyStarted)

	receipt, err := h.msh.Submit(ctx, pushSubmission())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.transport.calls() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.msh.Stop())
	assert.ErrorIs(t, h.msh.Stop(), msh.ErrMSHNotStarted)
	assert.Equal(t, reliability.StatusAcknowledged, h.log(t, receipt.MessageID).Status)
}

func TestNewMSHRequiresCollaborators(t *testing.T) {
	_, err := msh.NewMSH(msh.MSHConfig{})
	assert.Error(t, err)
}

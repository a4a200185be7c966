package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/resolver"
)

var (
	// ErrMSHNotStarted is returned when operations are attempted on a stopped MSH
	ErrMSHNotStarted = errors.New("MSH not started")
	// ErrMSHAlreadyStarted is returned when Start is called on a running MSH
	ErrMSHAlreadyStarted = errors.New("MSH already started")
	// ErrInvalidMessage is returned for malformed submissions
	ErrInvalidMessage = errors.New("invalid message")
	// ErrAbort marks transport errors that must not be retried
	ErrAbort = errors.New("send aborted")
	// ErrPullNotSupported is returned for pull requests when the MSH has no
	// pull service
	ErrPullNotSupported = errors.New("pull not supported")
	// ErrNothingToPull is returned when no message waits on the MPC
	ErrNothingToPull = errors.New("no message to pull")
)

// Consumer delivers queued message ids to a handler until ctx is done
type Consumer interface {
	Consume(ctx context.Context, h func(ctx context.Context, messageID string) error) error
}

// MSH (Message Service Handler) submits messages, pushes them to the
// receiving MSH and serves pull requests. Every send outcome goes through
// the reliability engine.
type MSH struct {
	resolver  resolver.Resolver
	engine    *reliability.Engine
	pull      *reliability.PullService
	logs      reliability.MessageLogStore
	tx        reliability.Transactor
	inFlight  reliability.InFlightRegistry
	queue     reliability.DispatchQueue
	consumer  Consumer
	transport Transport
	payloads  PayloadStore

	eventHandler EventHandler
	logger       *slog.Logger
	now          func() time.Time

	// State management
	mu      sync.Mutex
	running bool

	// Worker control
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workerCount int
}

// MSHConfig holds configuration for the MSH
type MSHConfig struct {
	Resolver resolver.Resolver
	Engine   *reliability.Engine
	// Pull is optional; without it pull submissions and requests fail
	Pull     *reliability.PullService
	Logs     reliability.MessageLogStore
	Tx       reliability.Transactor
	InFlight reliability.InFlightRegistry
	Queue    reliability.DispatchQueue
	// Consumer defaults to Queue when it implements Consumer
	Consumer  Consumer
	Transport Transport
	Payloads  PayloadStore

	EventHandler EventHandler
	Logger       *slog.Logger
	Now          func() time.Time

	WorkerCount int
}

// NewMSH creates a new Message Service Handler with the provided configuration
func NewMSH(config MSHConfig) (*MSH, error) {
	switch {
	case config.Resolver == nil:
		return nil, errors.New("resolver is required")
	case config.Engine == nil:
		return nil, errors.New("reliability engine is required")
	case config.Logs == nil || config.Tx == nil:
		return nil, errors.New("message log store is required")
	case config.Queue == nil:
		return nil, errors.New("dispatch queue is required")
	}
	if config.Consumer == nil {
		config.Consumer, _ = config.Queue.(Consumer)
	}

	// Set defaults
	if config.WorkerCount == 0 {
		config.WorkerCount = 4
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &MSH{
		resolver:     config.Resolver,
		engine:       config.Engine,
		pull:         config.Pull,
		logs:         config.Logs,
		tx:           config.Tx,
		inFlight:     config.InFlight,
		queue:        config.Queue,
		consumer:     config.Consumer,
		transport:    config.Transport,
		payloads:     config.Payloads,
		eventHandler: config.EventHandler,
		logger:       config.Logger.With("component", "msh"),
		now:          config.Now,
		workerCount:  config.WorkerCount,
	}, nil
}

// Start runs the send workers
func (m *MSH) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrMSHAlreadyStarted
	}
	if m.consumer == nil || m.transport == nil {
		return errors.New("a consumer and a transport are required to send")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(1)
		go m.outboundWorker(ctx, i)
	}
	return nil
}

// Stop gracefully shuts down the MSH
func (m *MSH) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrMSHNotStarted
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	// Wait for workers to finish
	m.wg.Wait()
	return nil
}

func (m *MSH) outboundWorker(ctx context.Context, id int) {
	defer m.wg.Done()
	if err := m.consumer.Consume(ctx, m.Send); err != nil {
		m.logger.Error("Outbound worker stopped", "worker", id, "error", err)
	}
}

func (m *MSH) validateSubmission(sub *Submission) error {
	a := &sub.Attributes
	switch {
	case len(a.From) == 0:
		return errors.New("from party is required")
	case len(a.To) == 0:
		return errors.New("to party is required")
	case a.Service.Value == "":
		return errors.New("service is required")
	case a.Action == "":
		return errors.New("action is required")
	}
	return nil
}

// Submit resolves a message, logs it and queues it for pushing or offers
// it for pulling
func (m *MSH) Submit(ctx context.Context, sub *Submission) (*Receipt, error) {
	if err := m.validateSubmission(sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if sub.Pull && m.pull == nil {
		return nil, ErrPullNotSupported
	}
	if sub.MessageID == "" {
		sub.MessageID = uuid.New().String() + "@msh"
	}
	attrs := sub.Attributes
	attrs.MessageID = sub.MessageID
	logger := m.logger.With("message_id", sub.MessageID)

	ec, err := m.resolver.Resolve(ctx, &attrs, resolver.Sending, sub.Pull)
	if err != nil {
		return nil, err
	}
	key := ec.PModeKey()
	leg, err := m.resolver.LegConfiguration(ctx, key)
	if err != nil {
		return nil, err
	}

	if m.payloads != nil && len(sub.Payloads) > 0 {
		if err := m.payloads.StorePayloads(ctx, sub.MessageID, sub.Payloads); err != nil {
			return nil, fmt.Errorf("storing payloads: %w", err)
		}
	}

	log := reliability.NewUserMessageLog(sub.MessageID, ec, leg, sub.NotifyBackend, m.now())
	err = m.tx.InTx(ctx, func(ctx context.Context) error {
		if err := m.logs.SaveUserMessageLog(ctx, log); err != nil {
			return err
		}
		if sub.Pull {
			// the pulling party is the receiver of the user message
			return m.pull.AddPullLock(ctx, sub.MessageID, ec.Receiver, ec.Mpc, leg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("logging %s: %w", sub.MessageID, err)
	}

	receipt := &Receipt{MessageID: sub.MessageID, PModeKey: key, Mpc: ec.Mpc, Pull: sub.Pull}
	if sub.Pull {
		logger.Info("Message offered for pulling", "pmode_key", key, "mpc", ec.Mpc, "initiator", ec.Receiver)
	} else if err := m.enqueue(ctx, sub.MessageID); err != nil {
		// the message is logged; hand it to the retry sweep
		logger.Warn("Queueing failed, leaving message to the retry sweep", "error", err)
		log.Status = reliability.StatusWaitingForRetry
		if err := m.logs.SaveUserMessageLog(ctx, log); err != nil {
			return nil, fmt.Errorf("logging %s: %w", sub.MessageID, err)
		}
	} else {
		logger.Info("Message queued", "pmode_key", key)
	}
	m.emitEvent(MessageEvent{Type: EventSubmitted, MessageID: sub.MessageID})
	return receipt, nil
}

// enqueue holds the in-flight marker until the send outcome is recorded
func (m *MSH) enqueue(ctx context.Context, messageID string) error {
	if m.inFlight != nil {
		if _, err := m.inFlight.TryAcquire(ctx, messageID); err != nil {
			return err
		}
	}
	if err := m.queue.Enqueue(ctx, messageID); err != nil {
		if m.inFlight != nil {
			_ = m.inFlight.Release(context.WithoutCancel(ctx), messageID)
		}
		return fmt.Errorf("queueing %s: %w", messageID, err)
	}
	return nil
}

// Send pushes a queued message once and hands the outcome to the
// reliability engine. Messages no longer waiting to be sent are skipped.
func (m *MSH) Send(ctx context.Context, messageID string) error {
	logger := m.logger.With("message_id", messageID)
	log, err := m.logs.FindUserMessageLog(ctx, messageID)
	if err != nil {
		m.release(ctx, messageID)
		return err
	}
	if log.Status != reliability.StatusSendEnqueued {
		logger.Debug("Skipping message not waiting to be sent", "status", log.Status)
		m.release(ctx, messageID)
		return nil
	}

	started := m.now()
	leg, err := m.resolver.LegConfiguration(ctx, log.PModeKey)
	if err != nil {
		return m.engine.HandleReliability(ctx, reliability.Outcome{
			MessageID:   messageID,
			Reliability: reliability.ReliabilityAbort,
			Started:     started,
			Err:         err,
		})
	}
	abort := func(err error) error {
		return m.engine.HandleReliability(ctx, reliability.Outcome{
			MessageID:   messageID,
			Reliability: reliability.ReliabilityAbort,
			Leg:         leg,
			Started:     started,
			Err:         err,
		})
	}
	sender, err := m.resolver.SenderParty(ctx, log.PModeKey)
	if err != nil {
		return abort(err)
	}
	receiver, err := m.resolver.ReceiverParty(ctx, log.PModeKey)
	if err != nil {
		return abort(err)
	}
	agreement, err := m.resolver.Agreement(ctx, log.PModeKey)
	if err != nil {
		return abort(err)
	}

	req := &SendRequest{
		MessageID: messageID,
		PModeKey:  log.PModeKey,
		Attempt:   log.SendAttempts + 1,
		Endpoint:  receiver.Endpoint,
		Sender:    sender,
		Receiver:  receiver,
		Leg:       leg,
		Agreement: agreement,
	}
	if m.payloads != nil {
		if req.Payloads, err = m.payloads.Payloads(ctx, messageID); err != nil {
			m.release(ctx, messageID)
			return fmt.Errorf("loading payloads of %s: %w", messageID, err)
		}
	}

	res, sendErr := m.transport.Send(ctx, req)
	o := classify(res, sendErr)
	o.MessageID = messageID
	o.Leg = leg
	o.Started = started

	if sendErr != nil {
		logger.Warn("Send attempt failed", "attempt", req.Attempt, "endpoint", req.Endpoint, "outcome", o.Reliability, "error", sendErr)
		m.emitEvent(MessageEvent{Type: EventSendError, MessageID: messageID, Error: sendErr})
	} else {
		logger.Info("Message sent", "attempt", req.Attempt, "endpoint", req.Endpoint, "outcome", o.Reliability)
		m.emitEvent(MessageEvent{Type: EventSent, MessageID: messageID})
	}
	return m.engine.HandleReliability(ctx, o)
}

// classify maps a transport result to a reliability outcome
func classify(res *SendResult, err error) reliability.Outcome {
	switch {
	case errors.Is(err, ErrAbort):
		return reliability.Outcome{Reliability: reliability.ReliabilityAbort, Err: err}
	case err != nil:
		return reliability.Outcome{Reliability: reliability.ReliabilitySendFail, Err: err}
	case res != nil && res.ReceiptPending:
		return reliability.Outcome{Reliability: reliability.ReliabilityWaitingForCallback}
	case res != nil && res.Warning:
		return reliability.Outcome{Reliability: reliability.ReliabilityOK, Response: reliability.ResponseWarning}
	default:
		return reliability.Outcome{Reliability: reliability.ReliabilityOK, Response: reliability.ResponseOK}
	}
}

func (m *MSH) release(ctx context.Context, messageID string) {
	if m.inFlight == nil {
		return
	}
	if err := m.inFlight.Release(context.WithoutCancel(ctx), messageID); err != nil {
		m.logger.Warn("Failed to release in-flight marker", "message_id", messageID, "error", err)
	}
}

// Pull hands the oldest message waiting on mpc to the initiator of its
// pull process
func (m *MSH) Pull(ctx context.Context, mpc string) (*PulledMessage, error) {
	if m.pull == nil {
		return nil, ErrPullNotSupported
	}
	pcr, ok := m.resolver.(PullContextResolver)
	if !ok {
		return nil, ErrPullNotSupported
	}
	pc, err := pcr.PullContext(ctx, mpc)
	if err != nil {
		return nil, err
	}

	id, err := m.pull.ReservePullMessage(ctx, pc.BaseMpc, pc.Initiator.Name)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrNothingToPull
	}
	log, err := m.logs.FindUserMessageLog(ctx, id)
	if err != nil {
		return nil, err
	}
	pulled := &PulledMessage{MessageID: id, PModeKey: log.PModeKey, Mpc: pc.BaseMpc}
	if m.payloads != nil {
		if pulled.Payloads, err = m.payloads.Payloads(ctx, id); err != nil {
			return nil, err
		}
	}
	m.logger.Info("Message pulled", "message_id", id, "mpc", pc.BaseMpc, "initiator", pc.Initiator.Name)
	m.emitEvent(MessageEvent{Type: EventPulled, MessageID: id})
	return pulled, nil
}

// PullReceipt records the receipt for a pulled message
func (m *MSH) PullReceipt(ctx context.Context, messageID string, warning bool) error {
	if m.pull == nil {
		return ErrPullNotSupported
	}
	return m.pull.PullReceiptReceived(ctx, messageID, warning)
}

func (m *MSH) emitEvent(ev MessageEvent) {
	if m.eventHandler == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	m.eventHandler(ev)
}

package reliability

import (
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// MessageStatus is the delivery status of a UserMessage
type MessageStatus string

const (
	StatusSendEnqueued      MessageStatus = "SEND_ENQUEUED"
	StatusWaitingForReceipt MessageStatus = "WAITING_FOR_RECEIPT"
	StatusWaitingForRetry   MessageStatus = "WAITING_FOR_RETRY"
	StatusReadyToPull       MessageStatus = "READY_TO_PULL"
	StatusBeingPulled       MessageStatus = "BEING_PULLED"
	StatusAcknowledged      MessageStatus = "ACKNOWLEDGED"
	StatusAckWithWarnings   MessageStatus = "ACKNOWLEDGED_WITH_WARNING"
	StatusSendFailure       MessageStatus = "SEND_FAILURE"
	StatusNotFound          MessageStatus = "NOT_FOUND"
)

// RetryEligible reports whether a message in this status can still be
// sent, retried or finalized.
func (s MessageStatus) RetryEligible() bool {
	switch s {
	case StatusSendEnqueued, StatusWaitingForReceipt, StatusWaitingForRetry, StatusReadyToPull, StatusBeingPulled:
		return true
	}
	return false
}

// NotificationStatus tells whether the backend wants to hear about the
// outcome of a message
type NotificationStatus string

const (
	NotificationRequired    NotificationStatus = "REQUIRED"
	NotificationNotRequired NotificationStatus = "NOT_REQUIRED"
	NotificationNotified    NotificationStatus = "NOTIFIED"
)

// UserMessageLog is the delivery record of an outgoing UserMessage
type UserMessageLog struct {
	MessageID          string
	PModeKey           string
	Mpc                string
	Status             MessageStatus
	NotificationStatus NotificationStatus
	SendAttempts       int
	SendAttemptsMax    int
	TestMessage        bool
	Received           time.Time
	NextAttempt        *time.Time
	// Enqueued is when the message last moved to SEND_ENQUEUED
	Enqueued     *time.Time
	Acknowledged *time.Time
	Failed       *time.Time
	Deleted      *time.Time
}

// NewUserMessageLog creates the log of a message accepted for sending
// on the resolved exchange.
func NewUserMessageLog(messageID string, ec *pmode.ExchangeConfiguration, leg *pmode.LegConfiguration, notify bool, now time.Time) *UserMessageLog {
	ns := NotificationNotRequired
	if notify {
		ns = NotificationRequired
	}
	next := now
	return &UserMessageLog{
		MessageID:          messageID,
		PModeKey:           ec.PModeKey(),
		Mpc:                ec.Mpc,
		Status:             StatusSendEnqueued,
		NotificationStatus: ns,
		SendAttemptsMax:    leg.ReceptionAwareness.MaxAttempts(),
		TestMessage:        leg.Service != nil && leg.Service.Value == pmode.TestService,
		Received:           now,
		NextAttempt:        &next,
		Enqueued:           &next,
	}
}

// LockState is the state of a pull MessagingLock
type LockState string

const (
	LockReady             LockState = "READY"
	LockWaitingForReceipt LockState = "WAITING_FOR_RECEIPT"
	LockDelete            LockState = "DELETE"
)

// MessagingLock guards a message waiting to be pulled
type MessagingLock struct {
	MessageID       string
	Mpc             string
	Initiator       string
	State           LockState
	SendAttempts    int
	SendAttemptsMax int
	Received        time.Time
	NextAttempt     time.Time
	Staled          time.Time
}

// AttemptStatus is the result of one send attempt
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "SUCCESS"
	AttemptError   AttemptStatus = "ERROR"
	AttemptAbort   AttemptStatus = "ABORT"
)

// MessageAttempt records one send attempt
type MessageAttempt struct {
	ID        string
	MessageID string
	Started   time.Time
	Ended     time.Time
	Status    AttemptStatus
	Error     string
}

// ReliabilityStatus is the protocol level outcome of a send attempt
type ReliabilityStatus string

const (
	ReliabilityOK                 ReliabilityStatus = "OK"
	ReliabilityWaitingForCallback ReliabilityStatus = "WAITING_FOR_CALLBACK"
	ReliabilitySendFail           ReliabilityStatus = "SEND_FAIL"
	ReliabilityAbort              ReliabilityStatus = "ABORT"
)

// ResponseStatus is the outcome of checking the response content
type ResponseStatus string

const (
	ResponseOK      ResponseStatus = "OK"
	ResponseWarning ResponseStatus = "WARNING"
)

// Outcome is what the transport reports after a send attempt
type Outcome struct {
	MessageID   string
	Reliability ReliabilityStatus
	Response    ResponseStatus
	Leg         *pmode.LegConfiguration
	Started     time.Time
	Err         error
}

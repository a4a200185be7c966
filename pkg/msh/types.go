package msh

import (
	"context"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/resolver"
)

// Payload represents a message payload/attachment
type Payload struct {
	ContentID   string
	ContentType string
	Data        []byte
}

// Submission is a message handed to the MSH by a backend
type Submission struct {
	// MessageID is generated when empty
	MessageID  string
	Attributes resolver.MessageAttributes
	Payloads   []Payload
	// Pull offers the message for pulling by the receiver instead of
	// pushing it
	Pull bool
	// NotifyBackend asks for a notification of the final outcome
	NotifyBackend bool
}

// Receipt describes an accepted submission
type Receipt struct {
	MessageID string
	PModeKey  string
	Mpc       string
	Pull      bool
}

// SendRequest is one push attempt
type SendRequest struct {
	MessageID string
	PModeKey  string
	Attempt   int
	Endpoint  string
	Sender    *pmode.Party
	Receiver  *pmode.Party
	Leg       *pmode.LegConfiguration
	// Agreement is nil when the process names none
	Agreement *pmode.Agreement
	Payloads  []Payload
}

// SendResult is what the receiving MSH answered
type SendResult struct {
	// ReceiptPending is set when the receipt arrives asynchronously
	ReceiptPending bool
	// Warning is set when the receipt came with an ebMS warning
	Warning  bool
	Response []byte
}

// Transport pushes a message to the receiving MSH. Returning an error
// wrapping ErrAbort fails the message without retries.
type Transport interface {
	Send(ctx context.Context, req *SendRequest) (*SendResult, error)
}

// PayloadStore keeps the payloads of a message until it is acknowledged
// or failed
type PayloadStore interface {
	StorePayloads(ctx context.Context, messageID string, payloads []Payload) error
	Payloads(ctx context.Context, messageID string) ([]Payload, error)
}

// PullContextResolver resolves the process serving a pull request
type PullContextResolver interface {
	PullContext(ctx context.Context, mpc string) (*resolver.PullContext, error)
}

// PulledMessage is handed to the initiator of a pull request
type PulledMessage struct {
	MessageID string
	PModeKey  string
	Mpc       string
	Payloads  []Payload
}

// MessageEvent represents an event in the message lifecycle
type MessageEvent struct {
	Type      string
	MessageID string
	Timestamp time.Time
	Error     error
}

// EventHandler is the callback function for message lifecycle events
type EventHandler func(MessageEvent)

const (
	EventSubmitted = "message.submitted"
	EventSent      = "message.sent"
	EventSendError = "message.send_error"
	EventPulled    = "message.pulled"
)

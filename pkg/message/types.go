package message

import "time"

// Namespace constants for AS4/ebMS3
const (
	NsSOAPEnv = "http://www.w3.org/2003/05/soap-envelope"
	NsEbMS    = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"
)

// DefaultRole is used for parties without a business role
const DefaultRole = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultRole"

// Well-known part properties
const (
	PropertyMimeType        = "MimeType"
	PropertyCompressionType = "CompressionType"
	PropertyCharacterSet    = "CharacterSet"
)

// UserMessage represents an ebMS3 UserMessage
type UserMessage struct {
	Mpc               string
	MessageInfo       MessageInfo
	PartyInfo         PartyInfo
	CollaborationInfo CollaborationInfo
	PayloadInfo       []PartInfo
}

// MessageInfo contains message identification and timestamps
type MessageInfo struct {
	Timestamp      time.Time
	MessageID      string
	RefToMessageID string
}

// PartyInfo contains sender and receiver party information
type PartyInfo struct {
	From Party
	To   Party
}

// Party represents a messaging party
type Party struct {
	PartyIDs []PartyID
	Role     string
}

// PartyID represents a party identifier with type
type PartyID struct {
	Type  string
	Value string
}

// CollaborationInfo contains service and action information
type CollaborationInfo struct {
	AgreementRef   *AgreementRef
	Service        Service
	Action         string
	ConversationID string
}

// AgreementRef references a business agreement
type AgreementRef struct {
	Type  string
	PMode string
	Value string
}

// Service identifies the service
type Service struct {
	Type  string
	Value string
}

// Property represents a name/value property
type Property struct {
	Name  string
	Value string
}

// PartInfo describes a payload part
type PartInfo struct {
	Href       string
	Properties []Property
}

// Signal is a Receipt or Error signal read from a response
type Signal struct {
	MessageID      string
	RefToMessageID string
	Receipt        bool
	Errors         []Error
}

// Error represents an ebMS3 error
type Error struct {
	Code             string
	Severity         string
	ShortDescription string
	Category         string
	Detail           string
}

// IsFailure reports whether the error has severity failure; a missing
// severity counts as failure.
func (e Error) IsFailure() bool {
	return e.Severity != "warning"
}

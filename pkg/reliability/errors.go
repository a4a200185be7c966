package reliability

import "errors"

var (
	ErrMessageNotFound    = errors.New("message log not found")
	ErrLockNotFound       = errors.New("messaging lock not found")
	ErrOutcomeNotRecorded = errors.New("send outcome could not be recorded")
	ErrUnknownOutcome     = errors.New("unknown reliability status")
)

// ErrorCode represents AS4 error codes
type ErrorCode struct {
	Code             string
	Severity         string
	ShortDescription string
	Category         string
}

// Predefined AS4 error codes
var (
	ErrorDeliveryFailure = ErrorCode{
		Code:             "EBMS:0202",
		Severity:         "Failure",
		ShortDescription: "DeliveryFailure",
		Category:         "Communication",
	}

	ErrorMissingReceipt = ErrorCode{
		Code:             "EBMS:0301",
		Severity:         "Failure",
		ShortDescription: "MissingReceipt",
		Category:         "Communication",
	}

	ErrorOther = ErrorCode{
		Code:             "EBMS:0004",
		Severity:         "Failure",
		ShortDescription: "Other",
		Category:         "Content",
	}
)

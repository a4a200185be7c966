package pmode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoMatchingAgreement = errors.New("no matching agreement")
	ErrNoMatchingParty     = errors.New("no matching party")
	ErrNoMatchingService   = errors.New("no matching service")
	ErrNoMatchingAction    = errors.New("no matching action")
	ErrNoMatchingLeg       = errors.New("no matching leg")
	ErrNoMatchingMpc       = errors.New("no matching mpc")
	ErrAmbiguousLeg        = errors.New("more than one leg matches")
	ErrTestActionMisuse    = errors.New("test action is only valid with the test service")

	// ErrPullBindingMismatch is a configuration error: a pull request
	// resolved to a leg whose process is not pull bound.
	ErrPullBindingMismatch = errors.New("leg is not part of a pull process")

	ErrConfigurationMissing = errors.New("no PMode configuration loaded")
	ErrInvalidPModeKey      = errors.New("invalid pmodeKey")
	ErrUnknownEntity        = errors.New("unknown PMode entity")
)

// ResolutionError reports a failed resolution step together with the
// values that could not be matched.
type ResolutionError struct {
	Err    error
	Values []string // "name=value" pairs
}

// NewResolutionError creates a ResolutionError. kv is a list of
// alternating names and values.
func NewResolutionError(err error, kv ...string) *ResolutionError {
	e := &ResolutionError{Err: err}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Values = append(e.Values, kv[i]+"="+kv[i+1])
	}
	return e
}

func (e *ResolutionError) Error() string {
	if len(e.Values) == 0 {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + strings.Join(e.Values, " ")
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IsResolutionError reports whether err is a message-level resolution
// failure, as opposed to a configuration or infrastructure error.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re) && !errors.Is(err, ErrPullBindingMismatch)
}

// ConfigurationInvalidError rejects an uploaded PMode document.
type ConfigurationInvalidError struct {
	Issues []ValidationIssue
}

func (e *ConfigurationInvalidError) Error() string {
	var errs []string
	for _, i := range e.Issues {
		if i.Level == LevelError {
			errs = append(errs, i.Message)
		}
	}
	if len(errs) == 0 {
		return "invalid PMode configuration"
	}
	return fmt.Sprintf("invalid PMode configuration: %s", strings.Join(errs, "; "))
}

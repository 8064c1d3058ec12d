package scheduler

import (
	"fmt"

	"github.com/skedra/skedra/itip"
)

// ErrorCode names the precondition that failed, matching the CalDAV
// scheduling error element names.
type ErrorCode string

const (
	CodeOriginatorMissing     ErrorCode = "originator-specified"
	CodeOriginatorInvalid     ErrorCode = "originator-allowed"
	CodeOriginatorDenied      ErrorCode = "originator-denied"
	CodeRecipientMissing      ErrorCode = "recipient-specified"
	CodeRecipientInvalid      ErrorCode = "recipient-exists"
	CodeOrganizerDenied       ErrorCode = "organizer-allowed"
	CodeAttendeeDenied        ErrorCode = "attendee-allowed"
	CodeInvalidCalendarData   ErrorCode = "valid-calendar-data"
	CodeInvalidDataType       ErrorCode = "supported-calendar-data"
	CodeInvalidMessage        ErrorCode = "valid-scheduling-message"
	CodeMaxRecipients         ErrorCode = "max-recipients"
)

// statusForCode maps each failed precondition to its iTIP request-status.
var statusForCode = map[ErrorCode]string{
	CodeOriginatorMissing:   itip.StatusBadRequest,
	CodeOriginatorInvalid:   itip.StatusInvalidUser,
	CodeOriginatorDenied:    itip.StatusNoAuthority,
	CodeRecipientMissing:    itip.StatusBadRequest,
	CodeRecipientInvalid:    itip.StatusInvalidUser,
	CodeOrganizerDenied:     itip.StatusNoAuthority,
	CodeAttendeeDenied:      itip.StatusNoAuthority,
	CodeInvalidCalendarData: itip.StatusBadRequest,
	CodeInvalidDataType:     itip.StatusNoSupport,
	CodeInvalidMessage:      itip.StatusInvalidSvc,
	CodeMaxRecipients:       itip.StatusUnavailable,
}

// Error aborts an entire scheduling operation. Per-recipient failures
// never use it; they become Response entries instead.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("scheduling failed (%s): %s", e.Code, e.Msg)
}

// Status returns the iTIP request-status for the failure.
func (e *Error) Status() string {
	if s, ok := statusForCode[e.Code]; ok {
		return s
	}
	return itip.StatusBadRequest
}

func opError(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

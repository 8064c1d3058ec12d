// Package itip implements RFC 5546 scheduling message processing and
// generation: applying incoming REQUEST/REPLY/CANCEL messages to stored
// calendar objects and producing outbound messages from canonical data.
package itip

// iTIP request-status codes. The code values are wire-visible and must
// match other CalDAV scheduling servers verbatim.
const (
	StatusPendingCode     = "1.0"
	StatusSentCode        = "1.1"
	StatusDeliveredCode   = "1.2"
	StatusSuccessCode     = "2.0"
	StatusForwardedCode   = "2.7"
	StatusInvalidUserCode = "3.7"
	StatusNoAuthorityCode = "3.8"
	StatusBadRequestCode  = "5.0"
	StatusUnavailableCode = "5.1"
	StatusInvalidSvcCode  = "5.2"
	StatusNoSupportCode   = "5.3"
)

// Request-status values with their human-readable descriptions attached.
const (
	StatusPending     = StatusPendingCode + ";Scheduling message send is pending"
	StatusSent        = StatusSentCode + ";Scheduling message has been sent"
	StatusDelivered   = StatusDeliveredCode + ";Scheduling message has been delivered"
	StatusSuccess     = StatusSuccessCode + ";Success"
	StatusInvalidUser = StatusInvalidUserCode + ";Invalid Calendar User"
	StatusNoAuthority = StatusNoAuthorityCode + ";No authority"
	StatusBadRequest  = StatusBadRequestCode + ";Service cannot handle request"
	StatusUnavailable = StatusUnavailableCode + ";Service unavailable"
	StatusInvalidSvc  = StatusInvalidSvcCode + ";Invalid calendar service"
	StatusNoSupport   = StatusNoSupportCode + ";No scheduling support for user"
)

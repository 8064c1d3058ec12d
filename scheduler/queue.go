package scheduler

import (
	"sync"

	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/internal/ischedulexml"
	"github.com/skedra/skedra/itip"
)

// Response is the per-recipient outcome of one scheduling operation.
type Response struct {
	Recipient string
	// Status is the full iTIP request-status value, code and text.
	Status string
	// Calendar carries free-busy reply data when the operation was a
	// free-busy query.
	Calendar *icalendar.Object
	// Error names the failed precondition, empty on success.
	Error ErrorCode
	// Description is an optional human-readable note.
	Description string
}

// ResponseQueue aggregates per-recipient responses. Delivery services
// append to it concurrently; callers read it only after the fan-out has
// completed. Entry order across transports is unspecified.
type ResponseQueue struct {
	mu        sync.Mutex
	responses []Response
}

// NewResponseQueue returns an empty queue.
func NewResponseQueue() *ResponseQueue {
	return &ResponseQueue{}
}

// Add records a successful response for a recipient.
func (q *ResponseQueue) Add(recipient, status string) {
	q.append(Response{Recipient: recipient, Status: status})
}

// AddCalendar records a response carrying calendar data, used for
// free-busy replies.
func (q *ResponseQueue) AddCalendar(recipient, status string, cal *icalendar.Object) {
	q.append(Response{Recipient: recipient, Status: status, Calendar: cal})
}

// AddResponse records a fully formed response, used when relaying
// entries parsed from a peer server's reply.
func (q *ResponseQueue) AddResponse(r Response) {
	q.append(r)
}

// AddFailure records a failed response with an explicit request-status.
func (q *ResponseQueue) AddFailure(recipient, status, description string) {
	q.append(Response{Recipient: recipient, Status: status, Description: description})
}

// AddError records a failed response. Scheduling errors map to their
// precondition code and request-status; any other error becomes a
// service-unavailable entry.
func (q *ResponseQueue) AddError(recipient string, err error) {
	r := Response{Recipient: recipient, Status: itip.StatusUnavailable}
	if serr, ok := err.(*Error); ok {
		r.Status = serr.Status()
		r.Error = serr.Code
		r.Description = serr.Msg
	} else if err != nil {
		r.Description = err.Error()
	}
	q.append(r)
}

func (q *ResponseQueue) append(r Response) {
	q.mu.Lock()
	q.responses = append(q.responses, r)
	q.mu.Unlock()
}

// Len reports the number of recorded responses.
func (q *ResponseQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.responses)
}

// Responses returns a copy of the recorded responses.
func (q *ResponseQueue) Responses() []Response {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Response, len(q.responses))
	copy(out, q.responses)
	return out
}

// ScheduleResponse renders the queue as an iSchedule schedule-response
// document.
func (q *ResponseQueue) ScheduleResponse() ([]byte, error) {
	var entries []ischedulexml.Response
	for _, r := range q.Responses() {
		entry := ischedulexml.Response{
			Recipient:     r.Recipient,
			RequestStatus: r.Status,
			Error:         string(r.Error),
			Description:   r.Description,
		}
		if r.Calendar != nil {
			data, err := r.Calendar.Encode()
			if err != nil {
				return nil, err
			}
			entry.CalendarData = data
		}
		entries = append(entries, entry)
	}
	return ischedulexml.Marshal(entries)
}

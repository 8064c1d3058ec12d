// Package ischedule implements server-to-server scheduling delivery:
// destination discovery, DKIM-style signing, the outbound POST per
// destination server and the receiving HTTP endpoint.
package ischedule

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	ical "github.com/emersion/go-ical"

	"github.com/skedra/skedra/cuaddress"
	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/internal/ischedulexml"
	"github.com/skedra/skedra/itip"
	"github.com/skedra/skedra/metrics"
	"github.com/skedra/skedra/scheduler"
)

// RefreshHeader marks background refresh deliveries so the receiving
// pod suppresses its own onward fan-out.
const RefreshHeader = "X-CALENDARSERVER-ITIP-REFRESHONLY"

const maxRedirects = 3

// Service is the remote delivery transport, covering both peer pods
// and external iSchedule domains.
type Service struct {
	locator *Locator
	dir     directory.Directory
	// signer is nil when outbound signing is disabled.
	signer *Signer
	client *http.Client
	log    *slog.Logger
}

// NewService builds the remote transport.
func NewService(locator *Locator, dir directory.Directory, signer *Signer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		locator: locator,
		dir:     dir,
		signer:  signer,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		log: logger,
	}
}

// destination is one server plus the recipients it covers.
type destination struct {
	server     *ServerRecord
	recipients []cuaddress.CalendarUser
}

// Deliver groups the recipients by destination server and issues one
// signed POST per server covering all of its recipients.
func (s *Service) Deliver(ctx context.Context, op *scheduler.Operation, recipients []cuaddress.CalendarUser, queue *scheduler.ResponseQueue) {
	start := time.Now()
	defer func() {
		metrics.DeliveryDuration.WithLabelValues("ischedule").Observe(time.Since(start).Seconds())
	}()

	groups := make(map[string]*destination)
	for _, recipient := range recipients {
		server, err := s.serverFor(ctx, recipient)
		if err != nil {
			s.log.Error("destination lookup failed",
				"recipient", recipient.Address, "error", err)
			queue.AddFailure(recipient.Address, itip.StatusUnavailable, "could not locate recipient's server")
			metrics.Deliveries.WithLabelValues("ischedule", itip.StatusUnavailableCode).Inc()
			continue
		}
		if server == nil {
			queue.AddFailure(recipient.Address, itip.StatusNoSupport, "no server for recipient")
			metrics.Deliveries.WithLabelValues("ischedule", itip.StatusNoSupportCode).Inc()
			continue
		}
		group, ok := groups[server.URL]
		if !ok {
			group = &destination{server: server}
			groups[server.URL] = group
		}
		group.recipients = append(group.recipients, recipient)
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(dest *destination) {
			defer wg.Done()
			s.deliverTo(ctx, op, dest, queue)
		}(group)
	}
	wg.Wait()
}

func (s *Service) serverFor(ctx context.Context, recipient cuaddress.CalendarUser) (*ServerRecord, error) {
	switch recipient.Kind {
	case cuaddress.KindOtherServer:
		return &ServerRecord{
			URL:     strings.TrimSuffix(recipient.Pod.URI, "/") + WellKnownPath,
			Domain:  recipient.Pod.ID,
			Podding: true,
		}, nil
	case cuaddress.KindRemote:
		return s.locator.ServerForDomain(ctx, recipient.Domain)
	default:
		return nil, fmt.Errorf("recipient %s is not remote", recipient.Address)
	}
}

func (s *Service) deliverTo(ctx context.Context, op *scheduler.Operation, dest *destination, queue *scheduler.ResponseQueue) {
	entries, err := s.postTo(ctx, op, dest)
	if err != nil {
		s.log.Error("server-to-server request failed",
			"server", dest.server.URL, "error", err)
		for _, recipient := range dest.recipients {
			queue.AddFailure(recipient.Address, itip.StatusUnavailable, "server-to-server request failed")
			metrics.Deliveries.WithLabelValues("ischedule", itip.StatusUnavailableCode).Inc()
		}
		return
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		seen[icalendar.NormalizeCUA(entry.Recipient)] = true
		queue.AddResponse(entry)
		metrics.Deliveries.WithLabelValues("ischedule", statusCode(entry.Status)).Inc()
	}
	// A conforming server answers for every recipient; cover for ones
	// that do not.
	for _, recipient := range dest.recipients {
		if !seen[icalendar.NormalizeCUA(recipient.Address)] {
			queue.AddFailure(recipient.Address, itip.StatusUnavailable, "no response from recipient's server")
			metrics.Deliveries.WithLabelValues("ischedule", itip.StatusUnavailableCode).Inc()
		}
	}
}

func (s *Service) postTo(ctx context.Context, op *scheduler.Operation, dest *destination) ([]scheduler.Response, error) {
	payload, originator, originalOrganizer, err := s.preparePayload(ctx, op, dest)
	if err != nil {
		return nil, err
	}
	body, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode scheduling message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.server.URL, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Originator", originator)
	for _, recipient := range dest.recipients {
		req.Header.Add("Recipient", recipient.Address)
	}
	req.Header.Set("Content-Type", fmt.Sprintf(
		"text/calendar; charset=utf-8; component=%s; method=%s",
		payload.MainType(), payload.Method()))
	req.Header.Set("User-Agent", "skedra")
	if op.SuppressRefresh {
		req.Header.Set(RefreshHeader, "T")
	}
	if s.signer != nil && !dest.server.Podding {
		sig, err := s.signer.Sign(req.Header, []byte(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	parsed, err := ischedulexml.Parse(data)
	if err != nil {
		return nil, err
	}

	var entries []scheduler.Response
	for _, entry := range parsed {
		out := scheduler.Response{
			Recipient:   entry.Recipient,
			Status:      entry.RequestStatus,
			Error:       scheduler.ErrorCode(entry.Error),
			Description: entry.Description,
		}
		if entry.CalendarData != "" {
			cal, err := icalendar.Parse(entry.CalendarData)
			if err != nil {
				return nil, fmt.Errorf("parse response calendar data: %w", err)
			}
			// An un-normalized destination answers with mailto
			// organizers; restore the canonical value before the data
			// flows back into stored calendars.
			if dest.server.UnNormalize && originalOrganizer != "" {
				restoreOrganizer(cal, originalOrganizer)
			}
			out.Calendar = cal
		}
		entries = append(entries, out)
	}
	return entries, nil
}

// preparePayload duplicates the calendar for the wire: addresses are
// rewritten for mailto-only destinations and free-busy queries are
// trimmed to the destination's own attendees.
func (s *Service) preparePayload(ctx context.Context, op *scheduler.Operation, dest *destination) (payload *icalendar.Object, originator, originalOrganizer string, err error) {
	payload = op.Calendar.Duplicate()
	originalOrganizer = payload.OrganizerValue()

	// The wire originator is the organizer for request-class messages
	// and the sole attendee for replies.
	originator = op.Attendee
	if op.ITIPRequest {
		originator = originalOrganizer
	}

	if dest.server.UnNormalize {
		originator = s.unNormalizeCUA(ctx, originator)
		s.unNormalizeCalendar(ctx, payload)
	}

	if op.FreeBusy != nil {
		keep := make([]string, len(dest.recipients))
		for i, r := range dest.recipients {
			keep[i] = r.Address
		}
		keepAttendees(payload, keep)
	}
	return payload, originator, originalOrganizer, nil
}

// unNormalizeCUA maps a canonical urn address back to the record's
// mailto form for destinations that only understand email addressing.
func (s *Service) unNormalizeCUA(ctx context.Context, cua string) string {
	if !strings.HasPrefix(strings.ToLower(cua), "urn:") {
		return cua
	}
	record, err := s.dir.RecordWithCalendarUserAddress(ctx, cua)
	if err != nil || record == nil || len(record.EmailAddresses) == 0 {
		return cua
	}
	return "mailto:" + record.EmailAddresses[0]
}

func (s *Service) unNormalizeCalendar(ctx context.Context, cal *icalendar.Object) {
	for _, comp := range cal.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		for _, name := range []string{icalendar.PropOrganizer, icalendar.PropAttendee} {
			props := comp.Props[name]
			for i := range props {
				props[i].Value = s.unNormalizeCUA(ctx, props[i].Value)
			}
		}
	}
}

func keepAttendees(cal *icalendar.Object, keep []string) {
	for _, comp := range cal.Cal.Children {
		if comp.Name != ical.CompFreeBusy {
			continue
		}
		var kept []ical.Prop
		for _, p := range comp.Props[icalendar.PropAttendee] {
			for _, cua := range keep {
				if icalendar.SameCUA(p.Value, cua) {
					kept = append(kept, p)
					break
				}
			}
		}
		if len(kept) > 0 {
			comp.Props[icalendar.PropAttendee] = kept
		} else {
			delete(comp.Props, icalendar.PropAttendee)
		}
	}
}

func restoreOrganizer(cal *icalendar.Object, organizer string) {
	for _, comp := range cal.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		props := comp.Props[icalendar.PropOrganizer]
		for i := range props {
			props[i].Value = organizer
		}
	}
}

func statusCode(status string) string {
	if i := strings.IndexByte(status, ';'); i >= 0 {
		return status[:i]
	}
	return status
}

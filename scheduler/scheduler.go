// Package scheduler orchestrates one scheduling operation: it validates
// the originator, recipients and calendar data, classifies each
// recipient by locality, fans the message out to the delivery services
// and aggregates a per-recipient response queue.
package scheduler

import (
	"context"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/skedra/skedra/config"
	"github.com/skedra/skedra/cuaddress"
	"github.com/skedra/skedra/freebusy"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/itip"
	"github.com/skedra/skedra/locks"
	"github.com/skedra/skedra/metrics"
)

// State tracks an operation through the check pipeline.
type State int

const (
	StateCreated State = iota
	StateOriginatorChecked
	StateRecipientsChecked
	StateCalendarDataChecked
	StateOrganizerChecked
	StateSecurityChecked
	StateFinalChecked
	StateResponseGenerated
)

// Operation is one scheduling run: the originator, the recipient list
// and the calendar payload, plus the classification accumulated by the
// checks. It lives for a single Run call and is not reused.
type Operation struct {
	Variant Variant

	// Originator is the calendar user address the message came from.
	Originator string
	// RecipientAddrs are the raw recipient addresses. Run resolves them
	// into Recipients; callers with pre-classified users may fill
	// Recipients directly and leave this empty.
	RecipientAddrs []string
	Recipients     []cuaddress.CalendarUser
	Calendar       *icalendar.Object

	// Internal marks payloads generated by this server, which skip the
	// calendar data validation.
	Internal bool
	// AdHoc marks an Outbox POST rather than an implicit PUT; those take
	// the per-UID lock and are restricted to certain methods.
	AdHoc bool
	// SuppressRefresh marks a background attendee refresh; deliveries
	// crossing domain boundaries are skipped to avoid refresh storms.
	SuppressRefresh bool

	// Fields below are populated by the checks.
	OriginatorUser cuaddress.CalendarUser
	Organizer      cuaddress.CalendarUser
	// ITIPRequest is true for {PUBLISH,REQUEST,ADD,CANCEL,DECLINECOUNTER}
	// and false for the reply-class methods {REPLY,COUNTER,REFRESH}.
	ITIPRequest bool
	// Attendee is the sole attendee of a reply-class message.
	Attendee string
	// FreeBusy is set when the payload is a free-busy query.
	FreeBusy *freebusy.Request

	state State
}

// State reports how far the operation progressed.
func (op *Operation) State() State { return op.state }

// DeliveryService turns one recipient bucket into response queue
// entries. Implementations never propagate per-recipient failures as
// errors; every failure becomes a queue entry.
type DeliveryService interface {
	Deliver(ctx context.Context, op *Operation, recipients []cuaddress.CalendarUser, queue *ResponseQueue)
}

// Scheduler runs scheduling operations against a fixed set of delivery
// services.
type Scheduler struct {
	resolver *cuaddress.Resolver
	locks    *locks.Manager
	local    DeliveryService
	remote   DeliveryService
	email    DeliveryService
	cfg      config.Scheduling
	log      *slog.Logger
}

// New assembles a scheduler. The remote service covers both peer pods
// and external iSchedule domains; email covers iMIP.
func New(resolver *cuaddress.Resolver, lockMgr *locks.Manager, local, remote, email DeliveryService, cfg config.Scheduling, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		resolver: resolver,
		locks:    lockMgr,
		local:    local,
		remote:   remote,
		email:    email,
		cfg:      cfg,
		log:      logger,
	}
}

// Run drives one operation through the check pipeline and the delivery
// fan-out. A returned error aborts the whole operation; per-recipient
// failures live in the returned queue instead.
func (s *Scheduler) Run(ctx context.Context, op *Operation) (*ResponseQueue, error) {
	queue, err := s.run(ctx, op)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.SchedulingOperations.WithLabelValues(op.Variant.Name(), outcome).Inc()
	return queue, err
}

func (s *Scheduler) run(ctx context.Context, op *Operation) (*ResponseQueue, error) {
	op.state = StateCreated

	if err := s.checkOriginator(ctx, op); err != nil {
		return nil, err
	}
	if err := s.checkRecipients(ctx, op); err != nil {
		return nil, err
	}
	if err := s.checkCalendarData(op); err != nil {
		return nil, err
	}
	if err := op.Variant.CheckOrganizer(ctx, s, op); err != nil {
		return nil, err
	}
	op.state = StateOrganizerChecked

	if err := op.Variant.CheckSecurity(ctx, s, op); err != nil {
		return nil, err
	}
	op.state = StateSecurityChecked

	if err := op.Variant.CheckFinal(ctx, s, op); err != nil {
		return nil, err
	}
	op.state = StateFinalChecked

	// An ad hoc operation on a real calendar object needs the same
	// per-UID exclusion the implicit trigger takes, so two concurrent
	// edits of one event cannot interleave.
	if op.AdHoc && op.FreeBusy == nil {
		release, err := s.locks.Acquire(ctx, locks.UIDToken(op.Calendar.UID()))
		if err != nil {
			return nil, err
		}
		defer release()
	}

	queue := NewResponseQueue()
	if err := s.generateSchedulingResponses(ctx, op, queue); err != nil {
		return nil, err
	}
	op.state = StateResponseGenerated
	return queue, nil
}

func (s *Scheduler) checkOriginator(ctx context.Context, op *Operation) error {
	if op.Originator == "" {
		return opError(CodeOriginatorMissing, "no originator specified")
	}
	op.Originator = icalendar.NormalizeCUA(op.Originator)
	if err := op.Variant.CheckOriginator(ctx, s, op); err != nil {
		return err
	}
	op.state = StateOriginatorChecked
	return nil
}

func (s *Scheduler) checkRecipients(ctx context.Context, op *Operation) error {
	if len(op.Recipients) == 0 {
		if len(op.RecipientAddrs) == 0 {
			return opError(CodeRecipientMissing, "no recipients specified")
		}
		users, err := s.resolver.ResolveAll(ctx, op.RecipientAddrs)
		if err != nil {
			return err
		}
		op.Recipients = users
	}
	for i, user := range op.Recipients {
		op.Recipients[i] = op.Variant.CheckRecipient(user)
	}
	op.state = StateRecipientsChecked
	return nil
}

// checkCalendarData enforces the structural invariants on the payload
// and classifies the operation as request-class or reply-class.
func (s *Scheduler) checkCalendarData(op *Operation) error {
	if op.Calendar == nil || op.Calendar.MainType() == "" {
		return opError(CodeInvalidCalendarData, "calendar data is not valid")
	}

	// Private events must never leak their access marker into a
	// scheduling message.
	if !op.Internal && hasAccessProperty(op.Calendar) {
		return opError(CodeInvalidCalendarData, "private events cannot be scheduled")
	}

	switch op.Calendar.Method() {
	case icalendar.MethodPublish, icalendar.MethodRequest, icalendar.MethodAdd,
		icalendar.MethodCancel, icalendar.MethodDeclineCounter:
		op.ITIPRequest = true

	case icalendar.MethodReply, icalendar.MethodCounter, icalendar.MethodRefresh:
		op.ITIPRequest = false
		attendees := op.Calendar.AttendeeValues()
		if len(attendees) != 1 {
			return opError(CodeInvalidMessage, "reply must have exactly one attendee, got %d", len(attendees))
		}
		op.Attendee = attendees[0]

	case "":
		return opError(CodeInvalidMessage, "missing METHOD property")

	default:
		return opError(CodeInvalidMessage, "unknown iTIP method %s", op.Calendar.Method())
	}

	// Detect a synchronous free-busy query up front; its time range and
	// mask are reused for every recipient.
	req, err := freebusy.ParseRequest(op.Calendar)
	if err != nil {
		return opError(CodeInvalidMessage, "%s", err.Error())
	}
	op.FreeBusy = req

	if !op.Internal && op.FreeBusy == nil && op.Calendar.UID() == "" {
		return opError(CodeInvalidCalendarData, "calendar data has no UID")
	}

	op.state = StateCalendarDataChecked
	return nil
}

// generateSchedulingResponses partitions the recipients by locality and
// dispatches each bucket to its delivery service concurrently.
func (s *Scheduler) generateSchedulingResponses(ctx context.Context, op *Operation, queue *ResponseQueue) error {
	s.log.Info("scheduling fan-out",
		"variant", op.Variant.Name(),
		"method", op.Calendar.Method(),
		"recipients", len(op.Recipients),
		"freebusy", op.FreeBusy != nil)

	var local, otherServer, remote, email []cuaddress.CalendarUser
	for i, recipient := range op.Recipients {
		if op.FreeBusy != nil && s.cfg.MaxFreeBusyRecipients > 0 && i >= s.cfg.MaxFreeBusyRecipients {
			queue.AddError(recipient.Address, opError(CodeMaxRecipients, "too many attendees"))
			continue
		}
		switch recipient.Kind {
		case cuaddress.KindLocal:
			local = append(local, recipient)
		case cuaddress.KindOtherServer:
			otherServer = append(otherServer, recipient)
		case cuaddress.KindRemote:
			remote = append(remote, recipient)
		case cuaddress.KindEmail:
			email = append(email, recipient)
		case cuaddress.KindInvalid:
			queue.AddError(recipient.Address, opError(CodeRecipientInvalid, "unknown calendar user"))
		}
	}

	if s.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(local) > 0 {
		g.Go(func() error {
			s.local.Deliver(gctx, op, local, queue)
			return nil
		})
	}
	if len(otherServer) > 0 {
		g.Go(func() error {
			s.remote.Deliver(gctx, op, otherServer, queue)
			return nil
		})
	}
	// Refresh fan-outs stay inside the pod cluster.
	if !op.SuppressRefresh {
		if len(remote) > 0 {
			g.Go(func() error {
				s.remote.Deliver(gctx, op, remote, queue)
				return nil
			})
		}
		if len(email) > 0 {
			g.Go(func() error {
				s.email.Deliver(gctx, op, email, queue)
				return nil
			})
		}
	}
	return g.Wait()
}

func hasAccessProperty(cal *icalendar.Object) bool {
	for _, comp := range cal.Cal.Children {
		if comp.Props.Get(icalendar.PropAccess) != nil {
			return true
		}
	}
	return false
}

// DeliveredStatus is the request-status delivery services record for a
// successfully handled recipient of a non-free-busy message.
func DeliveredStatus(freeBusy bool) string {
	if freeBusy {
		return itip.StatusSuccess
	}
	return itip.StatusDelivered
}

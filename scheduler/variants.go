package scheduler

import (
	"context"

	"github.com/skedra/skedra/cuaddress"
	"github.com/skedra/skedra/icalendar"
)

// Variant hooks the per-source checks into the state machine. Each
// trigger path (local CalDAV, iSchedule receive, iMIP receive, internal
// direct) enforces a different trust model over the same pipeline.
type Variant interface {
	Name() string

	// CheckOriginator validates the originator address and stores the
	// classified user on the operation.
	CheckOriginator(ctx context.Context, s *Scheduler, op *Operation) error

	// CheckRecipient may reclassify one resolved recipient, e.g. to
	// reject relaying through this server.
	CheckRecipient(user cuaddress.CalendarUser) cuaddress.CalendarUser

	// CheckOrganizer validates the ORGANIZER ahead of the security
	// checks. Remote variants defer this until the role is known.
	CheckOrganizer(ctx context.Context, s *Scheduler, op *Operation) error

	// CheckSecurity stops originator spoofing: request-class messages
	// must come from the organizer, reply-class from the attendee.
	CheckSecurity(ctx context.Context, s *Scheduler, op *Operation) error

	// CheckFinal runs after all data is gathered, before delivery.
	CheckFinal(ctx context.Context, s *Scheduler, op *Operation) error
}

// CalDAVVariant handles operations originating inside this server, from
// an authenticated user's PUT or Outbox POST.
type CalDAVVariant struct {
	// AuthenticatedUID is the directory UID of the signed-in user.
	AuthenticatedUID string
}

func (v *CalDAVVariant) Name() string { return "caldav" }

func (v *CalDAVVariant) CheckOriginator(ctx context.Context, s *Scheduler, op *Operation) error {
	if !op.Internal && v.AuthenticatedUID == "" {
		return opError(CodeOriginatorDenied, "unauthenticated originator %s", op.Originator)
	}
	user, err := s.resolver.Resolve(ctx, op.Originator)
	if err != nil {
		return err
	}
	if user.Kind != cuaddress.KindLocal {
		return opError(CodeOriginatorDenied, "no local principal for originator %s", op.Originator)
	}
	op.OriginatorUser = user
	return nil
}

func (v *CalDAVVariant) CheckRecipient(user cuaddress.CalendarUser) cuaddress.CalendarUser {
	return user
}

func (v *CalDAVVariant) CheckOrganizer(ctx context.Context, s *Scheduler, op *Operation) error {
	organizer := op.Calendar.OrganizerValue()
	if organizer == "" {
		return opError(CodeInvalidMessage, "missing organizer")
	}
	user, err := s.resolver.Resolve(ctx, organizer)
	if err != nil {
		return err
	}
	if user.Hosted() && !user.Record.CalendarsEnabled() {
		return opError(CodeOrganizerDenied, "organizer %s cannot schedule", organizer)
	}
	op.Organizer = user
	return nil
}

func (v *CalDAVVariant) CheckSecurity(ctx context.Context, s *Scheduler, op *Operation) error {
	if op.Internal {
		return nil
	}
	if op.ITIPRequest {
		// The organizer must be local and must be the signed-in user.
		if op.Organizer.Kind != cuaddress.KindLocal {
			return opError(CodeOrganizerDenied, "organizer %s is not local to this server", op.Organizer.Address)
		}
		if v.AuthenticatedUID != "" && op.Organizer.Record.UID != v.AuthenticatedUID {
			return opError(CodeOrganizerDenied, "outbox does not belong to organizer %s", op.Organizer.Address)
		}
		return nil
	}
	attendee, err := s.resolver.Resolve(ctx, op.Attendee)
	if err != nil {
		return err
	}
	if attendee.Kind != cuaddress.KindLocal {
		return opError(CodeAttendeeDenied, "no local principal for attendee %s", op.Attendee)
	}
	if v.AuthenticatedUID != "" && attendee.Record.UID != v.AuthenticatedUID {
		return opError(CodeAttendeeDenied, "outbox does not belong to attendee %s", op.Attendee)
	}
	return nil
}

func (v *CalDAVVariant) CheckFinal(ctx context.Context, s *Scheduler, op *Operation) error {
	// Ad hoc Outbox POSTs may only carry free-busy queries and the
	// counter methods; everything else goes through implicit scheduling.
	if !op.AdHoc {
		return nil
	}
	if op.FreeBusy != nil {
		return nil
	}
	switch op.Calendar.Method() {
	case icalendar.MethodCounter, icalendar.MethodDeclineCounter:
		return nil
	}
	return opError(CodeInvalidMessage, "method %s not allowed for outbox POST", op.Calendar.Method())
}

// IScheduleVariant handles messages POSTed to the iSchedule receiver by
// a peer server. Originators are never hosted here; recipients always
// are, since there is no relaying.
type IScheduleVariant struct {
	// Verified is set when the request carried a valid DKIM signature.
	Verified bool
}

func (v *IScheduleVariant) Name() string { return "ischedule" }

func (v *IScheduleVariant) CheckOriginator(ctx context.Context, s *Scheduler, op *Operation) error {
	user, err := s.resolver.Resolve(ctx, op.Originator)
	if err != nil {
		return err
	}
	if user.Hosted() {
		return opError(CodeOriginatorDenied, "originator %s is hosted on this server", op.Originator)
	}
	if user.Kind == cuaddress.KindInvalid {
		return opError(CodeOriginatorDenied, "originator %s cannot schedule", op.Originator)
	}
	op.OriginatorUser = user
	return nil
}

func (v *IScheduleVariant) CheckRecipient(user cuaddress.CalendarUser) cuaddress.CalendarUser {
	if !user.Hosted() {
		return cuaddress.CalendarUser{Kind: cuaddress.KindInvalid, Address: user.Address}
	}
	return user
}

func (v *IScheduleVariant) CheckOrganizer(ctx context.Context, s *Scheduler, op *Operation) error {
	// Delayed until the security checks, when the role is known.
	return nil
}

func (v *IScheduleVariant) CheckSecurity(ctx context.Context, s *Scheduler, op *Operation) error {
	return remoteSecurityChecks(ctx, s, op)
}

func (v *IScheduleVariant) CheckFinal(ctx context.Context, s *Scheduler, op *Operation) error {
	return nil
}

// IMIPVariant handles messages relayed in by the mail gateway.
type IMIPVariant struct{}

func (v *IMIPVariant) Name() string { return "imip" }

func (v *IMIPVariant) CheckOriginator(ctx context.Context, s *Scheduler, op *Operation) error {
	user, err := s.resolver.Resolve(ctx, op.Originator)
	if err != nil {
		return err
	}
	if user.Hosted() {
		return opError(CodeOriginatorDenied, "originator %s is hosted on this server", op.Originator)
	}
	op.OriginatorUser = user
	return nil
}

func (v *IMIPVariant) CheckRecipient(user cuaddress.CalendarUser) cuaddress.CalendarUser {
	if !user.Hosted() {
		return cuaddress.CalendarUser{Kind: cuaddress.KindInvalid, Address: user.Address}
	}
	return user
}

func (v *IMIPVariant) CheckOrganizer(ctx context.Context, s *Scheduler, op *Operation) error {
	return nil
}

func (v *IMIPVariant) CheckSecurity(ctx context.Context, s *Scheduler, op *Operation) error {
	// The gateway re-injects bounced invites whose organizer is a hosted
	// user, so the organizer locality rules for server-to-server traffic
	// do not apply. Trust comes from the gateway being in-process.
	return nil
}

func (v *IMIPVariant) CheckFinal(ctx context.Context, s *Scheduler, op *Operation) error {
	return nil
}

// DirectVariant serves trusted internal callers, such as the implicit
// scheduling trigger and the reply-driven refresh fan-out. The payload
// was generated by this server, so the data and identity checks are
// skipped.
type DirectVariant struct{}

func (v *DirectVariant) Name() string { return "direct" }

func (v *DirectVariant) CheckOriginator(ctx context.Context, s *Scheduler, op *Operation) error {
	if op.OriginatorUser.Kind != cuaddress.KindInvalid {
		return nil
	}
	user, err := s.resolver.Resolve(ctx, op.Originator)
	if err != nil {
		return err
	}
	op.OriginatorUser = user
	return nil
}

func (v *DirectVariant) CheckRecipient(user cuaddress.CalendarUser) cuaddress.CalendarUser {
	return user
}

func (v *DirectVariant) CheckOrganizer(ctx context.Context, s *Scheduler, op *Operation) error {
	return nil
}

func (v *DirectVariant) CheckSecurity(ctx context.Context, s *Scheduler, op *Operation) error {
	return nil
}

func (v *DirectVariant) CheckFinal(ctx context.Context, s *Scheduler, op *Operation) error {
	return nil
}

// remoteSecurityChecks rejects spoofed identities on messages arriving
// from outside: a request-class message may not claim a local
// organizer, and a reply-class message may not claim a local attendee.
func remoteSecurityChecks(ctx context.Context, s *Scheduler, op *Operation) error {
	if op.ITIPRequest {
		organizer := op.Calendar.OrganizerValue()
		if organizer == "" {
			return opError(CodeOrganizerDenied, "no organizer in calendar data")
		}
		user, err := s.resolver.Resolve(ctx, organizer)
		if err != nil {
			return err
		}
		if user.Kind == cuaddress.KindLocal {
			return opError(CodeOrganizerDenied, "organizer %s is local to this server", organizer)
		}
		op.Organizer = user
		return nil
	}
	user, err := s.resolver.Resolve(ctx, op.Attendee)
	if err != nil {
		return err
	}
	if user.Kind == cuaddress.KindLocal {
		return opError(CodeAttendeeDenied, "local attendee %s cannot send to this server", op.Attendee)
	}
	return nil
}

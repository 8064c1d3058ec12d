package imip

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	ical "github.com/emersion/go-ical"

	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/itip"
	"github.com/skedra/skedra/scheduler"
)

// Outcome classifies what the gateway did with one inbound message.
type Outcome string

const (
	// OutcomeInjected means a scheduling operation was run for the
	// message.
	OutcomeInjected Outcome = "injected"
	// OutcomeForwarded means a calendar-less reply was forwarded to the
	// organizer's email address.
	OutcomeForwarded Outcome = "forwarded"
	// OutcomeIgnored covers bounces and chatter the gateway cannot act
	// on.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeNoToken means the message carried no recognizable token.
	OutcomeNoToken Outcome = "no-token"
	// OutcomeUnknownToken means the token is not in the store.
	OutcomeUnknownToken Outcome = "unknown-token"
)

// Inbox processes raw inbound email for the mail gateway address:
// attendee replies and delivery status notifications for invitations
// this server sent.
type Inbox struct {
	tokens *TokenStore
	dir    directory.Directory
	sched  *scheduler.Scheduler
	mailer Mailer
	log    *slog.Logger
}

// NewInbox wires the gateway's receiving side. The mailer is used only
// to forward calendar-less replies on to the organizer.
func NewInbox(tokens *TokenStore, dir directory.Directory, sched *scheduler.Scheduler, mailer Mailer, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Inbox{tokens: tokens, dir: dir, sched: sched, mailer: mailer, log: logger}
}

// Inbound handles one raw message. Errors are reserved for store and
// scheduler failures; unusable mail is reported through the outcome.
func (in *Inbox) Inbound(ctx context.Context, raw []byte) (Outcome, error) {
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		in.log.Error("unparseable inbound message", "error", err)
		return OutcomeIgnored, nil
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", nil
	}

	if mediaType == "multipart/report" && params["report-type"] == "delivery-status" {
		return in.processDSN(ctx, msg, params["boundary"])
	}
	return in.processReply(ctx, msg, mediaType, params, raw)
}

// processDSN handles a bounce for an invitation this server mailed. The
// failed invite comes back inside the report; it is re-injected as a
// reply carrying a 5.1 request status so the organizer sees the
// attendee is unreachable.
func (in *Inbox) processDSN(ctx context.Context, msg *mail.Message, boundary string) (Outcome, error) {
	failed, calBody := parseReport(msg.Body, boundary)
	if !failed || calBody == "" {
		in.log.Info("ignoring delivery status notification", "message_id", msg.Header.Get("Message-ID"))
		return OutcomeIgnored, nil
	}

	cal, err := icalendar.Parse(calBody)
	if err != nil {
		in.log.Error("unparseable calendar body in bounce", "error", err)
		return OutcomeIgnored, nil
	}

	token := extractToken(strings.TrimPrefix(strings.ToLower(cal.OrganizerValue()), "mailto:"))
	if token == "" {
		in.log.Error("no token in bounced invitation", "message_id", msg.Header.Get("Message-ID"))
		return OutcomeNoToken, nil
	}
	tok, err := in.tokens.ByToken(ctx, token)
	if errors.Is(err, ErrTokenNotFound) {
		in.log.Error("unrecognized token in bounce", "token", token)
		return OutcomeUnknownToken, nil
	}
	if err != nil {
		return OutcomeIgnored, err
	}

	keepOnlyAttendee(cal, tok.Attendee)
	setOrganizer(cal, tok.Organizer)
	addRequestStatus(cal, itip.StatusUnavailable)

	in.log.Warn("injecting bounce for undeliverable invitation",
		"attendee", tok.Attendee, "uid", tok.ICalUID)
	return in.inject(ctx, tok, cal)
}

// processReply handles an attendee's emailed response. The token in the
// To address identifies the (organizer, attendee, uid) the reply is
// for.
func (in *Inbox) processReply(ctx context.Context, msg *mail.Message, mediaType string, params map[string]string, raw []byte) (Outcome, error) {
	addr, err := mail.ParseAddress(msg.Header.Get("To"))
	if err != nil {
		in.log.Error("unparseable To address", "to", msg.Header.Get("To"))
		return OutcomeNoToken, nil
	}
	token := extractToken(addr.Address)
	if token == "" {
		in.log.Error("no token in reply address", "to", addr.Address)
		return OutcomeNoToken, nil
	}

	tok, err := in.tokens.ByToken(ctx, token)
	if errors.Is(err, ErrTokenNotFound) {
		in.log.Error("unrecognized token in reply", "token", token)
		return OutcomeUnknownToken, nil
	}
	if err != nil {
		return OutcomeIgnored, err
	}

	calBody := findCalendarPart(msg.Body, mediaType, params)
	if calBody == "" {
		return in.forwardToOrganizer(ctx, tok, raw)
	}

	cal, err := icalendar.Parse(calBody)
	if err != nil {
		in.log.Error("unparseable calendar body in reply", "error", err)
		return OutcomeIgnored, nil
	}

	keepOnlyAttendee(cal, tok.Attendee)
	setOrganizer(cal, tok.Organizer)
	if len(cal.AttendeeValues()) == 0 {
		// The expected attendee was stripped from the reply; restore it
		// with a failure status so the organizer learns the reply could
		// not be applied.
		restoreAttendee(cal, tok.Attendee)
	}

	return in.inject(ctx, tok, cal)
}

// forwardToOrganizer relays a reply with no calendar attachment to the
// organizer's real mailbox.
func (in *Inbox) forwardToOrganizer(ctx context.Context, tok Token, raw []byte) (Outcome, error) {
	toAddr := ""
	if addr, ok := mailtoAddress(tok.Organizer); ok {
		toAddr = addr
	} else {
		record, err := in.dir.RecordWithCalendarUserAddress(ctx, tok.Organizer)
		if err == nil && record != nil && len(record.EmailAddresses) > 0 {
			toAddr = record.EmailAddresses[0]
		}
	}
	if toAddr == "" {
		in.log.Error("no organizer email to forward reply to", "organizer", tok.Organizer)
		return OutcomeIgnored, nil
	}

	fromAddr := strings.TrimPrefix(tok.Attendee, "mailto:")
	if in.mailer == nil {
		return OutcomeIgnored, nil
	}
	if err := in.mailer.Send(ctx, fromAddr, toAddr, string(raw)); err != nil {
		return OutcomeIgnored, err
	}
	in.log.Info("forwarded calendar-less reply to organizer", "to", toAddr)
	return OutcomeForwarded, nil
}

func (in *Inbox) inject(ctx context.Context, tok Token, cal *icalendar.Object) (Outcome, error) {
	op := &scheduler.Operation{
		Variant:        &scheduler.IMIPVariant{},
		Originator:     tok.Attendee,
		RecipientAddrs: []string{tok.Organizer},
		Calendar:       cal,
	}
	if _, err := in.sched.Run(ctx, op); err != nil {
		return OutcomeIgnored, fmt.Errorf("inject mail reply: %w", err)
	}
	return OutcomeInjected, nil
}

// extractToken pulls the token out of a user+token@domain address.
func extractToken(addr string) string {
	local, _, found := strings.Cut(addr, "@")
	if !found {
		return ""
	}
	_, token, found := strings.Cut(local, "+")
	if !found {
		return ""
	}
	return token
}

// parseReport walks a multipart/report body and returns whether the
// disposition is a failure, plus any embedded calendar body.
func parseReport(body io.Reader, boundary string) (failed bool, calBody string) {
	if boundary == "" {
		return false, ""
	}
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			return failed, calBody
		}
		mt, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			continue
		}
		switch {
		case mt == "message/delivery-status":
			data, _ := io.ReadAll(part)
			for _, line := range strings.Split(string(data), "\n") {
				name, value, found := strings.Cut(line, ":")
				if found && strings.EqualFold(strings.TrimSpace(name), "Action") &&
					strings.EqualFold(strings.TrimSpace(value), "failed") {
					failed = true
				}
			}
		case mt == "text/calendar":
			data, _ := io.ReadAll(decodePart(part))
			calBody = string(data)
		case strings.HasPrefix(mt, "multipart/"):
			if nested := findCalendarPart(part, mt, params); nested != "" {
				calBody = nested
			}
		}
	}
}

// findCalendarPart returns the first text/calendar body in the message,
// descending into nested multiparts, or "".
func findCalendarPart(body io.Reader, mediaType string, params map[string]string) string {
	if mediaType == "text/calendar" {
		data, _ := io.ReadAll(body)
		return string(data)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return ""
	}
	mr := multipart.NewReader(body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		mt, ps, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			continue
		}
		if mt == "text/calendar" {
			data, _ := io.ReadAll(decodePart(part))
			return string(data)
		}
		if strings.HasPrefix(mt, "multipart/") {
			if found := findCalendarPart(part, mt, ps); found != "" {
				return found
			}
		}
	}
}

func decodePart(part *multipart.Part) io.Reader {
	switch strings.ToLower(part.Header.Get("Content-Transfer-Encoding")) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, part)
	case "quoted-printable":
		return quotedprintable.NewReader(part)
	default:
		return part
	}
}

// keepOnlyAttendee drops every ATTENDEE except the one the token was
// issued for.
func keepOnlyAttendee(cal *icalendar.Object, attendee string) {
	for _, comp := range cal.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		var kept []ical.Prop
		for _, p := range comp.Props[icalendar.PropAttendee] {
			if icalendar.SameCUA(p.Value, attendee) {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			comp.Props[icalendar.PropAttendee] = kept
		} else {
			delete(comp.Props, icalendar.PropAttendee)
		}
	}
}

// setOrganizer forces the stored organizer value onto the calendar,
// adding the property when the reply dropped it.
func setOrganizer(cal *icalendar.Object, organizer string) {
	for _, comp := range cal.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		props := comp.Props[icalendar.PropOrganizer]
		if len(props) == 0 {
			comp.Props.Add(icalendar.TextProp(icalendar.PropOrganizer, organizer))
			continue
		}
		for i := range props {
			props[i].Value = organizer
		}
	}
}

// restoreAttendee re-adds the expected attendee with a failure
// schedule-status.
func restoreAttendee(cal *icalendar.Object, attendee string) {
	for _, comp := range cal.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		p := icalendar.TextProp(icalendar.PropAttendee, attendee)
		p.Params.Set(icalendar.ParamScheduleStatus, itip.StatusUnavailableCode)
		comp.Props.Add(p)
		return
	}
}

// addRequestStatus stamps a REQUEST-STATUS on the first scheduling
// component.
func addRequestStatus(cal *icalendar.Object, status string) {
	for _, comp := range cal.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		comp.Props.Add(icalendar.TextProp(icalendar.PropRequestStatus, status))
		return
	}
}

package imip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	ical "github.com/emersion/go-ical"

	"github.com/skedra/skedra/config"
	"github.com/skedra/skedra/cuaddress"
	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/itip"
	"github.com/skedra/skedra/metrics"
	"github.com/skedra/skedra/scheduler"
)

// Mailer hands one finished scheduling message to the mail transport.
// Implementations own SMTP details and any retry policy.
type Mailer interface {
	Send(ctx context.Context, from, to string, calendar string) error
}

// sendableMethods lists the iTIP methods that make sense over email.
// Free-busy and the counter negotiation flow have no iMIP mapping.
var sendableMethods = map[string]bool{
	icalendar.MethodPublish:        true,
	icalendar.MethodRequest:        true,
	icalendar.MethodReply:          true,
	icalendar.MethodAdd:            true,
	icalendar.MethodCancel:         true,
	icalendar.MethodDeclineCounter: true,
}

type mailItem struct {
	from string
	to   string
	body string
}

// Service is the email delivery transport. Deliver records MESSAGE_SENT
// as soon as an item is queued; actual SMTP failures never flow back
// into the response queue.
type Service struct {
	tokens *TokenStore
	dir    directory.Directory
	cfg    config.IMIP
	mailer Mailer
	log    *slog.Logger

	queue chan mailItem
	wg    sync.WaitGroup
}

// NewService builds the transport and starts its background sender.
// Call Close to drain the queue on shutdown.
func NewService(tokens *TokenStore, dir directory.Directory, cfg config.IMIP, mailer Mailer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{
		tokens: tokens,
		dir:    dir,
		cfg:    cfg,
		mailer: mailer,
		log:    logger,
		queue:  make(chan mailItem, 256),
	}
	s.wg.Add(1)
	go s.sendLoop()
	return s
}

// Close stops accepting work and waits for queued mail to be handed to
// the mailer.
func (s *Service) Close() {
	close(s.queue)
	s.wg.Wait()
}

func (s *Service) sendLoop() {
	defer s.wg.Done()
	for item := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.mailer.Send(ctx, item.from, item.to, item.body)
		cancel()
		if err != nil {
			s.log.Error("outbound mail failed", "to", item.to, "error", err)
			continue
		}
		s.log.Debug("outbound mail sent", "to", item.to, "from", item.from)
	}
}

// Deliver queues one message per recipient. Free-busy requests and
// methods outside the sendable set are refused per recipient.
func (s *Service) Deliver(ctx context.Context, op *scheduler.Operation, recipients []cuaddress.CalendarUser, queue *scheduler.ResponseQueue) {
	start := time.Now()
	defer func() {
		metrics.DeliveryDuration.WithLabelValues("imip").Observe(time.Since(start).Seconds())
	}()

	for _, recipient := range recipients {
		status := s.deliverOne(ctx, op, recipient, queue)
		metrics.Deliveries.WithLabelValues("imip", statusCode(status)).Inc()
	}
}

func (s *Service) deliverOne(ctx context.Context, op *scheduler.Operation, recipient cuaddress.CalendarUser, queue *scheduler.ResponseQueue) string {
	if op.FreeBusy != nil {
		queue.AddFailure(recipient.Address, itip.StatusNoSupport, "free-busy is not supported over email")
		return itip.StatusNoSupport
	}
	method := op.Calendar.Method()
	if !sendableMethods[method] {
		queue.AddFailure(recipient.Address, itip.StatusNoSupport, "method cannot be sent over email")
		return itip.StatusNoSupport
	}

	item, err := s.prepareMessage(ctx, op, recipient, method)
	if err != nil {
		s.log.Error("could not prepare mail message", "recipient", recipient.Address, "error", err)
		queue.AddFailure(recipient.Address, itip.StatusUnavailable, "could not deliver message via email")
		return itip.StatusUnavailable
	}

	select {
	case s.queue <- item:
	default:
		queue.AddFailure(recipient.Address, itip.StatusUnavailable, "mail queue is full")
		return itip.StatusUnavailable
	}

	queue.Add(recipient.Address, itip.StatusSent)
	return itip.StatusSent
}

func (s *Service) prepareMessage(ctx context.Context, op *scheduler.Operation, recipient cuaddress.CalendarUser, method string) (mailItem, error) {
	to, ok := mailtoAddress(recipient.Address)
	if !ok {
		return mailItem{}, fmt.Errorf("recipient %s is not a mailto address", recipient.Address)
	}

	payload := op.Calendar.Duplicate()
	s.exposeMailtoAddresses(ctx, payload)

	var from string
	if method == icalendar.MethodReply {
		from = s.emailFor(ctx, op.Attendee)
	} else {
		organizer := op.Organizer.Address
		if organizer == "" {
			organizer = op.Calendar.OrganizerValue()
		}
		token, err := s.tokens.Get(ctx, organizer, "mailto:"+to, op.Calendar.UID())
		if err != nil {
			return mailItem{}, err
		}
		if token == "" {
			token, err = s.tokens.Create(ctx, organizer, "mailto:"+to, op.Calendar.UID())
			if err != nil {
				return mailItem{}, err
			}
			s.log.Debug("issued mail gateway token",
				"organizer", organizer, "attendee", to, "uid", op.Calendar.UID())
		}
		rewriteOrganizer(payload, "mailto:"+tokenAddress(s.cfg.MailFrom, token))
		from = s.emailFor(ctx, organizer)
	}
	if from == "" {
		from = s.cfg.MailFrom
	}

	body, err := payload.Encode()
	if err != nil {
		return mailItem{}, err
	}
	return mailItem{from: from, to: to, body: body}, nil
}

// exposeMailtoAddresses replaces internal urn addresses with the
// principal's email so internal identifiers never leave the server.
func (s *Service) exposeMailtoAddresses(ctx context.Context, cal *icalendar.Object) {
	for _, comp := range cal.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		for _, name := range []string{icalendar.PropOrganizer, icalendar.PropAttendee} {
			props := comp.Props[name]
			for i := range props {
				if email := s.emailFor(ctx, props[i].Value); email != "" {
					props[i].Value = "mailto:" + email
				}
			}
		}
	}
}

// emailFor resolves a calendar user address to a bare email address,
// or "" when none is known.
func (s *Service) emailFor(ctx context.Context, cua string) string {
	if addr, ok := mailtoAddress(cua); ok {
		return addr
	}
	record, err := s.dir.RecordWithCalendarUserAddress(ctx, cua)
	if err != nil || record == nil || len(record.EmailAddresses) == 0 {
		return ""
	}
	return record.EmailAddresses[0]
}

// rewriteOrganizer points the ORGANIZER (and any matching ATTENDEE, for
// events the organizer also attends) at the tokenized reply address.
func rewriteOrganizer(cal *icalendar.Object, replyTo string) {
	original := cal.OrganizerValue()
	for _, comp := range cal.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		props := comp.Props[icalendar.PropOrganizer]
		for i := range props {
			props[i].Value = replyTo
		}
		if original == "" {
			continue
		}
		if p := icalendar.AttendeeProperty(comp, original); p != nil {
			p.Value = replyTo
		}
	}
}

// tokenAddress splices the token into the gateway address local part,
// user+token@domain.
func tokenAddress(mailFrom, token string) string {
	local, domain, found := strings.Cut(mailFrom, "@")
	if !found {
		return mailFrom
	}
	return local + "+" + token + "@" + domain
}

func mailtoAddress(cua string) (string, bool) {
	if strings.HasPrefix(strings.ToLower(cua), "mailto:") {
		return strings.ToLower(cua[len("mailto:"):]), true
	}
	return "", false
}

func statusCode(status string) string {
	if i := strings.IndexByte(status, ';'); i >= 0 {
		return status[:i]
	}
	return status
}

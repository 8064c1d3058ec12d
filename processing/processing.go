// Package processing is the inbox-side engine: it applies one inbound
// iTIP message to the recipient's stored data, decides auto-scheduling,
// queues auto-replies and attendee refreshes, and controls inbox
// visibility.
package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/skedra/skedra/config"
	"github.com/skedra/skedra/cuaddress"
	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/freebusy"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/itip"
	"github.com/skedra/skedra/metrics"
	"github.com/skedra/skedra/store"
)

// Sender sends the messages the processor decides to originate: attendee
// auto-replies back to the organizer, and refresh REQUESTs to the other
// attendees after a reply changed aggregate state.
type Sender interface {
	SendReply(ctx context.Context, originator string, organizer string, msg *icalendar.Object) error
	// SendRequests delivers an organizer-originated message to the given
	// recipients. refresh marks it as a background refresh propagation so
	// downstream delivery skips cross-domain fan-out.
	SendRequests(ctx context.Context, originator string, recipients []string, msg *icalendar.Object, refresh bool) error
}

// Outcome distinguishes "applied" from "intentionally ignored". Ignored
// is a designed result, never an error.
type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeIgnored
)

// Result reports what one inbound message did.
type Result struct {
	Outcome Outcome
	// Reason explains an ignored outcome.
	Reason string
	// InboxItem is set when a copy was written to the recipient's inbox.
	InboxItem bool
	// AutoReplied is set when an auto-schedule reply was queued.
	AutoReplied bool
	// Deleted is set when the recipient's stored object was removed.
	Deleted bool
	// ChangedRIDs summarizes which instances changed, for REQUEST and
	// REPLY processing.
	ChangedRIDs []icalendar.RID

	// needsInbox and allPast carry the auto-schedule verdict between the
	// evaluation and the inbox decision.
	needsInbox bool
	allPast    bool
}

func ignored(reason string) Result {
	return Result{Outcome: OutcomeIgnored, Reason: reason}
}

// Processor applies inbound scheduling messages for hosted recipients.
type Processor struct {
	store  store.Store
	dir    directory.Directory
	itip   *itip.Processor
	gen    *itip.Generator
	auto   *freebusy.Evaluator
	sender Sender
	cfg    config.Scheduling
	log    *slog.Logger
}

// NewProcessor wires the implicit processor. sender may be nil in
// read-only contexts; queuing is then skipped.
func NewProcessor(st store.Store, dir directory.Directory, sender Sender, cfg config.Scheduling, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := itip.Options{
		PerAttendeeProperties:     cfg.PerAttendeeProperties,
		OrganizerPublicProperties: cfg.OrganizerPublicProperties,
		EnablePrivateComments:     cfg.EnablePrivateComments,
	}
	return &Processor{
		store:  st,
		dir:    dir,
		itip:   itip.NewProcessor(opts, logger),
		gen:    itip.NewGenerator(opts),
		auto:   &freebusy.Evaluator{Horizon: cfg.AutoScheduleFutureHorizon, Log: logger},
		sender: sender,
		cfg:    cfg,
		log:    logger,
	}
}

// Message is one inbound delivery for a hosted recipient.
type Message struct {
	Originator cuaddress.CalendarUser
	Recipient  cuaddress.CalendarUser
	Calendar   *icalendar.Object
	// Refresh marks a background refresh propagation; auto-schedule and
	// further refresh fan-out are suppressed for it.
	Refresh bool
}

// Process routes one message by role. REPLY and REFRESH address the
// organizer; REQUEST, ADD and CANCEL address an attendee.
func (p *Processor) Process(ctx context.Context, msg Message) (Result, error) {
	if msg.Recipient.Kind != cuaddress.KindLocal || msg.Recipient.Record == nil {
		return Result{}, fmt.Errorf("implicit processing requires a local recipient, got %s", msg.Recipient.Kind)
	}

	method := msg.Calendar.Method()
	result, err := p.dispatch(ctx, msg, method)

	disposition := "processed"
	switch {
	case err != nil:
		disposition = "error"
	case result.Outcome == OutcomeIgnored:
		disposition = "ignored"
	}
	metrics.ImplicitMessages.WithLabelValues(method, disposition).Inc()
	return result, err
}

func (p *Processor) dispatch(ctx context.Context, msg Message, method string) (Result, error) {
	switch method {
	case icalendar.MethodReply:
		return p.organizerReply(ctx, msg)
	case icalendar.MethodRefresh:
		// Implicit scheduling never acts on REFRESH; only legacy iMIP
		// paths used it.
		return ignored("refresh is a no-op for implicit scheduling"), nil
	case icalendar.MethodRequest, icalendar.MethodAdd:
		return p.attendeeRequest(ctx, msg)
	case icalendar.MethodCancel:
		return p.attendeeCancel(ctx, msg)
	default:
		return Result{}, fmt.Errorf("implicit processing cannot handle METHOD:%s", method)
	}
}

// organizerReply applies an attendee's REPLY to the organizer's stored
// copy and fans a refresh out to the other attendees when aggregate
// state changed.
func (p *Processor) organizerReply(ctx context.Context, msg Message) (Result, error) {
	home, obj, err := p.storedObject(ctx, msg.Recipient, msg.Calendar.UID())
	if err != nil {
		return Result{}, err
	}
	if obj == nil {
		// Organizer already deleted their copy.
		return ignored("organizer copy no longer exists"), nil
	}
	stored, err := obj.Calendar(ctx)
	if err != nil {
		return Result{}, err
	}

	outcome := p.itip.ProcessReply(msg.Calendar, stored)
	if !outcome.Processed {
		return Result{}, fmt.Errorf("reply for %s carries an ambiguous attendee set", msg.Calendar.UID())
	}

	if len(outcome.Changes) == 0 {
		return ignored("reply changed nothing"), nil
	}
	if err := obj.SetCalendar(ctx, outcome.Calendar, store.StateOrganizerITIP); err != nil {
		return Result{}, err
	}

	result := Result{Outcome: OutcomeProcessed}
	for _, c := range outcome.Changes {
		result.ChangedRIDs = append(result.ChangedRIDs, c.RID)
	}

	if err := p.writeInbox(ctx, home, msg.Calendar); err != nil {
		return Result{}, err
	}
	result.InboxItem = true

	if partStatChanged(outcome.Changes) && !msg.Refresh {
		p.queueAttendeeRefresh(ctx, msg.Recipient, outcome.Calendar, outcome.Attendee)
	}
	return result, nil
}

func partStatChanged(changes []itip.ReplyChange) bool {
	for _, c := range changes {
		if c.PartStatChanged {
			return true
		}
	}
	return false
}

// queueAttendeeRefresh re-sends the organizer's updated view to every
// other server-scheduled attendee, batched when configured. Failures are
// logged, never surfaced: a refresh is best-effort.
func (p *Processor) queueAttendeeRefresh(ctx context.Context, organizer cuaddress.CalendarUser, calendar *icalendar.Object, replier string) {
	if p.sender == nil {
		return
	}
	master := calendar.Master()
	if master == nil {
		return
	}

	seen := make(map[string]bool)
	var others []string
	for _, comp := range calendar.Instances() {
		for _, att := range comp.Props[icalendar.PropAttendee] {
			cua := icalendar.NormalizeCUA(att.Value)
			if seen[cua] {
				continue
			}
			seen[cua] = true
			if icalendar.SameCUA(cua, replier) || icalendar.SameCUA(cua, organizer.Address) {
				continue
			}
			if icalendar.ScheduleAgent(&att) != icalendar.ScheduleAgentServer {
				continue
			}
			others = append(others, cua)
		}
	}
	if len(others) == 0 {
		return
	}
	if p.cfg.AttendeeRefreshLimit > 0 && len(seen) > p.cfg.AttendeeRefreshLimit {
		p.log.Info("attendee refresh skipped, too many attendees",
			"uid", calendar.UID(), "attendees", len(seen), "limit", p.cfg.AttendeeRefreshLimit)
		return
	}

	batches := [][]string{others}
	if b := p.cfg.AttendeeRefreshBatch; b > 0 && len(others) > b {
		batches = [][]string{others[:b], others[b:]}
	}

	for i, batch := range batches {
		msg := p.gen.AttendeeRequest(calendar, batch, true)
		if msg == nil {
			continue
		}
		send := func(recipients []string, msg *icalendar.Object) {
			if err := p.sender.SendRequests(ctx, organizer.Address, recipients, msg, true); err != nil {
				p.log.Error("attendee refresh failed", "uid", calendar.UID(), "err", err)
			}
		}
		if i == 0 {
			send(batch, msg)
		} else {
			go send(batch, msg)
		}
	}
}

// attendeeRequest applies an organizer's REQUEST or ADD to the
// attendee's copy.
func (p *Processor) attendeeRequest(ctx context.Context, msg Message) (Result, error) {
	if reason, skip := p.splitMarkers(ctx, msg); skip {
		return ignored(reason), nil
	}

	home, obj, err := p.storedObject(ctx, msg.Recipient, msg.Calendar.UID())
	if err != nil {
		return Result{}, err
	}

	if obj == nil {
		return p.attendeeNewRequest(ctx, msg, home)
	}

	result, err := p.attendeeExistingRequest(ctx, msg, home, obj)
	var de *DataError
	if errors.As(err, &de) {
		// Restore the attendee copy from the organizer's authoritative
		// data and retry once.
		p.log.Error("attendee data error, attempting repair", "uid", msg.Calendar.UID(), "err", err)
		if rerr := p.repairAttendeeCopy(ctx, msg, obj); rerr != nil {
			return Result{}, fmt.Errorf("repair of %s failed: %w (original: %v)", msg.Calendar.UID(), rerr, err)
		}
		return p.attendeeExistingRequest(ctx, msg, home, obj)
	}
	return result, err
}

func (p *Processor) attendeeNewRequest(ctx context.Context, msg Message, home store.Home) (Result, error) {
	recipient := msg.Recipient.Address

	// A brand-new invite where every property for this attendee is
	// already declined never materializes.
	if allDeclined(msg.Calendar, recipient) {
		return ignored("invite already fully declined"), nil
	}

	calendar := p.itip.ProcessNewRequest(msg.Calendar, recipient, true)
	result, calendar, err := p.autoSchedule(ctx, msg, home, calendar, Result{Outcome: OutcomeProcessed})
	if err != nil {
		return Result{}, err
	}

	coll, err := home.Calendar(ctx, store.DefaultCalendarName)
	if err != nil {
		return Result{}, err
	}
	if _, err := coll.CreateObject(ctx, uuid.NewString()+".ics", calendar, store.StateAttendeeITIP); err != nil {
		return Result{}, err
	}
	return p.finishInbox(ctx, msg, home, result)
}

func (p *Processor) attendeeExistingRequest(ctx context.Context, msg Message, home store.Home, obj store.Object) (Result, error) {
	stored, err := obj.Calendar(ctx)
	if err != nil {
		return Result{}, dataErr(err)
	}
	if err := p.checkOrganizer(msg, stored); err != nil {
		return Result{}, err
	}

	outcome := p.itip.ProcessRequest(msg.Calendar, stored, msg.Recipient.Address)
	if !outcome.Processed {
		return ignored("message is out of sequence"), nil
	}

	result := Result{Outcome: OutcomeProcessed, ChangedRIDs: outcome.Changes.ChangedRIDs()}
	calendar := outcome.Calendar

	if !msg.Refresh {
		result, calendar, err = p.autoSchedule(ctx, msg, home, calendar, result)
		if err != nil {
			return Result{}, err
		}
	}

	if err := obj.SetCalendar(ctx, calendar, store.StateAttendeeITIP); err != nil {
		return Result{}, err
	}
	if msg.Refresh {
		// Refresh propagation is invisible to the user.
		return result, nil
	}
	return p.finishInbox(ctx, msg, home, result)
}

// autoSchedule runs the free/busy evaluator when the recipient's mode
// asks for it, rewrites PARTSTATs, and queues the auto-reply.
func (p *Processor) autoSchedule(ctx context.Context, msg Message, home store.Home, calendar *icalendar.Object, result Result) (Result, *icalendar.Object, error) {
	mode := msg.Recipient.Record.AutoScheduleModeFor(msg.Originator.Address)
	decision, err := p.auto.Evaluate(ctx, home, msg.Recipient.Address, mode, calendar)
	if err != nil {
		return Result{}, nil, err
	}

	switch {
	case decision.AllPast:
		result.InboxItem = false
	case decision.Applied:
		calendar = decision.Calendar
		result.AutoReplied = p.queueAutoReply(ctx, msg, calendar)
	}
	result.needsInbox = decision.NeedsInbox && !decision.AllPast
	result.allPast = decision.AllPast
	return result, calendar, nil
}

func (p *Processor) queueAutoReply(ctx context.Context, msg Message, calendar *icalendar.Object) bool {
	if p.sender == nil {
		return false
	}
	reply := p.gen.AttendeeReply(calendar, msg.Recipient.Address, nil, false)
	if reply == nil {
		return false
	}
	org := icalendar.OrganizerValue(calendar.Master())
	if org == "" {
		return false
	}
	if err := p.sender.SendReply(ctx, msg.Recipient.Address, org, reply); err != nil {
		p.log.Error("auto-reply failed", "uid", calendar.UID(), "err", err)
		return false
	}
	return true
}

// finishInbox applies the inbox visibility rules: individuals always see
// a processed message, rooms and resources only when something stayed
// undecided, and an all-past event surfaces nothing.
func (p *Processor) finishInbox(ctx context.Context, msg Message, home store.Home, result Result) (Result, error) {
	if result.allPast {
		return result, nil
	}
	if result.needsInbox || msg.Recipient.Record.Individual() {
		if err := p.writeInbox(ctx, home, msg.Calendar); err != nil {
			return Result{}, err
		}
		result.InboxItem = true
	}
	return result, nil
}

func (p *Processor) attendeeCancel(ctx context.Context, msg Message) (Result, error) {
	home, obj, err := p.storedObject(ctx, msg.Recipient, msg.Calendar.UID())
	if err != nil {
		return Result{}, err
	}
	if obj == nil {
		return ignored("cancel for an unknown object"), nil
	}
	stored, err := obj.Calendar(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := p.checkOrganizer(msg, stored); err != nil {
		return Result{}, err
	}

	auto := msg.Recipient.Record.CanAutoSchedule(msg.Originator.Address)
	outcome := p.itip.ProcessCancel(msg.Calendar, stored, auto)
	if !outcome.Processed {
		return ignored("cancel is out of sequence"), nil
	}

	result := Result{Outcome: OutcomeProcessed, ChangedRIDs: outcome.CancelledRIDs}
	if outcome.Delete {
		if err := obj.Remove(ctx, store.StateAttendeeITIP); err != nil {
			return Result{}, err
		}
		result.Deleted = true
	} else if outcome.Calendar != nil {
		if err := obj.SetCalendar(ctx, outcome.Calendar, store.StateAttendeeITIP); err != nil {
			return Result{}, err
		}
	}

	// Humans are always told about cancellations, even auto-processed
	// ones.
	if msg.Recipient.Record.Individual() || !auto {
		if err := p.writeInbox(ctx, home, msg.Calendar); err != nil {
			return Result{}, err
		}
		result.InboxItem = true
	}
	return result, nil
}

// checkOrganizer enforces that only the original organizer may update an
// attendee copy. A stored copy without an organizer accepts one from a
// hosted originator.
func (p *Processor) checkOrganizer(msg Message, stored *icalendar.Object) error {
	incoming := icalendar.OrganizerValue(msg.Calendar.Master())
	if incoming == "" {
		for _, comp := range msg.Calendar.Instances() {
			if incoming = icalendar.OrganizerValue(comp); incoming != "" {
				break
			}
		}
	}
	existing := ""
	for _, comp := range stored.Instances() {
		if existing = icalendar.OrganizerValue(comp); existing != "" {
			break
		}
	}
	if existing == "" {
		if msg.Originator.Hosted() {
			return nil
		}
		return fmt.Errorf("organizer change on %s rejected: stored copy has no organizer and originator is not hosted", stored.UID())
	}
	if !icalendar.SameCUA(existing, incoming) {
		return fmt.Errorf("organizer change on %s rejected: %q is not the stored organizer", stored.UID(), incoming)
	}
	return nil
}

// splitMarkers handles series-split markers. An already-split marker
// means skip the message; when splitting is disabled the markers are
// stripped and processing continues on the un-split data.
func (p *Processor) splitMarkers(ctx context.Context, msg Message) (string, bool) {
	hasOlder := false
	hasNewer := false
	for _, comp := range msg.Calendar.Instances() {
		if comp.Props.Get(icalendar.PropSplitNewerUID) != nil {
			hasNewer = true
		}
		if comp.Props.Get(icalendar.PropSplitOlderUID) != nil {
			hasOlder = true
		}
	}
	if hasNewer {
		return "series already split", true
	}
	if !hasOlder {
		return "", false
	}

	if !p.cfg.AllowResourceSplitting {
		msg.Calendar.RemoveProperties(true,
			icalendar.PropSplitOlderUID, icalendar.PropSplitRID)
		return "", false
	}
	if err := p.splitAttendeeCopy(ctx, msg); err != nil {
		p.log.Error("attendee split failed, continuing unsplit", "uid", msg.Calendar.UID(), "err", err)
	}
	return "", false
}

// splitAttendeeCopy mirrors the organizer's series split on the
// attendee's stored resource.
func (p *Processor) splitAttendeeCopy(ctx context.Context, msg Message) error {
	master := msg.Calendar.Master()
	if master == nil {
		for _, comp := range msg.Calendar.Instances() {
			master = comp
			break
		}
	}
	olderUID := master.Props.Get(icalendar.PropSplitOlderUID)
	splitRID := master.Props.Get(icalendar.PropSplitRID)
	if olderUID == nil || splitRID == nil {
		return fmt.Errorf("split markers incomplete on %s", msg.Calendar.UID())
	}

	home, obj, err := p.storedObject(ctx, msg.Recipient, msg.Calendar.UID())
	if err != nil || obj == nil {
		return err
	}
	stored, err := obj.Calendar(ctx)
	if err != nil {
		return err
	}
	if olderObj, _ := home.ObjectWithUID(ctx, olderUID.Value); olderObj != nil {
		// Already split.
		return nil
	}

	older, newer, err := splitCalendar(stored, icalendar.RID(splitRID.Value), olderUID.Value)
	if err != nil {
		return err
	}
	coll, err := home.Calendar(ctx, store.DefaultCalendarName)
	if err != nil {
		return err
	}
	if _, err := coll.CreateObject(ctx, uuid.NewString()+".ics", older, store.StateAttendeeITIP); err != nil {
		return err
	}
	return obj.SetCalendar(ctx, newer, store.StateAttendeeITIP)
}

// repairAttendeeCopy overwrites the attendee's broken copy with their
// filtered view of the organizer's authoritative data.
func (p *Processor) repairAttendeeCopy(ctx context.Context, msg Message, obj store.Object) error {
	org, err := p.dir.RecordWithCalendarUserAddress(ctx, msg.Originator.Address)
	if err != nil {
		return err
	}
	if org == nil || !org.ThisServer() {
		return fmt.Errorf("organizer copy unavailable for repair")
	}
	home, err := p.store.HomeForUser(ctx, org.UID, false)
	if err != nil {
		return err
	}
	orgObj, err := home.ObjectWithUID(ctx, msg.Calendar.UID())
	if err != nil {
		return err
	}
	orgCalendar, err := orgObj.Calendar(ctx)
	if err != nil {
		return err
	}

	view := itip.AttendeeView(orgCalendar, []string{msg.Recipient.Address}, false)
	if view == nil {
		return fmt.Errorf("organizer copy has no data for %s", msg.Recipient.Address)
	}
	return obj.SetCalendar(ctx, view, store.StateAttendeeITIP)
}

// storedObject loads a recipient's stored scheduling object, nil when
// absent.
func (p *Processor) storedObject(ctx context.Context, recipient cuaddress.CalendarUser, uid string) (store.Home, store.Object, error) {
	home, err := p.store.HomeForUser(ctx, recipient.Record.UID, true)
	if err != nil {
		return nil, nil, err
	}
	obj, err := home.ObjectWithUID(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		return home, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return home, obj, nil
}

func (p *Processor) writeInbox(ctx context.Context, home store.Home, msg *icalendar.Object) error {
	inbox, err := home.Calendar(ctx, store.InboxName)
	if err != nil {
		return err
	}
	_, err = inbox.CreateObject(ctx, uuid.NewString()+".ics", msg, store.StateAttendeeITIP)
	return err
}

// allDeclined reports whether every attendee property for the recipient
// across the whole message is already DECLINED.
func allDeclined(calendar *icalendar.Object, recipient string) bool {
	found := false
	for _, comp := range calendar.Instances() {
		att := icalendar.AttendeeProperty(comp, recipient)
		if att == nil {
			continue
		}
		found = true
		if icalendar.PartStat(att) != icalendar.PartStatDeclined {
			return false
		}
	}
	return found
}

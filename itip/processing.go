package itip

import (
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/skedra/skedra/icaldiff"
	"github.com/skedra/skedra/icalendar"
)

// Options configures scheduling message processing.
type Options struct {
	// PerAttendeeProperties lists X- properties owned by the attendee
	// copy, carried across organizer updates.
	PerAttendeeProperties []string
	// OrganizerPublicProperties lists X- properties an organizer may
	// publish to attendees.
	OrganizerPublicProperties []string
	// EnablePrivateComments turns on the private-comment merge between
	// attendee replies and the organizer copy.
	EnablePrivateComments bool
	// Now is the clock, defaulting to time.Now. Tests override it.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) diffOptions() icaldiff.Options {
	return icaldiff.Options{
		OrganizerPublicProperties: o.OrganizerPublicProperties,
		PerAttendeeProperties:     o.PerAttendeeProperties,
	}
}

// Processor applies incoming iTIP messages to stored calendar objects.
// All methods are pure transformations: inputs are never mutated and no
// I/O happens here.
type Processor struct {
	opts Options
	log  *slog.Logger
}

// NewProcessor builds a Processor. A nil logger disables logging.
func NewProcessor(opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{opts: opts, log: logger}
}

// ProcessNewRequest turns a METHOD:REQUEST message into a storable
// calendar object for a recipient with no existing copy. When creating a
// brand-new resource, instances the recipient already declined never
// materialize as visible: they are hidden when a master exists, removed
// otherwise.
func (p *Processor) ProcessNewRequest(msg *icalendar.Object, recipient string, creating bool) *icalendar.Object {
	calendar := msg.Duplicate()
	calendar.StripMethod()

	if recipient == "" {
		return calendar
	}
	addTranspForNeedsAction(calendar.Instances(), recipient)

	if creating {
		master := calendar.Master()
		for rid, comp := range calendar.Instances() {
			if rid.IsMaster() {
				continue
			}
			attendee := icalendar.AttendeeProperty(comp, recipient)
			if attendee == nil || icalendar.PartStat(attendee) != icalendar.PartStatDeclined {
				continue
			}
			if master != nil {
				icalendar.ReplaceProp(comp, icalendar.TextProp(icalendar.PropHiddenInstance, "T"))
			} else {
				calendar.RemoveComponent(comp)
			}
		}
	}
	return calendar
}

// RequestOutcome is the result of applying a REQUEST to an existing copy.
type RequestOutcome struct {
	// Processed is false when the message was stale and ignored.
	Processed bool
	// Calendar is the rewritten object to store.
	Calendar *icalendar.Object
	// Changes maps each changed instance to its changed property names,
	// feeding the user-visible schedule-changes summary.
	Changes icaldiff.ChangeMap
}

// ProcessRequest merges a METHOD:REQUEST into the recipient's stored
// copy, preserving the attendee-owned fields (alarms, transparency,
// completion, comments, per-attendee X- properties) that the organizer's
// data does not carry.
func (p *Processor) ProcessRequest(msg, calendar *icalendar.Object, recipient string) RequestOutcome {
	if !p.SequenceComparison(msg, calendar) {
		return RequestOutcome{}
	}

	// A change of SCHEDULE-AGENT hands control to or from the server;
	// existing per-attendee state is no longer meaningful.
	if scheduleAgentChanged(msg, calendar) {
		return RequestOutcome{
			Processed: true,
			Calendar:  p.ProcessNewRequest(msg, recipient, false),
			Changes:   icaldiff.New(calendar, msg, p.opts.diffOptions()).WhatIsDifferent(),
		}
	}

	changes := icaldiff.New(calendar, msg, p.opts.diffOptions()).WhatIsDifferent()
	state := p.captureAttendeeState(calendar, recipient)

	if msg.Master() != nil {
		newCalendar := p.ProcessNewRequest(msg, recipient, false)

		if newMaster := newCalendar.Master(); newMaster != nil {
			state.applyToMaster(newMaster, recipient)
		}
		for rid, comp := range newCalendar.Instances() {
			if !rid.IsMaster() {
				p.transferItems(calendar, state, comp, recipient, false)
			}
		}
		// Overrides the organizer's data no longer carries: derive them so
		// existing attendee state (including cancellations) survives.
		for rid, oldComp := range calendar.Instances() {
			if rid.IsMaster() || newCalendar.Overridden(rid) != nil {
				continue
			}
			allowCancelled := componentStatus(oldComp) == icalendar.StatusCancelled
			derived := newCalendar.DeriveInstance(rid, allowCancelled)
			if derived == nil {
				continue
			}
			newCalendar.AddComponent(derived)
			p.transferItems(calendar, state, derived, recipient, false)
		}
		return RequestOutcome{Processed: true, Calendar: newCalendar, Changes: changes}
	}

	// Message carries only overrides: update the stored copy in place.
	result := calendar.Duplicate()
	tzids := result.Timezones()
	for _, comp := range msg.Cal.Children {
		if comp.Name == ical.CompTimezone {
			if p := comp.Props.Get(icalendar.PropTZID); p != nil {
				if _, ok := tzids[p.Value]; !ok {
					result.AddComponent(icalendar.DuplicateComponent(comp))
				}
			}
			continue
		}
		incoming := icalendar.DuplicateComponent(comp)
		missingDeclined := p.transferItems(result, state, incoming, recipient, true)
		if !missingDeclined {
			result.AddComponent(incoming)
			addTranspForNeedsAction(map[icalendar.RID]*ical.Component{icalendar.ComponentRID(incoming): incoming}, recipient)
		}
	}
	return RequestOutcome{Processed: true, Calendar: result, Changes: changes}
}

// CancelOutcome is the result of applying a CANCEL.
type CancelOutcome struct {
	// Processed is false when the message was stale and ignored.
	Processed bool
	// Delete means the whole stored object should be removed.
	Delete bool
	// Calendar is the rewritten object to store when not deleting.
	Calendar *icalendar.Object
	// CancelledRIDs lists the individually cancelled instances; nil when
	// the whole UID was cancelled.
	CancelledRIDs []icalendar.RID
}

// ProcessCancel applies a METHOD:CANCEL. Auto-processed copies get
// instances excised (EXDATE) or the object deleted; manually processed
// copies keep cancelled data visible with STATUS:CANCELLED so the user
// sees what happened.
func (p *Processor) ProcessCancel(msg, calendar *icalendar.Object, autoprocessing bool) CancelOutcome {
	if !p.SequenceComparison(msg, calendar) {
		return CancelOutcome{}
	}

	// Master present in the CANCEL means the entire event is cancelled.
	if msgMaster := msg.Master(); msgMaster != nil {
		if autoprocessing {
			return CancelOutcome{Processed: true, Delete: true}
		}
		result := calendar.Duplicate()
		result.ReplacePropInAll(icalendar.TextProp(icalendar.PropStatus, icalendar.StatusCancelled))
		result.ReplacePropInAll(icalendar.TextProp(icalendar.PropSequence, seqValue(msgMaster)))
		return CancelOutcome{Processed: true, Calendar: result}
	}

	result := calendar.Duplicate()
	master := result.Master()
	var exdates []icalendar.RID
	var rids []icalendar.RID

	for rid, msgComp := range msg.Instances() {
		rids = append(rids, rid)
		overridden := result.Overridden(rid)
		switch {
		case overridden != nil && !rid.IsMaster():
			hidden := overridden.Props.Get(icalendar.PropHiddenInstance) != nil
			if autoprocessing || hidden {
				exdates = append(exdates, rid)
				result.RemoveComponent(overridden)
			} else {
				icalendar.ReplaceProp(overridden, icalendar.TextProp(icalendar.PropStatus, icalendar.StatusCancelled))
				icalendar.ReplaceProp(overridden, icalendar.TextProp(icalendar.PropSequence, seqValue(msgComp)))
			}
		case master != nil:
			if autoprocessing {
				exdates = append(exdates, rid)
			} else if derived := result.DeriveInstance(rid, false); derived != nil {
				icalendar.ReplaceProp(derived, icalendar.TextProp(icalendar.PropStatus, icalendar.StatusCancelled))
				icalendar.ReplaceProp(derived, icalendar.TextProp(icalendar.PropSequence, seqValue(msgComp)))
				result.AddComponent(derived)
			}
		}
	}

	if master != nil {
		for _, rid := range exdates {
			_ = result.AddExDate(rid)
		}
	}

	// Deleting the last visible instance leaves an empty shell.
	if result.MainType() == "" {
		return CancelOutcome{Processed: true, Delete: true}
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })
	return CancelOutcome{Processed: true, Calendar: result, CancelledRIDs: rids}
}

// ReplyChange describes what one instance of a REPLY changed.
type ReplyChange struct {
	RID             icalendar.RID
	PartStatChanged bool
	CommentChanged  bool
}

// ReplyOutcome is the result of applying a REPLY to the organizer copy.
type ReplyOutcome struct {
	// Processed is false when the reply was ambiguous (zero or multiple
	// distinct attendees) and must be ignored.
	Processed bool
	// Attendee is the replying calendar user address.
	Attendee string
	// Calendar is the updated organizer object to store.
	Calendar *icalendar.Object
	// Changes lists per-instance PARTSTAT/comment changes.
	Changes []ReplyChange
}

// ProcessReply merges a METHOD:REPLY into the organizer's copy, copying
// the attendee's PARTSTAT and REQUEST-STATUS onto the matching ATTENDEE
// properties and syncing private comments both ways. Overrides are
// processed in RECURRENCE-ID order so later instances never get
// clobbered by earlier ones.
func (p *Processor) ProcessReply(msg, calendar *icalendar.Object) ReplyOutcome {
	result := calendar.Duplicate()
	attendees := make(map[string]bool)
	var changes []ReplyChange

	if msgMaster, calMaster := msg.Master(), result.Master(); msgMaster != nil && calMaster != nil {
		attendee, partstat, comment := p.updateAttendeeData(msgMaster, calMaster)
		if attendee != "" {
			attendees[attendee] = true
			if partstat || comment {
				changes = append(changes, ReplyChange{RID: icalendar.MasterRID, PartStatChanged: partstat, CommentChanged: comment})
			}
		}
	}

	var rids []icalendar.RID
	overrides := msg.Instances()
	for rid := range overrides {
		if !rid.IsMaster() {
			rids = append(rids, rid)
		}
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })

	for _, rid := range rids {
		match := result.Overridden(rid)
		if match == nil {
			// The attendee replied to an instance the organizer has not
			// overridden yet.
			match = result.DeriveInstance(rid, false)
			if match == nil {
				p.log.Error("ignoring unknown instance in reply", "rid", rid, "uid", msg.UID())
				continue
			}
			result.AddComponent(match)
		}
		attendee, partstat, comment := p.updateAttendeeData(overrides[rid], match)
		if attendee != "" {
			attendees[attendee] = true
			if partstat || comment {
				changes = append(changes, ReplyChange{RID: rid, PartStatChanged: partstat, CommentChanged: comment})
			}
		}
	}

	if len(attendees) != 1 {
		if len(attendees) > 1 {
			p.log.Error("reply carries multiple distinct attendees", "uid", msg.UID())
		}
		return ReplyOutcome{}
	}
	var attendee string
	for a := range attendees {
		attendee = a
	}
	return ReplyOutcome{Processed: true, Attendee: attendee, Calendar: result, Changes: changes}
}

// updateAttendeeData copies PARTSTAT and REQUEST-STATUS of the single
// attendee in the from component onto the matching attendee of the to
// component, and merges private comments. Returns the attendee value and
// what changed; "" when the from component is not a valid reply part.
func (p *Processor) updateAttendeeData(from, to *ical.Component) (string, bool, bool) {
	partstatChanged := false
	commentChanged := false

	reqstatus := requestStatusCodes(from)

	fromAttendees := from.Props[icalendar.PropAttendee]
	if len(fromAttendees) != 1 {
		p.log.Error("reply component must carry exactly one attendee", "count", len(fromAttendees))
		return "", false, false
	}
	attendee := &fromAttendees[0]
	partstat := icalendar.PartStat(attendee)

	existing := icalendar.AttendeeProperty(to, attendee.Value)
	if existing != nil {
		oldPartstat := icalendar.PartStat(existing)
		existing.Params.Set(icalendar.ParamPartStat, partstat)
		existing.Params.Set(icalendar.ParamScheduleStatus, reqstatus)
		partstatChanged = oldPartstat != partstat
		if partstatChanged {
			existing.Params.Del(icalendar.ParamRSVP)
		}

		if p.opts.EnablePrivateComments {
			commentChanged = p.mergePrivateComment(from, to, attendee.Value)
		}

		if to.Name == "VPOLL" {
			p.transferVoterResponses(from, to, attendee.Value)
		}
	}
	return icalendar.NormalizeCUA(attendee.Value), partstatChanged, commentChanged
}

// mergePrivateComment syncs the attendee's X-CALENDARSERVER-PRIVATE-COMMENT
// from a reply into the organizer's per-attendee
// X-CALENDARSERVER-ATTENDEE-COMMENT, stamped with the attendee reference.
func (p *Processor) mergePrivateComment(from, to *ical.Component, attendee string) bool {
	var incoming *ical.Prop
	if props := from.Props[icalendar.PropPrivateComment]; len(props) > 0 {
		incoming = &props[0]
	}

	var existing *ical.Prop
	existingProps := to.Props[icalendar.PropAttendeeComment]
	for i := range existingProps {
		if icalendar.SameCUA(existingProps[i].Params.Get(icalendar.ParamAttendeeRef), attendee) {
			existing = &existingProps[i]
			break
		}
	}

	stamp := p.opts.now().UTC().Format("20060102T150405Z")
	switch {
	case incoming == nil && existing == nil:
		return false
	case incoming == nil:
		existing.Params = make(ical.Params)
		existing.Params.Set(icalendar.ParamAttendeeRef, attendee)
		existing.Params.Set(icalendar.ParamAttendeeStamp, stamp)
		existing.Value = ""
		return true
	case existing == nil:
		comment := ical.NewProp(icalendar.PropAttendeeComment)
		comment.Value = incoming.Value
		comment.Params.Set(icalendar.ParamAttendeeRef, attendee)
		comment.Params.Set(icalendar.ParamAttendeeStamp, stamp)
		to.Props.Add(comment)
		return true
	default:
		if existing.Value == incoming.Value {
			return false
		}
		existing.Params = make(ical.Params)
		existing.Params.Set(icalendar.ParamAttendeeRef, attendee)
		existing.Params.Set(icalendar.ParamAttendeeStamp, stamp)
		existing.Value = incoming.Value
		return true
	}
}

// transferVoterResponses copies the reply's POLL-ITEM-ID responses onto
// the organizer's VOTER properties.
func (p *Processor) transferVoterResponses(from, to *ical.Component, attendee string) {
	responses := make(map[string]*ical.Prop)
	for _, item := range from.Children {
		if id := item.Props.Get(icalendar.PropPollItemID); id != nil {
			if voter := icalendar.VoterProperty(item, attendee); voter != nil {
				responses[id.Value] = voter
			}
		}
	}
	for _, item := range to.Children {
		id := item.Props.Get(icalendar.PropPollItemID)
		if id == nil {
			continue
		}
		reply, ok := responses[id.Value]
		if !ok {
			continue
		}
		voter := icalendar.VoterProperty(item, attendee)
		if voter == nil {
			dup := icalendar.DuplicateProp(reply)
			item.Props.Add(&dup)
		} else {
			icalendar.TransferParam(reply, voter, icalendar.ParamResponse)
		}
	}
}

// SequenceComparison decides whether an incoming iTIP message is new
// enough to process: at least one matching component pair must compare
// same-or-newer on (SEQUENCE, DTSTAMP). Equal counts as new so duplicate
// delivery re-applies as a no-op rather than erroring.
func (p *Processor) SequenceComparison(msg, calendar *icalendar.Object) bool {
	msgMaster := msg.Master()
	calMaster := calendar.Master()

	if calMaster != nil {
		for rid, msgComp := range msg.Instances() {
			calComp := calendar.Overridden(rid)
			if calComp == nil {
				calComp = calMaster
			}
			if icalendar.CompareForITIP(msgComp, calComp, true) >= 0 {
				return true
			}
		}
		return false
	}

	if msgMaster != nil {
		for rid, calComp := range calendar.Instances() {
			msgComp := msg.Overridden(rid)
			if msgComp == nil {
				msgComp = msgMaster
			}
			if icalendar.CompareForITIP(msgComp, calComp, true) >= 0 {
				return true
			}
		}
		return false
	}

	// Neither side has a master: compare matching overrides; any
	// unmatched override on either side forces processing.
	calComps := calendar.Instances()
	msgComps := msg.Instances()
	unmatched := false
	for rid, msgComp := range msgComps {
		calComp, ok := calComps[rid]
		if !ok {
			unmatched = true
			continue
		}
		if icalendar.CompareForITIP(msgComp, calComp, true) >= 0 {
			return true
		}
	}
	for rid := range calComps {
		if _, ok := msgComps[rid]; !ok {
			unmatched = true
		}
	}
	return unmatched
}

// attendeeState caches the attendee-owned data from the stored master
// component, for transfer onto components the incoming message creates.
type attendeeState struct {
	alarms          []*ical.Component
	privateComments []ical.Prop
	transps         []ical.Prop
	completeds      []ical.Prop
	orgSchedStatus  string
	attendeeStamp   string
	otherProps      map[string][]ical.Prop
}

func (p *Processor) captureAttendeeState(calendar *icalendar.Object, recipient string) attendeeState {
	state := attendeeState{otherProps: make(map[string][]ical.Prop)}
	master := calendar.Master()
	if master == nil {
		return state
	}
	state.alarms = icalendar.Alarms(master)
	state.privateComments = append(state.privateComments, master.Props[icalendar.PropPrivateComment]...)
	state.transps = append(state.transps, master.Props[icalendar.PropTransp]...)
	state.completeds = append(state.completeds, master.Props[icalendar.PropCompleted]...)
	if org := icalendar.OrganizerProperty(master); org != nil {
		state.orgSchedStatus = org.Params.Get(icalendar.ParamScheduleStatus)
	}
	if att := icalendar.AttendeeProperty(master, recipient); att != nil {
		state.attendeeStamp = att.Params.Get(icalendar.ParamAttendeeStamp)
	}
	for _, name := range p.opts.PerAttendeeProperties {
		if props := master.Props[name]; len(props) > 0 {
			state.otherProps[name] = props
		}
	}
	return state
}

// applyToMaster installs the cached state on a freshly built master.
func (s attendeeState) applyToMaster(master *ical.Component, recipient string) {
	for _, alarm := range s.alarms {
		master.Children = append(master.Children, icalendar.DuplicateComponent(alarm))
	}
	for i := range s.privateComments {
		dup := icalendar.DuplicateProp(&s.privateComments[i])
		master.Props.Add(&dup)
	}
	for i := range s.transps {
		dup := icalendar.DuplicateProp(&s.transps[i])
		icalendar.ReplaceProp(master, &dup)
	}
	for i := range s.completeds {
		dup := icalendar.DuplicateProp(&s.completeds[i])
		icalendar.ReplaceProp(master, &dup)
	}
	if s.orgSchedStatus != "" {
		if org := icalendar.OrganizerProperty(master); org != nil {
			org.Params.Set(icalendar.ParamScheduleStatus, s.orgSchedStatus)
		}
	}
	if s.attendeeStamp != "" {
		if att := icalendar.AttendeeProperty(master, recipient); att != nil {
			att.Params.Set(icalendar.ParamAttendeeStamp, s.attendeeStamp)
		}
	}
	for _, props := range s.otherProps {
		for i := range props {
			dup := icalendar.DuplicateProp(&props[i])
			icalendar.ReplaceProp(master, &dup)
		}
	}
}

// transferItems moves attendee-owned state onto an incoming component,
// preferring the matching stored override and falling back to the cached
// master state. Reports true when the incoming component is a DECLINED
// instance with no stored counterpart and must be dropped entirely.
func (p *Processor) transferItems(fromCalendar *icalendar.Object, state attendeeState, to *ical.Component, recipient string, removeMatched bool) bool {
	rid := icalendar.ComponentRID(to)
	matched := fromCalendar.Overridden(rid)
	if matched != nil && rid.IsMaster() && fromCalendar.Master() == nil {
		matched = nil
	}

	if matched != nil {
		for _, alarm := range icalendar.Alarms(matched) {
			to.Children = append(to.Children, icalendar.DuplicateComponent(alarm))
		}
		for _, prop := range matched.Props[icalendar.PropPrivateComment] {
			dup := icalendar.DuplicateProp(&prop)
			to.Props.Add(&dup)
		}
		for _, name := range []string{icalendar.PropTransp, icalendar.PropCompleted} {
			for _, prop := range matched.Props[name] {
				dup := icalendar.DuplicateProp(&prop)
				icalendar.ReplaceProp(to, &dup)
			}
		}
		if org := icalendar.OrganizerProperty(matched); org != nil {
			if status := org.Params.Get(icalendar.ParamScheduleStatus); status != "" {
				if toOrg := icalendar.OrganizerProperty(to); toOrg != nil {
					toOrg.Params.Set(icalendar.ParamScheduleStatus, status)
				}
			}
		}
		if removeMatched {
			fromCalendar.RemoveComponent(matched)
		}

		attendee := icalendar.AttendeeProperty(to, recipient)
		if attendee != nil && icalendar.PartStat(attendee) == icalendar.PartStatDeclined {
			if matched.Props.Get(icalendar.PropHiddenInstance) != nil {
				icalendar.ReplaceProp(to, icalendar.TextProp(icalendar.PropHiddenInstance, "T"))
			}
		}
		if attendee != nil && state.attendeeStamp != "" {
			attendee.Params.Set(icalendar.ParamAttendeeStamp, state.attendeeStamp)
		}
		for _, name := range p.opts.PerAttendeeProperties {
			for _, prop := range matched.Props[name] {
				dup := icalendar.DuplicateProp(&prop)
				icalendar.ReplaceProp(to, &dup)
			}
		}
		return false
	}

	attendee := icalendar.AttendeeProperty(to, recipient)
	if attendee != nil && icalendar.PartStat(attendee) == icalendar.PartStatDeclined {
		return true
	}

	state.applyToMaster(to, recipient)
	return false
}

// addTranspForNeedsAction marks VEVENTs where the recipient is still at
// NEEDS-ACTION as transparent, so undecided invites do not block the
// recipient's free/busy time.
func addTranspForNeedsAction(components map[icalendar.RID]*ical.Component, recipient string) {
	for _, comp := range components {
		if comp.Name != ical.CompEvent {
			continue
		}
		attendee := icalendar.AttendeeProperty(comp, recipient)
		if attendee != nil && icalendar.PartStat(attendee) == icalendar.PartStatNeedsAction {
			icalendar.ReplaceProp(comp, icalendar.TextProp(icalendar.PropTransp, "TRANSPARENT"))
		}
	}
}

func componentStatus(comp *ical.Component) string {
	if p := comp.Props.Get(icalendar.PropStatus); p != nil {
		return p.Value
	}
	return ""
}

func seqValue(comp *ical.Component) string {
	if p := comp.Props.Get(icalendar.PropSequence); p != nil {
		return p.Value
	}
	return "0"
}

// requestStatusCodes joins the REQUEST-STATUS codes of a reply component
// for storage in SCHEDULE-STATUS, defaulting to success.
func requestStatusCodes(comp *ical.Component) string {
	props := comp.Props[icalendar.PropRequestStatus]
	if len(props) == 0 {
		return StatusSuccessCode
	}
	codes := make([]string, 0, len(props))
	for i := range props {
		code, _, _ := strings.Cut(props[i].Value, ";")
		codes = append(codes, code)
	}
	return strings.Join(codes, ",")
}

// scheduleAgentChanged compares the SCHEDULE-AGENT on the stored and
// incoming ORGANIZER properties.
func scheduleAgentChanged(msg, calendar *icalendar.Object) bool {
	stored := calendar.Master()
	incoming := msg.Master()
	if stored == nil || incoming == nil {
		return false
	}
	storedOrg := icalendar.OrganizerProperty(stored)
	incomingOrg := icalendar.OrganizerProperty(incoming)
	if storedOrg == nil || incomingOrg == nil {
		return false
	}
	return icalendar.ScheduleAgent(storedOrg) != icalendar.ScheduleAgent(incomingOrg)
}

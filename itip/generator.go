package itip

import (
	"github.com/emersion/go-ical"

	"github.com/skedra/skedra/icalendar"
)

// replyKeepProperties is the property whitelist for outgoing REPLY
// messages, per RFC 5546 section 3.2.3 plus the private comment
// extension.
var replyKeepProperties = []string{
	icalendar.PropUID,
	icalendar.PropRecurrenceID,
	icalendar.PropSequence,
	icalendar.PropStatus,
	icalendar.PropDTStamp,
	icalendar.PropDTStart,
	icalendar.PropDTEnd,
	icalendar.PropDuration,
	icalendar.PropRRule,
	icalendar.PropRDate,
	icalendar.PropExDate,
	icalendar.PropOrganizer,
	icalendar.PropAttendee,
	icalendar.PropPrivateComment,
	icalendar.PropSummary,
	icalendar.PropLocation,
	icalendar.PropDescription,
}

// Generator builds outgoing iTIP messages from stored calendar objects.
// Inputs are never mutated.
type Generator struct {
	opts Options
}

// NewGenerator builds a Generator.
func NewGenerator(opts Options) *Generator {
	return &Generator{opts: opts}
}

// Cancel builds a METHOD:CANCEL message for the listed attendees
// covering the given instances. A nil rids slice cancels the whole
// event. Each cancel component carries a bumped SEQUENCE so it always
// wins sequencing at the recipient. Returns nil when no instance could
// be resolved.
func (g *Generator) Cancel(original *icalendar.Object, attendees []string, rids []icalendar.RID) *icalendar.Object {
	msg := icalendar.New()
	msg.SetMethod(icalendar.MethodCancel)

	if rids == nil {
		rids = []icalendar.RID{icalendar.MasterRID}
	}

	tzids := make(map[string]bool)
	added := false
	for _, rid := range rids {
		instance := original.Overridden(rid)
		if instance == nil {
			instance = original.DeriveInstance(rid, false)
		}
		if instance == nil {
			continue
		}

		comp := ical.NewComponent(instance.Name)
		comp.Props.SetDateTime(icalendar.PropDTStamp, g.opts.now().UTC())
		if uid := instance.Props.Get(icalendar.PropUID); uid != nil {
			comp.Props.SetText(icalendar.PropUID, uid.Value)
		}
		icalendar.SetSequence(comp, icalendar.Sequence(instance)+1)
		if org := icalendar.OrganizerProperty(instance); org != nil {
			dup := icalendar.DuplicateProp(org)
			comp.Props.Add(&dup)
		}
		if !rid.IsMaster() {
			comp.Props.SetText(icalendar.PropRecurrenceID, rid.String())
		}
		for _, name := range []string{icalendar.PropSummary, icalendar.PropDTStart, icalendar.PropDTEnd, icalendar.PropDuration} {
			for _, p := range instance.Props[name] {
				dup := icalendar.DuplicateProp(&p)
				comp.Props.Add(&dup)
				if tzid := p.Params.Get(icalendar.PropTZID); tzid != "" {
					tzids[tzid] = true
				}
			}
		}
		for _, cua := range attendees {
			if att := icalendar.AttendeeProperty(instance, cua); att != nil {
				dup := icalendar.DuplicateProp(att)
				comp.Props.Add(&dup)
			}
		}

		msg.AddComponent(comp)
		added = true
	}
	if !added {
		return nil
	}

	for tzid, tz := range original.Timezones() {
		if tzids[tzid] {
			msg.AddComponent(icalendar.DuplicateComponent(tz))
		}
	}
	g.PrepareSchedulingMessage(msg, false)
	return msg
}

// AttendeeRequest builds a METHOD:REQUEST message carrying the view of
// the event the listed attendees are entitled to see. When onlyServer is
// set, instances where the attendee opted out of server scheduling
// (SCHEDULE-AGENT other than SERVER) are excluded too. Returns nil when
// no instance mentions the attendees.
func (g *Generator) AttendeeRequest(original *icalendar.Object, attendees []string, onlyServer bool) *icalendar.Object {
	msg := AttendeeView(original, attendees, onlyServer)
	if msg == nil {
		return nil
	}
	msg.Cal.Props.SetText(ical.PropProductID, icalendar.ProductID)
	msg.SetMethod(icalendar.MethodRequest)
	g.PrepareSchedulingMessage(msg, false)
	return msg
}

// AttendeeReply builds a METHOD:REPLY message for one attendee. Only the
// changed instances are included when changedRIDs is non-nil. DTSTAMP is
// reset everywhere so reply sequencing at the organizer works, and with
// forceDecline every PARTSTAT is rewritten to DECLINED.
func (g *Generator) AttendeeReply(original *icalendar.Object, attendee string, changedRIDs []icalendar.RID, forceDecline bool) *icalendar.Object {
	msg := original.Duplicate()
	msg.Cal.Props.SetText(ical.PropProductID, icalendar.ProductID)
	msg.SetMethod(icalendar.MethodReply)

	if changedRIDs != nil {
		wanted := make(map[icalendar.RID]bool, len(changedRIDs))
		for _, rid := range changedRIDs {
			wanted[rid] = true
		}
		for rid, comp := range msg.Instances() {
			if !wanted[rid] {
				msg.RemoveComponent(comp)
			}
		}
	}

	now := g.opts.now().UTC()
	for _, comp := range msg.Instances() {
		comp.Props.SetDateTime(icalendar.PropDTStamp, now)
		keepOneAttendee(comp, attendee)
	}
	for _, comp := range msg.Instances() {
		if icalendar.AttendeeProperty(comp, attendee) == nil && icalendar.VoterProperty(comp, attendee) == nil {
			msg.RemoveComponent(comp)
		}
	}
	if msg.MainType() == "" {
		return nil
	}

	msg.RemoveAlarms()
	msg.FilterProperties(replyKeepProperties...)

	if forceDecline {
		for _, comp := range msg.Instances() {
			if att := icalendar.AttendeeProperty(comp, attendee); att != nil {
				att.Params.Set(icalendar.ParamPartStat, icalendar.PartStatDeclined)
			}
		}
	}

	msg.AddPropToAll(icalendar.TextProp(icalendar.PropRequestStatus, StatusSuccess))
	g.PrepareSchedulingMessage(msg, true)
	return msg
}

// PrepareSchedulingMessage strips the parts of a calendar object that
// must never travel in an iTIP message: X- components, alarms, private
// X- properties, and the server-internal scheduling parameters.
func (g *Generator) PrepareSchedulingMessage(msg *icalendar.Object, reply bool) {
	msg.RemoveXComponents()
	msg.RemoveAlarms()

	keep := g.opts.OrganizerPublicProperties
	if reply {
		keep = []string{icalendar.PropPrivateComment}
	}
	msg.RemoveXProperties(keep...)

	for _, comp := range msg.Instances() {
		if org := icalendar.OrganizerProperty(comp); org != nil {
			if icalendar.ScheduleAgent(org) == icalendar.ScheduleAgentClient {
				org.Params.Del(icalendar.ParamScheduleAgent)
			}
		}
	}
	msg.RemovePropParams(icalendar.PropOrganizer, icalendar.ParamScheduleStatus)
	msg.RemovePropParams(icalendar.PropAttendee, icalendar.ParamScheduleStatus, icalendar.ParamScheduleForce)
}

// AttendeeView filters a calendar object down to the instances the given
// attendees participate in, adding an EXDATE to the master for each
// override that gets dropped. Returns nil when nothing remains.
func AttendeeView(original *icalendar.Object, attendees []string, onlyServer bool) *icalendar.Object {
	view := original.Duplicate()
	master := view.Master()

	var removedRIDs []icalendar.RID
	for rid, comp := range view.Instances() {
		att := icalendar.AttendeeProperty(comp, attendees...)
		if att == nil {
			att = icalendar.VoterProperty(comp, attendees...)
		}
		keep := att != nil
		if keep && onlyServer && icalendar.ScheduleAgent(att) != icalendar.ScheduleAgentServer {
			keep = false
		}
		if keep {
			continue
		}
		view.RemoveComponent(comp)
		if comp == master {
			master = nil
		} else {
			removedRIDs = append(removedRIDs, rid)
		}
	}

	if master != nil {
		for _, rid := range removedRIDs {
			_ = view.AddExDate(rid)
		}
	}

	if view.MainType() == "" {
		return nil
	}
	return view
}

// keepOneAttendee strips every ATTENDEE and VOTER property except the
// ones matching the given calendar user.
func keepOneAttendee(comp *ical.Component, attendee string) {
	for _, name := range []string{icalendar.PropAttendee, icalendar.PropVoter} {
		props := comp.Props[name]
		kept := props[:0]
		for i := range props {
			if icalendar.SameCUA(props[i].Value, attendee) {
				kept = append(kept, props[i])
			}
		}
		if len(kept) == 0 {
			delete(comp.Props, name)
		} else {
			comp.Props[name] = kept
		}
	}
}

package icaldiff

import (
	"sort"
	"time"

	"github.com/emersion/go-ical"

	"github.com/skedra/skedra/icalendar"
)

// MergeResult is the outcome of an attendee-side merge.
type MergeResult struct {
	// Allowed is false when the attendee data cannot be reconciled with
	// the server copy at all.
	Allowed bool
	// ReplyNeeded reports whether the merge changed something the
	// organizer must hear about (PARTSTAT, private comment, votes).
	ReplyNeeded bool
	// ChangedRIDs lists the instances whose attendee state changed.
	ChangedRIDs []icalendar.RID
	// Calendar is the merged object to store, nil when not Allowed.
	Calendar *icalendar.Object
}

// AttendeeMerge reconciles an attendee's submitted copy (the new object)
// with the server's stored copy (the old object). The organizer's
// structural data wins; the attendee keeps ownership of their own
// PARTSTAT, RSVP, alarms, transparency, comments and EXDATE-based
// declines. smartMerge derives instances for overrides that appeared on
// the server side through concurrent replies from other attendees.
func (d *Diff) AttendeeMerge(attendee string, smartMerge bool) MergeResult {
	attendee = icalendar.NormalizeCUA(attendee)

	result := d.old.Duplicate()
	var replyNeeded bool
	var changed []icalendar.RID

	exdatesOld := d.old.ExDates()
	exdatesNew := d.new.ExDates()
	oldComps := d.old.Instances()
	newComps := d.new.Instances()

	// Instances the attendee removed: either an EXDATE decline, or a
	// properly EXDATE'd cancellation cleanup, or client damage we ignore
	// in favor of the server data.
	for rid, oldComp := range oldComps {
		if _, ok := newComps[rid]; ok {
			continue
		}
		if componentStatus(oldComp) != icalendar.StatusCancelled {
			if exdatesNew == nil || exdatesNew[rid] {
				overridden := result.Overridden(rid)
				if overridden != nil {
					if attendeeDecline(overridden, attendee) {
						replyNeeded = true
						changed = append(changed, rid)
					}
					icalendar.ReplaceProp(overridden, icalendar.TextProp(icalendar.PropHiddenInstance, "T"))
				}
			} else if smartMerge {
				if derived := d.new.DeriveInstance(rid, true); derived != nil {
					d.new.AddComponent(derived)
					newComps[rid] = derived
				}
			}
			continue
		}
		// Cancelled override dropped by the attendee: only valid when
		// matched by an EXDATE, in which case the server copy follows.
		if exdatesNew != nil && exdatesNew[rid] {
			if overridden := result.Overridden(rid); overridden != nil {
				result.RemoveComponent(overridden)
				_ = result.AddExDate(rid)
			}
		}
	}

	// Instances the attendee added: derive matching server-side state.
	for rid, newComp := range newComps {
		if _, ok := oldComps[rid]; ok {
			continue
		}
		allowCancelled := false
		if componentStatus(newComp) == icalendar.StatusCancelled {
			if exdatesOld == nil || !exdatesOld[rid] {
				delete(newComps, rid)
				continue
			}
			allowCancelled = true
		}
		derived := result.DeriveInstance(rid, allowCancelled)
		if derived == nil {
			delete(newComps, rid)
			continue
		}
		result.AddComponent(derived)
	}

	// Transfer attendee-owned data component by component.
	var declines []icalendar.RID
	for rid, clientComp := range newComps {
		serverComp := result.Overridden(rid)
		if serverComp == nil {
			continue
		}
		ok, reply := d.transferAttendeeData(serverComp, clientComp, attendee, &declines)
		if !ok {
			// Server data overrides unreconcilable client changes.
			continue
		}
		if reply {
			replyNeeded = true
			changed = append(changed, rid)
		}
	}

	// EXDATE-based declines of instances with no override yet.
	sort.Slice(declines, func(i, j int) bool { return declines[i] < declines[j] })
	for _, rid := range declines {
		if result.Overridden(rid) != nil {
			continue
		}
		derived := result.DeriveInstance(rid, false)
		if derived == nil {
			return MergeResult{}
		}
		if attendeeDecline(derived, attendee) {
			replyNeeded = true
			changed = append(changed, rid)
		}
		if exdatesNew != nil {
			icalendar.ReplaceProp(derived, icalendar.TextProp(icalendar.PropHiddenInstance, "T"))
			result.AddComponent(derived)
		}
	}

	return MergeResult{
		Allowed:     true,
		ReplyNeeded: replyNeeded,
		ChangedRIDs: changed,
		Calendar:    result,
	}
}

func componentStatus(comp *ical.Component) string {
	if p := comp.Props.Get(icalendar.PropStatus); p != nil {
		return p.Value
	}
	return ""
}

// attendeeDecline marks the attendee DECLINED and transparent in the
// component. Reports whether the PARTSTAT actually changed.
func attendeeDecline(comp *ical.Component, attendee string) bool {
	prop := icalendar.AttendeeProperty(comp, attendee)
	if prop == nil {
		return false
	}
	wasDeclined := icalendar.PartStat(prop) == icalendar.PartStatDeclined
	prop.Params.Set(icalendar.ParamPartStat, icalendar.PartStatDeclined)
	icalendar.ReplaceProp(comp, icalendar.TextProp(icalendar.PropTransp, "TRANSPARENT"))
	return !wasDeclined
}

// transferAttendeeData moves attendee-owned state from the client
// component onto the server one after validating the client did not
// change date/time/recurrence fields. Client EXDATE additions are
// collected as declines rather than rejected.
func (d *Diff) transferAttendeeData(server, client *ical.Component, attendee string, declines *[]icalendar.RID) (bool, bool) {
	if !d.checkInvalidChanges(server, client, declines) {
		return false, false
	}

	replyNeeded := false

	serverAttendee := icalendar.AttendeeProperty(server, attendee)
	clientAttendee := icalendar.AttendeeProperty(client, attendee)
	if serverAttendee == nil || clientAttendee == nil {
		return false, false
	}

	if icalendar.PartStat(serverAttendee) != icalendar.PartStat(clientAttendee) {
		serverAttendee.Params.Set(icalendar.ParamPartStat, icalendar.PartStat(clientAttendee))
		serverAttendee.Params.Set(icalendar.ParamAttendeeStamp, time.Now().UTC().Format("20060102T150405Z"))
		serverAttendee.Params.Del(icalendar.ParamAuto)
		replyNeeded = true
	}

	if serverAttendee.Params.Get(icalendar.ParamRSVP) != clientAttendee.Params.Get(icalendar.ParamRSVP) {
		if rsvp := clientAttendee.Params.Get(icalendar.ParamRSVP); rsvp == "" || rsvp == "FALSE" {
			serverAttendee.Params.Del(icalendar.ParamRSVP)
		} else {
			serverAttendee.Params.Set(icalendar.ParamRSVP, "TRUE")
		}
	}

	replyNeeded = transferProperty(icalendar.PropPrivateComment, server, client) || replyNeeded
	transferProperty(icalendar.PropTransp, server, client)
	transferProperty(icalendar.PropDTStamp, server, client)
	transferProperty(icalendar.PropLastModified, server, client)
	transferProperty(icalendar.PropCompleted, server, client)
	for _, name := range d.opts.PerAttendeeProperties {
		transferProperty(name, server, client)
	}

	// The attendee owns their alarms.
	icalendar.RemoveAlarms(server)
	for _, alarm := range icalendar.Alarms(client) {
		server.Children = append(server.Children, icalendar.DuplicateComponent(alarm))
	}

	if server.Name == "VPOLL" {
		replyNeeded = transferVoterData(server, client, attendee) || replyNeeded
	}
	return true, replyNeeded
}

// checkInvalidChanges verifies the client left date, time and recurrence
// properties untouched. Added EXDATEs are legal (they are declines) and
// are appended to declines; removed EXDATEs are not.
func (d *Diff) checkInvalidChanges(server, client *ical.Component, declines *[]icalendar.RID) bool {
	fixedProps := []string{
		icalendar.PropDTStart,
		icalendar.PropDTEnd,
		icalendar.PropDue,
		icalendar.PropDuration,
		icalendar.PropRRule,
		icalendar.PropRDate,
	}
	for _, name := range fixedProps {
		if !samePropSet(server, client, name) {
			return false
		}
	}

	serverEx := exdatesOf(server)
	clientEx := exdatesOf(client)
	for rid := range serverEx {
		if !clientEx[rid] {
			// EXDATEs removed by the client.
			return false
		}
	}
	for rid := range clientEx {
		if !serverEx[rid] {
			*declines = append(*declines, rid)
		}
	}
	return true
}

func samePropSet(a, b *ical.Component, name string) bool {
	fa := make(map[string]bool)
	for _, p := range a.Props[name] {
		fa[icalendar.PropFingerprint(&p)] = true
	}
	count := 0
	for _, p := range b.Props[name] {
		if !fa[icalendar.PropFingerprint(&p)] {
			return false
		}
		count++
	}
	return count == len(fa)
}

func exdatesOf(comp *ical.Component) map[icalendar.RID]bool {
	out := make(map[icalendar.RID]bool)
	for _, p := range comp.Props[icalendar.PropExDate] {
		times, err := icalendar.PropTimes(&p)
		if err != nil {
			continue
		}
		for _, t := range times {
			out[icalendar.RIDFromTime(t)] = true
		}
	}
	return out
}

// transferProperty syncs one property from the client component onto the
// server one. Reports whether anything changed.
func transferProperty(name string, server, client *ical.Component) bool {
	serverProp := server.Props.Get(name)
	clientProp := client.Props.Get(name)
	switch {
	case serverProp == nil && clientProp == nil:
		return false
	case clientProp == nil:
		server.Props.Del(name)
		return true
	case serverProp == nil || serverProp.Value != clientProp.Value:
		dup := icalendar.DuplicateProp(clientProp)
		icalendar.ReplaceProp(server, &dup)
		return true
	default:
		return false
	}
}

// transferVoterData syncs the attendee's VOTER responses on each
// POLL-ITEM-ID sub-component of a VPOLL.
func transferVoterData(server, client *ical.Component, attendee string) bool {
	clientItems := make(map[string]*ical.Prop)
	for _, item := range client.Children {
		id := item.Props.Get(icalendar.PropPollItemID)
		if id == nil {
			continue
		}
		clientItems[id.Value] = icalendar.VoterProperty(item, attendee)
	}

	changed := false
	for _, item := range server.Children {
		id := item.Props.Get(icalendar.PropPollItemID)
		if id == nil {
			continue
		}
		voter := icalendar.VoterProperty(item, attendee)
		clientVoter := clientItems[id.Value]
		switch {
		case clientVoter == nil && voter != nil:
			props := item.Props[icalendar.PropVoter]
			kept := props[:0]
			for i := range props {
				if !icalendar.SameCUA(props[i].Value, attendee) {
					kept = append(kept, props[i])
				}
			}
			item.Props[icalendar.PropVoter] = kept
			changed = true
		case clientVoter != nil && voter == nil:
			dup := icalendar.DuplicateProp(clientVoter)
			item.Props.Add(&dup)
			changed = true
		case clientVoter != nil:
			if clientVoter.Params.Get(icalendar.ParamResponse) != voter.Params.Get(icalendar.ParamResponse) {
				icalendar.TransferParam(clientVoter, voter, icalendar.ParamResponse)
				changed = true
			}
		}
	}
	return changed
}

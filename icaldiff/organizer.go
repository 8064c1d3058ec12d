package icaldiff

import (
	"github.com/emersion/go-ical"

	"github.com/skedra/skedra/icalendar"
)

// OrganizerChanged reports whether the organizer made a scheduling
// relevant change between the old and new objects: any difference in the
// normalized calendars other than alarms, access markers, timestamps and
// attendee reply parameters. With smartMerge set, unacknowledged attendee
// parameter changes from the old copy are transferred onto the new copy
// first, so a concurrent attendee reply is not mistaken for an organizer
// edit. The transfer mutates d's new object, which the caller then
// stores.
func (d *Diff) OrganizerChanged(smartMerge bool) bool {
	if smartMerge {
		d.organizerMerge()
	}
	oldNorm := d.normalizeCalendar(d.old)
	newNorm := d.normalizeCalendar(d.new)
	return !equalObjects(oldNorm, newNorm)
}

// organizerMerge transfers ATTENDEE reply parameters from the old copy
// into the new one, instance by instance, deriving overrides as needed.
func (d *Diff) organizerMerge() {
	organizer := d.new.OrganizerValue()

	oldMaster := d.old.Master()
	newMaster := d.new.Master()
	if oldMaster != nil && newMaster != nil {
		d.tryComponentMerge(oldMaster, newMaster, organizer)
	}

	for rid, oldComp := range d.old.Instances() {
		if rid.IsMaster() {
			continue
		}
		newComp := d.new.Overridden(rid)
		if newComp == nil {
			newComp = d.new.DeriveInstance(rid, false)
			if newComp == nil {
				// Instance no longer exists in the new data.
				continue
			}
			d.new.AddComponent(newComp)
		}
		d.tryComponentMerge(oldComp, newComp, organizer)
	}

	for rid, newComp := range d.new.Instances() {
		if rid.IsMaster() {
			continue
		}
		if d.old.Overridden(rid) != nil {
			continue
		}
		oldComp := d.old.DeriveInstance(rid, false)
		if oldComp == nil {
			// No prior state for a brand-new override.
			continue
		}
		d.old.AddComponent(oldComp)
		d.tryComponentMerge(oldComp, newComp, organizer)
	}
}

func (d *Diff) tryComponentMerge(oldComp, newComp *ical.Component, organizer string) {
	if organizerChangePreventsMerge(oldComp, newComp) {
		return
	}
	transferAttendees(oldComp, newComp, organizer)
}

// organizerChangePreventsMerge reports whether the organizer changed the
// component's date or recurrence shape, which makes stored attendee state
// for it irrelevant.
func organizerChangePreventsMerge(oldComp, newComp *ical.Component) bool {
	testProps := []string{
		icalendar.PropDTStart,
		icalendar.PropDTEnd,
		icalendar.PropDuration,
		icalendar.PropRRule,
		icalendar.PropRDate,
		icalendar.PropExDate,
		icalendar.PropRecurrenceID,
	}
	for _, name := range testProps {
		oldSet := make(map[string]bool)
		for _, p := range oldComp.Props[name] {
			oldSet[icalendar.PropFingerprint(&p)] = true
		}
		for _, p := range newComp.Props[name] {
			delete(oldSet, icalendar.PropFingerprint(&p))
		}
		if len(oldSet) > 0 {
			return true
		}
	}
	return false
}

// transferAttendees copies PARTSTAT, RSVP and SCHEDULE-STATUS from old
// attendee properties onto matching new ones. An attendee the organizer
// tagged SCHEDULE-FORCE-SEND=REQUEST is skipped: the organizer is
// deliberately overwriting that PARTSTAT.
func transferAttendees(oldComp, newComp *ical.Component, ignoreAttendee string) {
	oldAttendees := make(map[string]*ical.Prop)
	oldProps := oldComp.Props[icalendar.PropAttendee]
	for i := range oldProps {
		value := icalendar.NormalizeCUA(oldProps[i].Value)
		if value == ignoreAttendee {
			continue
		}
		oldAttendees[value] = &oldProps[i]
	}

	newProps := newComp.Props[icalendar.PropAttendee]
	for i := range newProps {
		if newProps[i].Params.Get(icalendar.ParamScheduleForce) == icalendar.MethodRequest {
			continue
		}
		old, ok := oldAttendees[icalendar.NormalizeCUA(newProps[i].Value)]
		if !ok {
			continue
		}
		icalendar.TransferParam(old, &newProps[i], icalendar.ParamPartStat)
		icalendar.TransferParam(old, &newProps[i], icalendar.ParamRSVP)
		icalendar.TransferParam(old, &newProps[i], icalendar.ParamScheduleStatus)
	}
}

// normalizeCalendar duplicates a whole object and strips everything the
// organizer comparison ignores.
func (d *Diff) normalizeCalendar(obj *icalendar.Object) *icalendar.Object {
	dup := obj.Duplicate()
	dup.RemoveAlarms()
	dup.Cal.Props.Del(icalendar.PropAccess)
	dup.RemoveProperties(true,
		icalendar.PropCreated,
		icalendar.PropDTStamp,
		icalendar.PropLastModified,
	)
	dup.RemoveXProperties(d.opts.OrganizerPublicProperties...)
	dup.RemovePropParams(icalendar.PropAttendee,
		icalendar.ParamRSVP,
		icalendar.ParamScheduleStatus,
		icalendar.ParamScheduleForce,
	)
	return dup
}

// equalObjects compares two normalized objects instance by instance.
func equalObjects(a, b *icalendar.Object) bool {
	aComps := a.Instances()
	bComps := b.Instances()
	if len(aComps) != len(bComps) {
		return false
	}
	for rid, aComp := range aComps {
		bComp, ok := bComps[rid]
		if !ok || aComp.Name != bComp.Name {
			return false
		}
		fa := icalendar.PropFingerprints(aComp, nil)
		fb := icalendar.PropFingerprints(bComp, nil)
		if len(fa) != len(fb) {
			return false
		}
		for fp := range fa {
			if !fb[fp] {
				return false
			}
		}
	}
	return true
}

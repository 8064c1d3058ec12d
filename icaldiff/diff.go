// Package icaldiff compares two calendar objects for one scheduling UID
// and decides what changed, whether attendees must be pushed back to
// NEEDS-ACTION, and how to merge concurrent organizer and attendee edits
// without clobbering per-attendee state.
package icaldiff

import (
	"sort"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/skedra/skedra/icalendar"
)

// Options carries the configured property allow-lists the diff engine
// needs. The zero value is usable.
type Options struct {
	// OrganizerPublicProperties lists X- properties an organizer is
	// allowed to publish to attendees; everything else X- is stripped
	// before comparison.
	OrganizerPublicProperties []string
	// PerAttendeeProperties lists X- properties owned by each attendee
	// copy, preserved across organizer updates.
	PerAttendeeProperties []string
}

// ChangeMap maps each changed instance to the names of the properties
// that differ there; each property name maps to the set of parameter
// names that changed (empty when the value itself changed).
type ChangeMap map[icalendar.RID]map[string]map[string]bool

// ChangedRIDs returns the changed instances in chronological order, the
// master first.
func (c ChangeMap) ChangedRIDs() []icalendar.RID {
	rids := make([]icalendar.RID, 0, len(c))
	for rid := range c {
		rids = append(rids, rid)
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })
	return rids
}

// Diff compares an old and a new calendar object.
type Diff struct {
	old  *icalendar.Object
	new  *icalendar.Object
	opts Options
}

// New builds a Diff over the two calendar objects. Neither input is
// mutated; all transforms happen on duplicates.
func New(old, new *icalendar.Object, opts Options) *Diff {
	return &Diff{old: old, new: new, opts: opts}
}

// volatile properties never count as a scheduling-relevant change.
var volatileProps = map[string]bool{
	icalendar.PropTransp:         true,
	icalendar.PropDTStamp:        true,
	icalendar.PropCreated:        true,
	icalendar.PropLastModified:   true,
	icalendar.PropPrivateComment: true,
}

// WhatIsDifferent returns the per-instance property deltas between the
// old and new objects. Instances present on only one side are compared
// against an instance derived from the other side's master, so moving an
// un-overridden instance registers as a change to that instance.
func (d *Diff) WhatIsDifferent() ChangeMap {
	changes := make(ChangeMap)

	oldComps := d.old.Instances()
	newComps := d.new.Instances()

	for rid, oldComp := range oldComps {
		if newComp, ok := newComps[rid]; ok {
			d.diffComponents(oldComp, newComp, rid, changes)
			continue
		}
		if derived := d.new.DeriveInstance(rid, false); derived != nil {
			d.diffComponents(oldComp, derived, rid, changes)
		}
	}
	for rid, newComp := range newComps {
		if _, ok := oldComps[rid]; ok {
			continue
		}
		if derived := d.old.DeriveInstance(rid, false); derived != nil {
			d.diffComponents(derived, newComp, rid, changes)
		}
	}
	return changes
}

// dateProps force an instance back to NEEDS-ACTION when changed.
var dateProps = []string{
	icalendar.PropDTStart,
	icalendar.PropDTEnd,
	icalendar.PropDuration,
	icalendar.PropDue,
	icalendar.PropRecurrenceID,
}

// AttendeeNeedsAction inspects a WhatIsDifferent result and reports which
// instances changed date/time (forcing NEEDS-ACTION) and whether the
// recurrence rule changed in a way that amounts to a full reschedule. A
// master RRULE delta confined to COUNT or UNTIL is a truncation or
// extension of the series and does not invalidate recorded responses.
func (d *Diff) AttendeeNeedsAction(changes ChangeMap) (map[icalendar.RID]bool, bool) {
	forced := make(map[icalendar.RID]bool)
	reschedule := false

	for rid, props := range changes {
		for _, name := range dateProps {
			if _, ok := props[name]; ok {
				forced[rid] = true
				break
			}
		}

		if !rid.IsMaster() {
			continue
		}
		if _, ok := props[icalendar.PropDTStart]; ok {
			if master := d.new.Master(); master != nil && master.Props.Get(icalendar.PropRRule) != nil {
				reschedule = true
				continue
			}
		}
		if _, ok := props[icalendar.PropRRule]; ok {
			oldRule := masterRRule(d.old)
			newRule := masterRRule(d.new)
			if oldRule == "" || newRule == "" {
				reschedule = true
				continue
			}
			if normalizeRRule(oldRule) != normalizeRRule(newRule) {
				reschedule = true
			}
		}
	}
	return forced, reschedule
}

func masterRRule(obj *icalendar.Object) string {
	master := obj.Master()
	if master == nil {
		return ""
	}
	p := master.Props.Get(icalendar.PropRRule)
	if p == nil {
		return ""
	}
	return p.Value
}

// normalizeRRule renders an RRULE value with its parts sorted and
// COUNT/UNTIL removed, so pure truncations compare equal.
func normalizeRRule(value string) string {
	parts := strings.Split(strings.ToUpper(value), ";")
	kept := parts[:0]
	for _, part := range parts {
		key, _, _ := strings.Cut(part, "=")
		if key == "COUNT" || key == "UNTIL" || part == "" {
			continue
		}
		kept = append(kept, part)
	}
	sort.Strings(kept)
	return strings.Join(kept, ";")
}

// diffComponents normalizes both components and records their property
// and parameter level differences under the given RID.
func (d *Diff) diffComponents(a, b *ical.Component, rid icalendar.RID, changes ChangeMap) {
	if a.Name != b.Name {
		changes[rid] = map[string]map[string]bool{a.Name: {}}
		return
	}
	na := d.normalizeComponent(a)
	nb := d.normalizeComponent(b)

	fa := icalendar.PropFingerprints(na, volatileProps)
	fb := icalendar.PropFingerprints(nb, volatileProps)

	changedProps := make(map[string]map[string]bool)
	record := func(from, other map[string]bool) {
		for fp := range from {
			if other[fp] {
				continue
			}
			name, _, _ := strings.Cut(fp, ";")
			name, _, _ = strings.Cut(name, ":")
			if _, ok := changedProps[name]; !ok {
				changedProps[name] = make(map[string]bool)
			}
		}
	}
	record(fa, fb)
	record(fb, fa)

	// For singly-occurring properties, narrow the change to parameters.
	for name := range changedProps {
		pa := na.Props[name]
		pb := nb.Props[name]
		if len(pa) != 1 || len(pb) != 1 {
			continue
		}
		for _, param := range paramDiff(&pa[0], &pb[0]) {
			changedProps[name][param] = true
		}
	}

	if len(changedProps) > 0 {
		changes[rid] = changedProps
	}
}

func paramDiff(a, b *ical.Prop) []string {
	fp := func(p *ical.Prop) map[string]bool {
		out := make(map[string]bool)
		for name, values := range p.Params {
			sorted := append([]string(nil), values...)
			sort.Strings(sorted)
			out[name+"="+strings.Join(sorted, ",")] = true
		}
		return out
	}
	fa, fb := fp(a), fp(b)
	seen := make(map[string]bool)
	var out []string
	add := func(from, other map[string]bool) {
		for v := range from {
			if other[v] {
				continue
			}
			name, _, _ := strings.Cut(v, "=")
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	add(fa, fb)
	add(fb, fa)
	sort.Strings(out)
	return out
}

// normalizeComponent duplicates a component and strips everything that
// must not register as a scheduling change: alarms, SCHEDULE-* parameters
// and non-public X- properties.
func (d *Diff) normalizeComponent(comp *ical.Component) *ical.Component {
	dup := icalendar.DuplicateComponent(comp)
	icalendar.RemoveAlarms(dup)

	for _, propName := range []string{icalendar.PropOrganizer, icalendar.PropAttendee, icalendar.PropVoter} {
		props := dup.Props[propName]
		for i := range props {
			props[i].Params.Del(icalendar.ParamScheduleStatus)
			props[i].Params.Del(icalendar.ParamScheduleForce)
			if propName != icalendar.PropOrganizer {
				props[i].Params.Del(icalendar.ParamScheduleAgent)
			}
		}
	}

	keep := map[string]bool{icalendar.PropPrivateComment: true}
	for _, name := range d.opts.OrganizerPublicProperties {
		keep[name] = true
	}
	for name := range dup.Props {
		if strings.HasPrefix(name, "X-") && !keep[name] {
			delete(dup.Props, name)
		}
	}
	return dup
}

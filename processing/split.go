package processing

import (
	"fmt"
	"strings"
	"time"

	"github.com/skedra/skedra/icalendar"
)

// splitCalendar divides a recurring series at the given boundary
// instance. The returned older object carries every occurrence before
// the boundary under its own UID; the newer one keeps the original UID
// and only the occurrences from the boundary on. Both halves carry the
// split markers so peers recognize an already-split series.
func splitCalendar(cal *icalendar.Object, splitRID icalendar.RID, olderUID string) (older, newer *icalendar.Object, err error) {
	boundary, err := splitRID.Time()
	if err != nil {
		return nil, nil, fmt.Errorf("split boundary: %w", err)
	}

	older = cal.Duplicate()
	for rid, comp := range older.Instances() {
		if !rid.IsMaster() {
			if t, err := rid.Time(); err == nil && !t.Before(boundary) {
				older.RemoveComponent(comp)
			}
		}
	}
	if master := older.Master(); master != nil {
		if rruleProp := master.Props.Get(icalendar.PropRRule); rruleProp != nil {
			master.Props.SetText(icalendar.PropRRule,
				truncateRRule(rruleProp.Value, boundary))
		}
	}
	for _, comp := range older.Instances() {
		comp.Props.SetText(icalendar.PropUID, olderUID)
		comp.Props.SetText(icalendar.PropSplitNewerUID, cal.UID())
	}

	newer = cal.Duplicate()
	for rid, comp := range newer.Instances() {
		if !rid.IsMaster() {
			if t, err := rid.Time(); err == nil && t.Before(boundary) {
				newer.RemoveComponent(comp)
			}
		}
	}
	// Excise pre-boundary occurrences of the master instead of rebasing
	// DTSTART, so override matching by RECURRENCE-ID stays stable.
	if newer.Master() != nil {
		starts, err := cal.ExpandInstances(boundary)
		if err == nil {
			for rid, t := range starts {
				if t.Before(boundary) {
					_ = newer.AddExDate(rid)
				}
			}
		}
	}
	for _, comp := range newer.Instances() {
		comp.Props.SetText(icalendar.PropSplitOlderUID, olderUID)
		comp.Props.SetText(icalendar.PropSplitRID, splitRID.String())
	}
	return older, newer, nil
}

// truncateRRule rewrites an RRULE to end just before the boundary,
// replacing any COUNT or UNTIL already present.
func truncateRRule(rule string, boundary time.Time) string {
	parts := strings.Split(rule, ";")
	kept := parts[:0]
	for _, part := range parts {
		upper := strings.ToUpper(part)
		if strings.HasPrefix(upper, "COUNT=") || strings.HasPrefix(upper, "UNTIL=") {
			continue
		}
		kept = append(kept, part)
	}
	until := boundary.Add(-time.Second).UTC().Format("20060102T150405Z")
	return strings.Join(append(kept, "UNTIL="+until), ";")
}

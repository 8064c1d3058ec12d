package icalendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// DeriveInstance synthesizes an overridden component for the given
// instance from the master component, or nil when the instance is not a
// valid occurrence of the recurrence set. allowCancelled permits deriving
// an instance that the master has EXDATE'd, which is how a cancelled
// override gets recreated.
func (o *Object) DeriveInstance(rid RID, allowCancelled bool) *ical.Component {
	master := o.Master()
	if master == nil || rid.IsMaster() {
		return nil
	}
	ridTime, err := rid.Time()
	if err != nil {
		return nil
	}

	start, err := componentStart(master)
	if err != nil {
		return nil
	}

	excluded := exDateSet(master)
	if excluded[RIDFromTime(ridTime)] && !allowCancelled {
		return nil
	}
	if !occursAt(master, start, ridTime) {
		return nil
	}

	derived := DuplicateComponent(master)
	derived.Props.Del(PropRRule)
	derived.Props.Del(PropRDate)
	derived.Props.Del(PropExDate)

	ridProp := ical.NewProp(PropRecurrenceID)
	ridProp.SetDateTime(ridTime.UTC())
	derived.Props.Set(ridProp)

	startProp := ical.NewProp(PropDTStart)
	startProp.SetDateTime(ridTime.UTC())
	derived.Props.Set(startProp)

	if dur, ok := componentDuration(master, start); ok {
		if derived.Props.Get(PropDTEnd) != nil {
			endProp := ical.NewProp(PropDTEnd)
			endProp.SetDateTime(ridTime.Add(dur).UTC())
			derived.Props.Set(endProp)
		}
	}
	return derived
}

// occursAt reports whether the master's recurrence set includes the given
// instant, ignoring EXDATEs.
func occursAt(master *ical.Component, start, at time.Time) bool {
	if start.Equal(at) {
		return true
	}
	if p := master.Props.Get(PropRDate); p != nil {
		if times, err := PropTimes(p); err == nil {
			for _, t := range times {
				if t.Equal(at) {
					return true
				}
			}
		}
	}
	rruleProp := master.Props.Get(PropRRule)
	if rruleProp == nil {
		return false
	}
	opt, err := rrule.StrToROption(rruleProp.Value)
	if err != nil {
		return false
	}
	opt.Dtstart = start.UTC()
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return false
	}
	for _, t := range rule.Between(at.Add(-time.Second), at.Add(time.Second), true) {
		if t.Equal(at) {
			return true
		}
	}
	return false
}

// exDateSet collects the master's EXDATE values as RIDs.
func exDateSet(master *ical.Component) map[RID]bool {
	out := make(map[RID]bool)
	for _, p := range master.Props[PropExDate] {
		times, err := PropTimes(&p)
		if err != nil {
			continue
		}
		for _, t := range times {
			out[RIDFromTime(t)] = true
		}
	}
	return out
}

// ExDates returns the master's EXDATE values as RIDs, or nil when the
// object has no master component.
func (o *Object) ExDates() map[RID]bool {
	master := o.Master()
	if master == nil {
		return nil
	}
	return exDateSet(master)
}

// AddExDate appends an EXDATE for the instance to the master component.
func (o *Object) AddExDate(rid RID) error {
	master := o.Master()
	if master == nil {
		return fmt.Errorf("no master component to EXDATE")
	}
	t, err := rid.Time()
	if err != nil {
		return err
	}
	p := ical.NewProp(PropExDate)
	p.SetDateTime(t.UTC())
	master.Props.Add(p)
	return nil
}

func componentStart(comp *ical.Component) (time.Time, error) {
	p := comp.Props.Get(PropDTStart)
	if p == nil {
		return time.Time{}, fmt.Errorf("component has no DTSTART")
	}
	return PropTime(p)
}

// ComponentTimeRange resolves the [start, end) of a component from
// DTSTART plus DTEND, DURATION or DUE. Zero-length when only a start is
// known.
func ComponentTimeRange(comp *ical.Component) (start, end time.Time, err error) {
	start, err = componentStart(comp)
	if err != nil {
		return
	}
	if dur, ok := componentDuration(comp, start); ok {
		end = start.Add(dur)
	} else {
		end = start
	}
	return
}

func componentDuration(comp *ical.Component, start time.Time) (time.Duration, bool) {
	if p := comp.Props.Get(PropDTEnd); p != nil {
		if end, err := PropTime(p); err == nil {
			return end.Sub(start), true
		}
	}
	if p := comp.Props.Get(PropDue); p != nil {
		if due, err := PropTime(p); err == nil {
			return due.Sub(start), true
		}
	}
	if p := comp.Props.Get(PropDuration); p != nil {
		if dur, err := ParseDuration(p.Value); err == nil {
			return dur, true
		}
	}
	return 0, false
}

// ParseDuration parses an RFC 5545 duration value such as "PT1H30M",
// "P1DT12H" or "-P2W".
func ParseDuration(value string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(value))
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := 0
	haveNum := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			haveNum = true
		case r == 'T':
			inTime = true
		case r == 'W' && haveNum:
			total += time.Duration(num) * 7 * 24 * time.Hour
			num, haveNum = 0, false
		case r == 'D' && haveNum:
			total += time.Duration(num) * 24 * time.Hour
			num, haveNum = 0, false
		case r == 'H' && haveNum && inTime:
			total += time.Duration(num) * time.Hour
			num, haveNum = 0, false
		case r == 'M' && haveNum && inTime:
			total += time.Duration(num) * time.Minute
			num, haveNum = 0, false
		case r == 'S' && haveNum && inTime:
			total += time.Duration(num) * time.Second
			num, haveNum = 0, false
		default:
			return 0, fmt.Errorf("invalid duration %q", value)
		}
	}
	if haveNum {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	if neg {
		total = -total
	}
	return total, nil
}

// ExpandInstances expands the recurrence set of the object's master
// component (RRULE and RDATE minus EXDATE, plus overridden instances) up
// to the horizon, returning instance start times keyed by RID. When the
// object has no master only the overridden instances are returned.
func (o *Object) ExpandInstances(horizon time.Time) (map[RID]time.Time, error) {
	out := make(map[RID]time.Time)

	master := o.Master()
	if master != nil {
		start, err := componentStart(master)
		if err != nil {
			return nil, err
		}
		excluded := exDateSet(master)

		add := func(t time.Time) {
			rid := RIDFromTime(t)
			if !excluded[rid] {
				out[rid] = t.UTC()
			}
		}

		if rruleProp := master.Props.Get(PropRRule); rruleProp != nil {
			opt, err := rrule.StrToROption(rruleProp.Value)
			if err != nil {
				return nil, fmt.Errorf("parse RRULE %q: %w", rruleProp.Value, err)
			}
			opt.Dtstart = start.UTC()
			rule, err := rrule.NewRRule(*opt)
			if err != nil {
				return nil, fmt.Errorf("build RRULE %q: %w", rruleProp.Value, err)
			}
			for _, t := range rule.Between(start.Add(-time.Second), horizon, true) {
				add(t)
			}
		} else {
			add(start)
		}
		if rdateProp := master.Props.Get(PropRDate); rdateProp != nil {
			times, err := PropTimes(rdateProp)
			if err == nil {
				for _, t := range times {
					if t.Before(horizon) {
						add(t)
					}
				}
			}
		}
	}

	// Overridden instances replace (or extend) the expanded set.
	for rid, comp := range o.Instances() {
		if rid.IsMaster() {
			continue
		}
		if start, err := componentStart(comp); err == nil {
			out[rid] = start.UTC()
		} else if t, err := rid.Time(); err == nil {
			out[rid] = t
		}
	}
	return out, nil
}

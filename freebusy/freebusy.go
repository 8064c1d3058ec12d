// Package freebusy implements the auto-scheduling free/busy evaluator
// and the busy-time query used to answer VFREEBUSY scheduling requests.
package freebusy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/emersion/go-ical"

	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/metrics"
	"github.com/skedra/skedra/store"
)

// pastCutoff drops instances that ended this long ago from the
// auto-schedule evaluation.
const pastCutoff = 2 * 24 * time.Hour

// Evaluator answers auto-schedule decisions against a recipient's
// stored busy time.
type Evaluator struct {
	// Horizon bounds how far into the future instances are expanded.
	Horizon time.Duration
	// Now is the clock, defaulting to time.Now.
	Now func() time.Time
	Log *slog.Logger
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Evaluator) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Decision is the evaluator's verdict on one incoming invite.
type Decision struct {
	// Applied means at least one PARTSTAT was set automatically and an
	// auto-reply must be queued.
	Applied bool
	// Calendar is the rewritten attendee copy; nil when nothing changed.
	Calendar *icalendar.Object
	// NeedsInbox means at least one instance stayed at NEEDS-ACTION, so
	// the recipient must see the message.
	NeedsInbox bool
	// AllPast means every instance ended long ago; no auto action and no
	// inbox item at all.
	AllPast bool
}

// instance is one expanded occurrence under evaluation.
type instance struct {
	rid        icalendar.RID
	start, end time.Time
	partstat   string
}

// Evaluate runs the auto-schedule policy for one recipient's copy of an
// incoming REQUEST. The mode none short-circuits to "no auto action".
func (e *Evaluator) Evaluate(ctx context.Context, home store.Home, attendee string, mode directory.AutoScheduleMode, calendar *icalendar.Object) (Decision, error) {
	if mode == directory.AutoScheduleNone {
		return Decision{NeedsInbox: true}, nil
	}

	now := e.now()
	horizon := e.Horizon
	if horizon <= 0 {
		horizon = 3 * 365 * 24 * time.Hour
	}

	instances, err := e.expand(calendar, attendee, now.Add(horizon))
	if err != nil {
		return Decision{}, err
	}

	// Instances that ended long ago are not worth deciding; an all-past
	// event gets neither an auto reply nor an inbox item.
	live := instances[:0]
	for _, in := range instances {
		if in.end.After(now.Add(-pastCutoff)) {
			live = append(live, in)
		}
	}
	if len(live) == 0 {
		return Decision{AllPast: true}, nil
	}

	// Furthest-future first, so far-future busy lookups warm any store
	// indexes before the nearer ones run.
	sort.Slice(live, func(i, j int) bool { return live[i].start.After(live[j].start) })

	decided := make(map[icalendar.RID]string)
	undecided := 0
	for i := range live {
		in := &live[i]
		if in.partstat != icalendar.PartStatNeedsAction {
			continue
		}
		partstat, err := e.decide(ctx, home, calendar.UID(), mode, in)
		if err != nil {
			return Decision{}, err
		}
		if partstat == "" {
			undecided++
			continue
		}
		decided[in.rid] = partstat
		metrics.AutoScheduleDecisions.WithLabelValues(partstat).Inc()
	}
	if len(decided) == 0 {
		return Decision{NeedsInbox: true}, nil
	}

	result := calendar.Duplicate()
	e.apply(result, attendee, decided, now)

	e.log().Info("auto-schedule applied",
		"uid", calendar.UID(), "attendee", attendee, "mode", string(mode),
		"decided", len(decided), "undecided", undecided)

	return Decision{
		Applied:    true,
		Calendar:   result,
		NeedsInbox: undecided > 0,
	}, nil
}

// decide maps one instance's free/busy state to a PARTSTAT under the
// given mode, or "" when the mode declines to decide.
func (e *Evaluator) decide(ctx context.Context, home store.Home, uid string, mode directory.AutoScheduleMode, in *instance) (string, error) {
	switch mode {
	case directory.AutoScheduleAcceptAlways:
		return icalendar.PartStatAccepted, nil
	case directory.AutoScheduleDeclineAlways:
		return icalendar.PartStatDeclined, nil
	}

	busy, err := Busy(ctx, home, uid, in.start, in.end)
	if err != nil {
		return "", fmt.Errorf("busy check for %s: %w", in.rid, err)
	}

	switch mode {
	case directory.AutoScheduleAcceptIfFree:
		if !busy {
			return icalendar.PartStatAccepted, nil
		}
		return "", nil
	case directory.AutoScheduleDeclineIfBusy:
		if busy {
			return icalendar.PartStatDeclined, nil
		}
		return "", nil
	case directory.AutoScheduleAutomatic:
		if busy {
			return icalendar.PartStatDeclined, nil
		}
		return icalendar.PartStatAccepted, nil
	default:
		return "", nil
	}
}

// apply writes the decisions into the calendar. A unanimous outcome goes
// on every attendee property; a split one puts the majority on the
// master and gives each dissenting instance its own override.
func (e *Evaluator) apply(calendar *icalendar.Object, attendee string, decided map[icalendar.RID]string, now time.Time) {
	counts := make(map[string]int)
	for _, ps := range decided {
		counts[ps]++
	}
	majority := icalendar.PartStatAccepted
	best := -1
	for ps, n := range counts {
		if n > best || (n == best && ps == icalendar.PartStatAccepted) {
			majority, best = ps, n
		}
	}

	if len(counts) == 1 {
		for _, comp := range calendar.Instances() {
			if att := icalendar.AttendeeProperty(comp, attendee); att != nil &&
				icalendar.PartStat(att) == icalendar.PartStatNeedsAction {
				setAutoPartStat(comp, attendee, majority, now)
			}
		}
		return
	}

	if master := calendar.Master(); master != nil {
		setAutoPartStat(master, attendee, majority, now)
	}
	for rid, ps := range decided {
		if rid.IsMaster() {
			continue
		}
		comp := calendar.Overridden(rid)
		if comp == nil && ps == majority {
			// The master's value already covers this instance.
			continue
		}
		if comp == nil {
			comp = calendar.DeriveInstance(rid, false)
			if comp == nil {
				continue
			}
			calendar.AddComponent(comp)
		}
		setAutoPartStat(comp, attendee, ps, now)
	}
	// Existing overrides with no decision of their own follow the master.
	for rid, comp := range calendar.Instances() {
		if rid.IsMaster() {
			continue
		}
		if _, ok := decided[rid]; ok {
			continue
		}
		if att := icalendar.AttendeeProperty(comp, attendee); att != nil &&
			icalendar.PartStat(att) == icalendar.PartStatNeedsAction {
			if _, masterDecided := decided[icalendar.MasterRID]; masterDecided {
				setAutoPartStat(comp, attendee, majority, now)
			}
		}
	}
}

func setAutoPartStat(comp *ical.Component, attendee, partstat string, now time.Time) {
	att := icalendar.AttendeeProperty(comp, attendee)
	if att == nil {
		return
	}
	att.Params.Set(icalendar.ParamPartStat, partstat)
	att.Params.Set(icalendar.ParamAuto, now.UTC().Format("20060102T150405Z"))
	att.Params.Del(icalendar.ParamRSVP)
}

// expand lists the occurrences of the incoming calendar with the
// recipient's current PARTSTAT per instance.
func (e *Evaluator) expand(calendar *icalendar.Object, attendee string, horizon time.Time) ([]instance, error) {
	starts, err := calendar.ExpandInstances(horizon)
	if err != nil {
		return nil, err
	}
	comps := calendar.Instances()
	master := calendar.Master()

	out := make([]instance, 0, len(starts))
	for rid, start := range starts {
		comp := comps[rid]
		if comp == nil {
			comp = master
		}
		if comp == nil {
			continue
		}
		cs, ce, err := icalendar.ComponentTimeRange(comp)
		if err != nil {
			return nil, err
		}
		dur := ce.Sub(cs)
		partstat := icalendar.PartStatNeedsAction
		if att := icalendar.AttendeeProperty(comp, attendee); att != nil {
			partstat = icalendar.PartStat(att)
		}
		out = append(out, instance{rid: rid, start: start, end: start.Add(dur), partstat: partstat})
	}
	return out, nil
}

// Busy reports whether a recipient has opaque busy time overlapping
// [start, end), excluding the object with the given UID so an event
// never conflicts with its own earlier copy.
func Busy(ctx context.Context, home store.Home, excludeUID string, start, end time.Time) (bool, error) {
	collections, err := home.Calendars(ctx)
	if err != nil {
		return false, err
	}
	for _, coll := range collections {
		if !coll.FreeBusyEligible() || coll.Name() == store.InboxName {
			continue
		}
		objects, err := coll.Objects(ctx)
		if err != nil {
			return false, err
		}
		for _, obj := range objects {
			if obj.UID() == excludeUID {
				continue
			}
			cal, err := obj.Calendar(ctx)
			if err != nil {
				return false, err
			}
			overlap, err := objectOverlaps(cal, start, end)
			if err != nil {
				// Unparsable stored data never blocks scheduling.
				continue
			}
			if overlap {
				return true, nil
			}
		}
	}
	return false, nil
}

func objectOverlaps(cal *icalendar.Object, start, end time.Time) (bool, error) {
	if cal.MainType() != ical.CompEvent {
		return false, nil
	}
	starts, err := cal.ExpandInstances(end)
	if err != nil {
		return false, err
	}
	comps := cal.Instances()
	master := cal.Master()

	for rid, s := range starts {
		comp := comps[rid]
		if comp == nil {
			comp = master
		}
		if comp == nil {
			continue
		}
		if transparent(comp) || cancelled(comp) {
			continue
		}
		cs, ce, err := icalendar.ComponentTimeRange(comp)
		if err != nil {
			continue
		}
		e := s.Add(ce.Sub(cs))
		if s.Before(end) && e.After(start) {
			return true, nil
		}
	}
	return false, nil
}

func transparent(comp *ical.Component) bool {
	p := comp.Props.Get(icalendar.PropTransp)
	return p != nil && p.Value == "TRANSPARENT"
}

func cancelled(comp *ical.Component) bool {
	p := comp.Props.Get(icalendar.PropStatus)
	return p != nil && p.Value == icalendar.StatusCancelled
}

package freebusy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/store"
)

// Period is one contiguous busy span.
type Period struct {
	Start, End time.Time
}

// Request is a parsed VFREEBUSY scheduling query.
type Request struct {
	Start, End time.Time
	UID        string
	Organizer  string
	// MaskUID, when set, excludes that event from the recipient's own
	// busy time (the querier's own event must not mask itself).
	MaskUID string
}

// ParseRequest recognizes a free-busy query: a REQUEST whose sole
// component is a VFREEBUSY with UTC start and end. Returns nil when the
// payload is an ordinary invite instead.
func ParseRequest(msg *icalendar.Object) (*Request, error) {
	if msg.Method() != icalendar.MethodRequest {
		return nil, nil
	}
	var vfb *ical.Component
	for _, comp := range msg.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		if comp.Name != ical.CompFreeBusy {
			return nil, nil
		}
		if vfb != nil {
			return nil, fmt.Errorf("free-busy request with multiple VFREEBUSY components")
		}
		vfb = comp
	}
	if vfb == nil {
		return nil, nil
	}

	req := &Request{}
	for _, name := range []string{icalendar.PropDTStart, icalendar.PropDTEnd} {
		p := vfb.Props.Get(name)
		if p == nil {
			return nil, fmt.Errorf("free-busy request missing %s", name)
		}
		if !strings.HasSuffix(p.Value, "Z") {
			return nil, fmt.Errorf("free-busy request %s must be UTC", name)
		}
		t, err := icalendar.PropTime(p)
		if err != nil {
			return nil, err
		}
		if name == icalendar.PropDTStart {
			req.Start = t
		} else {
			req.End = t
		}
	}
	if !req.End.After(req.Start) {
		return nil, fmt.Errorf("free-busy request range is empty")
	}
	if p := vfb.Props.Get(icalendar.PropUID); p != nil {
		req.UID = p.Value
	}
	if org := icalendar.OrganizerProperty(vfb); org != nil {
		req.Organizer = icalendar.NormalizeCUA(org.Value)
	}
	if p := vfb.Props.Get(icalendar.PropMaskUID); p != nil {
		req.MaskUID = p.Value
	}
	return req, nil
}

// Query computes a recipient's busy periods in the request range.
func Query(ctx context.Context, home store.Home, req *Request) ([]Period, error) {
	var periods []Period

	collections, err := home.Calendars(ctx)
	if err != nil {
		return nil, err
	}
	for _, coll := range collections {
		if !coll.FreeBusyEligible() || coll.Name() == store.InboxName {
			continue
		}
		objects, err := coll.Objects(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			if req.MaskUID != "" && obj.UID() == req.MaskUID {
				continue
			}
			cal, err := obj.Calendar(ctx)
			if err != nil {
				return nil, err
			}
			ps, err := objectPeriods(cal, req.Start, req.End)
			if err != nil {
				continue
			}
			periods = append(periods, ps...)
		}
	}
	return mergePeriods(periods), nil
}

// Response renders the busy periods as a VFREEBUSY reply for the
// recipient.
func Response(req *Request, recipient string, periods []Period, now time.Time) *icalendar.Object {
	reply := icalendar.New()
	reply.SetMethod(icalendar.MethodReply)

	vfb := ical.NewComponent(ical.CompFreeBusy)
	if req.UID != "" {
		vfb.Props.SetText(icalendar.PropUID, req.UID)
	}
	vfb.Props.SetDateTime(icalendar.PropDTStamp, now.UTC())
	vfb.Props.SetText(icalendar.PropDTStart, req.Start.UTC().Format("20060102T150405Z"))
	vfb.Props.SetText(icalendar.PropDTEnd, req.End.UTC().Format("20060102T150405Z"))
	if req.Organizer != "" {
		vfb.Props.SetText(icalendar.PropOrganizer, req.Organizer)
	}
	vfb.Props.SetText(icalendar.PropAttendee, recipient)

	for _, p := range periods {
		prop := ical.NewProp(icalendar.PropFreeBusy)
		prop.Params.Set("FBTYPE", "BUSY")
		prop.Value = p.Start.UTC().Format("20060102T150405Z") + "/" + p.End.UTC().Format("20060102T150405Z")
		vfb.Props.Add(prop)
	}

	reply.AddComponent(vfb)
	return reply
}

func objectPeriods(cal *icalendar.Object, start, end time.Time) ([]Period, error) {
	if cal.MainType() != ical.CompEvent {
		return nil, nil
	}
	starts, err := cal.ExpandInstances(end)
	if err != nil {
		return nil, err
	}
	comps := cal.Instances()
	master := cal.Master()

	var out []Period
	for rid, s := range starts {
		comp := comps[rid]
		if comp == nil {
			comp = master
		}
		if comp == nil || transparent(comp) || cancelled(comp) {
			continue
		}
		cs, ce, err := icalendar.ComponentTimeRange(comp)
		if err != nil {
			continue
		}
		e := s.Add(ce.Sub(cs))
		if s.Before(end) && e.After(start) {
			if s.Before(start) {
				s = start
			}
			if e.After(end) {
				e = end
			}
			out = append(out, Period{Start: s, End: e})
		}
	}
	return out, nil
}

// mergePeriods sorts and coalesces overlapping or adjacent spans.
func mergePeriods(periods []Period) []Period {
	if len(periods) == 0 {
		return nil
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Start.Before(periods[j].Start) })
	merged := periods[:1]
	for _, p := range periods[1:] {
		last := &merged[len(merged)-1]
		if !p.Start.After(last.End) {
			if p.End.After(last.End) {
				last.End = p.End
			}
			continue
		}
		merged = append(merged, p)
	}
	return merged
}

package icalendar

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// Object wraps a VCALENDAR component tree holding all components of one
// scheduling object (one UID). Transforms that conceptually produce a new
// value operate on a Duplicate so concurrent readers of the source tree
// are safe without locking.
type Object struct {
	Cal *ical.Calendar
}

// New returns an empty VCALENDAR object carrying this server's PRODID.
func New() *Object {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, ProductID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	return &Object{Cal: cal}
}

// Parse decodes a serialized iCalendar stream into an Object.
func Parse(data string) (*Object, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("parse calendar data: %w", err)
	}
	return &Object{Cal: cal}, nil
}

// Encode serializes the object back to iCalendar text.
func (o *Object) Encode() (string, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(o.Cal); err != nil {
		return "", fmt.Errorf("encode calendar data: %w", err)
	}
	return buf.String(), nil
}

// Duplicate deep-copies the whole component tree.
func (o *Object) Duplicate() *Object {
	return &Object{Cal: &ical.Calendar{Component: DuplicateComponent(o.Cal.Component)}}
}

// DuplicateComponent deep-copies one component including nested children.
func DuplicateComponent(comp *ical.Component) *ical.Component {
	dup := ical.NewComponent(comp.Name)
	for name, props := range comp.Props {
		copied := make([]ical.Prop, 0, len(props))
		for _, p := range props {
			copied = append(copied, DuplicateProp(&p))
		}
		dup.Props[name] = copied
	}
	for _, child := range comp.Children {
		dup.Children = append(dup.Children, DuplicateComponent(child))
	}
	return dup
}

// DuplicateProp deep-copies a property and its parameters.
func DuplicateProp(p *ical.Prop) ical.Prop {
	dup := ical.Prop{Name: p.Name, Value: p.Value, Params: make(ical.Params, len(p.Params))}
	for name, values := range p.Params {
		dup.Params[name] = append([]string(nil), values...)
	}
	return dup
}

// UID returns the shared UID of the scheduling object, or "".
func (o *Object) UID() string {
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		if p := comp.Props.Get(PropUID); p != nil {
			return p.Value
		}
	}
	return ""
}

// Method returns the iTIP METHOD of the object, or "".
func (o *Object) Method() string {
	if p := o.Cal.Props.Get(PropMethod); p != nil {
		return strings.ToUpper(p.Value)
	}
	return ""
}

// SetMethod replaces the METHOD property on the top-level container.
func (o *Object) SetMethod(method string) {
	o.Cal.Props.SetText(PropMethod, method)
}

// StripMethod removes the METHOD property, turning an iTIP message back
// into a storable calendar object.
func (o *Object) StripMethod() {
	o.Cal.Props.Del(PropMethod)
}

// MainType returns the component type of the scheduling data (VEVENT,
// VTODO, VPOLL...), skipping timezones, or "" when only timezones or
// hidden components remain.
func (o *Object) MainType() string {
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		if comp.Props.Get(PropHiddenInstance) != nil {
			continue
		}
		return comp.Name
	}
	return ""
}

// Master returns the master (no RECURRENCE-ID) component, or nil.
func (o *Object) Master() *ical.Component {
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		if comp.Props.Get(PropRecurrenceID) == nil {
			return comp
		}
	}
	return nil
}

// Overridden returns the component overriding the given instance, or nil.
// Asking for the master RID returns the master component.
func (o *Object) Overridden(rid RID) *ical.Component {
	if rid.IsMaster() {
		return o.Master()
	}
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		if ComponentRID(comp) == rid {
			return comp
		}
	}
	return nil
}

// Instances returns every non-timezone component keyed by RID.
func (o *Object) Instances() map[RID]*ical.Component {
	m := make(map[RID]*ical.Component)
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		m[ComponentRID(comp)] = comp
	}
	return m
}

// AddComponent appends a component to the container.
func (o *Object) AddComponent(comp *ical.Component) {
	o.Cal.Children = append(o.Cal.Children, comp)
}

// RemoveComponent removes the given component from the container.
func (o *Object) RemoveComponent(comp *ical.Component) {
	children := o.Cal.Children[:0]
	for _, c := range o.Cal.Children {
		if c != comp {
			children = append(children, c)
		}
	}
	o.Cal.Children = children
}

// Timezones returns the VTIMEZONE components keyed by TZID.
func (o *Object) Timezones() map[string]*ical.Component {
	m := make(map[string]*ical.Component)
	for _, comp := range o.Cal.Children {
		if comp.Name != ical.CompTimezone {
			continue
		}
		if p := comp.Props.Get(PropTZID); p != nil {
			m[p.Value] = comp
		}
	}
	return m
}

// ComponentRID extracts the RID of a component. Components without a
// RECURRENCE-ID (or with an unparsable one) map to the master RID.
func ComponentRID(comp *ical.Component) RID {
	p := comp.Props.Get(PropRecurrenceID)
	if p == nil {
		return MasterRID
	}
	t, err := PropTime(p)
	if err != nil {
		return MasterRID
	}
	return RIDFromTime(t)
}

// PropTime parses a date or date-time property value honoring VALUE=DATE
// and TZID parameters. Floating times are interpreted as UTC.
func PropTime(p *ical.Prop) (time.Time, error) {
	return parseDateTime(p, p.Value)
}

func parseDateTime(p *ical.Prop, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasSuffix(raw, "Z"):
		return time.Parse("20060102T150405Z", raw)
	case len(raw) == 8:
		return time.Parse("20060102", raw)
	default:
		loc := time.UTC
		if tzid := p.Params.Get(PropTZID); tzid != "" {
			if l, err := time.LoadLocation(tzid); err == nil {
				loc = l
			}
		}
		t, err := time.ParseInLocation("20060102T150405", raw, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date-time value %q: %w", raw, err)
		}
		return t.UTC(), nil
	}
}

// PropTimes parses a potentially multi-valued date-time property (EXDATE,
// RDATE) into its individual UTC values.
func PropTimes(p *ical.Prop) ([]time.Time, error) {
	var out []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		if part == "" {
			continue
		}
		t, err := parseDateTime(p, part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Sequence returns the SEQUENCE of a component, zero when absent.
func Sequence(comp *ical.Component) int {
	p := comp.Props.Get(PropSequence)
	if p == nil {
		return 0
	}
	n, err := strconv.Atoi(p.Value)
	if err != nil {
		return 0
	}
	return n
}

// SetSequence replaces the SEQUENCE of a component.
func SetSequence(comp *ical.Component, seq int) {
	comp.Props.SetText(PropSequence, strconv.Itoa(seq))
}

// DTStamp returns the DTSTAMP of a component, the zero time when absent.
func DTStamp(comp *ical.Component) time.Time {
	p := comp.Props.Get(PropDTStamp)
	if p == nil {
		return time.Time{}
	}
	t, err := PropTime(p)
	if err != nil {
		return time.Time{}
	}
	return t
}

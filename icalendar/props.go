package icalendar

import (
	"strings"

	"github.com/emersion/go-ical"
)

// NormalizeCUA canonicalizes a calendar user address for comparison:
// mailto: addresses are lower-cased, everything else keeps its case but
// loses a trailing slash.
func NormalizeCUA(cua string) string {
	cua = strings.TrimSpace(cua)
	if strings.HasPrefix(strings.ToLower(cua), "mailto:") {
		return strings.ToLower(cua)
	}
	return strings.TrimSuffix(cua, "/")
}

// SameCUA compares two calendar user addresses after normalization.
func SameCUA(a, b string) bool {
	return NormalizeCUA(a) == NormalizeCUA(b)
}

// OrganizerProperty returns the ORGANIZER property of a component, or nil.
func OrganizerProperty(comp *ical.Component) *ical.Prop {
	return comp.Props.Get(PropOrganizer)
}

// OrganizerValue returns the normalized ORGANIZER value of a component,
// or "" when the component is nil or has no ORGANIZER.
func OrganizerValue(comp *ical.Component) string {
	if comp == nil {
		return ""
	}
	if p := OrganizerProperty(comp); p != nil {
		return NormalizeCUA(p.Value)
	}
	return ""
}

// OrganizerValue returns the normalized ORGANIZER value of the first
// scheduling component in the object, or "".
func (o *Object) OrganizerValue() string {
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		if p := OrganizerProperty(comp); p != nil {
			return NormalizeCUA(p.Value)
		}
	}
	return ""
}

// AttendeeProperty finds the ATTENDEE property of a component matching any
// of the given calendar user addresses, or nil.
func AttendeeProperty(comp *ical.Component, cuas ...string) *ical.Prop {
	props := comp.Props[PropAttendee]
	for i := range props {
		for _, cua := range cuas {
			if SameCUA(props[i].Value, cua) {
				return &props[i]
			}
		}
	}
	return nil
}

// VoterProperty finds the VOTER property matching one of the addresses.
func VoterProperty(comp *ical.Component, cuas ...string) *ical.Prop {
	props := comp.Props[PropVoter]
	for i := range props {
		for _, cua := range cuas {
			if SameCUA(props[i].Value, cua) {
				return &props[i]
			}
		}
	}
	return nil
}

// AttendeeValues collects the distinct normalized ATTENDEE values across
// every scheduling component of the object, in first-seen order.
func (o *Object) AttendeeValues() []string {
	var out []string
	seen := make(map[string]bool)
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		for _, p := range comp.Props[PropAttendee] {
			v := NormalizeCUA(p.Value)
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// PartStat returns the PARTSTAT of an attendee property, defaulting to
// NEEDS-ACTION per RFC 5545.
func PartStat(attendee *ical.Prop) string {
	if v := attendee.Params.Get(ParamPartStat); v != "" {
		return strings.ToUpper(v)
	}
	return PartStatNeedsAction
}

// ScheduleAgent returns the SCHEDULE-AGENT of a property, defaulting to
// SERVER per RFC 6638.
func ScheduleAgent(p *ical.Prop) string {
	if v := p.Params.Get(ParamScheduleAgent); v != "" {
		return strings.ToUpper(v)
	}
	return ScheduleAgentServer
}

// ReplaceProp removes all properties with the given name and installs the
// replacement.
func ReplaceProp(comp *ical.Component, p *ical.Prop) {
	comp.Props.Del(p.Name)
	comp.Props.Add(p)
}

// ReplacePropInAll replaces the property in every scheduling component of
// the object.
func (o *Object) ReplacePropInAll(p *ical.Prop) {
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		dup := DuplicateProp(p)
		ReplaceProp(comp, &dup)
	}
}

// AddPropToAll adds the property to every scheduling component.
func (o *Object) AddPropToAll(p *ical.Prop) {
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		dup := DuplicateProp(p)
		comp.Props.Add(&dup)
	}
}

// TransferParam copies one parameter value from an old property onto a new
// one, removing it from the new property when the old had none.
func TransferParam(from, to *ical.Prop, param string) {
	if v := from.Params.Get(param); v != "" {
		to.Params.Set(param, v)
	} else {
		to.Params.Del(param)
	}
}

// Alarms returns the VALARM children of a component.
func Alarms(comp *ical.Component) []*ical.Component {
	var out []*ical.Component
	for _, child := range comp.Children {
		if child.Name == ical.CompAlarm {
			out = append(out, child)
		}
	}
	return out
}

// TextProp builds a simple text property.
func TextProp(name, value string) *ical.Prop {
	p := ical.NewProp(name)
	p.Value = value
	return p
}

package icalendar

import (
	"sort"
	"strings"

	"github.com/emersion/go-ical"
)

// RemoveAlarms strips VALARM sub-components from every component.
func (o *Object) RemoveAlarms() {
	for _, comp := range o.Cal.Children {
		RemoveAlarms(comp)
	}
}

// RemoveAlarms strips VALARM children from one component.
func RemoveAlarms(comp *ical.Component) {
	children := comp.Children[:0]
	for _, child := range comp.Children {
		if child.Name != ical.CompAlarm {
			children = append(children, child)
		}
	}
	comp.Children = children
}

// FilterProperties keeps only the named properties in every scheduling
// component of the object.
func (o *Object) FilterProperties(keep ...string) {
	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		for name := range comp.Props {
			if !keepSet[name] {
				delete(comp.Props, name)
			}
		}
	}
}

// RemoveProperties deletes the named properties. When subcomponents is
// false only the top-level container is touched.
func (o *Object) RemoveProperties(subcomponents bool, names ...string) {
	for _, name := range names {
		o.Cal.Props.Del(name)
	}
	if !subcomponents {
		return
	}
	for _, comp := range o.Cal.Children {
		for _, name := range names {
			comp.Props.Del(name)
		}
	}
}

// RemoveXProperties deletes every X- property from scheduling components
// except those named in keep.
func (o *Object) RemoveXProperties(keep ...string) {
	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		removeXProps(comp, keepSet)
		for _, child := range comp.Children {
			removeXProps(child, keepSet)
		}
	}
}

func removeXProps(comp *ical.Component, keep map[string]bool) {
	for name := range comp.Props {
		if strings.HasPrefix(name, "X-") && !keep[name] {
			delete(comp.Props, name)
		}
	}
}

// RemoveXComponents deletes every X- sub-component from the container.
func (o *Object) RemoveXComponents() {
	children := o.Cal.Children[:0]
	for _, comp := range o.Cal.Children {
		if !strings.HasPrefix(comp.Name, "X-") {
			children = append(children, comp)
		}
	}
	o.Cal.Children = children
}

// RemovePropParams strips the named parameters from every property with
// the given name across all scheduling components.
func (o *Object) RemovePropParams(propName string, params ...string) {
	for _, comp := range o.Cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		props := comp.Props[propName]
		for i := range props {
			for _, param := range params {
				props[i].Params.Del(param)
			}
		}
	}
}

// PropFingerprints renders every property of a component into a canonical
// "NAME;PARAM=V;...:VALUE" form for symmetric-difference comparison.
// Parameters are sorted so ordering differences do not register as change.
func PropFingerprints(comp *ical.Component, ignore map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for name, props := range comp.Props {
		if ignore[name] {
			continue
		}
		for i := range props {
			out[PropFingerprint(&props[i])] = true
		}
	}
	return out
}

// PropFingerprint renders one property into its canonical comparison form.
func PropFingerprint(p *ical.Prop) string {
	var sb strings.Builder
	sb.WriteString(p.Name)
	names := make([]string, 0, len(p.Params))
	for name := range p.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := append([]string(nil), p.Params[name]...)
		sort.Strings(values)
		sb.WriteString(";")
		sb.WriteString(name)
		sb.WriteString("=")
		sb.WriteString(strings.Join(values, ","))
	}
	sb.WriteString(":")
	if p.Name == PropAttendee || p.Name == PropOrganizer || p.Name == PropVoter {
		sb.WriteString(NormalizeCUA(p.Value))
	} else {
		sb.WriteString(p.Value)
	}
	return sb.String()
}

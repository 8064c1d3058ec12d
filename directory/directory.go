// Package directory resolves calendar user addresses to principal
// records. The scheduling engine only consumes the lookup interface;
// deployments back it with whatever principal source they have.
package directory

import (
	"context"

	"github.com/skedra/skedra/icalendar"
)

// AutoScheduleMode controls how a principal answers incoming invites
// without user interaction.
type AutoScheduleMode string

const (
	AutoScheduleNone          AutoScheduleMode = "none"
	AutoScheduleAcceptAlways  AutoScheduleMode = "accept-always"
	AutoScheduleDeclineAlways AutoScheduleMode = "decline-always"
	AutoScheduleAcceptIfFree  AutoScheduleMode = "accept-if-free"
	AutoScheduleDeclineIfBusy AutoScheduleMode = "decline-if-busy"
	// AutoScheduleAutomatic accepts when free and declines when busy.
	AutoScheduleAutomatic AutoScheduleMode = "automatic"
)

// CUType mirrors the iCalendar CUTYPE registry values the engine cares
// about.
type CUType string

const (
	CUTypeIndividual CUType = "INDIVIDUAL"
	CUTypeGroup      CUType = "GROUP"
	CUTypeRoom       CUType = "ROOM"
	CUTypeResource   CUType = "RESOURCE"
)

// Pod identifies a peer server instance of the same service cluster.
type Pod struct {
	ID  string
	URI string
}

// Record is one directory principal.
type Record struct {
	UID                   string
	FullName              string
	CalendarUserAddresses []string
	EmailAddresses        []string
	CUType                CUType
	Enabled               bool

	// PodID is empty for principals homed on this server.
	PodID string

	// AutoSchedule is the default mode; AutoScheduleSenders overrides it
	// per organizer address.
	AutoSchedule        AutoScheduleMode
	AutoScheduleSenders map[string]AutoScheduleMode
}

// ThisServer reports whether the principal's data is homed here.
func (r *Record) ThisServer() bool { return r.PodID == "" }

// CalendarsEnabled reports whether the principal can receive scheduling
// messages at all.
func (r *Record) CalendarsEnabled() bool { return r.Enabled }

// Individual reports whether the principal is a human user rather than a
// room, resource or group.
func (r *Record) Individual() bool {
	return r.CUType == "" || r.CUType == CUTypeIndividual
}

// AutoScheduleModeFor returns the effective auto-schedule mode for
// invites from the given organizer. Rooms and resources default to
// automatic acceptance when nothing is configured.
func (r *Record) AutoScheduleModeFor(organizer string) AutoScheduleMode {
	if mode, ok := r.AutoScheduleSenders[icalendar.NormalizeCUA(organizer)]; ok {
		return mode
	}
	if r.AutoSchedule != "" {
		return r.AutoSchedule
	}
	if !r.Individual() {
		return AutoScheduleAutomatic
	}
	return AutoScheduleNone
}

// CanAutoSchedule reports whether invites from the organizer are
// answered automatically.
func (r *Record) CanAutoSchedule(organizer string) bool {
	return r.AutoScheduleModeFor(organizer) != AutoScheduleNone
}

// PrimaryAddress returns the record's canonical calendar user address.
func (r *Record) PrimaryAddress() string {
	if len(r.CalendarUserAddresses) > 0 {
		return icalendar.NormalizeCUA(r.CalendarUserAddresses[0])
	}
	return ""
}

// Directory looks up principals by calendar user address.
type Directory interface {
	// RecordWithCalendarUserAddress returns the record owning the address
	// or nil when no principal matches. The error is reserved for lookup
	// transport failures, never for "not found".
	RecordWithCalendarUserAddress(ctx context.Context, cua string) (*Record, error)

	// PodWithID resolves a peer server reference, nil when unknown.
	PodWithID(ctx context.Context, id string) (*Pod, error)
}

// Package store defines the calendar object storage contract the
// scheduling engine runs against. Transactional semantics belong to the
// implementation; the engine treats the store as externally
// synchronized.
package store

import (
	"context"
	"errors"

	"github.com/skedra/skedra/icalendar"
)

// ErrNotFound is returned when a home, collection or object does not
// exist and creation was not requested.
var ErrNotFound = errors.New("store: not found")

// InternalState tells the store who is writing, so it can vary its
// bookkeeping (for instance, skipping instance re-indexing on attendee
// iTIP rewrites).
type InternalState int

const (
	// StateUser is a normal client-initiated write.
	StateUser InternalState = iota
	// StateOrganizerITIP is a write applying an organizer's iTIP message.
	StateOrganizerITIP
	// StateAttendeeITIP is a write applying an attendee's iTIP message.
	StateAttendeeITIP
)

// InboxName is the well-known name of a home's scheduling inbox.
const InboxName = "inbox"

// DefaultCalendarName is where auto-processed invites land.
const DefaultCalendarName = "calendar"

// Store is the root entry point.
type Store interface {
	// HomeForUser returns the calendar home of a principal, creating it
	// when create is set, otherwise ErrNotFound.
	HomeForUser(ctx context.Context, ownerUID string, create bool) (Home, error)
}

// Home is one principal's calendar home.
type Home interface {
	OwnerUID() string

	// Calendar returns a named collection, ErrNotFound when absent.
	Calendar(ctx context.Context, name string) (Collection, error)

	// Calendars lists every collection in the home, the inbox included.
	Calendars(ctx context.Context) ([]Collection, error)

	// ObjectWithUID finds the scheduling object for a UID across all
	// non-inbox collections, ErrNotFound when absent.
	ObjectWithUID(ctx context.Context, uid string) (Object, error)
}

// Collection is one calendar (or the inbox) inside a home.
type Collection interface {
	Name() string

	// FreeBusyEligible reports whether the collection's events count
	// toward the owner's busy time.
	FreeBusyEligible() bool

	Objects(ctx context.Context) ([]Object, error)

	// CreateObject stores a new resource under the given name.
	CreateObject(ctx context.Context, name string, data *icalendar.Object, state InternalState) (Object, error)
}

// Object is one stored calendar object resource.
type Object interface {
	Name() string
	UID() string

	// Calendar returns the parsed component tree. Callers must not
	// mutate it; rewrite through SetCalendar instead.
	Calendar(ctx context.Context) (*icalendar.Object, error)

	SetCalendar(ctx context.Context, data *icalendar.Object, state InternalState) error

	Remove(ctx context.Context, state InternalState) error
}

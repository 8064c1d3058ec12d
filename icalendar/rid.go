package icalendar

import (
	"fmt"
	"time"
)

const ridLayout = "20060102T150405Z"

// RID identifies one instance of a recurring scheduling object by its
// RECURRENCE-ID value normalized to UTC. The zero value refers to the
// master component. RIDs sort chronologically as plain strings.
type RID string

// MasterRID is the RID of the non-overridden master component.
const MasterRID RID = ""

// RIDFromTime builds a RID from a recurrence instance start time.
func RIDFromTime(t time.Time) RID {
	return RID(t.UTC().Format(ridLayout))
}

// IsMaster reports whether the RID refers to the master component.
func (r RID) IsMaster() bool {
	return r == MasterRID
}

// Time converts the RID back into a UTC time. Fails on the master RID.
func (r RID) Time() (time.Time, error) {
	if r.IsMaster() {
		return time.Time{}, fmt.Errorf("master component has no recurrence time")
	}
	t, err := time.Parse(ridLayout, string(r))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid recurrence id %q: %w", r, err)
	}
	return t, nil
}

func (r RID) String() string {
	if r.IsMaster() {
		return "master"
	}
	return string(r)
}

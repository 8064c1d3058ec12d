package icalendar

import "github.com/emersion/go-ical"

// CompareForITIP orders two components the way RFC 5546 sequencing
// requires: by SEQUENCE first, then DTSTAMP when requested. Returns a
// positive value when a is newer than b, zero when equivalent, negative
// when older. An equal result counts as "new" for processing purposes so
// duplicate delivery re-applies as a no-op instead of erroring.
func CompareForITIP(a, b *ical.Component, useDTStamp bool) int {
	seqA, seqB := Sequence(a), Sequence(b)
	if seqA != seqB {
		if seqA > seqB {
			return 1
		}
		return -1
	}
	if !useDTStamp {
		return 0
	}
	stampA, stampB := DTStamp(a), DTStamp(b)
	switch {
	case stampA.After(stampB):
		return 1
	case stampA.Before(stampB):
		return -1
	default:
		return 0
	}
}

package processing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skedra/skedra/config"
	"github.com/skedra/skedra/cuaddress"
	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/store"
)

type recordedSend struct {
	originator string
	recipients []string
	msg        *icalendar.Object
	refresh    bool
}

type fakeSender struct {
	replies  []recordedSend
	requests []recordedSend
}

func (f *fakeSender) SendReply(_ context.Context, originator, organizer string, msg *icalendar.Object) error {
	f.replies = append(f.replies, recordedSend{originator: originator, recipients: []string{organizer}, msg: msg})
	return nil
}

func (f *fakeSender) SendRequests(_ context.Context, originator string, recipients []string, msg *icalendar.Object, refresh bool) error {
	f.requests = append(f.requests, recordedSend{originator: originator, recipients: recipients, msg: msg, refresh: refresh})
	return nil
}

type fixture struct {
	store     *store.Memory
	dir       *directory.Memory
	sender    *fakeSender
	processor *Processor
}

func newFixture(t *testing.T, records ...*directory.Record) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		dir:    directory.NewMemory(records...),
		sender: &fakeSender{},
	}
	cfg := config.Default().Scheduling
	f.processor = NewProcessor(f.store, f.dir, f.sender, cfg, nil)
	return f
}

func user(uid, email string, cutype directory.CUType, mode directory.AutoScheduleMode) *directory.Record {
	return &directory.Record{
		UID:                   uid,
		CalendarUserAddresses: []string{"mailto:" + email},
		Enabled:               true,
		CUType:                cutype,
		AutoSchedule:          mode,
	}
}

func localUser(t *testing.T, f *fixture, email string) cuaddress.CalendarUser {
	t.Helper()
	r := &cuaddress.Resolver{Dir: f.dir}
	u, err := r.Resolve(context.Background(), "mailto:"+email)
	require.NoError(t, err)
	require.Equal(t, cuaddress.KindLocal, u.Kind)
	return u
}

func parseCal(t *testing.T, method, body string) *icalendar.Object {
	t.Helper()
	head := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n"
	if method != "" {
		head += "METHOD:" + method + "\r\n"
	}
	obj, err := icalendar.Parse(head +
		strings.ReplaceAll(strings.TrimSpace(body), "\n", "\r\n") + "\r\nEND:VCALENDAR\r\n")
	require.NoError(t, err)
	return obj
}

func inboxCount(t *testing.T, f *fixture, ownerUID string) int {
	t.Helper()
	ctx := context.Background()
	home, err := f.store.HomeForUser(ctx, ownerUID, true)
	require.NoError(t, err)
	inbox, err := home.Calendar(ctx, store.InboxName)
	require.NoError(t, err)
	objs, err := inbox.Objects(ctx)
	require.NoError(t, err)
	return len(objs)
}

func storedCalendar(t *testing.T, f *fixture, ownerUID, uid string) *icalendar.Object {
	t.Helper()
	ctx := context.Background()
	home, err := f.store.HomeForUser(ctx, ownerUID, true)
	require.NoError(t, err)
	obj, err := home.ObjectWithUID(ctx, uid)
	require.NoError(t, err)
	cal, err := obj.Calendar(ctx)
	require.NoError(t, err)
	return cal
}

const inviteTemplate = `BEGIN:VEVENT
UID:uid1
DTSTAMP:20990101T000000Z
DTSTART:20990106T100000Z
DTEND:20990106T110000Z
SEQUENCE:0
SUMMARY:Planning
ORGANIZER:mailto:org@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:org@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:att@example.com
END:VEVENT`

// New invite, mode accept-if-free, recipient fully free: PARTSTAT
// becomes ACCEPTED, an auto-reply is queued, an individual recipient
// still sees an inbox item while a resource would not.
func TestNewInviteAutoAcceptIndividual(t *testing.T) {
	f := newFixture(t,
		user("org01", "org@example.com", directory.CUTypeIndividual, ""),
		user("att01", "att@example.com", directory.CUTypeIndividual, directory.AutoScheduleAcceptIfFree),
	)
	msg := Message{
		Originator: localUser(t, f, "org@example.com"),
		Recipient:  localUser(t, f, "att@example.com"),
		Calendar:   parseCal(t, "REQUEST", inviteTemplate),
	}

	result, err := f.processor.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.True(t, result.AutoReplied)
	assert.True(t, result.InboxItem)
	assert.Equal(t, 1, inboxCount(t, f, "att01"))

	stored := storedCalendar(t, f, "att01", "uid1")
	att := icalendar.AttendeeProperty(stored.Master(), "mailto:att@example.com")
	require.NotNil(t, att)
	assert.Equal(t, icalendar.PartStatAccepted, icalendar.PartStat(att))

	require.Len(t, f.sender.replies, 1)
	assert.Equal(t, "mailto:org@example.com", f.sender.replies[0].recipients[0])
}

func TestNewInviteAutoAcceptResourceNoInbox(t *testing.T) {
	f := newFixture(t,
		user("org01", "org@example.com", directory.CUTypeIndividual, ""),
		user("room01", "att@example.com", directory.CUTypeRoom, ""),
	)
	msg := Message{
		Originator: localUser(t, f, "org@example.com"),
		Recipient:  localUser(t, f, "att@example.com"),
		Calendar:   parseCal(t, "REQUEST", inviteTemplate),
	}

	result, err := f.processor.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, result.AutoReplied)
	assert.False(t, result.InboxItem)
	assert.Equal(t, 0, inboxCount(t, f, "room01"))
}

func TestNewInviteAllDeclinedIgnored(t *testing.T) {
	f := newFixture(t,
		user("org01", "org@example.com", directory.CUTypeIndividual, ""),
		user("att01", "att@example.com", directory.CUTypeIndividual, ""),
	)
	declined := parseCal(t, "REQUEST", strings.Replace(inviteTemplate,
		"PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:att@example.com",
		"PARTSTAT=DECLINED:mailto:att@example.com", 1))
	msg := Message{
		Originator: localUser(t, f, "org@example.com"),
		Recipient:  localUser(t, f, "att@example.com"),
		Calendar:   declined,
	}

	result, err := f.processor.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)

	home, err := f.store.HomeForUser(context.Background(), "att01", true)
	require.NoError(t, err)
	_, err = home.ObjectWithUID(context.Background(), "uid1")
	assert.Error(t, err)
}

func TestOrganizerChangeRejected(t *testing.T) {
	f := newFixture(t,
		user("org01", "org@example.com", directory.CUTypeIndividual, ""),
		user("att01", "att@example.com", directory.CUTypeIndividual, ""),
	)
	ctx := context.Background()
	first := Message{
		Originator: localUser(t, f, "org@example.com"),
		Recipient:  localUser(t, f, "att@example.com"),
		Calendar:   parseCal(t, "REQUEST", inviteTemplate),
	}
	_, err := f.processor.Process(ctx, first)
	require.NoError(t, err)

	hijack := parseCal(t, "REQUEST", strings.NewReplacer(
		"ORGANIZER:mailto:org@example.com", "ORGANIZER:mailto:evil@example.com",
		"SEQUENCE:0", "SEQUENCE:1",
	).Replace(inviteTemplate))
	_, err = f.processor.Process(ctx, Message{
		Originator: first.Originator,
		Recipient:  first.Recipient,
		Calendar:   hijack,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "organizer change")
}

// Cancel of one instance where the attendee's override is hidden: the
// override disappears and the master gets an EXDATE, no visible
// cancelled instance.
func TestCancelHiddenOverride(t *testing.T) {
	f := newFixture(t,
		user("org01", "org@example.com", directory.CUTypeIndividual, ""),
		user("att01", "att@example.com", directory.CUTypeIndividual, directory.AutoScheduleAcceptAlways),
	)
	ctx := context.Background()

	recurring := strings.Replace(inviteTemplate, "SEQUENCE:0",
		"SEQUENCE:0\nRRULE:FREQ=DAILY;COUNT=5", 1)
	invite := parseCal(t, "REQUEST", recurring+`
BEGIN:VEVENT
UID:uid1
RECURRENCE-ID:20990107T100000Z
DTSTAMP:20990101T000000Z
DTSTART:20990107T100000Z
DTEND:20990107T110000Z
SEQUENCE:0
ORGANIZER:mailto:org@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:org@example.com
ATTENDEE;PARTSTAT=DECLINED:mailto:att@example.com
END:VEVENT`)

	originator := localUser(t, f, "org@example.com")
	recipient := localUser(t, f, "att@example.com")
	_, err := f.processor.Process(ctx, Message{Originator: originator, Recipient: recipient, Calendar: invite})
	require.NoError(t, err)

	// The declined override was stored hidden.
	stored := storedCalendar(t, f, "att01", "uid1")
	hidden := stored.Overridden(icalendar.RID("20990107T100000Z"))
	require.NotNil(t, hidden)
	require.NotNil(t, hidden.Props.Get(icalendar.PropHiddenInstance))

	cancel := parseCal(t, "CANCEL", `BEGIN:VEVENT
UID:uid1
RECURRENCE-ID:20990107T100000Z
DTSTAMP:20990102T000000Z
DTSTART:20990107T100000Z
SEQUENCE:1
ORGANIZER:mailto:org@example.com
ATTENDEE;PARTSTAT=DECLINED:mailto:att@example.com
END:VEVENT`)
	result, err := f.processor.Process(ctx, Message{Originator: originator, Recipient: recipient, Calendar: cancel})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	after := storedCalendar(t, f, "att01", "uid1")
	assert.Nil(t, after.Overridden(icalendar.RID("20990107T100000Z")))
	assert.Contains(t, after.ExDates(), icalendar.RID("20990107T100000Z"))
}

func TestCancelUnknownObjectIgnored(t *testing.T) {
	f := newFixture(t,
		user("org01", "org@example.com", directory.CUTypeIndividual, ""),
		user("att01", "att@example.com", directory.CUTypeIndividual, ""),
	)
	cancel := parseCal(t, "CANCEL", inviteTemplate)
	result, err := f.processor.Process(context.Background(), Message{
		Originator: localUser(t, f, "org@example.com"),
		Recipient:  localUser(t, f, "att@example.com"),
		Calendar:   cancel,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
}

func TestRefreshIsNoOp(t *testing.T) {
	f := newFixture(t,
		user("org01", "org@example.com", directory.CUTypeIndividual, ""),
	)
	refresh := parseCal(t, "REFRESH", inviteTemplate)
	result, err := f.processor.Process(context.Background(), Message{
		Originator: localUser(t, f, "org@example.com"),
		Recipient:  localUser(t, f, "org@example.com"),
		Calendar:   refresh,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
}

// A reply that changes PARTSTAT triggers a refresh REQUEST to the other
// attendees, marked as refresh so delivery suppresses cross-domain
// fan-out.
func TestReplyTriggersRefresh(t *testing.T) {
	f := newFixture(t,
		user("org01", "org@example.com", directory.CUTypeIndividual, ""),
		user("att01", "att@example.com", directory.CUTypeIndividual, ""),
		user("att02", "att2@example.com", directory.CUTypeIndividual, ""),
	)
	ctx := context.Background()

	// Seed the organizer's stored copy.
	orgCopy := parseCal(t, "", strings.Replace(inviteTemplate,
		"ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:att@example.com",
		"ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:att@example.com\nATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:att2@example.com", 1))
	home, err := f.store.HomeForUser(ctx, "org01", true)
	require.NoError(t, err)
	coll, err := home.Calendar(ctx, store.DefaultCalendarName)
	require.NoError(t, err)
	_, err = coll.CreateObject(ctx, "uid1.ics", orgCopy, store.StateUser)
	require.NoError(t, err)

	reply := parseCal(t, "REPLY", `BEGIN:VEVENT
UID:uid1
DTSTAMP:20990102T000000Z
DTSTART:20990106T100000Z
SEQUENCE:0
ORGANIZER:mailto:org@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:att@example.com
REQUEST-STATUS:2.0;Success
END:VEVENT`)
	result, err := f.processor.Process(ctx, Message{
		Originator: localUser(t, f, "att@example.com"),
		Recipient:  localUser(t, f, "org@example.com"),
		Calendar:   reply,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.True(t, result.InboxItem)

	stored := storedCalendar(t, f, "org01", "uid1")
	att := icalendar.AttendeeProperty(stored.Master(), "mailto:att@example.com")
	assert.Equal(t, icalendar.PartStatAccepted, icalendar.PartStat(att))

	require.Len(t, f.sender.requests, 1)
	assert.True(t, f.sender.requests[0].refresh)
	assert.Equal(t, []string{"mailto:att2@example.com"}, f.sender.requests[0].recipients)
}

func TestReplyToDeletedCopyIgnored(t *testing.T) {
	f := newFixture(t,
		user("org01", "org@example.com", directory.CUTypeIndividual, ""),
		user("att01", "att@example.com", directory.CUTypeIndividual, ""),
	)
	reply := parseCal(t, "REPLY", `BEGIN:VEVENT
UID:gone
DTSTAMP:20990102T000000Z
SEQUENCE:0
ORGANIZER:mailto:org@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:att@example.com
END:VEVENT`)
	result, err := f.processor.Process(context.Background(), Message{
		Originator: localUser(t, f, "att@example.com"),
		Recipient:  localUser(t, f, "org@example.com"),
		Calendar:   reply,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
}

func TestStaleRequestIgnored(t *testing.T) {
	f := newFixture(t,
		user("org01", "org@example.com", directory.CUTypeIndividual, ""),
		user("att01", "att@example.com", directory.CUTypeIndividual, ""),
	)
	ctx := context.Background()
	originator := localUser(t, f, "org@example.com")
	recipient := localUser(t, f, "att@example.com")

	newer := parseCal(t, "REQUEST", strings.Replace(inviteTemplate, "SEQUENCE:0", "SEQUENCE:2", 1))
	_, err := f.processor.Process(ctx, Message{Originator: originator, Recipient: recipient, Calendar: newer})
	require.NoError(t, err)

	stale := parseCal(t, "REQUEST", strings.Replace(inviteTemplate, "SUMMARY:Planning", "SUMMARY:Stale", 1))
	result, err := f.processor.Process(ctx, Message{Originator: originator, Recipient: recipient, Calendar: stale})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)

	stored := storedCalendar(t, f, "att01", "uid1")
	assert.Equal(t, "Planning", stored.Master().Props.Get(icalendar.PropSummary).Value)
}

func TestSplitCalendar(t *testing.T) {
	recurring := parseCal(t, "", strings.Replace(inviteTemplate, "SEQUENCE:0",
		"SEQUENCE:0\nRRULE:FREQ=DAILY;COUNT=10", 1))

	older, newer, err := splitCalendar(recurring, icalendar.RID("20990111T100000Z"), "older-uid")
	require.NoError(t, err)

	assert.Equal(t, "older-uid", older.UID())
	rule := older.Master().Props.Get(icalendar.PropRRule)
	require.NotNil(t, rule)
	assert.Contains(t, rule.Value, "UNTIL=20990111T095959Z")
	assert.NotContains(t, rule.Value, "COUNT")

	assert.Equal(t, "uid1", newer.UID())
	assert.NotNil(t, newer.Master().Props.Get(icalendar.PropSplitOlderUID))
	// The first five occurrences moved to the older half.
	assert.Contains(t, newer.ExDates(), icalendar.RID("20990106T100000Z"))
	assert.Contains(t, newer.ExDates(), icalendar.RID("20990110T100000Z"))
}

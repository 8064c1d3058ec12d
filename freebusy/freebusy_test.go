package freebusy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/store"
)

func parse(t *testing.T, body string) *icalendar.Object {
	t.Helper()
	obj, err := icalendar.Parse("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		strings.ReplaceAll(strings.TrimSpace(body), "\n", "\r\n") + "\r\nEND:VCALENDAR\r\n")
	require.NoError(t, err)
	return obj
}

var testNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testHome(t *testing.T, busyEvents ...*icalendar.Object) store.Home {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	home, err := s.HomeForUser(ctx, "user01", true)
	require.NoError(t, err)
	coll, err := home.Calendar(ctx, store.DefaultCalendarName)
	require.NoError(t, err)
	for i, ev := range busyEvents {
		_, err := coll.CreateObject(ctx, ev.UID()+".ics", ev, store.StateUser)
		require.NoError(t, err)
		_ = i
	}
	return home
}

func evaluator() *Evaluator {
	return &Evaluator{Now: func() time.Time { return testNow }}
}

const inviteBody = `BEGIN:VEVENT
UID:invite1
DTSTAMP:20250101T000000Z
DTSTART:20250106T100000Z
DTEND:20250106T110000Z
SEQUENCE:0
ORGANIZER:mailto:org@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:user01@example.com
END:VEVENT`

const busyBody = `BEGIN:VEVENT
UID:existing1
DTSTAMP:20250101T000000Z
DTSTART:20250106T103000Z
DTEND:20250106T113000Z
SUMMARY:Conflict
END:VEVENT`

func TestEvaluateModeNone(t *testing.T) {
	d, err := evaluator().Evaluate(context.Background(), testHome(t), "mailto:user01@example.com",
		directory.AutoScheduleNone, parse(t, inviteBody))
	require.NoError(t, err)
	assert.False(t, d.Applied)
	assert.True(t, d.NeedsInbox)
}

func TestEvaluateAcceptIfFree(t *testing.T) {
	ctx := context.Background()
	attendee := "mailto:user01@example.com"

	free, err := evaluator().Evaluate(ctx, testHome(t), attendee,
		directory.AutoScheduleAcceptIfFree, parse(t, inviteBody))
	require.NoError(t, err)
	require.True(t, free.Applied)
	assert.False(t, free.NeedsInbox)
	att := icalendar.AttendeeProperty(free.Calendar.Master(), attendee)
	assert.Equal(t, icalendar.PartStatAccepted, icalendar.PartStat(att))
	assert.Empty(t, att.Params.Get(icalendar.ParamRSVP))
	assert.NotEmpty(t, att.Params.Get(icalendar.ParamAuto))

	// Busy leaves the invite undecided under accept-if-free.
	busy, err := evaluator().Evaluate(ctx, testHome(t, parse(t, busyBody)), attendee,
		directory.AutoScheduleAcceptIfFree, parse(t, inviteBody))
	require.NoError(t, err)
	assert.False(t, busy.Applied)
	assert.True(t, busy.NeedsInbox)
}

func TestEvaluateAutomaticDeclinesBusy(t *testing.T) {
	attendee := "mailto:user01@example.com"
	d, err := evaluator().Evaluate(context.Background(), testHome(t, parse(t, busyBody)), attendee,
		directory.AutoScheduleAutomatic, parse(t, inviteBody))
	require.NoError(t, err)
	require.True(t, d.Applied)
	assert.False(t, d.NeedsInbox)
	att := icalendar.AttendeeProperty(d.Calendar.Master(), attendee)
	assert.Equal(t, icalendar.PartStatDeclined, icalendar.PartStat(att))
}

func TestEvaluateTransparentConflictIsFree(t *testing.T) {
	attendee := "mailto:user01@example.com"
	transparent := parse(t, strings.Replace(busyBody, "SUMMARY:Conflict", "SUMMARY:Conflict\nTRANSP:TRANSPARENT", 1))

	d, err := evaluator().Evaluate(context.Background(), testHome(t, transparent), attendee,
		directory.AutoScheduleAutomatic, parse(t, inviteBody))
	require.NoError(t, err)
	require.True(t, d.Applied)
	att := icalendar.AttendeeProperty(d.Calendar.Master(), attendee)
	assert.Equal(t, icalendar.PartStatAccepted, icalendar.PartStat(att))
}

func TestEvaluateAllPast(t *testing.T) {
	past := parse(t, strings.NewReplacer(
		"DTSTART:20250106T100000Z", "DTSTART:20241201T100000Z",
		"DTEND:20250106T110000Z", "DTEND:20241201T110000Z",
	).Replace(inviteBody))

	d, err := evaluator().Evaluate(context.Background(), testHome(t), "mailto:user01@example.com",
		directory.AutoScheduleAcceptAlways, past)
	require.NoError(t, err)
	assert.True(t, d.AllPast)
	assert.False(t, d.Applied)
	assert.False(t, d.NeedsInbox)
}

// Three instances, the middle one conflicting: the master takes the
// 2-vs-1 majority ACCEPTED, the conflict gets its own DECLINED override,
// and no inbox item is needed since nothing stayed at NEEDS-ACTION.
func TestEvaluateMixedOutcome(t *testing.T) {
	attendee := "mailto:user01@example.com"
	invite := parse(t, strings.Replace(inviteBody,
		"SEQUENCE:0", "SEQUENCE:0\nRRULE:FREQ=DAILY;COUNT=3", 1))
	conflict := parse(t, strings.NewReplacer(
		"DTSTART:20250106T103000Z", "DTSTART:20250107T103000Z",
		"DTEND:20250106T113000Z", "DTEND:20250107T113000Z",
	).Replace(busyBody))

	d, err := evaluator().Evaluate(context.Background(), testHome(t, conflict), attendee,
		directory.AutoScheduleAutomatic, invite)
	require.NoError(t, err)
	require.True(t, d.Applied)
	assert.False(t, d.NeedsInbox)

	master := d.Calendar.Master()
	assert.Equal(t, icalendar.PartStatAccepted,
		icalendar.PartStat(icalendar.AttendeeProperty(master, attendee)))

	override := d.Calendar.Overridden(icalendar.RID("20250107T100000Z"))
	require.NotNil(t, override)
	assert.Equal(t, icalendar.PartStatDeclined,
		icalendar.PartStat(icalendar.AttendeeProperty(override, attendee)))
}

func TestParseRequest(t *testing.T) {
	fb := parse(t, `BEGIN:VFREEBUSY
UID:fb1
DTSTAMP:20250101T000000Z
DTSTART:20250106T000000Z
DTEND:20250107T000000Z
ORGANIZER:mailto:org@example.com
ATTENDEE:mailto:user01@example.com
END:VFREEBUSY`)
	fb.SetMethod(icalendar.MethodRequest)

	req, err := ParseRequest(fb)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), req.Start)
	assert.Equal(t, "mailto:org@example.com", req.Organizer)

	// An ordinary invite is not a free-busy query.
	invite := parse(t, inviteBody)
	invite.SetMethod(icalendar.MethodRequest)
	req, err = ParseRequest(invite)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestQueryAndResponse(t *testing.T) {
	home := testHome(t, parse(t, busyBody))
	req := &Request{
		UID:   "fb1",
		Start: time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC),
	}

	periods, err := Query(context.Background(), home, req)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, time.Date(2025, 1, 6, 10, 30, 0, 0, time.UTC), periods[0].Start)

	reply := Response(req, "mailto:user01@example.com", periods, testNow)
	assert.Equal(t, icalendar.MethodReply, reply.Method())
	vfb := reply.Master()
	require.NotNil(t, vfb)
	busyProp := vfb.Props.Get(icalendar.PropFreeBusy)
	require.NotNil(t, busyProp)
	assert.Equal(t, "20250106T103000Z/20250106T113000Z", busyProp.Value)
}

func TestQueryMaskUID(t *testing.T) {
	home := testHome(t, parse(t, busyBody))
	req := &Request{
		Start:   time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC),
		MaskUID: "existing1",
	}
	periods, err := Query(context.Background(), home, req)
	require.NoError(t, err)
	assert.Empty(t, periods)
}

func TestMergePeriods(t *testing.T) {
	base := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	merged := mergePeriods([]Period{
		{Start: base.Add(2 * time.Hour), End: base.Add(3 * time.Hour)},
		{Start: base, End: base.Add(time.Hour)},
		{Start: base.Add(30 * time.Minute), End: base.Add(90 * time.Minute)},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, base, merged[0].Start)
	assert.Equal(t, base.Add(90*time.Minute), merged[0].End)
}

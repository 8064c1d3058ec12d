package caldavdel

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skedra/skedra/config"
	"github.com/skedra/skedra/cuaddress"
	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/freebusy"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/itip"
	"github.com/skedra/skedra/processing"
	"github.com/skedra/skedra/scheduler"
	"github.com/skedra/skedra/store"
)

type noopSender struct{}

func (noopSender) SendReply(context.Context, string, string, *icalendar.Object) error {
	return nil
}

func (noopSender) SendRequests(context.Context, string, []string, *icalendar.Object, bool) error {
	return nil
}

type fixture struct {
	store   *store.Memory
	dir     *directory.Memory
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		dir:   directory.NewMemory(),
	}
	f.dir.AddRecord(&directory.Record{
		UID:                   "user01",
		CalendarUserAddresses: []string{"mailto:user01@example.com"},
		Enabled:               true,
	})
	f.dir.AddRecord(&directory.Record{
		UID:                   "user02",
		CalendarUserAddresses: []string{"mailto:user02@example.com"},
		Enabled:               true,
	})
	proc := processing.NewProcessor(f.store, f.dir, noopSender{}, config.Default().Scheduling, nil)
	f.service = New(f.store, proc, nil)
	return f
}

func (f *fixture) resolve(t *testing.T, cua string) cuaddress.CalendarUser {
	t.Helper()
	r := &cuaddress.Resolver{Dir: f.dir}
	u, err := r.Resolve(context.Background(), cua)
	require.NoError(t, err)
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

const inviteBody = `BEGIN:VEVENT
UID:uid1
DTSTAMP:20990101T000000Z
DTSTART:20990620T100000Z
DTEND:20990620T110000Z
SUMMARY:Review
ORGANIZER:mailto:user01@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:user01@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:user02@example.com
END:VEVENT`

func TestDeliverInvite(t *testing.T) {
	f := newFixture(t)
	op := &scheduler.Operation{
		Originator: "mailto:user01@example.com",
		Calendar:   parseCal(t, "REQUEST", inviteBody),
	}
	queue := scheduler.NewResponseQueue()

	f.service.Deliver(context.Background(), op,
		[]cuaddress.CalendarUser{f.resolve(t, "mailto:user02@example.com")}, queue)

	responses := queue.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, itip.StatusDelivered, responses[0].Status)

	ctx := context.Background()
	home, err := f.store.HomeForUser(ctx, "user02", false)
	require.NoError(t, err)
	obj, err := home.ObjectWithUID(ctx, "uid1")
	require.NoError(t, err)
	assert.Equal(t, "uid1", obj.UID())
}

func TestDeliverFreeBusyQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Plant a busy event on user02's calendar inside the query range.
	home, err := f.store.HomeForUser(ctx, "user02", true)
	require.NoError(t, err)
	cal, err := home.Calendar(ctx, store.DefaultCalendarName)
	require.NoError(t, err)
	_, err = cal.CreateObject(ctx, "busy.ics", parseCal(t, "", `BEGIN:VEVENT
UID:busy1
DTSTAMP:20250101T000000Z
DTSTART:20250620T103000Z
DTEND:20250620T113000Z
SUMMARY:Standup
END:VEVENT`), store.StateUser)
	require.NoError(t, err)

	fbCal := parseCal(t, "REQUEST", `BEGIN:VFREEBUSY
UID:fb1
DTSTAMP:20250101T000000Z
DTSTART:20250620T000000Z
DTEND:20250621T000000Z
ORGANIZER:mailto:user01@example.com
ATTENDEE:mailto:user02@example.com
END:VFREEBUSY`)
	req, err := freebusy.ParseRequest(fbCal)
	require.NoError(t, err)
	require.NotNil(t, req)

	op := &scheduler.Operation{
		Originator: "mailto:user01@example.com",
		Calendar:   fbCal,
		FreeBusy:   req,
	}
	queue := scheduler.NewResponseQueue()
	f.service.Deliver(ctx, op,
		[]cuaddress.CalendarUser{f.resolve(t, "mailto:user02@example.com")}, queue)

	responses := queue.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, itip.StatusSuccess, responses[0].Status)
	require.NotNil(t, responses[0].Calendar)

	encoded, err := responses[0].Calendar.Encode()
	require.NoError(t, err)
	assert.Contains(t, encoded, "20250620T103000Z/20250620T113000Z")
}

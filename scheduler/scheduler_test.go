package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skedra/skedra/config"
	"github.com/skedra/skedra/cuaddress"
	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/internal/ischedulexml"
	"github.com/skedra/skedra/itip"
	"github.com/skedra/skedra/locks"
)

type fakeDelivery struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeDelivery) Deliver(_ context.Context, op *Operation, recipients []cuaddress.CalendarUser, queue *ResponseQueue) {
	addrs := make([]string, len(recipients))
	for i, r := range recipients {
		addrs[i] = r.Address
		queue.Add(r.Address, DeliveredStatus(op.FreeBusy != nil))
	}
	f.mu.Lock()
	f.calls = append(f.calls, addrs)
	f.mu.Unlock()
}

func (f *fakeDelivery) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, call := range f.calls {
		out = append(out, call...)
	}
	return out
}

type fixture struct {
	dir    *directory.Memory
	local  *fakeDelivery
	remote *fakeDelivery
	email  *fakeDelivery
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:    directory.NewMemory(),
		local:  &fakeDelivery{},
		remote: &fakeDelivery{},
		email:  &fakeDelivery{},
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
	f.dir.AddPod(&directory.Pod{ID: "pod-b", URI: "https://pod-b.example.com"})
	f.dir.AddRecord(&directory.Record{
		UID:                   "user03",
		CalendarUserAddresses: []string{"mailto:user03@example.com"},
		Enabled:               true,
		PodID:                 "pod-b",
	})
	resolver := &cuaddress.Resolver{Dir: f.dir, EmailEnabled: true}
	f.sched = New(resolver, locks.NewManager(), f.local, f.remote, f.email,
		config.Default().Scheduling, nil)
	return f
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
DTSTAMP:20250101T000000Z
DTSTART:20250620T100000Z
DTEND:20250620T110000Z
SUMMARY:Review
ORGANIZER:mailto:user01@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:user01@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:user02@example.com
END:VEVENT`

const freeBusyBody = `BEGIN:VFREEBUSY
UID:fb1
DTSTAMP:20250101T000000Z
DTSTART:20250620T000000Z
DTEND:20250621T000000Z
ORGANIZER:mailto:user01@example.com
ATTENDEE:mailto:user02@example.com
END:VFREEBUSY`

func TestRunPartitionsRecipientsByLocality(t *testing.T) {
	f := newFixture(t)
	op := &Operation{
		Variant:    &CalDAVVariant{AuthenticatedUID: "user01"},
		Originator: "mailto:user01@example.com",
		RecipientAddrs: []string{
			"mailto:user02@example.com",
			"mailto:user03@example.com",
			"mailto:stranger@elsewhere.net",
			"urn:x-uid:nobody",
		},
		Calendar: parseCal(t, "REQUEST", inviteBody),
	}

	queue, err := f.sched.Run(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, StateResponseGenerated, op.State())
	assert.True(t, op.ITIPRequest)

	assert.Equal(t, []string{"mailto:user02@example.com"}, f.local.delivered())
	assert.Equal(t, []string{"mailto:user03@example.com"}, f.remote.delivered())
	assert.Equal(t, []string{"mailto:stranger@elsewhere.net"}, f.email.delivered())

	byRecipient := make(map[string]Response)
	for _, r := range queue.Responses() {
		byRecipient[r.Recipient] = r
	}
	require.Len(t, byRecipient, 4)
	assert.Equal(t, itip.StatusInvalidUser, byRecipient["urn:x-uid:nobody"].Status)
	assert.Equal(t, CodeRecipientInvalid, byRecipient["urn:x-uid:nobody"].Error)
	assert.Equal(t, itip.StatusDelivered, byRecipient["mailto:user02@example.com"].Status)
}

func TestRunSuppressRefreshSkipsExternalTransports(t *testing.T) {
	f := newFixture(t)
	op := &Operation{
		Variant:    &DirectVariant{},
		Originator: "mailto:user01@example.com",
		RecipientAddrs: []string{
			"mailto:user02@example.com",
			"mailto:user03@example.com",
			"mailto:stranger@elsewhere.net",
		},
		Calendar:        parseCal(t, "REQUEST", inviteBody),
		Internal:        true,
		SuppressRefresh: true,
	}

	_, err := f.sched.Run(context.Background(), op)
	require.NoError(t, err)

	assert.Equal(t, []string{"mailto:user02@example.com"}, f.local.delivered())
	// Pod peers still get the refresh; external domains do not.
	assert.Equal(t, []string{"mailto:user03@example.com"}, f.remote.delivered())
	assert.Empty(t, f.email.delivered())
}

func TestRunRejectsMissingOriginator(t *testing.T) {
	f := newFixture(t)
	op := &Operation{
		Variant:        &CalDAVVariant{AuthenticatedUID: "user01"},
		RecipientAddrs: []string{"mailto:user02@example.com"},
		Calendar:       parseCal(t, "REQUEST", inviteBody),
	}
	_, err := f.sched.Run(context.Background(), op)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeOriginatorMissing, serr.Code)
}

func TestRunRejectsMissingRecipients(t *testing.T) {
	f := newFixture(t)
	op := &Operation{
		Variant:    &CalDAVVariant{AuthenticatedUID: "user01"},
		Originator: "mailto:user01@example.com",
		Calendar:   parseCal(t, "REQUEST", inviteBody),
	}
	_, err := f.sched.Run(context.Background(), op)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeRecipientMissing, serr.Code)
}

func TestCheckCalendarDataClassifiesMethods(t *testing.T) {
	f := newFixture(t)

	reply := parseCal(t, "REPLY", `BEGIN:VEVENT
UID:uid1
DTSTAMP:20250102T000000Z
DTSTART:20250620T100000Z
ORGANIZER:mailto:user01@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:user02@example.com
END:VEVENT`)

	op := &Operation{
		Variant:        &CalDAVVariant{AuthenticatedUID: "user02"},
		Originator:     "mailto:user02@example.com",
		RecipientAddrs: []string{"mailto:user01@example.com"},
		Calendar:       reply,
	}
	_, err := f.sched.Run(context.Background(), op)
	require.NoError(t, err)
	assert.False(t, op.ITIPRequest)
	assert.Equal(t, "mailto:user02@example.com", op.Attendee)
}

func TestCheckCalendarDataRejectsBadPayloads(t *testing.T) {
	f := newFixture(t)

	run := func(cal *icalendar.Object) *Error {
		op := &Operation{
			Variant:        &CalDAVVariant{AuthenticatedUID: "user01"},
			Originator:     "mailto:user01@example.com",
			RecipientAddrs: []string{"mailto:user02@example.com"},
			Calendar:       cal,
		}
		_, err := f.sched.Run(context.Background(), op)
		var serr *Error
		require.ErrorAs(t, err, &serr)
		return serr
	}

	t.Run("missing method", func(t *testing.T) {
		serr := run(parseCal(t, "", inviteBody))
		assert.Equal(t, CodeInvalidMessage, serr.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		serr := run(parseCal(t, "SNOOZE", inviteBody))
		assert.Equal(t, CodeInvalidMessage, serr.Code)
	})

	t.Run("reply with two attendees", func(t *testing.T) {
		serr := run(parseCal(t, "REPLY", inviteBody))
		assert.Equal(t, CodeInvalidMessage, serr.Code)
	})

	t.Run("private event marker", func(t *testing.T) {
		serr := run(parseCal(t, "REQUEST", strings.Replace(inviteBody,
			"SUMMARY:Review", "SUMMARY:Review\nX-CALENDARSERVER-ACCESS:PRIVATE", 1)))
		assert.Equal(t, CodeInvalidCalendarData, serr.Code)
	})
}

func TestCalDAVSecurityRejectsForeignOrganizer(t *testing.T) {
	f := newFixture(t)
	op := &Operation{
		Variant:        &CalDAVVariant{AuthenticatedUID: "user02"},
		Originator:     "mailto:user02@example.com",
		RecipientAddrs: []string{"mailto:user01@example.com"},
		Calendar:       parseCal(t, "REQUEST", inviteBody),
	}
	_, err := f.sched.Run(context.Background(), op)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeOrganizerDenied, serr.Code)
	assert.Equal(t, itip.StatusNoAuthority, serr.Status())
}

func TestIScheduleVariantRejectsHostedOriginator(t *testing.T) {
	f := newFixture(t)
	op := &Operation{
		Variant:        &IScheduleVariant{},
		Originator:     "mailto:user01@example.com",
		RecipientAddrs: []string{"mailto:user02@example.com"},
		Calendar:       parseCal(t, "REQUEST", inviteBody),
	}
	_, err := f.sched.Run(context.Background(), op)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeOriginatorDenied, serr.Code)
}

func TestIScheduleVariantRejectsLocalOrganizerClaim(t *testing.T) {
	f := newFixture(t)
	op := &Operation{
		Variant:        &IScheduleVariant{Verified: true},
		Originator:     "mailto:boss@elsewhere.net",
		RecipientAddrs: []string{"mailto:user02@example.com"},
		Calendar:       parseCal(t, "REQUEST", inviteBody),
	}
	_, err := f.sched.Run(context.Background(), op)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeOrganizerDenied, serr.Code)
}

func TestIScheduleVariantRefusesRelaying(t *testing.T) {
	f := newFixture(t)
	invite := parseCal(t, "REQUEST", strings.ReplaceAll(inviteBody,
		"mailto:user01@example.com", "mailto:boss@elsewhere.net"))
	op := &Operation{
		Variant:    &IScheduleVariant{Verified: true},
		Originator: "mailto:boss@elsewhere.net",
		RecipientAddrs: []string{
			"mailto:user02@example.com",
			"mailto:other@elsewhere.net",
		},
		Calendar: invite,
	}
	queue, err := f.sched.Run(context.Background(), op)
	require.NoError(t, err)

	assert.Equal(t, []string{"mailto:user02@example.com"}, f.local.delivered())
	assert.Empty(t, f.remote.delivered())
	assert.Empty(t, f.email.delivered())

	var invalid int
	for _, r := range queue.Responses() {
		if r.Error == CodeRecipientInvalid {
			invalid++
			assert.Equal(t, "mailto:other@elsewhere.net", r.Recipient)
		}
	}
	assert.Equal(t, 1, invalid)
}

func TestFreeBusyRecipientCap(t *testing.T) {
	f := newFixture(t)
	cfg := config.Default().Scheduling
	cfg.MaxFreeBusyRecipients = 1
	resolver := &cuaddress.Resolver{Dir: f.dir, EmailEnabled: true}
	f.sched = New(resolver, locks.NewManager(), f.local, f.remote, f.email, cfg, nil)

	op := &Operation{
		Variant:    &CalDAVVariant{AuthenticatedUID: "user01"},
		Originator: "mailto:user01@example.com",
		RecipientAddrs: []string{
			"mailto:user02@example.com",
			"mailto:user03@example.com",
		},
		Calendar: parseCal(t, "REQUEST", freeBusyBody),
		AdHoc:    true,
	}
	queue, err := f.sched.Run(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, op.FreeBusy)

	assert.Equal(t, []string{"mailto:user02@example.com"}, f.local.delivered())
	assert.Empty(t, f.remote.delivered())

	byRecipient := make(map[string]Response)
	for _, r := range queue.Responses() {
		byRecipient[r.Recipient] = r
	}
	over := byRecipient["mailto:user03@example.com"]
	assert.Equal(t, CodeMaxRecipients, over.Error)
	assert.Equal(t, itip.StatusUnavailable, over.Status)
	assert.Equal(t, itip.StatusSuccess, byRecipient["mailto:user02@example.com"].Status)
}

func TestCalDAVAdHocMethodRestriction(t *testing.T) {
	f := newFixture(t)
	op := &Operation{
		Variant:        &CalDAVVariant{AuthenticatedUID: "user01"},
		Originator:     "mailto:user01@example.com",
		RecipientAddrs: []string{"mailto:user02@example.com"},
		Calendar:       parseCal(t, "REQUEST", inviteBody),
		AdHoc:          true,
	}
	_, err := f.sched.Run(context.Background(), op)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeInvalidMessage, serr.Code)
}

func TestResponseQueueConcurrentAppend(t *testing.T) {
	queue := NewResponseQueue()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				queue.Add("mailto:user02@example.com", itip.StatusDelivered)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, queue.Len())
}

func TestResponseQueueScheduleResponse(t *testing.T) {
	queue := NewResponseQueue()
	queue.Add("mailto:user02@example.com", itip.StatusDelivered)
	queue.AddError("urn:x-uid:nobody", opError(CodeRecipientInvalid, "unknown calendar user"))

	data, err := queue.ScheduleResponse()
	require.NoError(t, err)

	parsed, err := ischedulexml.Parse(data)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "mailto:user02@example.com", parsed[0].Recipient)
	assert.Equal(t, itip.StatusDelivered, parsed[0].RequestStatus)
	assert.Equal(t, string(CodeRecipientInvalid), parsed[1].Error)
}

func TestErrorStatusTable(t *testing.T) {
	cases := map[ErrorCode]string{
		CodeOriginatorMissing: itip.StatusBadRequest,
		CodeRecipientInvalid:  itip.StatusInvalidUser,
		CodeOrganizerDenied:   itip.StatusNoAuthority,
		CodeInvalidMessage:    itip.StatusInvalidSvc,
		CodeMaxRecipients:     itip.StatusUnavailable,
	}
	for code, status := range cases {
		err := &Error{Code: code}
		assert.Equal(t, status, err.Status(), string(code))
	}
}

func TestDirectSenderRunsUnderDirectVariant(t *testing.T) {
	f := newFixture(t)
	sender := &DirectSender{Scheduler: f.sched}

	reply := parseCal(t, "REPLY", `BEGIN:VEVENT
UID:uid1
DTSTAMP:20250102T000000Z
DTSTART:20250620T100000Z
DTEND:20250620T110000Z
ORGANIZER:mailto:user01@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:user02@example.com
END:VEVENT`)
	err := sender.SendReply(context.Background(), "mailto:user02@example.com",
		"mailto:user01@example.com", reply)
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:user01@example.com"}, f.local.delivered())

	err = sender.SendRequests(context.Background(), "mailto:user01@example.com",
		[]string{"mailto:user02@example.com", "mailto:stranger@elsewhere.net"},
		parseCal(t, "REQUEST", inviteBody), true)
	require.NoError(t, err)
	// The refresh fan-out stays off the email transport.
	assert.Empty(t, f.email.delivered())
}

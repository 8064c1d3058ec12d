package scheduler

import (
	"context"

	"github.com/skedra/skedra/icalendar"
)

// DirectSender routes messages the implicit processor originates back
// through the scheduler under the direct variant: attendee auto-replies
// to the organizer and organizer-driven fan-outs to attendees. It
// satisfies the processor's Sender contract.
type DirectSender struct {
	Scheduler *Scheduler
}

func (d *DirectSender) SendReply(ctx context.Context, originator string, organizer string, msg *icalendar.Object) error {
	op := &Operation{
		Variant:        &DirectVariant{},
		Internal:       true,
		Originator:     originator,
		RecipientAddrs: []string{organizer},
		Calendar:       msg,
	}
	_, err := d.Scheduler.Run(ctx, op)
	return err
}

func (d *DirectSender) SendRequests(ctx context.Context, originator string, recipients []string, msg *icalendar.Object, refresh bool) error {
	op := &Operation{
		Variant:         &DirectVariant{},
		Internal:        true,
		Originator:      originator,
		RecipientAddrs:  recipients,
		Calendar:        msg,
		SuppressRefresh: refresh,
	}
	_, err := d.Scheduler.Run(ctx, op)
	return err
}

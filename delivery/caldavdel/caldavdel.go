// Package caldavdel delivers scheduling messages to recipients hosted
// on this server by running the implicit processor against their
// calendar data. Free-busy queries are answered directly from the
// recipient's calendars without touching any inbox.
package caldavdel

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/skedra/skedra/cuaddress"
	"github.com/skedra/skedra/freebusy"
	"github.com/skedra/skedra/itip"
	"github.com/skedra/skedra/metrics"
	"github.com/skedra/skedra/processing"
	"github.com/skedra/skedra/scheduler"
	"github.com/skedra/skedra/store"
)

// Service is the local delivery transport.
type Service struct {
	store store.Store
	proc  *processing.Processor
	log   *slog.Logger
}

// New builds the local transport around an implicit processor.
func New(st store.Store, proc *processing.Processor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: st, proc: proc, log: logger}
}

// Deliver handles every recipient synchronously. Failures become queue
// entries; nothing propagates to the scheduler.
func (s *Service) Deliver(ctx context.Context, op *scheduler.Operation, recipients []cuaddress.CalendarUser, queue *scheduler.ResponseQueue) {
	start := time.Now()
	defer func() {
		metrics.DeliveryDuration.WithLabelValues("caldav").Observe(time.Since(start).Seconds())
	}()

	for _, recipient := range recipients {
		var status string
		if op.FreeBusy != nil {
			status = s.freeBusyResponse(ctx, op, recipient, queue)
		} else {
			status = s.deliverMessage(ctx, op, recipient, queue)
		}
		metrics.Deliveries.WithLabelValues("caldav", statusCode(status)).Inc()
	}
}

func (s *Service) deliverMessage(ctx context.Context, op *scheduler.Operation, recipient cuaddress.CalendarUser, queue *scheduler.ResponseQueue) string {
	result, err := s.proc.Process(ctx, processing.Message{
		Originator: op.OriginatorUser,
		Recipient:  recipient,
		Calendar:   op.Calendar,
		Refresh:    op.SuppressRefresh,
	})
	if err != nil {
		s.log.Error("implicit processing failed",
			"recipient", recipient.Address, "error", err)
		queue.AddFailure(recipient.Address, itip.StatusNoAuthority, "could not deliver to recipient")
		return itip.StatusNoAuthority
	}
	if result.AutoReplied {
		s.log.Debug("auto-scheduled delivery", "recipient", recipient.Address)
	}
	queue.Add(recipient.Address, itip.StatusDelivered)
	return itip.StatusDelivered
}

func (s *Service) freeBusyResponse(ctx context.Context, op *scheduler.Operation, recipient cuaddress.CalendarUser, queue *scheduler.ResponseQueue) string {
	home, err := s.store.HomeForUser(ctx, recipient.Record.UID, true)
	if err != nil {
		s.log.Error("no calendar home for free-busy recipient",
			"recipient", recipient.Address, "error", err)
		queue.AddFailure(recipient.Address, itip.StatusNoAuthority, "could not read recipient calendars")
		return itip.StatusNoAuthority
	}
	periods, err := freebusy.Query(ctx, home, op.FreeBusy)
	if err != nil {
		s.log.Error("free-busy query failed",
			"recipient", recipient.Address, "error", err)
		queue.AddFailure(recipient.Address, itip.StatusUnavailable, "could not determine free busy information")
		return itip.StatusUnavailable
	}
	reply := freebusy.Response(op.FreeBusy, recipient.Address, periods, time.Now())
	queue.AddCalendar(recipient.Address, itip.StatusSuccess, reply)
	return itip.StatusSuccess
}

func statusCode(status string) string {
	if i := strings.IndexByte(status, ';'); i >= 0 {
		return status[:i]
	}
	return status
}

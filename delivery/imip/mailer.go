package imip

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

// SMTPMailer hands messages to a relay over plain SMTP. The calendar
// payload is wrapped in a minimal text/calendar message; richer MIME
// rendering belongs to a dedicated gateway in front of the relay.
type SMTPMailer struct {
	Addr string
}

func (m SMTPMailer) Send(_ context.Context, from, to, calendar string) error {
	method := ""
	for _, line := range strings.Split(calendar, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimRight(line, "\r"), "METHOD:"); ok {
			method = v
			break
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: Calendar invitation\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	contentType := "text/calendar; charset=utf-8"
	if method != "" {
		contentType += "; method=" + method
	}
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	b.WriteString("\r\n")
	b.WriteString(calendar)

	if err := smtp.SendMail(m.Addr, nil, from, []string{to}, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// LogMailer records outbound mail instead of sending it, for
// deployments without a relay.
type LogMailer struct {
	Log *slog.Logger
}

func (m LogMailer) Send(_ context.Context, from, to, calendar string) error {
	m.Log.Info("outbound mail suppressed, no smtp relay configured",
		"from", from, "to", to, "bytes", len(calendar))
	return nil
}

package ischedule

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/beevik/etree"
	"github.com/go-chi/chi/v5"

	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/internal/ischedulexml"
	"github.com/skedra/skedra/scheduler"
)

// Receiver is the HTTP endpoint peer servers POST scheduling messages
// to, normally mounted at /.well-known/ischedule.
type Receiver struct {
	sched    *scheduler.Scheduler
	verifier *Verifier
	log      *slog.Logger
}

// NewReceiver builds the endpoint. verifier may be nil, in which case
// no inbound message counts as DKIM verified.
func NewReceiver(sched *scheduler.Scheduler, verifier *Verifier, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Receiver{sched: sched, verifier: verifier, log: logger}
}

// Routes returns the receiver's router.
func (rc *Receiver) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", rc.handleCapabilities)
	r.Post("/", rc.handlePost)
	return r
}

func (rc *Receiver) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	calendar, err := icalendar.Parse(string(body))
	if err != nil {
		rc.writeError(w, &scheduler.Error{
			Code: scheduler.CodeInvalidCalendarData,
			Msg:  "calendar data is not valid",
		})
		return
	}

	op := &scheduler.Operation{
		Variant:         &scheduler.IScheduleVariant{Verified: rc.verifier.Verify(r.Context(), r.Header, body)},
		Originator:      r.Header.Get("Originator"),
		RecipientAddrs:  recipientHeaders(r.Header),
		Calendar:        calendar,
		SuppressRefresh: r.Header.Get(RefreshHeader) == "T",
	}

	queue, err := rc.sched.Run(r.Context(), op)
	if err != nil {
		var serr *scheduler.Error
		if errors.As(err, &serr) {
			rc.writeError(w, serr)
			return
		}
		rc.log.Error("ischedule receive failed", "error", err)
		http.Error(w, "scheduling failed", http.StatusInternalServerError)
		return
	}

	data, err := queue.ScheduleResponse()
	if err != nil {
		rc.log.Error("encode schedule-response failed", "error", err)
		http.Error(w, "scheduling failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write(data)
}

// handleCapabilities answers the iSchedule discovery GET.
func (rc *Receiver) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("query-result")
	root.CreateAttr("xmlns", ischedulexml.Namespace)
	caps := root.CreateElement("capabilities")
	caps.CreateElement("serial-number").SetText("1")
	versions := caps.CreateElement("versions")
	versions.CreateElement("version").SetText("1.0")
	messages := caps.CreateElement("scheduling-messages")
	for _, comp := range []string{"VEVENT", "VTODO", "VFREEBUSY"} {
		el := messages.CreateElement("component")
		el.CreateAttr("name", comp)
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		http.Error(w, "capability query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write(out)
}

// writeError renders an operation-fatal scheduling error as the XML
// error document peers expect, with the failed precondition element.
func (rc *Receiver) writeError(w http.ResponseWriter, serr *scheduler.Error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("error")
	root.CreateAttr("xmlns", ischedulexml.Namespace)
	root.CreateElement(string(serr.Code))
	if serr.Msg != "" {
		root.CreateElement("response-description").SetText(serr.Msg)
	}
	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		http.Error(w, serr.Error(), http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	w.Write(out)
}

// recipientHeaders collects every Recipient header, splitting entries a
// peer folded into one comma-separated value.
func recipientHeaders(header http.Header) []string {
	var out []string
	for _, value := range header.Values("Recipient") {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// txtLookup is the DNS TXT dependency, swappable in tests.
type txtLookup interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSKeyLookup fetches DKIM public keys from <selector>._domainkey TXT
// records.
type DNSKeyLookup struct {
	dns txtLookup
}

// NewDNSKeyLookup builds a lookup against the default resolver.
func NewDNSKeyLookup() *DNSKeyLookup {
	return &DNSKeyLookup{dns: net.DefaultResolver}
}

func (d *DNSKeyLookup) PublicKey(ctx context.Context, domain, selector string) (*rsa.PublicKey, error) {
	if domain == "" || selector == "" {
		return nil, fmt.Errorf("incomplete key reference")
	}
	records, err := d.dns.LookupTXT(ctx, selector+"._domainkey."+domain)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		tags := parseSignatureTags(record)
		encoded, ok := tags["p"]
		if !ok {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		parsed, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			continue
		}
		if key, ok := parsed.(*rsa.PublicKey); ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("no RSA key published for %s/%s", domain, selector)
}

// StaticKeys serves keys from configuration, used for private key
// exchange between known partners.
type StaticKeys map[string]*rsa.PublicKey

func (s StaticKeys) PublicKey(_ context.Context, domain, selector string) (*rsa.PublicKey, error) {
	if key, ok := s[selector+"@"+domain]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("no key configured for %s/%s", domain, selector)
}

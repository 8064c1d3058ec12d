// Package cuaddress classifies calendar user addresses into the closed
// set of recipient variants the scheduler dispatches on.
package cuaddress

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/icalendar"
)

// Kind is the recipient variant. Every dispatch site switches
// exhaustively over it.
type Kind int

const (
	// KindInvalid marks an address that should resolve to a hosted
	// principal but does not. A hard failure, never merely "remote".
	KindInvalid Kind = iota
	// KindLocal is a principal homed on this server.
	KindLocal
	// KindOtherServer is a principal homed on a peer pod.
	KindOtherServer
	// KindRemote is an external domain reachable over iSchedule.
	KindRemote
	// KindEmail is a mailto address reachable only over iMIP.
	KindEmail
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindOtherServer:
		return "other-server"
	case KindRemote:
		return "remote"
	case KindEmail:
		return "email"
	default:
		return "invalid"
	}
}

// CalendarUser is a classified recipient. Immutable after construction;
// one scheduling operation never shares mutable state between its
// recipients.
type CalendarUser struct {
	Kind Kind
	// Address is the normalized calendar user address.
	Address string
	// Record is set for Local and OtherServer users.
	Record *directory.Record
	// Pod is set for OtherServer users.
	Pod *directory.Pod
	// Domain is set for Remote and Email users.
	Domain string
}

// Hosted reports whether the user's data lives inside this service
// cluster.
func (u CalendarUser) Hosted() bool {
	return u.Kind == KindLocal || u.Kind == KindOtherServer
}

// RemoteLookup answers whether an external domain advertises an
// iSchedule endpoint. The ischedule package provides the production
// implementation.
type RemoteLookup interface {
	HasScheduleService(ctx context.Context, domain string) (bool, error)
}

// Resolver turns CUA strings into CalendarUsers.
type Resolver struct {
	Dir directory.Directory
	// Remote is optional; when nil, unknown mailto domains fall straight
	// through to the email classification.
	Remote RemoteLookup
	// EmailEnabled gates the iMIP fallback for unknown mailto addresses.
	EmailEnabled bool
}

// Resolve classifies one calendar user address. Classification is a pure
// function of the address and the directory lookup result.
func (r *Resolver) Resolve(ctx context.Context, cua string) (CalendarUser, error) {
	address := icalendar.NormalizeCUA(cua)

	record, err := r.Dir.RecordWithCalendarUserAddress(ctx, address)
	if err != nil {
		return CalendarUser{}, fmt.Errorf("directory lookup for %q: %w", address, err)
	}

	if record != nil {
		if !record.CalendarsEnabled() {
			return CalendarUser{Kind: KindInvalid, Address: address, Record: record}, nil
		}
		if record.ThisServer() {
			return CalendarUser{Kind: KindLocal, Address: address, Record: record}, nil
		}
		pod, err := r.Dir.PodWithID(ctx, record.PodID)
		if err != nil {
			return CalendarUser{}, fmt.Errorf("pod lookup for %q: %w", record.PodID, err)
		}
		if pod == nil {
			return CalendarUser{Kind: KindInvalid, Address: address, Record: record}, nil
		}
		return CalendarUser{Kind: KindOtherServer, Address: address, Record: record, Pod: pod}, nil
	}

	// No record. Only mailto addresses may leave the service; urn: and
	// principal-URL forms must always be hosted.
	domain, ok := MailDomain(address)
	if !ok {
		return CalendarUser{Kind: KindInvalid, Address: address}, nil
	}

	if r.Remote != nil {
		found, err := r.Remote.HasScheduleService(ctx, domain)
		if err == nil && found {
			return CalendarUser{Kind: KindRemote, Address: address, Domain: domain}, nil
		}
	}
	if r.EmailEnabled {
		return CalendarUser{Kind: KindEmail, Address: address, Domain: domain}, nil
	}
	return CalendarUser{Kind: KindInvalid, Address: address}, nil
}

// ResolveAll classifies a recipient list, preserving order and
// duplicates.
func (r *Resolver) ResolveAll(ctx context.Context, cuas []string) ([]CalendarUser, error) {
	users := make([]CalendarUser, 0, len(cuas))
	for _, cua := range cuas {
		u, err := r.Resolve(ctx, cua)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// MailDomain extracts the domain of a mailto address, reporting false
// for any other URI form.
func MailDomain(cua string) (string, bool) {
	if !strings.HasPrefix(cua, "mailto:") {
		return "", false
	}
	addr := strings.TrimPrefix(cua, "mailto:")
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}
	_, domain, ok := strings.Cut(addr, "@")
	if !ok || domain == "" {
		return "", false
	}
	return domain, true
}

// HTTPHost extracts the host of an HTTP(S) principal URL, reporting
// false for any other URI form.
func HTTPHost(cua string) (string, bool) {
	if !strings.HasPrefix(cua, "http://") && !strings.HasPrefix(cua, "https://") {
		return "", false
	}
	u, err := url.Parse(cua)
	if err != nil || u.Host == "" {
		return "", false
	}
	return u.Hostname(), true
}

package ischedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/samber/mo"

	"github.com/skedra/skedra/config"
)

// WellKnownPath is the standard iSchedule receiver location.
const WellKnownPath = "/.well-known/ischedule"

// ServerRecord describes one destination server.
type ServerRecord struct {
	// URL is the full endpoint for scheduling POSTs.
	URL string
	// Domain is the calendar user domain this server answers for.
	Domain string
	// Podding is set for peer pods inside this cluster; pod traffic is
	// trusted and skips DKIM signing.
	Podding bool
	// UnNormalize requests the urn-to-mailto address rewrite before
	// sending, for servers that only understand mailto addressing.
	UnNormalize bool
}

// srvLookup is the DNS dependency, swappable in tests.
type srvLookup interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// Locator resolves calendar user domains to iSchedule servers. Static
// configuration wins over DNS discovery; results are cached per domain,
// including negative ones.
type Locator struct {
	cfg config.ISchedule
	dns srvLookup
	log *slog.Logger

	mu    sync.Mutex
	cache map[string]mo.Option[*ServerRecord]
}

// NewLocator builds a locator from the iSchedule configuration.
func NewLocator(cfg config.ISchedule, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Locator{
		cfg:   cfg,
		dns:   net.DefaultResolver,
		log:   logger,
		cache: make(map[string]mo.Option[*ServerRecord]),
	}
}

// ServerForDomain returns the destination server for a domain, or nil
// when the domain has no iSchedule service.
func (l *Locator) ServerForDomain(ctx context.Context, domain string) (*ServerRecord, error) {
	if !l.cfg.Enabled {
		return nil, nil
	}
	domain = strings.ToLower(domain)

	l.mu.Lock()
	cached, ok := l.cache[domain]
	l.mu.Unlock()
	if ok {
		return cached.OrEmpty(), nil
	}

	server, err := l.discover(ctx, domain)
	if err != nil {
		return nil, err
	}
	entry := mo.None[*ServerRecord]()
	if server != nil {
		entry = mo.Some(server)
	}
	l.mu.Lock()
	l.cache[domain] = entry
	l.mu.Unlock()
	return server, nil
}

func (l *Locator) discover(ctx context.Context, domain string) (*ServerRecord, error) {
	if url, ok := l.cfg.Servers[domain]; ok {
		return l.serverRecord(domain, url), nil
	}
	if !l.cfg.DNSLookups {
		return nil, nil
	}

	// Secure service first, plain second, matching the draft.
	if target, port, ok := l.srv(ctx, "ischedules", domain); ok {
		return l.serverRecord(domain, fmt.Sprintf("https://%s:%d%s", target, port, WellKnownPath)), nil
	}
	if target, port, ok := l.srv(ctx, "ischedule", domain); ok {
		return l.serverRecord(domain, fmt.Sprintf("http://%s:%d%s", target, port, WellKnownPath)), nil
	}
	return nil, nil
}

func (l *Locator) srv(ctx context.Context, service, domain string) (string, uint16, bool) {
	_, records, err := l.dns.LookupSRV(ctx, service, "tcp", domain)
	if err != nil || len(records) == 0 {
		return "", 0, false
	}
	target := strings.TrimSuffix(records[0].Target, ".")
	if target == "" {
		return "", 0, false
	}
	return target, records[0].Port, true
}

func (l *Locator) serverRecord(domain, url string) *ServerRecord {
	return &ServerRecord{
		URL:         url,
		Domain:      domain,
		UnNormalize: l.cfg.AddressingConventions[domain] == "mailto",
	}
}

// HasScheduleService reports whether a domain advertises an iSchedule
// endpoint. It satisfies the address resolver's remote lookup.
func (l *Locator) HasScheduleService(ctx context.Context, domain string) (bool, error) {
	server, err := l.ServerForDomain(ctx, domain)
	if err != nil {
		return false, err
	}
	return server != nil, nil
}

// Package config holds the server configuration. Everything is plain
// data loaded once at startup and passed into constructors; no package
// consults it ambiently.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// ServerHostName is this pod's externally visible host name.
	ServerHostName string `yaml:"server_hostname"`
	// ListenAddr is the HTTP listen address for the iSchedule receiver.
	ListenAddr string `yaml:"listen_addr"`

	Scheduling Scheduling `yaml:"scheduling"`
	ISchedule  ISchedule  `yaml:"ischedule"`
	IMIP       IMIP       `yaml:"imip"`

	// Directory seeds the in-process directory service.
	Directory Directory `yaml:"directory"`
}

// Scheduling tunes the core engine.
type Scheduling struct {
	// OrganizerPublicProperties lists X- properties an organizer may
	// publish into outgoing scheduling messages.
	OrganizerPublicProperties []string `yaml:"organizer_public_properties"`
	// PerAttendeeProperties lists X- properties owned by each attendee
	// copy and carried across organizer updates.
	PerAttendeeProperties []string `yaml:"per_attendee_properties"`
	// EnablePrivateComments turns on the attendee private-comment merge.
	EnablePrivateComments bool `yaml:"enable_private_comments"`

	// MaxFreeBusyRecipients caps free-busy fan-out; excess recipients get
	// an immediate error without any delivery attempt.
	MaxFreeBusyRecipients int `yaml:"max_freebusy_recipients"`
	// AttendeeRefreshLimit disables the reply-triggered refresh fan-out
	// for events with more distinct attendees than this. Zero means no
	// limit.
	AttendeeRefreshLimit int `yaml:"attendee_refresh_limit"`
	// AttendeeRefreshBatch, when positive, refreshes that many attendees
	// synchronously and defers the rest to a background batch.
	AttendeeRefreshBatch int `yaml:"attendee_refresh_batch"`

	// AutoScheduleFutureHorizon bounds instance expansion during the
	// auto-schedule free-busy check.
	AutoScheduleFutureHorizon time.Duration `yaml:"auto_schedule_future_horizon"`

	// AllowResourceSplitting enables organizer-driven series splits.
	AllowResourceSplitting bool `yaml:"allow_resource_splitting"`

	// DeliveryTimeout bounds each recipient's delivery attempt.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// ISchedule configures server-to-server delivery.
type ISchedule struct {
	Enabled bool `yaml:"enabled"`
	// Servers statically maps remote domains to their iSchedule URLs,
	// consulted before DNS.
	Servers map[string]string `yaml:"servers"`
	// DNSLookups enables SRV/TXT discovery for domains not statically
	// configured.
	DNSLookups bool `yaml:"dns_lookups"`
	// SigningKeyFile is the PEM private key for outbound DKIM signatures;
	// empty disables signing.
	SigningKeyFile string `yaml:"signing_key_file"`
	// KeySelector is the DKIM selector advertised in signatures.
	KeySelector string `yaml:"key_selector"`
	// AddressingConventions maps a remote domain to "mailto" or "urn" for
	// the per-destination calendar user address rewrite.
	AddressingConventions map[string]string `yaml:"addressing_conventions"`
}

// IMIP configures email delivery.
type IMIP struct {
	Enabled bool `yaml:"enabled"`
	// MailFrom is the local-part@domain used for outbound invitations;
	// tokens are appended as user+token@domain.
	MailFrom string `yaml:"mail_from"`
	// SMTPAddr is the host:port of the outbound mail relay. Empty keeps
	// outbound mail in the log only.
	SMTPAddr string `yaml:"smtp_addr"`
	// TokenDatabase is the SQLite file backing the mail gateway token
	// store.
	TokenDatabase string `yaml:"token_database"`
	// TokenRetention is how long unused tokens are kept before the purge
	// job removes them.
	TokenRetention time.Duration `yaml:"token_retention"`
	// PurgeSchedule is a cron expression for the token purge job.
	PurgeSchedule string `yaml:"purge_schedule"`
}

// Directory seeds principal records.
type Directory struct {
	Records []DirectoryRecord `yaml:"records"`
	Pods    []DirectoryPod    `yaml:"pods"`
}

// DirectoryRecord is one configured principal.
type DirectoryRecord struct {
	UID          string            `yaml:"uid"`
	FullName     string            `yaml:"full_name"`
	Addresses    []string          `yaml:"addresses"`
	Emails       []string          `yaml:"emails"`
	Type         string            `yaml:"type"`
	Enabled      bool              `yaml:"enabled"`
	Pod          string            `yaml:"pod"`
	AutoSchedule string            `yaml:"auto_schedule"`
	AutoSenders  map[string]string `yaml:"auto_schedule_senders"`
}

// DirectoryPod is one configured peer server.
type DirectoryPod struct {
	ID  string `yaml:"id"`
	URI string `yaml:"uri"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr: ":8008",
		Scheduling: Scheduling{
			EnablePrivateComments:     true,
			MaxFreeBusyRecipients:     75,
			AttendeeRefreshLimit:      50,
			AutoScheduleFutureHorizon: 3 * 365 * 24 * time.Hour,
			DeliveryTimeout:           time.Minute,
		},
		ISchedule: ISchedule{
			DNSLookups:  true,
			KeySelector: "ischedule",
		},
		IMIP: IMIP{
			TokenRetention: 60 * 24 * time.Hour,
			PurgeSchedule:  "0 3 * * *",
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Scheduling.MaxFreeBusyRecipients <= 0 {
		return fmt.Errorf("config: max_freebusy_recipients must be positive")
	}
	if c.IMIP.Enabled && c.IMIP.MailFrom == "" {
		return fmt.Errorf("config: imip.mail_from required when imip is enabled")
	}
	for domain, conv := range c.ISchedule.AddressingConventions {
		if conv != "mailto" && conv != "urn" {
			return fmt.Errorf("config: unknown addressing convention %q for %s", conv, domain)
		}
	}
	return nil
}

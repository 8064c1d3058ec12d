// Package imip delivers scheduling messages to email-only recipients
// through the mail gateway. Outbound invitations are queued to a mail
// sender and tagged with a per-(organizer, attendee, uid) token in the
// reply address local part; inbound replies and bounces carry the token
// back so they can be re-injected as scheduling operations.
package imip

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/skedra/skedra/config"
	"github.com/skedra/skedra/metrics"
)

// ErrTokenNotFound is returned by ByToken for unknown tokens.
var ErrTokenNotFound = errors.New("imip: token not found")

// Token routes an inbound email back to the scheduling object the
// original invitation was sent for.
type Token struct {
	Token     string
	Organizer string
	Attendee  string
	ICalUID   string
	Accessed  time.Time
}

// TokenStore persists mail gateway tokens in SQLite.
type TokenStore struct {
	db *sql.DB
}

// OpenTokenStore opens or creates the token database. Pass ":memory:"
// for an ephemeral store.
func OpenTokenStore(path string) (*TokenStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create token db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping token db: %w", err)
	}

	s := &TokenStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate token db: %w", err)
	}
	return s, nil
}

func (s *TokenStore) Close() error {
	return s.db.Close()
}

func (s *TokenStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS imip_tokens (
		token     TEXT PRIMARY KEY,
		organizer TEXT NOT NULL,
		attendee  TEXT NOT NULL,
		icaluid   TEXT NOT NULL,
		accessed  DATETIME NOT NULL,
		UNIQUE (organizer, attendee, icaluid)
	)`)
	return err
}

// Get returns the existing token for the triple, or "" when none has
// been issued yet. A hit refreshes the access timestamp so active
// events survive the purge window.
func (s *TokenStore) Get(ctx context.Context, organizer, attendee, icaluid string) (string, error) {
	organizer = normalizeAddress(organizer)
	attendee = normalizeAddress(attendee)

	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM imip_tokens WHERE organizer = ? AND attendee = ? AND icaluid = ?`,
		organizer, attendee, icaluid).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup token: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE imip_tokens SET accessed = ? WHERE token = ?`,
		time.Now().UTC(), token); err != nil {
		return "", fmt.Errorf("touch token: %w", err)
	}
	metrics.MailTokens.WithLabelValues("reused").Inc()
	return token, nil
}

// Create issues a fresh token for the triple.
func (s *TokenStore) Create(ctx context.Context, organizer, attendee, icaluid string) (string, error) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO imip_tokens (token, organizer, attendee, icaluid, accessed) VALUES (?, ?, ?, ?, ?)`,
		token, normalizeAddress(organizer), normalizeAddress(attendee), icaluid, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	metrics.MailTokens.WithLabelValues("created").Inc()
	return token, nil
}

// ByToken resolves an inbound token back to its address pair.
func (s *TokenStore) ByToken(ctx context.Context, token string) (Token, error) {
	var t Token
	err := s.db.QueryRowContext(ctx,
		`SELECT token, organizer, attendee, icaluid, accessed FROM imip_tokens WHERE token = ?`,
		token).Scan(&t.Token, &t.Organizer, &t.Attendee, &t.ICalUID, &t.Accessed)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("lookup token: %w", err)
	}
	return t, nil
}

// Purge removes tokens not touched since the cutoff and reports how
// many were dropped.
func (s *TokenStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM imip_tokens WHERE accessed < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	metrics.MailTokens.WithLabelValues("purged").Add(float64(n))
	return n, nil
}

// SchedulePurge registers the retention job on the given cron runner.
func (s *TokenStore) SchedulePurge(cr *cron.Cron, cfg config.IMIP, logger *slog.Logger) (cron.EntryID, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return cr.AddFunc(cfg.PurgeSchedule, func() {
		n, err := s.Purge(context.Background(), time.Now().Add(-cfg.TokenRetention))
		if err != nil {
			logger.Error("token purge failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("purged mail gateway tokens", "count", n)
		}
	})
}

// normalizeAddress lowercases mailto addresses before they are used as
// token keys, matching how inbound mail headers are compared.
func normalizeAddress(addr string) string {
	if strings.HasPrefix(strings.ToLower(addr), "mailto:") {
		return "mailto:" + strings.ToLower(addr[len("mailto:"):])
	}
	return addr
}

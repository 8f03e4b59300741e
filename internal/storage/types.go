package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

type Subscriber struct {
	ChatID    int64
	Username  string
	Banned    bool
	CreatedAt time.Time
}

type Group struct {
	ID   string
	Code string
}

// Preference is one (subscriber, group) notification setting.
// NotifyAt is the bucket as "HH:MM".
type Preference struct {
	ChatID    int64
	GroupID   string
	GroupCode string
	NotifyAt  string
	Active    bool
	UpdatedAt time.Time
}

// Due is an active preference of a non-banned subscriber for one bucket.
type Due struct {
	ChatID    int64
	Username  string
	GroupID   string
	GroupCode string
	NotifyAt  string
}

// AuditEntry records an operator action or a finished broadcast.
type AuditEntry struct {
	At       time.Time
	Actor    string
	Action   string
	Target   string
	OK       int
	Fail     int
	Error    string
	TookMS   int64
	MetaJSON string
}

// Store is the persistence API used by the scheduler, dispatcher hooks and ops.
type Store interface {
	UpsertSubscriber(ctx context.Context, chatID int64, username string) error
	SetBanned(ctx context.Context, chatID int64, banned bool) error
	UpsertGroup(ctx context.Context, g Group) error

	SetPreference(ctx context.Context, chatID int64, groupID, notifyAt string) error
	DeactivatePreference(ctx context.Context, chatID int64, groupID string) error
	DeactivateSubscriber(ctx context.Context, chatID int64) (int64, error)
	ListPreferences(ctx context.Context, chatID int64) ([]Preference, error)
	ListDue(ctx context.Context, notifyAt string) ([]Due, error)
	ListRecipients(ctx context.Context) ([]int64, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// NormalizeClock validates "H:MM"/"HH:MM" and returns the canonical "HH:MM".
func NormalizeClock(s string) (string, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil {
		return "", fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Format("15:04"), nil
}

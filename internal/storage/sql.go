package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "schedbot/pkg/logx"
)

// auditTimeLayout is fixed width so that text comparison orders by time.
const auditTimeLayout = "2006-01-02T15:04:05.000Z07:00"

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	now     func() time.Time
}

// q rewrites ? placeholders to $n for PostgreSQL. Quoted literals are left alone.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebind(query)
}

func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) UpsertSubscriber(ctx context.Context, chatID int64, username string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO subscribers(chat_id, username, banned, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET username = COALESCE(excluded.username, subscribers.username)`),
		chatID, nullStr(username), false, s.now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) SetBanned(ctx context.Context, chatID int64, banned bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE subscribers SET banned = ? WHERE chat_id = ?`), banned, chatID)
	if err != nil {
		return err
	}
	return expectRows(res)
}

func (s *sqlStore) UpsertGroup(ctx context.Context, g Group) error {
	id, code := strings.TrimSpace(g.ID), strings.TrimSpace(g.Code)
	if id == "" || code == "" {
		return errors.New("group id and code are required")
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO study_groups(group_id, group_code) VALUES(?,?)
		 ON CONFLICT(group_id) DO UPDATE SET group_code = excluded.group_code`),
		id, code,
	)
	return err
}

// SetPreference creates or reactivates a preference. The subscriber row is
// created if missing.
func (s *sqlStore) SetPreference(ctx context.Context, chatID int64, groupID, notifyAt string) error {
	at, err := NormalizeClock(notifyAt)
	if err != nil {
		return err
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return errors.New("group id is required")
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO subscribers(chat_id, banned, created_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO NOTHING`), chatID, false, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO notification_prefs(chat_id, group_id, notify_at, active, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id, group_id) DO UPDATE SET notify_at = excluded.notify_at, active = excluded.active, updated_at = excluded.updated_at`),
		chatID, groupID, at, true, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) DeactivatePreference(ctx context.Context, chatID int64, groupID string) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE notification_prefs SET active = ?, updated_at = ? WHERE chat_id = ? AND group_id = ?`),
		false, s.now().UnixMilli(), chatID, strings.TrimSpace(groupID))
	if err != nil {
		return err
	}
	return expectRows(res)
}

// DeactivateSubscriber turns off every preference of chatID and returns how many changed.
func (s *sqlStore) DeactivateSubscriber(ctx context.Context, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE notification_prefs SET active = ?, updated_at = ? WHERE chat_id = ? AND active = ?`),
		false, s.now().UnixMilli(), chatID, true)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) ListPreferences(ctx context.Context, chatID int64) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT p.chat_id, p.group_id, COALESCE(g.group_code, ''), p.notify_at, p.active, p.updated_at
		 FROM notification_prefs p
		 LEFT JOIN study_groups g ON g.group_id = p.group_id
		 WHERE p.chat_id = ?
		 ORDER BY p.group_id`), chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		var (
			p  Preference
			ms int64
		)
		if err := rows.Scan(&p.ChatID, &p.GroupID, &p.GroupCode, &p.NotifyAt, &p.Active, &ms); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.UnixMilli(ms)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListDue(ctx context.Context, notifyAt string) ([]Due, error) {
	at, err := NormalizeClock(notifyAt)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT p.chat_id, COALESCE(s.username, ''), p.group_id, COALESCE(g.group_code, ''), p.notify_at
		 FROM notification_prefs p
		 JOIN subscribers s ON s.chat_id = p.chat_id
		 LEFT JOIN study_groups g ON g.group_id = p.group_id
		 WHERE p.notify_at = ? AND p.active = ? AND s.banned = ?
		 ORDER BY p.chat_id, p.group_id`), at, true, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Due
	for rows.Next() {
		var d Due
		if err := rows.Scan(&d.ChatID, &d.Username, &d.GroupID, &d.GroupCode, &d.NotifyAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListRecipients(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT chat_id FROM subscribers WHERE banned = ? ORDER BY chat_id`), false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit(at, actor, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`),
		e.At.UTC().Format(auditTimeLayout), nullStr(e.Actor), e.Action, nullStr(e.Target),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqlStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT at, COALESCE(actor, ''), action, COALESCE(target, ''), ok, fail, COALESCE(err, ''), took_ms, COALESCE(meta, '')
		 FROM audit ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at string
		)
		if err := rows.Scan(&at, &e.Actor, &e.Action, &e.Target, &e.OK, &e.Fail, &e.Error, &e.TookMS, &e.MetaJSON); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(auditTimeLayout, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAudit deletes entries older than before.
func (s *sqlStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM audit WHERE at < ?`), before.UTC().Format(auditTimeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

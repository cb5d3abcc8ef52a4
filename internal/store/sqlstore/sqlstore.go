// Package sqlstore implements store.Store on database/sql for PostgreSQL
// (github.com/lib/pq) and SQLite (modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/carenet/call-relay/internal/protocol"
	"github.com/carenet/call-relay/internal/store"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn with the driver registered for dialect, applies
// connection settings and creates the schema if it is missing.
func Open(ctx context.Context, dialect Dialect, dsn string, logger *slog.Logger) (*Store, error) {
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// One connection keeps ":memory:" databases shared and serializes
		// writers the way SQLite expects.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlstore: %s: %w", pragma, err)
			}
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", dialect, err)
	}

	s := New(db, dialect, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. The schema is not touched.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		log:     logger.With("component", "sqlstore", "dialect", string(dialect)),
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                 TEXT PRIMARY KEY,
		username           TEXT NOT NULL DEFAULT '',
		name               TEXT NOT NULL DEFAULT '',
		email              TEXT NOT NULL DEFAULT '',
		role               TEXT NOT NULL DEFAULT 'employee',
		specialization     TEXT NOT NULL DEFAULT '',
		is_online          BOOLEAN NOT NULL DEFAULT FALSE,
		last_connection_id TEXT NOT NULL DEFAULT '',
		last_seen_at       BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		id               TEXT PRIMARY KEY,
		caller_id        TEXT NOT NULL,
		callee_id        TEXT NOT NULL,
		status           TEXT NOT NULL,
		started_at       BIGINT NOT NULL,
		ended_at         BIGINT,
		duration_seconds INTEGER,
		end_reason       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS calls_started_at_idx ON calls (started_at)`,
	`CREATE INDEX IF NOT EXISTS calls_caller_idx ON calls (caller_id)`,
	`CREATE INDEX IF NOT EXISTS calls_callee_idx ON calls (callee_id)`,
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites '?' placeholders into the dialect's syntax.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) FindByID(ctx context.Context, id string) (store.User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, username, name, email, role, specialization, is_online, last_connection_id, last_seen_at
		FROM users WHERE id = ?`), id)

	var (
		u        store.User
		role     string
		lastSeen int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.Name, &u.Email, &role, &u.Specialization, &u.IsOnline, &u.LastConnectionID, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("sqlstore: find user %s: %w", id, err)
	}
	u.Role = protocol.Role(role)
	if lastSeen > 0 {
		u.LastSeenAt = time.UnixMilli(lastSeen)
	}
	return u, nil
}

// UpsertUser writes a directory record. The relay never creates users itself;
// this exists for seeding and tests.
func (s *Store) UpsertUser(ctx context.Context, u store.User) error {
	var lastSeen int64
	if !u.LastSeenAt.IsZero() {
		lastSeen = u.LastSeenAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO users (id, username, name, email, role, specialization, is_online, last_connection_id, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			specialization = excluded.specialization,
			is_online = excluded.is_online,
			last_connection_id = excluded.last_connection_id,
			last_seen_at = excluded.last_seen_at`),
		u.ID, u.Username, u.Name, u.Email, string(u.Role), u.Specialization, u.IsOnline, u.LastConnectionID, lastSeen)
	if err != nil {
		return fmt.Errorf("sqlstore: upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *Store) MarkOnline(ctx context.Context, id, connectionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE users SET is_online = ?, last_connection_id = ?, last_seen_at = ? WHERE id = ?`),
		true, connectionID, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sqlstore: mark online %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: mark online %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkOffline(ctx context.Context, id, connectionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE users SET is_online = ?, last_seen_at = ? WHERE id = ? AND last_connection_id = ?`),
		false, at.UnixMilli(), id, connectionID)
	if err != nil {
		return fmt.Errorf("sqlstore: mark offline %s: %w", id, err)
	}
	return nil
}

func (s *Store) CreateCall(ctx context.Context, rec store.CallRecord) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO calls (id, caller_id, callee_id, status, started_at) VALUES (?, ?, ?, ?, ?)`),
		id, rec.CallerID, rec.CalleeID, string(rec.Status), rec.StartedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("sqlstore: create call: %w", err)
	}
	return id, nil
}

func (s *Store) TransitionCall(ctx context.Context, t store.Transition) error {
	if len(t.From) == 0 {
		return fmt.Errorf("sqlstore: transition %s: no prior status given", t.CallID)
	}

	var endedAt, duration any
	if t.EndedAt != nil {
		endedAt = t.EndedAt.UnixMilli()
	}
	if t.DurationSeconds != nil {
		duration = int64(*t.DurationSeconds)
	}

	args := []any{string(t.To), endedAt, duration, t.Reason, t.CallID}
	placeholders := make([]string, len(t.From))
	for i, from := range t.From {
		placeholders[i] = "?"
		args = append(args, string(from))
	}
	query := `UPDATE calls SET
			status = ?,
			ended_at = COALESCE(?, ended_at),
			duration_seconds = COALESCE(?, duration_seconds),
			end_reason = ?
		WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("sqlstore: transition call %s: %w", t.CallID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: transition call %s: %w", t.CallID, err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM calls WHERE id = ?`), t.CallID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlstore: transition call %s: %w", t.CallID, err)
	}
	s.log.Debug("call transition conflict", "call_id", t.CallID, "current", current, "to", t.To)
	return store.ErrStatusConflict
}

func (s *Store) CallHistory(ctx context.Context, q store.HistoryQuery) ([]store.CallRecord, error) {
	query := `SELECT c.id, c.caller_id, c.callee_id, c.status, c.started_at, c.ended_at, c.duration_seconds, c.end_reason,
			COALESCE(cr.username, ''), COALESCE(cr.name, ''), COALESCE(cr.email, ''),
			COALESCE(ce.username, ''), COALESCE(ce.name, ''), COALESCE(ce.email, '')
		FROM calls c
		LEFT JOIN users cr ON cr.id = c.caller_id
		LEFT JOIN users ce ON ce.id = c.callee_id`
	var args []any
	if q.UserID != "" {
		query += ` WHERE c.caller_id = ? OR c.callee_id = ?`
		args = append(args, q.UserID, q.UserID)
	}
	query += ` ORDER BY c.started_at DESC LIMIT ?`
	args = append(args, q.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: call history: %w", err)
	}
	defer rows.Close()

	var out []store.CallRecord
	for rows.Next() {
		var (
			rec                         store.CallRecord
			status                      string
			startedAt                   int64
			endedAt, duration           sql.NullInt64
			crUsername, crName, crEmail string
			ceUsername, ceName, ceEmail string
		)
		if err := rows.Scan(&rec.ID, &rec.CallerID, &rec.CalleeID, &status, &startedAt, &endedAt, &duration, &rec.EndReason,
			&crUsername, &crName, &crEmail, &ceUsername, &ceName, &ceEmail); err != nil {
			return nil, fmt.Errorf("sqlstore: scan call history: %w", err)
		}
		rec.Status = protocol.CallStatus(status)
		rec.StartedAt = time.UnixMilli(startedAt)
		if endedAt.Valid {
			at := time.UnixMilli(endedAt.Int64)
			rec.EndedAt = &at
		}
		if duration.Valid {
			d := int(duration.Int64)
			rec.DurationSeconds = &d
		}
		rec.CallerName = store.User{Username: crUsername, Name: crName, Email: crEmail}.DisplayName()
		rec.CalleeName = store.User{Username: ceUsername, Name: ceName, Email: ceEmail}.DisplayName()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: call history: %w", err)
	}
	return out, nil
}

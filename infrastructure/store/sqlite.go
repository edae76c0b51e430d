// Package store persists skillgate state: the conclusion audit log in
// SQLite and the role taxonomy as a JSON file.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

// SQLiteAudit implements ports.AuditLog using SQLite.
type SQLiteAudit struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteAudit opens (and if needed creates) the audit database at dbPath.
func NewSQLiteAudit(dbPath string) (*SQLiteAudit, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer avoids SQLITE_BUSY; conclusions are rare.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteAudit{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteAudit) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS verification_audit (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		failure_reason TEXT,
		is_update INTEGER NOT NULL DEFAULT 0,
		turns INTEGER NOT NULL DEFAULT 0,
		roles_added TEXT NOT NULL DEFAULT '[]',
		roles_removed TEXT NOT NULL DEFAULT '[]',
		concluded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON verification_audit(user_id, concluded_at);
	CREATE INDEX IF NOT EXISTS idx_audit_concluded ON verification_audit(concluded_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteAudit) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record inserts one conclusion. Missing ids and timestamps are filled in.
func (s *SQLiteAudit) Record(ctx context.Context, rec ports.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ConcludedAt.IsZero() {
		rec.ConcludedAt = s.now()
	}

	added, err := encodeRoles(rec.RolesAdded)
	if err != nil {
		return err
	}
	removed, err := encodeRoles(rec.RolesRemoved)
	if err != nil {
		return err
	}

	var reason any
	if rec.FailureReason != "" {
		reason = string(rec.FailureReason)
	}

	query := `
	INSERT INTO verification_audit
		(id, session_id, user_id, outcome, failure_reason, is_update, turns, roles_added, roles_removed, concluded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, string(rec.UserID), rec.Outcome.String(), reason,
		boolToInt(rec.IsUpdate), rec.Turns, added, removed, rec.ConcludedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first. An empty user matches
// every user.
func (s *SQLiteAudit) Recent(ctx context.Context, user domain.UserID, limit int) ([]ports.AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, session_id, user_id, outcome, failure_reason, is_update, turns,
		       roles_added, roles_removed, concluded_at
		FROM verification_audit
		WHERE (? = '' OR user_id = ?)
		ORDER BY concluded_at DESC, rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, string(user), string(user), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []ports.AuditRecord
	for rows.Next() {
		var (
			rec              ports.AuditRecord
			userID, outcome  string
			reason           sql.NullString
			isUpdate         int
			added, removed   string
			concludedAtMilli int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &userID, &outcome, &reason, &isUpdate, &rec.Turns,
			&added, &removed, &concludedAtMilli); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		rec.UserID = domain.UserID(userID)
		rec.Outcome = domain.OutcomeFailure
		if outcome == domain.OutcomeSuccess.String() {
			rec.Outcome = domain.OutcomeSuccess
		}
		rec.FailureReason = domain.FailureReason(reason.String)
		rec.IsUpdate = isUpdate != 0
		rec.ConcludedAt = time.UnixMilli(concludedAtMilli)
		if rec.RolesAdded, err = decodeRoles(added); err != nil {
			return nil, err
		}
		if rec.RolesRemoved, err = decodeRoles(removed); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteAudit) Close() error {
	return s.db.Close()
}

// encodeRoles stores ids as decimal strings so snowflakes survive any JSON
// reader.
func encodeRoles(ids []domain.RoleID) (string, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	data, err := json.Marshal(strs)
	if err != nil {
		return "", fmt.Errorf("encode roles: %w", err)
	}
	return string(data), nil
}

func decodeRoles(raw string) ([]domain.RoleID, error) {
	var strs []string
	if err := json.Unmarshal([]byte(raw), &strs); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	ids := make([]domain.RoleID, 0, len(strs))
	var errs []error
	for _, s := range strs {
		id, err := domain.ParseRoleID(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ ports.AuditLog = (*SQLiteAudit)(nil)

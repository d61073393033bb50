package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/swimcoach/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	video TEXT,
	analysis TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_created ON sessions(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS usage_limits (
	identifier TEXT NOT NULL,
	identifier_type TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	limit_max INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (identifier, identifier_type, resource_type, period_start)
);
`

// SQLiteStore is a single-file backend for small deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create sqlite dir: %w", err)
		}
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	} else {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY and keeps
	// an in-memory database alive for the store's lifetime.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Times are stored as fixed-width UTC text so that string comparison in
// SQL matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqliteTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

// SaveSession upserts the session and inserts unseen messages.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *model.CoachingSession) error {
	video, analysis, err := marshalSessionDocs(sess)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin save session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, video, analysis, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id = excluded.user_id,
		   video = excluded.video,
		   analysis = excluded.analysis,
		   updated_at = excluded.updated_at`,
		sess.ID.String(), sess.UserID, nullableText(video), nullableText(analysis),
		sqliteTime(sess.CreatedAt), sqliteTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert session: %w", err)
	}
	if err := sqliteInsertMessages(ctx, tx, sess.ID, sess.Conversation); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit save session tx: %w", err)
	}
	return nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func sqliteInsertMessages(ctx context.Context, tx *sql.Tx, sessionID uuid.UUID, msgs []model.ChatMessage) error {
	for _, m := range msgs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			m.ID.String(), sessionID.String(), string(m.Role), m.Content, sqliteTime(m.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("storage: insert message: %w", err)
		}
	}
	return nil
}

// GetSession loads a session and its conversation.
func (s *SQLiteStore) GetSession(ctx context.Context, id uuid.UUID) (*model.CoachingSession, error) {
	var (
		sess                 model.CoachingSession
		video, analysis      sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, video, analysis, created_at, updated_at FROM sessions WHERE id = ?`, id.String(),
	).Scan(&sess.UserID, &video, &analysis, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get session: %w", err)
	}
	sess.ID = id
	if sess.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("storage: parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, fmt.Errorf("storage: parse updated_at: %w", err)
	}
	if err := unmarshalSessionDocs(&sess, []byte(video.String), []byte(analysis.String)); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, fmt.Errorf("storage: get session messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	sess.Conversation = []model.ChatMessage{}
	for rows.Next() {
		var (
			m           model.ChatMessage
			msgID, role string
			ts          string
		)
		if err := rows.Scan(&msgID, &role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		if m.ID, err = uuid.Parse(msgID); err != nil {
			return nil, fmt.Errorf("storage: parse message id: %w", err)
		}
		if m.Timestamp, err = parseSQLiteTime(ts); err != nil {
			return nil, fmt.Errorf("storage: parse message time: %w", err)
		}
		m.Role = model.ChatRole(role)
		sess.Conversation = append(sess.Conversation, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate messages: %w", err)
	}
	return &sess, nil
}

// ListSessions returns summaries of the user's most recent sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]model.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.analysis, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s
		 WHERE s.user_id = ?
		 ORDER BY s.created_at DESC
		 LIMIT ?`, userID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.SessionSummary{}
	for rows.Next() {
		var (
			id, createdAt, updatedAt string
			analysis                 sql.NullString
			count                    int
			sess                     model.CoachingSession
		)
		if err := rows.Scan(&id, &analysis, &createdAt, &updatedAt, &count); err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		if sess.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse session id: %w", err)
		}
		sess.UserID = userID
		if sess.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, fmt.Errorf("storage: parse created_at: %w", err)
		}
		if sess.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
			return nil, fmt.Errorf("storage: parse updated_at: %w", err)
		}
		if err := unmarshalSessionDocs(&sess, nil, []byte(analysis.String)); err != nil {
			return nil, err
		}
		sum := sess.Summarize()
		sum.MessageCount = count
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AppendMessages stores new turns for an existing session.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID uuid.UUID, msgs ...model.ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin append messages tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		sqliteTime(time.Now()), sessionID.String())
	if err != nil {
		return fmt.Errorf("storage: touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: session %s: %w", sessionID, ErrNotFound)
	}
	if err := sqliteInsertMessages(ctx, tx, sessionID, msgs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit append messages tx: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementUsage bumps the counter for key if it is below limit.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, key model.UsageKey, limit int) (int, bool, error) {
	if limit <= 0 {
		count, err := s.GetUsage(ctx, key)
		return count, false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO usage_limits
		   (identifier, identifier_type, resource_type, period_start, period_end, usage_count, limit_max, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(identifier, identifier_type, resource_type, period_start) DO UPDATE SET
		   usage_count = usage_count + 1,
		   limit_max = excluded.limit_max,
		   updated_at = excluded.updated_at
		 WHERE usage_count < excluded.limit_max
		 RETURNING usage_count`,
		key.Identifier, string(key.Kind), key.Resource,
		sqliteTime(model.DayStart(key.Period)), sqliteTime(key.PeriodEnd()), limit, sqliteTime(time.Now()),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.GetUsage(ctx, key)
		if err != nil {
			return 0, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: increment usage: %w", err)
	}
	return count, true, nil
}

// GetUsage returns the current count, zero when no row exists.
func (s *SQLiteStore) GetUsage(ctx context.Context, key model.UsageKey) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT usage_count FROM usage_limits
		 WHERE identifier = ? AND identifier_type = ? AND resource_type = ? AND period_start = ?`,
		key.Identifier, string(key.Kind), key.Resource, sqliteTime(model.DayStart(key.Period)),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: get usage: %w", err)
	}
	return count, nil
}

// ResetUsage deletes the counter for key.
func (s *SQLiteStore) ResetUsage(ctx context.Context, key model.UsageKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_limits
		 WHERE identifier = ? AND identifier_type = ? AND resource_type = ? AND period_start = ?`,
		key.Identifier, string(key.Kind), key.Resource, sqliteTime(model.DayStart(key.Period)),
	)
	if err != nil {
		return fmt.Errorf("storage: reset usage: %w", err)
	}
	return nil
}

// PurgeUsage deletes counters whose period ended before cutoff.
func (s *SQLiteStore) PurgeUsage(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_limits WHERE period_end < ?`, sqliteTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage: purge usage: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Backend names the storage implementation.
func (s *SQLiteStore) Backend() string { return "sqlite" }

// Close closes the database.
func (s *SQLiteStore) Close(_ context.Context) error { return s.db.Close() }

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/swimcoach/internal/model"
)

const (
	saveRetries    = 3
	saveRetryDelay = 20 * time.Millisecond
)

// SaveSession upserts the session and inserts unseen messages in one
// transaction, retrying on serialization conflicts.
func (db *DB) SaveSession(ctx context.Context, s *model.CoachingSession) error {
	video, analysis, err := marshalSessionDocs(s)
	if err != nil {
		return err
	}
	return WithRetry(ctx, saveRetries, saveRetryDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin save session tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = tx.Exec(ctx,
			`INSERT INTO sessions (id, user_id, video, analysis, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET
			   user_id = EXCLUDED.user_id,
			   video = EXCLUDED.video,
			   analysis = EXCLUDED.analysis,
			   updated_at = EXCLUDED.updated_at`,
			s.ID, s.UserID, video, analysis, s.CreatedAt, s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: upsert session: %w", err)
		}

		if err := insertMessagesTx(ctx, tx, s.ID, s.Conversation); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit save session tx: %w", err)
		}
		return nil
	})
}

func insertMessagesTx(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, msgs []model.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(
			`INSERT INTO messages (id, session_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, sessionID, string(m.Role), m.Content, m.Timestamp,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range msgs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("storage: insert message: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("storage: insert messages: %w", err)
	}
	return nil
}

// GetSession loads a session and its conversation.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (*model.CoachingSession, error) {
	var (
		s        model.CoachingSession
		video    []byte
		analysis []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, video, analysis, created_at, updated_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.UserID, &video, &analysis, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get session: %w", err)
	}
	if err := unmarshalSessionDocs(&s, video, analysis); err != nil {
		return nil, err
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, role, content, created_at FROM messages
		 WHERE session_id = $1 ORDER BY seq ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get session messages: %w", err)
	}
	defer rows.Close()
	s.Conversation = []model.ChatMessage{}
	for rows.Next() {
		var (
			m    model.ChatMessage
			role string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Role = model.ChatRole(role)
		s.Conversation = append(s.Conversation, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate messages: %w", err)
	}
	return &s, nil
}

// ListSessions returns summaries of the user's most recent sessions.
func (db *DB) ListSessions(ctx context.Context, userID string, limit int) ([]model.SessionSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT s.id, s.user_id, s.analysis, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s
		 WHERE s.user_id = $1
		 ORDER BY s.created_at DESC
		 LIMIT $2`, userID, listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	out := []model.SessionSummary{}
	for rows.Next() {
		var (
			s        model.CoachingSession
			analysis []byte
			count    int
		)
		if err := rows.Scan(&s.ID, &s.UserID, &analysis, &s.CreatedAt, &s.UpdatedAt, &count); err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		if err := unmarshalSessionDocs(&s, nil, analysis); err != nil {
			return nil, err
		}
		sum := s.Summarize()
		sum.MessageCount = count
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AppendMessages stores new turns for an existing session.
func (db *DB) AppendMessages(ctx context.Context, sessionID uuid.UUID, msgs ...model.ChatMessage) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin append messages tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("storage: touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s: %w", sessionID, ErrNotFound)
	}
	if err := insertMessagesTx(ctx, tx, sessionID, msgs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit append messages tx: %w", err)
	}
	return nil
}

// DeleteSession removes a session and, through the foreign key, its
// messages.
func (db *DB) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	return nil
}

// marshalSessionDocs encodes the video and analysis documents. Absent
// documents are stored as NULL.
func marshalSessionDocs(s *model.CoachingSession) (video, analysis []byte, err error) {
	if s.Video != nil {
		if video, err = json.Marshal(s.Video); err != nil {
			return nil, nil, fmt.Errorf("storage: marshal video: %w", err)
		}
	}
	if s.Analysis != nil {
		if analysis, err = json.Marshal(s.Analysis); err != nil {
			return nil, nil, fmt.Errorf("storage: marshal analysis: %w", err)
		}
	}
	return video, analysis, nil
}

func unmarshalSessionDocs(s *model.CoachingSession, video, analysis []byte) error {
	if len(video) > 0 {
		s.Video = &model.VideoMetadata{}
		if err := json.Unmarshal(video, s.Video); err != nil {
			return fmt.Errorf("storage: unmarshal video: %w", err)
		}
	}
	if len(analysis) > 0 {
		s.Analysis = &model.AnalysisResult{}
		if err := json.Unmarshal(analysis, s.Analysis); err != nil {
			return fmt.Errorf("storage: unmarshal analysis: %w", err)
		}
	}
	return nil
}

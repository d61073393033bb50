package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PutBlob stores raw bytes under path, replacing any previous content.
func (db *DB) PutBlob(ctx context.Context, path string, sessionID uuid.UUID, contentType string, data []byte) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO video_blobs (path, session_id, content_type, size_bytes, data)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (path) DO UPDATE SET
		   content_type = EXCLUDED.content_type,
		   size_bytes = EXCLUDED.size_bytes,
		   data = EXCLUDED.data`,
		path, sessionID, contentType, int64(len(data)), data,
	)
	if err != nil {
		return fmt.Errorf("storage: put blob: %w", err)
	}
	return nil
}

// GetBlob returns the bytes stored at path.
func (db *DB) GetBlob(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := db.pool.QueryRow(ctx, `SELECT data FROM video_blobs WHERE path = $1`, path).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("storage: blob %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get blob: %w", err)
	}
	return data, nil
}

// DeleteBlob removes path. Deleting a missing blob is not an error.
func (db *DB) DeleteBlob(ctx context.Context, path string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM video_blobs WHERE path = $1`, path); err != nil {
		return fmt.Errorf("storage: delete blob: %w", err)
	}
	return nil
}

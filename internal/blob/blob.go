// Package blob stores uploaded source videos. Videos live at
// videos/{session}/original.{ext} in one of three backends: the local
// filesystem, a Postgres table, or process memory.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/swimcoach/internal/storage"
)

// ErrNotFound is returned when no blob exists at a path.
var ErrNotFound = errors.New("blob: not found")

// Store reads and writes video blobs.
type Store interface {
	Put(ctx context.Context, path string, sessionID uuid.UUID, contentType string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	Healthy(ctx context.Context) error
	Backend() string
}

// FallbackExtensions are tried, in order, when a session does not record
// where its video was stored.
var FallbackExtensions = []string{"mp4", "mov", "avi", "webm"}

var contentTypes = map[string]string{
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"webm": "video/webm",
}

// Extension returns the lowercased extension of filename without the dot,
// or "mp4" when there is none.
func Extension(filename string) string {
	ext := strings.TrimPrefix(path.Ext(filename), ".")
	if ext == "" {
		return "mp4"
	}
	return strings.ToLower(ext)
}

// ContentType guesses a video MIME type from a file extension.
func ContentType(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "video/mp4"
}

// VideoPath returns the storage path of a session's original video.
func VideoPath(sessionID uuid.UUID, filename string) string {
	return fmt.Sprintf("videos/%s/original.%s", sessionID, Extension(filename))
}

// PutVideo stores data as the session's original video and returns its path.
func PutVideo(ctx context.Context, s Store, sessionID uuid.UUID, filename string, data []byte) (string, error) {
	p := VideoPath(sessionID, filename)
	if err := s.Put(ctx, p, sessionID, ContentType(Extension(filename)), data); err != nil {
		return "", err
	}
	return p, nil
}

// LoadVideo reads a session's video from knownPath, or when that is empty
// or missing, from each fallback extension in turn.
func LoadVideo(ctx context.Context, s Store, sessionID uuid.UUID, knownPath string) ([]byte, string, error) {
	candidates := make([]string, 0, len(FallbackExtensions)+1)
	if knownPath != "" {
		candidates = append(candidates, knownPath)
	}
	for _, ext := range FallbackExtensions {
		p := fmt.Sprintf("videos/%s/original.%s", sessionID, ext)
		if p != knownPath {
			candidates = append(candidates, p)
		}
	}
	for _, p := range candidates {
		data, err := s.Get(ctx, p)
		if err == nil {
			return data, p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("blob: video for session %s: %w", sessionID, ErrNotFound)
}

// Config selects a backend.
type Config struct {
	Backend string // "fs", "postgres" or "memory"
	Dir     string
}

// Open returns the configured store. The postgres backend needs db.
func Open(cfg Config, db *storage.DB, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		logger.Warn("blob: using in-memory video storage; uploads are lost on restart")
		return NewMemoryStore(), nil
	case "fs":
		return NewFSStore(cfg.Dir)
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("blob: postgres backend requires a postgres database")
		}
		return NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("blob: unknown backend %q", cfg.Backend)
	}
}

// FSStore keeps blobs as files under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates root if needed.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		root = "data"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) resolve(p string) (string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("blob: invalid path %q", p)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes data atomically by renaming a temp file into place.
func (s *FSStore) Put(_ context.Context, p string, _ uuid.UUID, _ string, data []byte) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("blob: put %s: %w", p, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", p, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("blob: put %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("blob: put %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("blob: put %s: %w", p, err)
	}
	return nil
}

// Get reads the file at p.
func (s *FSStore) Get(_ context.Context, p string) ([]byte, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full) //nolint:gosec // path is cleaned and rooted
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob: %s: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: get %s: %w", p, err)
	}
	return data, nil
}

// Delete removes the file at p. Missing files are ignored.
func (s *FSStore) Delete(_ context.Context, p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: delete %s: %w", p, err)
	}
	return nil
}

// Healthy checks that the root directory is still there.
func (s *FSStore) Healthy(context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("blob: stat root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blob: %s is not a directory", s.root)
	}
	return nil
}

// Backend names the implementation.
func (s *FSStore) Backend() string { return "fs" }

// PostgresStore keeps blobs in the video_blobs table.
type PostgresStore struct {
	db *storage.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *storage.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Put stores data at p.
func (s *PostgresStore) Put(ctx context.Context, p string, sessionID uuid.UUID, contentType string, data []byte) error {
	return s.db.PutBlob(ctx, p, sessionID, contentType, data)
}

// Get reads the blob at p.
func (s *PostgresStore) Get(ctx context.Context, p string) ([]byte, error) {
	data, err := s.db.GetBlob(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("blob: %s: %w", p, ErrNotFound)
	}
	return data, err
}

// Delete removes the blob at p.
func (s *PostgresStore) Delete(ctx context.Context, p string) error {
	return s.db.DeleteBlob(ctx, p)
}

// Healthy pings the database.
func (s *PostgresStore) Healthy(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Backend names the implementation.
func (s *PostgresStore) Backend() string { return "postgres" }

// MemoryStore keeps blobs in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of data.
func (s *MemoryStore) Put(_ context.Context, p string, _ uuid.UUID, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[p] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the stored bytes.
func (s *MemoryStore) Get(_ context.Context, p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[p]
	if !ok {
		return nil, fmt.Errorf("blob: %s: %w", p, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes p.
func (s *MemoryStore) Delete(_ context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, p)
	return nil
}

// Healthy always succeeds.
func (s *MemoryStore) Healthy(context.Context) error { return nil }

// Backend names the implementation.
func (s *MemoryStore) Backend() string { return "memory" }

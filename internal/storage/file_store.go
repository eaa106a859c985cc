package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dentiq/payrecon/internal/payment"
)

// FileStore implements Store on top of MemoryStore, writing every change
// through to a JSON file with write-to-temp + rename.
//
// Single instance only: two processes sharing the file will overwrite each other.
type FileStore struct {
	*MemoryStore
	filePath string
	writeMu  sync.Mutex // serializes mutate+persist so the file never lags a newer write
}

// fileData represents the JSON structure stored in the file.
type fileData struct {
	Version  int                        `json:"version"`
	Sessions map[string]payment.Session `json:"sessions"`
}

// NewFileStore creates a new file-backed store, loading existing sessions if the file exists.
func NewFileStore(filePath string, opts ...MemoryOption) (*FileStore, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	store := &FileStore{
		MemoryStore: NewMemoryStore(opts...),
		filePath:    filePath,
	}
	if err := store.load(); err != nil {
		store.MemoryStore.Stop()
		return nil, err
	}
	return store, nil
}

// load reads data from the file.
func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if data.Sessions != nil {
		s.MemoryStore.restore(data.Sessions)
	}
	return nil
}

// save writes the current sessions to disk atomically.
func (s *FileStore) save() error {
	data := fileData{Version: 1, Sessions: s.MemoryStore.snapshot()}
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// CreateSession stores a new session and persists it.
func (s *FileStore) CreateSession(ctx context.Context, session payment.Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.MemoryStore.CreateSession(ctx, session); err != nil {
		return err
	}
	return s.save()
}

// BindExternalRef binds the reference and persists when it changed.
func (s *FileStore) BindExternalRef(ctx context.Context, localID, ref string) (payment.Session, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	before, err := s.MemoryStore.GetSession(ctx, localID)
	if err != nil {
		return payment.Session{}, err
	}
	after, err := s.MemoryStore.BindExternalRef(ctx, localID, ref)
	if err != nil {
		return after, err
	}
	if before.ExternalRef == after.ExternalRef {
		return after, nil
	}
	return after, s.save()
}

// CommitStatus applies the commit and persists when it applied.
func (s *FileStore) CommitStatus(ctx context.Context, c Commit) (payment.Session, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	session, applied, err := s.MemoryStore.CommitStatus(ctx, c)
	if err != nil || !applied {
		return session, applied, err
	}
	if err := s.save(); err != nil {
		return session, true, fmt.Errorf("persist commit: %w", err)
	}
	return session, true, nil
}

// DeleteSession removes a session and persists.
func (s *FileStore) DeleteSession(ctx context.Context, localID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.MemoryStore.DeleteSession(ctx, localID); err != nil {
		return err
	}
	return s.save()
}

// Close stops cleanup and performs a final flush.
func (s *FileStore) Close() error {
	s.MemoryStore.Stop()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.save()
}

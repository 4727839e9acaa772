package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore keeps the registry as a JSON array in a single file. Writes from
// one process are serialized; across processes the last writer wins.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by path. The file is created on first write.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{path: path, logger: logger.Named("registry")}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) Upsert(ctx context.Context, nickname, email, projectRef string) (bool, error) {
	entry, err := newEntry(nickname, email, projectRef)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return false, err
	}

	updated := false
	for i := range entries {
		if entries[i].Username == entry.Username {
			entries[i] = entry
			updated = true
			break
		}
	}
	if !updated {
		entries = append(entries, entry)
	}

	if err := s.save(entries); err != nil {
		return false, err
	}
	s.logger.Info("Registry entry saved.", zap.String("nickname", nickname), zap.Bool("updated", updated))
	return updated, nil
}

func (s *FileStore) Delete(ctx context.Context, nickname string) error {
	return s.remove(func(e Entry) bool { return e.Username == nickname })
}

func (s *FileStore) DeleteMatching(ctx context.Context, nickname, email string) error {
	return s.remove(func(e Entry) bool { return e.Username == nickname && e.Email == email })
}

func (s *FileStore) remove(match func(Entry) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}

	kept := entries[:0]
	found := false
	for _, e := range entries {
		if match(e) {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return ErrNotFound
	}
	return s.save(kept)
}

// load reads the file; a missing file is an empty registry.
func (s *FileStore) load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", s.path, err)
	}

	var entries []Entry
	if len(data) == 0 {
		return []Entry{}, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", s.path, err)
	}
	return entries, nil
}

// save rewrites the whole file through a temp file and rename.
func (s *FileStore) save(entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}

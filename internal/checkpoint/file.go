package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/plugperf/pkg/models"
)

// DefaultPath is where the file backend writes when no path is configured.
const DefaultPath = ".plugperf/checkpoint.json"

// FileStore keeps the checkpoint as one JSON file. Saves go to a temporary
// file in the same directory which is synced and renamed over the target, so
// readers only ever see a complete previous or complete new checkpoint.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore creates a file-backed store, creating the parent directory.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	return &FileStore{path: path, now: time.Now}, nil
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string {
	return s.path
}

// Save atomically replaces the checkpoint file.
func (s *FileStore) Save(ctx context.Context, state *models.ExperimentState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(state, s.now())
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path, data, 0o600)
}

// Load reads the checkpoint file.
func (s *FileStore) Load(ctx context.Context) (*models.ExperimentState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return decode(data)
}

// Clear removes the checkpoint file. A missing file is not an error.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}

func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp checkpoint: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk. Not every platform supports syncing a
// directory handle, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

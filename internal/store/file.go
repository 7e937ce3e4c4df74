package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/chrissnell/insituqc/internal/climatology"
	"github.com/chrissnell/insituqc/internal/log"
)

// FileStore keeps one msgpack file per key under a root directory:
// <root>/<platform>/<variable>.msgpack.
type FileStore struct {
	root   string
	logger *zap.SugaredLogger
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string, logger *zap.SugaredLogger) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file store requires a path")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{root: root, logger: log.OrNop(logger)}, nil
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.root, key.Platform, key.Variable+".msgpack")
}

// Load reads the artifact of key.
func (s *FileStore) Load(ctx context.Context, key Key) (*climatology.Artifact, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", key, err)
	}
	var r record
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", key, err)
	}
	return r.artifact()
}

// Save writes the artifact of key, replacing any previous one. The file is
// written under a unique temporary name and renamed into place.
func (s *FileStore) Save(ctx context.Context, key Key, a *climatology.Artifact) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := newRecord(a)
	if err != nil {
		return err
	}
	b, err := msgpack.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", key, err)
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create platform directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	s.logger.Debugf("saved climatology artifact %s to %s", key, path)
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

// Package db persists snapshots of the manager's non-terminal tasks so that a restarted manager
// can resume them.
package db

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/internal/sproto"
)

// ErrNotFound is returned by Load when no snapshot was ever saved.
var ErrNotFound = errors.New("snapshot not found")

// Store saves and loads the latest snapshot. Saving replaces the previous snapshot.
type Store interface {
	Save(ctx context.Context, snap sproto.Snapshot) error
	Load(ctx context.Context) (sproto.Snapshot, error)
	Close() error
}

// Open returns the store selected by the checkpoint configuration.
func Open(ctx context.Context, cfg config.CheckpointConfig, manager string) (Store, error) {
	switch cfg.Type {
	case config.NoCheckpoint, "":
		return NoopStore{}, nil
	case config.FileCheckpoint:
		return NewFileStore(cfg.Path), nil
	case config.PostgresCheckpoint:
		return ConnectPostgres(ctx, cfg.DB, manager)
	default:
		return nil, errors.Errorf("unknown checkpoint type %q", cfg.Type)
	}
}

// NoopStore discards snapshots.
type NoopStore struct{}

// Save implements Store.
func (NoopStore) Save(context.Context, sproto.Snapshot) error { return nil }

// Load implements Store.
func (NoopStore) Load(context.Context) (sproto.Snapshot, error) {
	return sproto.Snapshot{}, ErrNotFound
}

// Close implements Store.
func (NoopStore) Close() error { return nil }

// FileStore keeps the snapshot as a JSON document. Writes go to a sibling temporary file that is
// renamed over the old snapshot, so a crash never leaves a partial document behind.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, snap sproto.Snapshot) error {
	bs, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temporary snapshot")
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(bs); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "writing snapshot")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "syncing snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing snapshot")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path), "replacing snapshot")
}

// Load implements Store.
func (s *FileStore) Load(context.Context) (sproto.Snapshot, error) {
	var snap sproto.Snapshot
	bs, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return snap, ErrNotFound
	case err != nil:
		return snap, errors.Wrapf(err, "reading %s", s.path)
	}
	if err := json.Unmarshal(bs, &snap); err != nil {
		return snap, errors.Wrapf(err, "decoding %s", s.path)
	}
	return snap, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

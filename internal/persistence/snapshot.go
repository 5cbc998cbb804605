package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileSnapshotStore keeps the ledger snapshot in a single JSON file.
// Writes go to a temp file in the same directory which is synced and then
// renamed over the target, so a crash leaves either the old or the new
// document and never a torn one.
//
// Writes are serialized. A write abandoned by its caller after a timeout
// still holds the writer slot until it finishes, so it can never land on
// top of a newer snapshot.
type FileSnapshotStore struct {
	path   string
	sem    chan struct{}
	logger zerolog.Logger
}

func NewFileSnapshotStore(path string, logger zerolog.Logger) *FileSnapshotStore {
	return &FileSnapshotStore{
		path:   path,
		sem:    make(chan struct{}, 1),
		logger: logger,
	}
}

// Path returns the snapshot file location.
func (s *FileSnapshotStore) Path() string {
	return s.path
}

// ReadSnapshot returns the stored document. A missing file yields an error
// wrapping fs.ErrNotExist.
func (s *FileSnapshotStore) ReadSnapshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}
	return data, nil
}

// WriteSnapshot replaces the stored document. It returns when the write is
// durable or ctx is done, whichever comes first.
func (s *FileSnapshotStore) WriteSnapshot(ctx context.Context, data []byte) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for snapshot writer: %w", ctx.Err())
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-s.sem }()
		done <- s.writeAtomic(data)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.logger.Warn().Str("path", s.path).Msg("snapshot write exceeded its deadline; it will complete in the background")
		return fmt.Errorf("write snapshot %s: %w", s.path, ctx.Err())
	}
}

func (s *FileSnapshotStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	// Persist the rename itself. Not all platforms support syncing a
	// directory, so failure here is only logged.
	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			s.logger.Debug().Err(err).Msg("snapshot dir sync unsupported")
		}
		d.Close()
	}
	return nil
}

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stake-dao/forwarder-indexer/events"
	"go.uber.org/zap"
)

// FileStore persists one RLP file per (chain, watched address) pair in a data
// directory. Writes go through a temp file and rename so that readers never
// observe a partially written log.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates a file-backed event store rooted at dir
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Load reads the persisted event log for key. A missing or corrupt file
// degrades to an empty list with a warning.
func (s *FileStore) Load(ctx context.Context, key Key) ([]events.ForwarderEvent, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.path(key)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("event log unreadable, starting empty",
			zap.String("key", key.String()),
			zap.String("path", path),
			zap.Error(err))
		return nil, nil
	}

	evts, err := events.DecodeEvents(data)
	if err != nil {
		s.logger.Warn("event log corrupt, starting empty",
			zap.String("key", key.String()),
			zap.String("path", path),
			zap.Error(err))
		return nil, nil
	}
	return evts, nil
}

// Save atomically replaces the persisted log for key
func (s *FileStore) Save(ctx context.Context, key Key, evts []events.ForwarderEvent, checkpointBlock uint64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := events.EncodeEvents(withCheckpoint(evts, checkpointBlock))
	if err != nil {
		return fmt.Errorf("failed to encode event log: %w", err)
	}

	path := s.path(key)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write event log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace event log: %w", err)
	}
	return nil
}

// Checkpoint returns the persisted checkpoint height for key, or 0
func (s *FileStore) Checkpoint(ctx context.Context, key Key) (uint64, error) {
	evts, err := s.Load(ctx, key)
	if err != nil {
		return 0, err
	}
	return LatestCheckpoint(evts), nil
}

// Close is a no-op for the file backend
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.dir, fmt.Sprintf("fwd_%d_0x%x.rlp", key.ChainID, key.Watched.Bytes()))
}

package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/stake-dao/forwarder-indexer/events"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("storage: closed")

// eventLogPrefix namespaces event log keys in the database
const eventLogPrefix = byte(0x01)

// PebbleStore persists event logs in a PebbleDB database, one record per
// (chain, watched address) pair
type PebbleStore struct {
	db     *pebble.DB
	logger *zap.Logger
	closed atomic.Bool
}

// NewPebbleStore opens a pebble-backed event store at path
func NewPebbleStore(path string, logger *zap.Logger) (*PebbleStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStore{db: db, logger: logger}, nil
}

// Load reads the persisted event log for key. Missing or corrupt records
// degrade to an empty list with a warning.
func (s *PebbleStore) Load(ctx context.Context, key Key) ([]events.ForwarderEvent, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	data, closer, err := s.db.Get(dbKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("event log unreadable, starting empty",
			zap.String("key", key.String()),
			zap.Error(err))
		return nil, nil
	}
	defer closer.Close()

	evts, err := events.DecodeEvents(data)
	if err != nil {
		s.logger.Warn("event log corrupt, starting empty",
			zap.String("key", key.String()),
			zap.Error(err))
		return nil, nil
	}
	return evts, nil
}

// Save atomically replaces the persisted log for key
func (s *PebbleStore) Save(ctx context.Context, key Key, evts []events.ForwarderEvent, checkpointBlock uint64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	data, err := events.EncodeEvents(withCheckpoint(evts, checkpointBlock))
	if err != nil {
		return fmt.Errorf("failed to encode event log: %w", err)
	}

	if err := s.db.Set(dbKey(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write event log: %w", err)
	}
	return nil
}

// Checkpoint returns the persisted checkpoint height for key, or 0
func (s *PebbleStore) Checkpoint(ctx context.Context, key Key) (uint64, error) {
	evts, err := s.Load(ctx, key)
	if err != nil {
		return 0, err
	}
	return LatestCheckpoint(evts), nil
}

// Close closes the database and releases resources
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// dbKey builds the database key: prefix byte, big-endian chain ID, address
func dbKey(key Key) []byte {
	buf := make([]byte, 1+8+20)
	buf[0] = eventLogPrefix
	binary.BigEndian.PutUint64(buf[1:9], key.ChainID)
	copy(buf[9:], key.Watched.Bytes())
	return buf
}

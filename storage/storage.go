package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stake-dao/forwarder-indexer/events"
	"go.uber.org/zap"
)

// Key identifies one persisted event log
type Key struct {
	ChainID uint64
	Watched common.Address
}

// String renders the key in the lowercase form used in filenames and logs
func (k Key) String() string {
	return fmt.Sprintf("%d:0x%x", k.ChainID, k.Watched.Bytes())
}

// Validate rejects unusable keys
func (k Key) Validate() error {
	if k.ChainID == 0 {
		return fmt.Errorf("chain ID is required")
	}
	if k.Watched == (common.Address{}) {
		return fmt.Errorf("watched address is required")
	}
	return nil
}

// EventStore is the durable, idempotent accumulator of forwarder events for
// one key. Implementations must make Save atomic: a failed save leaves the
// previously persisted log intact.
type EventStore interface {
	// Load returns the persisted event list including the trailing
	// checkpoint, or an empty list if nothing (readable) is stored.
	// Unreadable state degrades to empty rather than failing: the indexer
	// can always rebuild from the chain's full history.
	Load(ctx context.Context, key Key) ([]events.ForwarderEvent, error)

	// Save persists the full event list, replacing any prior state, with a
	// fresh checkpoint for checkpointBlock appended
	Save(ctx context.Context, key Key, evts []events.ForwarderEvent, checkpointBlock uint64) error

	// Checkpoint returns the persisted checkpoint height, or 0 if none
	Checkpoint(ctx context.Context, key Key) (uint64, error)

	// Close releases store resources
	Close() error
}

// Config holds event store configuration
type Config struct {
	// Backend selects the implementation: "file" or "pebble"
	Backend string
	// Path is the data directory (file) or database path (pebble)
	Path string
	// Logger receives degradation warnings; nil means silent
	Logger *zap.Logger
}

// NewEventStore creates an event store for the configured backend
func NewEventStore(cfg *Config) (EventStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path, cfg.Logger)
	case "pebble":
		return NewPebbleStore(cfg.Path, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (available: file, pebble)", cfg.Backend)
	}
}

// Merge unions incoming events into existing ones. Checkpoints are stripped
// from both inputs; entries sharing a (block, from, kind) identity are
// replaced by the incoming version; the result is sorted by block number,
// ties kept in input order. Merge is pure, idempotent, and safe to replay
// with the same batch twice.
func Merge(existing, incoming []events.ForwarderEvent) []events.ForwarderEvent {
	override := make(map[events.ID]struct{}, len(incoming))
	for _, evt := range incoming {
		if evt.IsCheckpoint() {
			continue
		}
		override[evt.ID()] = struct{}{}
	}

	merged := make([]events.ForwarderEvent, 0, len(existing)+len(incoming))
	for _, evt := range existing {
		if evt.IsCheckpoint() {
			continue
		}
		if _, replaced := override[evt.ID()]; replaced {
			continue
		}
		merged = append(merged, evt)
	}
	for _, evt := range incoming {
		if evt.IsCheckpoint() {
			continue
		}
		merged = append(merged, evt)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].BlockNumber < merged[j].BlockNumber
	})

	return merged
}

// LatestCheckpoint returns the checkpoint height recorded in evts, or 0
func LatestCheckpoint(evts []events.ForwarderEvent) uint64 {
	var checkpoint uint64
	for _, evt := range evts {
		if evt.IsCheckpoint() && evt.BlockNumber > checkpoint {
			checkpoint = evt.BlockNumber
		}
	}
	return checkpoint
}

// withCheckpoint appends a fresh checkpoint sentinel to a merged list
func withCheckpoint(evts []events.ForwarderEvent, block uint64) []events.ForwarderEvent {
	out := make([]events.ForwarderEvent, 0, len(evts)+1)
	out = append(out, evts...)
	out = append(out, events.NewCheckpoint(block))
	return out
}

// Package indexer wires the chain client, range fetcher, and event store
// into the incremental ingest and point-in-time query operations.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stake-dao/forwarder-indexer/events"
	"github.com/stake-dao/forwarder-indexer/fetch"
	"github.com/stake-dao/forwarder-indexer/replay"
	"github.com/stake-dao/forwarder-indexer/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrIngestRunning is returned when an ingest pass for the same watched
// address is already in flight. The store has a single-writer invariant per
// key; callers retry once the running pass finishes.
var ErrIngestRunning = errors.New("indexer: ingest already running for address")

// ErrCutoffBeforeGenesis is returned by Query when the cutoff time predates
// the registry deployment. No relationship can exist before the registry
// did, so such a cutoff is a caller error, not an empty result.
var ErrCutoffBeforeGenesis = errors.New("indexer: cutoff before registry deployment")

// ChainReader provides the current head height
type ChainReader interface {
	HeadBlockNumber(ctx context.Context) (uint64, error)
}

// RangeFetcher fetches forwarder events for a block range
type RangeFetcher interface {
	FetchRange(ctx context.Context, watched common.Address, startBlock, endBlock uint64, knownFroms []common.Address) (*fetch.Result, error)
}

// Config holds orchestrator configuration
type Config struct {
	// ChainID is the chain the registry lives on; it namespaces store keys
	ChainID uint64

	// DeployBlock is the registry deployment height; no resume point goes
	// below it
	DeployBlock uint64

	// DeployTime is the unix timestamp of the deploy block; query cutoffs
	// below it are rejected
	DeployTime uint64

	// Watched is the set of destination addresses to index
	Watched []common.Address

	// Workers bounds how many watched addresses IngestAll processes
	// concurrently
	Workers int
}

// Validate validates the orchestrator configuration
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain ID is required")
	}
	if len(c.Watched) == 0 {
		return fmt.Errorf("at least one watched address is required")
	}
	for _, addr := range c.Watched {
		if addr == (common.Address{}) {
			return fmt.Errorf("watched address cannot be zero")
		}
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}

// IngestResult summarizes one ingest pass for one watched address
type IngestResult struct {
	Watched common.Address
	// FromBlock and ToBlock bound the range this pass scanned; FromBlock >
	// ToBlock means the store was already caught up and nothing was fetched
	FromBlock uint64
	ToBlock   uint64
	// Fetched is the number of events the pass pulled from the chain
	Fetched int
	// Stored is the total number of events persisted after the merge,
	// checkpoint excluded
	Stored int
	// Checkpoint is the persisted resume height after the pass
	Checkpoint uint64
	// Gaps lists block ranges abandoned after exhausting retries
	Gaps []fetch.BlockRange
}

// Indexer orchestrates incremental ingestion and temporal queries for a set
// of watched addresses on one chain
type Indexer struct {
	chain   ChainReader
	fetcher RangeFetcher
	store   storage.EventStore
	config  *Config
	logger  *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	running map[storage.Key]bool
}

// New creates a new Indexer. Metrics may be nil.
func New(chain ChainReader, fetcher RangeFetcher, store storage.EventStore, config *Config, logger *zap.Logger, metrics *Metrics) (*Indexer, error) {
	if chain == nil {
		return nil, fmt.Errorf("chain reader cannot be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid indexer config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		chain:   chain,
		fetcher: fetcher,
		store:   store,
		config:  config,
		logger:  logger,
		metrics: metrics,
		running: make(map[storage.Key]bool),
	}, nil
}

// ChainID returns the chain this indexer serves
func (ix *Indexer) ChainID() uint64 {
	return ix.config.ChainID
}

// Watched returns the configured watched addresses
func (ix *Indexer) Watched() []common.Address {
	return ix.config.Watched
}

// Watches reports whether addr is one of the configured watched addresses
func (ix *Indexer) Watches(addr common.Address) bool {
	for _, w := range ix.config.Watched {
		if w == addr {
			return true
		}
	}
	return false
}

// Ingest runs one incremental pass for watched: load the stored log, resume
// from checkpoint+1 (clamped to the deploy block), fetch up to the current
// head, merge, and persist with the new checkpoint. The checkpoint advances
// only through fully fetched chunks, so a pass with gaps re-covers the
// failed range on the next invocation.
//
// Returns ErrIngestRunning if a pass for the same address is in flight.
func (ix *Indexer) Ingest(ctx context.Context, watched common.Address) (*IngestResult, error) {
	key := storage.Key{ChainID: ix.config.ChainID, Watched: watched}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	if !ix.begin(key) {
		return nil, fmt.Errorf("%w: %s", ErrIngestRunning, key)
	}
	defer ix.end(key)

	started := time.Now()
	logger := ix.logger.With(zap.String("watched", watched.Hex()))

	stored, err := ix.store.Load(ctx, key)
	if err != nil {
		ix.countIngest("error")
		return nil, fmt.Errorf("failed to load event log: %w", err)
	}

	checkpoint := storage.LatestCheckpoint(stored)
	resume := checkpoint + 1
	if resume < ix.config.DeployBlock {
		resume = ix.config.DeployBlock
	}

	head, err := ix.chain.HeadBlockNumber(ctx)
	if err != nil {
		ix.countIngest("error")
		return nil, fmt.Errorf("failed to read head block: %w", err)
	}

	if resume > head {
		logger.Info("store caught up, nothing to ingest",
			zap.Uint64("checkpoint", checkpoint),
			zap.Uint64("head", head))
		ix.countIngest("noop")
		return &IngestResult{
			Watched:    watched,
			FromBlock:  resume,
			ToBlock:    head,
			Stored:     countFacts(stored),
			Checkpoint: checkpoint,
		}, nil
	}

	fetched, err := ix.fetcher.FetchRange(ctx, watched, resume, head, origins(stored))
	if err != nil {
		ix.countIngest("error")
		return nil, fmt.Errorf("failed to fetch range [%d, %d]: %w", resume, head, err)
	}

	merged := storage.Merge(stored, fetched.Events)
	newCheckpoint := fetched.LastContiguous

	if err := ix.store.Save(ctx, key, merged, newCheckpoint); err != nil {
		ix.countIngest("error")
		return nil, fmt.Errorf("failed to save event log: %w", err)
	}

	if !fetched.Complete() {
		logger.Warn("ingest finished with gaps, checkpoint held back",
			zap.Int("gaps", len(fetched.Gaps)),
			zap.Uint64("checkpoint", newCheckpoint),
			zap.Uint64("head", head))
	}
	logger.Info("ingest pass complete",
		zap.Uint64("from", resume),
		zap.Uint64("to", head),
		zap.Int("fetched", len(fetched.Events)),
		zap.Int("stored", len(merged)),
		zap.Uint64("checkpoint", newCheckpoint),
		zap.Duration("elapsed", time.Since(started)))

	ix.countIngest("ok")
	ix.observe(watched, len(merged), newCheckpoint, time.Since(started))

	return &IngestResult{
		Watched:    watched,
		FromBlock:  resume,
		ToBlock:    head,
		Fetched:    len(fetched.Events),
		Stored:     len(merged),
		Checkpoint: newCheckpoint,
		Gaps:       fetched.Gaps,
	}, nil
}

// IngestAll runs Ingest for every configured watched address across a
// bounded worker pool. Results arrive in no particular order; the first
// failure cancels in-flight passes.
func (ix *Indexer) IngestAll(ctx context.Context) ([]*IngestResult, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.config.Workers)

	var mu sync.Mutex
	results := make([]*IngestResult, 0, len(ix.config.Watched))

	for _, watched := range ix.config.Watched {
		g.Go(func() error {
			result, err := ix.Ingest(ctx, watched)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", watched.Hex(), err)
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Query loads the stored log for watched and reconstructs the forwarding
// relationships active at unix time at. It never touches the chain.
// A cutoff before the registry deployment returns ErrCutoffBeforeGenesis.
func (ix *Indexer) Query(ctx context.Context, watched common.Address, at uint64) ([]replay.Forwarding, error) {
	key := storage.Key{ChainID: ix.config.ChainID, Watched: watched}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if at < ix.config.DeployTime {
		return nil, fmt.Errorf("%w: %d < %d", ErrCutoffBeforeGenesis, at, ix.config.DeployTime)
	}

	stored, err := ix.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load event log: %w", err)
	}
	return replay.ActiveAt(stored, at), nil
}

// Checkpoint returns the persisted resume height for watched, or 0
func (ix *Indexer) Checkpoint(ctx context.Context, watched common.Address) (uint64, error) {
	key := storage.Key{ChainID: ix.config.ChainID, Watched: watched}
	if err := key.Validate(); err != nil {
		return 0, err
	}
	return ix.store.Checkpoint(ctx, key)
}

// begin claims the single-writer slot for key
func (ix *Indexer) begin(key storage.Key) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.running[key] {
		return false
	}
	ix.running[key] = true
	return true
}

func (ix *Indexer) end(key storage.Key) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.running, key)
}

func (ix *Indexer) countIngest(result string) {
	if ix.metrics != nil {
		ix.metrics.IngestRuns.WithLabelValues(result).Inc()
	}
}

func (ix *Indexer) observe(watched common.Address, stored int, checkpoint uint64, elapsed time.Duration) {
	if ix.metrics == nil {
		return
	}
	label := watched.Hex()
	ix.metrics.EventsStored.WithLabelValues(label).Set(float64(stored))
	ix.metrics.CheckpointHeight.WithLabelValues(label).Set(float64(checkpoint))
	ix.metrics.IngestDuration.Observe(elapsed.Seconds())
}

// origins returns the distinct forwarding addresses present in the stored
// log. They seed the fetcher's expiry cross-reference so that expiries of
// relationships established before the resume point are still found.
func origins(stored []events.ForwarderEvent) []common.Address {
	seen := make(map[common.Address]struct{})
	var addrs []common.Address
	for _, evt := range stored {
		if evt.IsCheckpoint() {
			continue
		}
		if _, ok := seen[evt.From]; ok {
			continue
		}
		seen[evt.From] = struct{}{}
		addrs = append(addrs, evt.From)
	}
	return addrs
}

// countFacts counts non-checkpoint events
func countFacts(evts []events.ForwarderEvent) int {
	n := 0
	for _, evt := range evts {
		if !evt.IsCheckpoint() {
			n++
		}
	}
	return n
}

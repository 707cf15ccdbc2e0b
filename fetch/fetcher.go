package fetch

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stake-dao/forwarder-indexer/events"
	"go.uber.org/zap"
)

// Client defines the interface for RPC client operations
type Client interface {
	HeadBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error)
}

// Config holds fetcher configuration
type Config struct {
	// Registry is the forwarding registry contract address
	Registry common.Address

	// ChunkSize is the number of blocks covered by one getLogs query
	ChunkSize uint64

	// MaxRetries is the total number of attempts for a failed chunk query
	MaxRetries int

	// RetryDelay is the initial backoff delay, doubled on each attempt
	RetryDelay time.Duration
}

// Validate validates the fetcher configuration
func (c *Config) Validate() error {
	if c.Registry == (common.Address{}) {
		return fmt.Errorf("registry address is required")
	}
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	return nil
}

// BlockRange is an inclusive block interval
type BlockRange struct {
	From uint64
	To   uint64
}

// Result is the outcome of a range fetch. Gaps lists the chunks abandoned
// after exhausting retries; LastContiguous is the highest block up to which
// every chunk succeeded, which is as far as a checkpoint may safely advance.
type Result struct {
	Events         []events.ForwarderEvent
	Gaps           []BlockRange
	LastContiguous uint64
}

// Complete reports whether the fetch covered the whole requested range
func (r *Result) Complete() bool {
	return len(r.Gaps) == 0
}

// Fetcher converts block-range requests into normalized forwarder events.
// It performs network calls only; persistence belongs to the store.
type Fetcher struct {
	client  Client
	config  *Config
	retry   RetryPolicy
	metrics *Metrics
	logger  *zap.Logger
}

// NewFetcher creates a new Fetcher instance. Metrics may be nil.
func NewFetcher(client Client, config *Config, logger *zap.Logger, metrics *Metrics) (*Fetcher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetcher config: %w", err)
	}
	return &Fetcher{
		client:  client,
		config:  config,
		retry:   NewRetryPolicy(config.MaxRetries, config.RetryDelay),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// SetRetryPolicy replaces the retry policy (used by tests to inject a fake sleeper)
func (f *Fetcher) SetRetryPolicy(p RetryPolicy) {
	f.retry = p
}

// FetchRange fetches all Set and Expire events destined for watched in
// [startBlock, endBlock]. knownFroms seeds the Expire cross-reference with
// origin addresses already present in the stored log, so expiries of
// relationships established before this range are still found.
//
// A chunk that fails all retries is recorded as a gap and skipped; the rest
// of the range is still processed. The returned events are unsorted and
// contain no checkpoint.
func (f *Fetcher) FetchRange(ctx context.Context, watched common.Address, startBlock, endBlock uint64, knownFroms []common.Address) (*Result, error) {
	if startBlock > endBlock {
		return nil, fmt.Errorf("invalid block range: start %d > end %d", startBlock, endBlock)
	}
	if watched == (common.Address{}) {
		return nil, fmt.Errorf("watched address is required")
	}

	froms := make(map[common.Address]struct{}, len(knownFroms))
	for _, from := range knownFroms {
		froms[from] = struct{}{}
	}

	result := &Result{LastContiguous: endBlock}

	f.logger.Info("fetching range",
		zap.String("watched", addrHex(watched)),
		zap.Uint64("start", startBlock),
		zap.Uint64("end", endBlock),
		zap.Uint64("chunk_size", f.config.ChunkSize),
	)

	for chunkStart := startBlock; chunkStart <= endBlock; chunkStart += f.config.ChunkSize {
		chunkEnd := chunkStart + f.config.ChunkSize - 1
		if chunkEnd > endBlock {
			chunkEnd = endBlock
		}

		evts, err := f.fetchChunk(ctx, watched, chunkStart, chunkEnd, froms)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			// Availability over completeness: the chunk becomes a gap the
			// operator can re-run for, the rest of the range still lands.
			f.logger.Warn("chunk abandoned after retries, recording gap",
				zap.String("watched", addrHex(watched)),
				zap.Uint64("chunk_start", chunkStart),
				zap.Uint64("chunk_end", chunkEnd),
				zap.Error(err),
			)
			f.countChunk("gap")
			if f.metrics != nil {
				f.metrics.ChunkGaps.Inc()
			}
			if len(result.Gaps) == 0 {
				if chunkStart == startBlock {
					// Nothing contiguous was covered at all
					result.LastContiguous = 0
					if startBlock > 0 {
						result.LastContiguous = startBlock - 1
					}
				} else {
					result.LastContiguous = chunkStart - 1
				}
			}
			result.Gaps = append(result.Gaps, BlockRange{From: chunkStart, To: chunkEnd})
			continue
		}

		f.countChunk("ok")
		result.Events = append(result.Events, evts...)
	}

	f.logger.Info("range fetched",
		zap.String("watched", addrHex(watched)),
		zap.Int("events", len(result.Events)),
		zap.Int("gaps", len(result.Gaps)),
		zap.Uint64("last_contiguous", result.LastContiguous),
	)

	return result, nil
}

// fetchChunk runs the two-pass query for one chunk: Set events filtered by
// destination, then Expire events for every origin discovered so far.
// Expire logs carry no destination, so they can only be found through the
// origins accumulated in froms; an expiry whose Set predates both the
// stored log and this run cannot be cross-referenced.
func (f *Fetcher) fetchChunk(ctx context.Context, watched common.Address, chunkStart, chunkEnd uint64, froms map[common.Address]struct{}) ([]events.ForwarderEvent, error) {
	setLogs, err := f.filterLogsWithRetry(ctx, "set logs", ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(chunkStart),
		ToBlock:   new(big.Int).SetUint64(chunkEnd),
		Addresses: []common.Address{f.config.Registry},
		Topics: [][]common.Hash{
			{events.SetForwardingTopic},
			nil,
			{common.BytesToHash(watched.Bytes())},
		},
	})
	if err != nil {
		return nil, err
	}

	evts := make([]events.ForwarderEvent, 0, len(setLogs))
	for _, log := range setLogs {
		ts, err := f.blockTimestampWithRetry(ctx, log.BlockNumber)
		if err != nil {
			return nil, err
		}
		evt, err := events.ParseSetLog(log, ts)
		if err != nil {
			f.quarantine(log, err)
			continue
		}
		froms[evt.From] = struct{}{}
		f.countEvent("set")
		evts = append(evts, evt)
	}

	if len(froms) == 0 {
		// No origins known yet: nothing to cross-reference expiries against
		f.logger.Debug("no origins known, skipping expire pass",
			zap.Uint64("chunk_start", chunkStart),
			zap.Uint64("chunk_end", chunkEnd),
		)
		return evts, nil
	}

	fromTopics := make([]common.Hash, 0, len(froms))
	for from := range froms {
		fromTopics = append(fromTopics, common.BytesToHash(from.Bytes()))
	}

	expireLogs, err := f.filterLogsWithRetry(ctx, "expire logs", ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(chunkStart),
		ToBlock:   new(big.Int).SetUint64(chunkEnd),
		Addresses: []common.Address{f.config.Registry},
		Topics: [][]common.Hash{
			{events.ExpireForwardingTopic},
			fromTopics,
		},
	})
	if err != nil {
		return nil, err
	}

	for _, log := range expireLogs {
		ts, err := f.blockTimestampWithRetry(ctx, log.BlockNumber)
		if err != nil {
			return nil, err
		}
		evt, err := events.ParseExpireLog(log, ts)
		if err != nil {
			f.quarantine(log, err)
			continue
		}
		f.countEvent("expire")
		evts = append(evts, evt)
	}

	return evts, nil
}

// filterLogsWithRetry wraps a getLogs query in the retry policy
func (f *Fetcher) filterLogsWithRetry(ctx context.Context, op string, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := f.retry.Do(ctx, f.logger, op, func() error {
		var err error
		logs, err = f.client.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// blockTimestampWithRetry wraps a header lookup in the retry policy
func (f *Fetcher) blockTimestampWithRetry(ctx context.Context, blockNumber uint64) (uint64, error) {
	var ts uint64
	err := f.retry.Do(ctx, f.logger, "block timestamp", func() error {
		var err error
		ts, err = f.client.BlockTimestamp(ctx, blockNumber)
		return err
	})
	return ts, err
}

// quarantine logs and counts a malformed entry without propagating it
func (f *Fetcher) quarantine(log types.Log, err error) {
	f.logger.Warn("rejected malformed log entry",
		zap.Uint64("block", log.BlockNumber),
		zap.String("tx", log.TxHash.Hex()),
		zap.Error(err),
	)
	if f.metrics != nil {
		f.metrics.MalformedLogs.Inc()
	}
}

func (f *Fetcher) countChunk(result string) {
	if f.metrics != nil {
		f.metrics.ChunksFetched.WithLabelValues(result).Inc()
	}
}

func (f *Fetcher) countEvent(kind string) {
	if f.metrics != nil {
		f.metrics.EventsDecoded.WithLabelValues(kind).Inc()
	}
}

// addrHex renders an address in the lowercase form used across reports
func addrHex(addr common.Address) string {
	return fmt.Sprintf("0x%x", addr.Bytes())
}

package fetch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stake-dao/forwarder-indexer/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testRegistry = common.HexToAddress("0x5db1Ca2Af1F0C7d43bB87F582b4148155195Bb2C")
	testWatched  = common.HexToAddress("0x52f541764E6e90eeBc5c21Ff570De0e2D63766B6")
	testFromA    = common.HexToAddress("0x781fea3353d6efbbabc9fac0b4725eff3c77dba7")
	testFromB    = common.HexToAddress("0x2dbedd2632d831e61eb3fcc6720f072eef9d522d")
)

// mockClient is a mock implementation of the RPC client
type mockClient struct {
	head        uint64
	logs        []types.Log
	failFilters int // fail the next N FilterLogs calls
	filterCalls int
}

func newMockClient() *mockClient {
	return &mockClient{head: 1_000_000}
}

func (m *mockClient) HeadBlockNumber(ctx context.Context) (uint64, error) {
	return m.head, nil
}

func (m *mockClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.filterCalls++
	if m.failFilters > 0 {
		m.failFilters--
		return nil, fmt.Errorf("mock rpc error")
	}

	var out []types.Log
	for _, log := range m.logs {
		if log.BlockNumber < q.FromBlock.Uint64() || log.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !topicsMatch(q.Topics, log.Topics) {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (m *mockClient) BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	// Deterministic fake chain time: 12s blocks
	return blockNumber * 12, nil
}

func topicsMatch(want [][]common.Hash, got []common.Hash) bool {
	for i, alternatives := range want {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(got) {
			return false
		}
		found := false
		for _, alt := range alternatives {
			if alt == got[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func word(v uint64) []byte {
	w := make([]byte, 32)
	for i := 0; i < 8; i++ {
		w[31-i] = byte(v >> (8 * i))
	}
	return w
}

func setLog(block uint64, from, to common.Address, start, expiration uint64) types.Log {
	return types.Log{
		Address: testRegistry,
		Topics: []common.Hash{
			events.SetForwardingTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        append(word(start), word(expiration)...),
		BlockNumber: block,
	}
}

func expireLog(block uint64, from common.Address, expiration uint64) types.Log {
	return types.Log{
		Address: testRegistry,
		Topics: []common.Hash{
			events.ExpireForwardingTopic,
			common.BytesToHash(from.Bytes()),
		},
		Data:        word(expiration),
		BlockNumber: block,
	}
}

func newTestFetcher(t *testing.T, client Client, chunkSize uint64) *Fetcher {
	t.Helper()
	f, err := NewFetcher(client, &Config{
		Registry:   testRegistry,
		ChunkSize:  chunkSize,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, zap.NewNop(), nil)
	require.NoError(t, err)

	var delays []time.Duration
	f.SetRetryPolicy(NewRetryPolicy(3, time.Millisecond).WithSleep(fakeSleep(&delays)))
	return f
}

func TestFetchRangeSetAndExpire(t *testing.T) {
	client := newMockClient()
	client.logs = []types.Log{
		setLog(10, testFromA, testWatched, 100, 0),
		expireLog(20, testFromA, 200),
	}
	f := newTestFetcher(t, client, 50_000)

	result, err := f.FetchRange(context.Background(), testWatched, 0, 100, nil)
	require.NoError(t, err)

	assert.True(t, result.Complete())
	assert.Equal(t, uint64(100), result.LastContiguous)
	require.Len(t, result.Events, 2)
	assert.Equal(t, events.KindSet, result.Events[0].Kind)
	assert.Equal(t, testFromA, result.Events[0].From)
	assert.Equal(t, uint64(120), result.Events[0].Timestamp)
	assert.Equal(t, events.KindExpire, result.Events[1].Kind)
	assert.Equal(t, uint64(200), result.Events[1].Expiration)
}

// Origins discovered in an early chunk must cross-reference expiries in
// later chunks of the same run
func TestFetchRangeExpireInLaterChunk(t *testing.T) {
	client := newMockClient()
	client.logs = []types.Log{
		setLog(10, testFromA, testWatched, 100, 0),
		expireLog(150, testFromA, 999),
	}
	f := newTestFetcher(t, client, 100)

	result, err := f.FetchRange(context.Background(), testWatched, 0, 199, nil)
	require.NoError(t, err)

	require.Len(t, result.Events, 2)
	assert.Equal(t, events.KindExpire, result.Events[1].Kind)
	assert.Equal(t, uint64(150), result.Events[1].BlockNumber)
}

// knownFroms seeds the cross-reference so expiries of relationships set
// before the requested range are still found
func TestFetchRangeKnownFromsSeed(t *testing.T) {
	client := newMockClient()
	client.logs = []types.Log{
		expireLog(50, testFromA, 777),
	}
	f := newTestFetcher(t, client, 50_000)

	result, err := f.FetchRange(context.Background(), testWatched, 0, 100, []common.Address{testFromA})
	require.NoError(t, err)

	require.Len(t, result.Events, 1)
	assert.Equal(t, events.KindExpire, result.Events[0].Kind)
}

// Without any known origin the expire pass has nothing to filter on and is
// skipped entirely
func TestFetchRangeNoOrigins(t *testing.T) {
	client := newMockClient()
	client.logs = []types.Log{
		expireLog(50, testFromA, 777),
	}
	f := newTestFetcher(t, client, 50_000)

	result, err := f.FetchRange(context.Background(), testWatched, 0, 100, nil)
	require.NoError(t, err)

	assert.Empty(t, result.Events)
	// Only the set query ran
	assert.Equal(t, 1, client.filterCalls)
}

// A chunk that fails all retries becomes a gap; later chunks still land and
// LastContiguous stops before the gap
func TestFetchRangeGap(t *testing.T) {
	client := newMockClient()
	client.logs = []types.Log{
		setLog(250, testFromA, testWatched, 100, 0),
	}
	// First chunk's set query fails all 3 attempts
	client.failFilters = 3
	f := newTestFetcher(t, client, 100)

	result, err := f.FetchRange(context.Background(), testWatched, 0, 299, nil)
	require.NoError(t, err)

	assert.False(t, result.Complete())
	require.Len(t, result.Gaps, 1)
	assert.Equal(t, BlockRange{From: 0, To: 99}, result.Gaps[0])
	assert.Equal(t, uint64(0), result.LastContiguous)
	// The block-250 event was still fetched
	require.Len(t, result.Events, 1)
	assert.Equal(t, uint64(250), result.Events[0].BlockNumber)
}

func TestFetchRangeMidGap(t *testing.T) {
	client := newMockClient()
	client.logs = []types.Log{
		setLog(50, testFromA, testWatched, 100, 0),
	}
	// Chunk 1 runs two queries (set + expire); fail chunk 2's set query
	wrapped := &failAfterClient{inner: client, failAfter: 2, failures: 3}
	f := newTestFetcher(t, wrapped, 100)

	result, err := f.FetchRange(context.Background(), testWatched, 0, 299, nil)
	require.NoError(t, err)

	require.Len(t, result.Gaps, 1)
	assert.Equal(t, BlockRange{From: 100, To: 199}, result.Gaps[0])
	assert.Equal(t, uint64(99), result.LastContiguous)
}

// failAfterClient passes through the first failAfter FilterLogs calls, then
// fails the next failures calls
type failAfterClient struct {
	inner     *mockClient
	calls     int
	failAfter int
	failures  int
}

func (c *failAfterClient) HeadBlockNumber(ctx context.Context) (uint64, error) {
	return c.inner.HeadBlockNumber(ctx)
}

func (c *failAfterClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.calls++
	if c.calls > c.failAfter && c.failures > 0 {
		c.failures--
		return nil, fmt.Errorf("mock rpc error")
	}
	return c.inner.FilterLogs(ctx, q)
}

func (c *failAfterClient) BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	return c.inner.BlockTimestamp(ctx, blockNumber)
}

func TestFetchRangeInvalidArguments(t *testing.T) {
	f := newTestFetcher(t, newMockClient(), 100)

	_, err := f.FetchRange(context.Background(), testWatched, 100, 50, nil)
	assert.Error(t, err)

	_, err = f.FetchRange(context.Background(), common.Address{}, 0, 100, nil)
	assert.Error(t, err)
}

// Malformed log entries are quarantined, not propagated
func TestFetchRangeQuarantinesMalformed(t *testing.T) {
	bad := setLog(10, testFromA, testWatched, 100, 0)
	bad.Data = bad.Data[:32] // truncated payload

	client := newMockClient()
	client.logs = []types.Log{
		bad,
		setLog(20, testFromB, testWatched, 100, 0),
	}
	f := newTestFetcher(t, client, 50_000)

	result, err := f.FetchRange(context.Background(), testWatched, 0, 100, nil)
	require.NoError(t, err)

	require.Len(t, result.Events, 1)
	assert.Equal(t, testFromB, result.Events[0].From)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Registry:   testRegistry,
		ChunkSize:  100,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Config){
		"zero registry": func(c *Config) { c.Registry = common.Address{} },
		"zero chunk":    func(c *Config) { c.ChunkSize = 0 },
		"zero retries":  func(c *Config) { c.MaxRetries = 0 },
		"zero delay":    func(c *Config) { c.RetryDelay = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stake-dao/forwarder-indexer/indexer"
	"github.com/stake-dao/forwarder-indexer/replay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testWatched = common.HexToAddress("0x52f541764e6e90eebc5c21ff570de0e2d63766b6")
	testFromA   = common.HexToAddress("0x781fd7a698b1367274fe6f1f6ab2a3a2e4b9b1c0")
)

// mockIndexer implements the Indexer interface with canned responses
type mockIndexer struct {
	chainID    uint64
	active     []replay.Forwarding
	queryAt    uint64
	queryErr   error
	ingest     *indexer.IngestResult
	ingestErr  error
	checkpoint uint64
}

func (m *mockIndexer) ChainID() uint64 { return m.chainID }

func (m *mockIndexer) Watches(addr common.Address) bool { return addr == testWatched }

func (m *mockIndexer) Ingest(ctx context.Context, watched common.Address) (*indexer.IngestResult, error) {
	return m.ingest, m.ingestErr
}

func (m *mockIndexer) IngestAll(ctx context.Context) ([]*indexer.IngestResult, error) {
	if m.ingestErr != nil {
		return nil, m.ingestErr
	}
	return []*indexer.IngestResult{m.ingest}, nil
}

func (m *mockIndexer) Query(ctx context.Context, watched common.Address, at uint64) ([]replay.Forwarding, error) {
	m.queryAt = at
	return m.active, m.queryErr
}

func (m *mockIndexer) Checkpoint(ctx context.Context, watched common.Address) (uint64, error) {
	return m.checkpoint, nil
}

func newTestServer(t *testing.T, ix Indexer) *Server {
	t.Helper()
	server, err := NewServer(DefaultConfig(), zap.NewNop(), ix, nil)
	require.NoError(t, err)
	return server
}

func doRequest(server *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, &mockIndexer{chainID: 1})

	rec := doRequest(server, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestVersion(t *testing.T) {
	server := newTestServer(t, &mockIndexer{chainID: 1})

	rec := doRequest(server, http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "forwarder-indexer")
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, &mockIndexer{chainID: 1})

	rec := doRequest(server, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueryActiveForwarders(t *testing.T) {
	ix := &mockIndexer{
		chainID: 1,
		active: []replay.Forwarding{
			{From: testFromA, Start: 100, Expiration: 0},
		},
	}
	server := newTestServer(t, ix)

	rec := doRequest(server, http.MethodGet, "/v1/chains/1/forwarders/"+testWatched.Hex()+"/?at=150")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(1), resp.ChainID)
	assert.Equal(t, uint64(150), resp.At)
	assert.Equal(t, uint64(150), ix.queryAt)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, testFromA.Hex(), resp.Forwarders[0].From)
	assert.Equal(t, uint64(100), resp.Forwarders[0].Start)
}

func TestQueryDefaultsToNow(t *testing.T) {
	ix := &mockIndexer{chainID: 1}
	server := newTestServer(t, ix)

	rec := doRequest(server, http.MethodGet, "/v1/chains/1/forwarders/"+testWatched.Hex()+"/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotZero(t, ix.queryAt)
}

func TestQueryBeforeDeployment(t *testing.T) {
	ix := &mockIndexer{chainID: 1, queryErr: indexer.ErrCutoffBeforeGenesis}
	server := newTestServer(t, ix)

	rec := doRequest(server, http.MethodGet, "/v1/chains/1/forwarders/"+testWatched.Hex()+"/?at=5")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "predates registry deployment")
}

func TestQueryInvalidAt(t *testing.T) {
	server := newTestServer(t, &mockIndexer{chainID: 1})

	rec := doRequest(server, http.MethodGet, "/v1/chains/1/forwarders/"+testWatched.Hex()+"/?at=soon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryUnknownChain(t *testing.T) {
	server := newTestServer(t, &mockIndexer{chainID: 1})

	rec := doRequest(server, http.MethodGet, "/v1/chains/137/forwarders/"+testWatched.Hex()+"/")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(server, http.MethodGet, "/v1/chains/soon/forwarders/"+testWatched.Hex()+"/")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryUnwatchedAddress(t *testing.T) {
	server := newTestServer(t, &mockIndexer{chainID: 1})

	rec := doRequest(server, http.MethodGet, "/v1/chains/1/forwarders/"+testFromA.Hex()+"/")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(server, http.MethodGet, "/v1/chains/1/forwarders/nothex/")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestEndpoint(t *testing.T) {
	ix := &mockIndexer{
		chainID: 1,
		ingest: &indexer.IngestResult{
			Watched:    testWatched,
			FromBlock:  1000,
			ToBlock:    5000,
			Fetched:    3,
			Stored:     3,
			Checkpoint: 5000,
		},
	}
	server := newTestServer(t, ix)

	rec := doRequest(server, http.MethodPost, "/v1/chains/1/forwarders/"+testWatched.Hex()+"/ingest")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp indexer.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(5000), resp.Checkpoint)
}

func TestIngestConflict(t *testing.T) {
	ix := &mockIndexer{chainID: 1, ingestErr: indexer.ErrIngestRunning}
	server := newTestServer(t, ix)

	rec := doRequest(server, http.MethodPost, "/v1/chains/1/forwarders/"+testWatched.Hex()+"/ingest")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIngestAllEndpoint(t *testing.T) {
	ix := &mockIndexer{
		chainID: 1,
		ingest:  &indexer.IngestResult{Watched: testWatched, Checkpoint: 5000},
	}
	server := newTestServer(t, ix)

	rec := doRequest(server, http.MethodPost, "/v1/chains/1/ingest")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []*indexer.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, uint64(5000), resp[0].Checkpoint)
}

func TestCheckpointEndpoint(t *testing.T) {
	ix := &mockIndexer{chainID: 1, checkpoint: 4200}
	server := newTestServer(t, ix)

	rec := doRequest(server, http.MethodGet, "/v1/chains/1/forwarders/"+testWatched.Hex()+"/checkpoint")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CheckpointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(4200), resp.Checkpoint)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Host = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.EnableRateLimit = true
	cfg.RateLimitPerSecond = 0
	assert.Error(t, cfg.Validate())
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(DefaultConfig(), zap.NewNop(), nil, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Port = -1
	_, err = NewServer(cfg, zap.NewNop(), &mockIndexer{chainID: 1}, nil)
	assert.Error(t, err)
}

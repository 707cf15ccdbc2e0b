package client

import (
	"context"
	"testing"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	_, err = NewClient(&Config{Endpoint: ""})
	assert.Error(t, err)
}

// TestBlockTimestampCached verifies cache hits never touch the RPC client
func TestBlockTimestampCached(t *testing.T) {
	headers, err := lru.New[uint64, uint64](8)
	require.NoError(t, err)
	headers.Add(100, uint64(1700000000))

	// ethClient is nil: a cache miss would panic, a hit must not
	c := &Client{headers: headers}

	ts, err := c.BlockTimestamp(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000000), ts)
}

// TestWaitWithoutLimiter verifies throttling is optional
func TestWaitWithoutLimiter(t *testing.T) {
	c := &Client{}
	assert.NoError(t, c.wait(context.Background()))
}

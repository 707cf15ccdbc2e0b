package storage

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stake-dao/forwarder-indexer/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testWatched = common.HexToAddress("0x52f541764e6e90eebc5c21ff570de0e2d63766b6")
	testFromA   = common.HexToAddress("0x781fd7a698b1367274fe6f1f6ab2a3a2e4b9b1c0")
	testFromB   = common.HexToAddress("0x2dbe3b3746ec025b6ae9ae7a9a9b26e9fcf83d3a")
)

func setEvent(block uint64, from common.Address, expiration uint64) events.ForwarderEvent {
	return events.ForwarderEvent{
		Kind:        events.KindSet,
		From:        from,
		To:          testWatched,
		Start:       block * 12,
		Expiration:  expiration,
		Timestamp:   block * 12,
		BlockNumber: block,
	}
}

func expireEvent(block uint64, from common.Address) events.ForwarderEvent {
	return events.ForwarderEvent{
		Kind:        events.KindExpire,
		From:        from,
		Timestamp:   block * 12,
		BlockNumber: block,
	}
}

func TestKeyValidate(t *testing.T) {
	valid := Key{ChainID: 1, Watched: testWatched}
	require.NoError(t, valid.Validate())

	assert.Error(t, Key{Watched: testWatched}.Validate())
	assert.Error(t, Key{ChainID: 1}.Validate())
}

func TestKeyString(t *testing.T) {
	key := Key{ChainID: 1, Watched: testWatched}
	assert.Equal(t, "1:0x52f541764e6e90eebc5c21ff570de0e2d63766b6", key.String())
}

func TestMergeUnion(t *testing.T) {
	existing := []events.ForwarderEvent{
		setEvent(100, testFromA, 0),
		events.NewCheckpoint(150),
	}
	incoming := []events.ForwarderEvent{
		setEvent(200, testFromB, 5000),
		expireEvent(250, testFromA),
	}

	merged := Merge(existing, incoming)
	require.Len(t, merged, 3)

	// sorted by block, checkpoints stripped
	assert.Equal(t, uint64(100), merged[0].BlockNumber)
	assert.Equal(t, uint64(200), merged[1].BlockNumber)
	assert.Equal(t, uint64(250), merged[2].BlockNumber)
	for _, evt := range merged {
		assert.False(t, evt.IsCheckpoint())
	}
}

func TestMergeIdempotent(t *testing.T) {
	existing := []events.ForwarderEvent{
		setEvent(100, testFromA, 0),
		setEvent(200, testFromB, 5000),
	}
	incoming := []events.ForwarderEvent{
		setEvent(200, testFromB, 5000),
		expireEvent(300, testFromA),
	}

	once := Merge(existing, incoming)
	twice := Merge(once, incoming)
	assert.Equal(t, once, twice)
	require.Len(t, once, 3)
}

func TestMergeIncomingWins(t *testing.T) {
	// Same identity (block, from, kind) but refreshed payload: the
	// incoming version replaces the stored one.
	existing := []events.ForwarderEvent{setEvent(100, testFromA, 1000)}
	incoming := []events.ForwarderEvent{setEvent(100, testFromA, 9000)}

	merged := Merge(existing, incoming)
	require.Len(t, merged, 1)
	assert.Equal(t, uint64(9000), merged[0].Expiration)
}

func TestMergeSameBlockDifferentKinds(t *testing.T) {
	// A set and an expire in the same block from the same origin are
	// distinct entries.
	merged := Merge(nil, []events.ForwarderEvent{
		setEvent(100, testFromA, 0),
		expireEvent(100, testFromA),
	})
	assert.Len(t, merged, 2)
}

func TestMergeEmpty(t *testing.T) {
	assert.Empty(t, Merge(nil, nil))
	assert.Len(t, Merge(nil, []events.ForwarderEvent{setEvent(1, testFromA, 0)}), 1)
	assert.Len(t, Merge([]events.ForwarderEvent{setEvent(1, testFromA, 0)}, nil), 1)
}

func TestLatestCheckpoint(t *testing.T) {
	assert.Equal(t, uint64(0), LatestCheckpoint(nil))
	assert.Equal(t, uint64(0), LatestCheckpoint([]events.ForwarderEvent{setEvent(100, testFromA, 0)}))

	evts := []events.ForwarderEvent{
		events.NewCheckpoint(100),
		setEvent(150, testFromA, 0),
		events.NewCheckpoint(300),
	}
	assert.Equal(t, uint64(300), LatestCheckpoint(evts))
}

func TestNewEventStoreBackends(t *testing.T) {
	fileStore, err := NewEventStore(&Config{Backend: "file", Path: t.TempDir()})
	require.NoError(t, err)
	defer fileStore.Close()
	_, ok := fileStore.(*FileStore)
	assert.True(t, ok)

	pebbleStore, err := NewEventStore(&Config{Backend: "pebble", Path: t.TempDir()})
	require.NoError(t, err)
	defer pebbleStore.Close()
	_, ok = pebbleStore.(*PebbleStore)
	assert.True(t, ok)

	_, err = NewEventStore(&Config{Backend: "bolt", Path: t.TempDir()})
	assert.Error(t, err)

	_, err = NewEventStore(nil)
	assert.Error(t, err)
}

package events

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Kind discriminates the forwarder event variants
type Kind uint8

const (
	// KindSet records that a forwarding relationship was created or updated
	KindSet Kind = iota + 1

	// KindExpire records that an existing relationship's end time was set
	KindExpire

	// KindCheckpoint is the sentinel marking the highest block height already
	// scanned; it carries no relationship data
	KindCheckpoint
)

// String returns the human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindExpire:
		return "expire"
	case KindCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k >= KindSet && k <= KindCheckpoint
}

// Registry event signatures
var (
	// SetForwardingTopic is the signature of
	// SetForwarding(address indexed from, address indexed to, uint256 start, uint256 expiration)
	SetForwardingTopic = crypto.Keccak256Hash([]byte("SetForwarding(address,address,uint256,uint256)"))

	// ExpireForwardingTopic is the signature of
	// ExpireForwarding(address indexed from, uint256 expiration)
	ExpireForwardingTopic = crypto.Keccak256Hash([]byte("ExpireForwarding(address,uint256)"))
)

// ForwarderEvent is an immutable fact derived from one registry log entry.
// Events are only ever created at the ingestion boundary and merged into a
// store; they are never mutated or deleted.
type ForwarderEvent struct {
	Kind Kind
	// From is the address establishing forwarding
	From common.Address
	// To is the destination address; zero for Expire and Checkpoint
	To common.Address
	// Start is the unix time from which the relationship is active
	Start uint64
	// Expiration is the unix time after which the relationship is inactive;
	// 0 means no expiration has been set yet
	Expiration uint64
	// Timestamp is the chain-observed time of the event
	Timestamp uint64
	// BlockNumber is the height the event was observed at; it is the primary
	// ordering key and, together with From and Kind, the merge identity
	BlockNumber uint64
}

// ID is the dedup/merge identity of an event: two events describe the same
// fact iff their IDs are equal.
type ID struct {
	BlockNumber uint64
	From        common.Address
	Kind        Kind
}

// ID returns the event's merge identity
func (e ForwarderEvent) ID() ID {
	return ID{BlockNumber: e.BlockNumber, From: e.From, Kind: e.Kind}
}

// IsCheckpoint reports whether the event is the checkpoint sentinel
func (e ForwarderEvent) IsCheckpoint() bool {
	return e.Kind == KindCheckpoint
}

// NewCheckpoint builds the checkpoint sentinel for the given block height
func NewCheckpoint(block uint64) ForwarderEvent {
	return ForwarderEvent{
		Kind:        KindCheckpoint,
		BlockNumber: block,
	}
}

// ParseSetLog converts a raw SetForwarding log entry into a typed event.
// blockTime is the timestamp of the log's block. Malformed entries are
// rejected here so no untyped log shape travels further downstream.
func ParseSetLog(log types.Log, blockTime uint64) (ForwarderEvent, error) {
	if len(log.Topics) != 3 {
		return ForwarderEvent{}, fmt.Errorf("set log: expected 3 topics, got %d", len(log.Topics))
	}
	if log.Topics[0] != SetForwardingTopic {
		return ForwarderEvent{}, fmt.Errorf("set log: unexpected signature %s", log.Topics[0].Hex())
	}
	if len(log.Data) != 64 {
		return ForwarderEvent{}, fmt.Errorf("set log: expected 64 data bytes, got %d", len(log.Data))
	}

	start, err := wordToUint64(log.Data[:32])
	if err != nil {
		return ForwarderEvent{}, fmt.Errorf("set log: start: %w", err)
	}
	expiration, err := wordToUint64(log.Data[32:64])
	if err != nil {
		return ForwarderEvent{}, fmt.Errorf("set log: expiration: %w", err)
	}

	return ForwarderEvent{
		Kind:        KindSet,
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		Start:       start,
		Expiration:  expiration,
		Timestamp:   blockTime,
		BlockNumber: log.BlockNumber,
	}, nil
}

// ParseExpireLog converts a raw ExpireForwarding log entry into a typed
// event. Expire logs carry no destination, only the forwarding address.
func ParseExpireLog(log types.Log, blockTime uint64) (ForwarderEvent, error) {
	if len(log.Topics) != 2 {
		return ForwarderEvent{}, fmt.Errorf("expire log: expected 2 topics, got %d", len(log.Topics))
	}
	if log.Topics[0] != ExpireForwardingTopic {
		return ForwarderEvent{}, fmt.Errorf("expire log: unexpected signature %s", log.Topics[0].Hex())
	}
	if len(log.Data) != 32 {
		return ForwarderEvent{}, fmt.Errorf("expire log: expected 32 data bytes, got %d", len(log.Data))
	}

	expiration, err := wordToUint64(log.Data[:32])
	if err != nil {
		return ForwarderEvent{}, fmt.Errorf("expire log: expiration: %w", err)
	}

	return ForwarderEvent{
		Kind:        KindExpire,
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		Expiration:  expiration,
		Timestamp:   blockTime,
		BlockNumber: log.BlockNumber,
	}, nil
}

// wordToUint64 decodes a 32-byte big-endian word that must fit in uint64.
// Timestamps far beyond uint64 range are garbage, not data.
func wordToUint64(word []byte) (uint64, error) {
	v := new(big.Int).SetBytes(word)
	if !v.IsUint64() {
		return 0, fmt.Errorf("value %s overflows uint64", v.String())
	}
	return v.Uint64(), nil
}

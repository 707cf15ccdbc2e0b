package events

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// storedLogVersion is bumped when the on-disk layout changes
const storedLogVersion = 1

// storedLog is the RLP envelope for a persisted event list. Field types are
// declared explicitly; there is no reflection-based type sniffing at
// (de)serialization time.
type storedLog struct {
	Version uint8
	Events  []ForwarderEvent
}

// EncodeEvents serializes an event list for persistence
func EncodeEvents(evts []ForwarderEvent) ([]byte, error) {
	data, err := rlp.EncodeToBytes(&storedLog{
		Version: storedLogVersion,
		Events:  evts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode event log: %w", err)
	}
	return data, nil
}

// DecodeEvents deserializes a persisted event list. Any decoding failure,
// including an unknown version, is returned as an error; callers treat it as
// a corrupt log and rebuild from chain history.
func DecodeEvents(data []byte) ([]ForwarderEvent, error) {
	var stored storedLog
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode event log: %w", err)
	}
	if stored.Version != storedLogVersion {
		return nil, fmt.Errorf("unsupported event log version %d", stored.Version)
	}
	for i, e := range stored.Events {
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("event %d: invalid kind %d", i, uint8(e.Kind))
		}
	}
	return stored.Events, nil
}

// Package replay reconstructs forwarding state at a point in time from a
// stored event log, with no ledger access.
package replay

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stake-dao/forwarder-indexer/events"
)

// Forwarding is the reconstructed state of one forwarding relationship
type Forwarding struct {
	// From is the address forwarding to the watched destination
	From common.Address
	// Start is the unix time the relationship became active
	Start uint64
	// Expiration is the unix time the relationship ends; 0 means open-ended
	Expiration uint64
}

// Active reports whether the relationship is in force at unix time at
func (f Forwarding) Active(at uint64) bool {
	return f.Start <= at && (f.Expiration == 0 || f.Expiration > at)
}

// ActiveAt replays evts up to cutoff time at and returns the relationships
// active at that instant, sorted by forwarding address. The stored log holds
// events for a single watched destination, so no destination filter is
// needed here.
//
// ActiveAt is a pure function: it never mutates evts and identical inputs
// always produce identical output.
func ActiveAt(evts []events.ForwarderEvent, at uint64) []Forwarding {
	ordered := make([]events.ForwarderEvent, len(evts))
	copy(ordered, evts)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].BlockNumber < ordered[j].BlockNumber
	})

	records := make(map[common.Address]Forwarding)
	for _, evt := range ordered {
		if evt.IsCheckpoint() || evt.Timestamp > at {
			continue
		}
		switch evt.Kind {
		case events.KindSet:
			// A later Set fully replaces the prior record, including any
			// expiration an earlier Expire had established.
			records[evt.From] = Forwarding{
				From:       evt.From,
				Start:      evt.Start,
				Expiration: evt.Expiration,
			}
		case events.KindExpire:
			// An expiry without a prior Set cannot establish an address as
			// ever active.
			record, ok := records[evt.From]
			if !ok {
				continue
			}
			record.Expiration = evt.Expiration
			records[evt.From] = record
		}
	}

	active := make([]Forwarding, 0, len(records))
	for _, record := range records {
		if record.Active(at) {
			active = append(active, record)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return bytes.Compare(active[i].From.Bytes(), active[j].From.Bytes()) < 0
	})
	return active
}

// ActiveAddresses returns just the forwarding addresses active at unix time
// at, sorted
func ActiveAddresses(evts []events.ForwarderEvent, at uint64) []common.Address {
	active := ActiveAt(evts, at)
	addrs := make([]common.Address, len(active))
	for i, f := range active {
		addrs[i] = f.From
	}
	return addrs
}

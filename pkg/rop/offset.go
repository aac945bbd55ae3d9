// Package rop is the core of the gateway: it serves the legacy pull-based
// wire protocol from a segmented, ledger-addressed log backend. The packages
// under pkg/wire and pkg/backend carry the two edges; everything that
// bridges them lives here.
package rop

import (
	"fmt"

	"github.com/bridgemq/rockgate/pkg/backend"
)

// Queue offsets pack a backend (ledger, entry, partition) triple into the
// dense 64-bit position the legacy protocol expects. The ledger field is
// stored biased by one so every encoded offset is strictly greater than
// MinRopOffset, and the field widths keep every encoded offset strictly
// below MaxRopOffset.
const (
	ledgerBits    = 31
	entryBits     = 19
	partitionBits = 11

	maxLedger    = 1<<ledgerBits - 2 // one slot lost to the bias
	maxEntry     = 1<<entryBits - 1
	maxPartition = 1<<partitionBits - 1

	// MinRopOffset and below mean "start from the earliest available".
	MinRopOffset int64 = 0
	// MaxRopOffset and above mean "start from the tail".
	MaxRopOffset int64 = 1 << (ledgerBits + entryBits + partitionBits)
)

// OffsetKind classifies a queue offset carried by a pull request.
type OffsetKind int8

const (
	OffsetExact OffsetKind = iota
	OffsetEarliest
	OffsetLatest
)

func (k OffsetKind) String() string {
	switch k {
	case OffsetExact:
		return "exact"
	case OffsetEarliest:
		return "earliest"
	case OffsetLatest:
		return "latest"
	}
	return "unknown"
}

// EncodeOffset packs a message id into a queue offset. Offsets on the same
// partition compare in append order. Field overflow is unrecoverable
// corruption and panics.
func EncodeOffset(id backend.MessageID) int64 {
	if id.LedgerID < 0 || id.LedgerID > maxLedger ||
		id.EntryID < 0 || int64(id.EntryID) > maxEntry ||
		id.PartitionID < 0 || int64(id.PartitionID) > maxPartition {
		panic(fmt.Sprintf("message id %+v overflows offset fields", id))
	}
	return (id.LedgerID+1)<<(entryBits+partitionBits) |
		id.EntryID<<partitionBits |
		int64(id.PartitionID)
}

// DecodeOffset unpacks a queue offset produced by EncodeOffset. Valid only
// for offsets strictly between MinRopOffset and MaxRopOffset; sentinels must
// be classified first.
func DecodeOffset(offset int64) backend.MessageID {
	return backend.MessageID{
		LedgerID:    (offset>>(entryBits+partitionBits))&(1<<ledgerBits-1) - 1,
		EntryID:     offset >> partitionBits & maxEntry,
		PartitionID: int32(offset & maxPartition),
	}
}

// ClassifyOffset maps a client-supplied queue offset to a start position.
// Legacy clients send negative offsets for "earliest"; those classify the
// same as MinRopOffset.
func ClassifyOffset(offset int64) OffsetKind {
	switch {
	case offset <= MinRopOffset:
		return OffsetEarliest
	case offset >= MaxRopOffset:
		return OffsetLatest
	}
	return OffsetExact
}

// StartMessageID resolves a queue offset to the backend position a reader
// should open at.
func StartMessageID(offset int64) backend.MessageID {
	switch ClassifyOffset(offset) {
	case OffsetEarliest:
		return backend.EarliestMessageID
	case OffsetLatest:
		return backend.LatestMessageID
	}
	return DecodeOffset(offset)
}

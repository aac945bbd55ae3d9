package rop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bridgemq/rockgate/pkg/backend"
)

func TestOffsetRoundTrip(t *testing.T) {
	ledgers := []int64{0, 1, 255, 1 << 20, maxLedger}
	entries := []int64{0, 1, 1000, maxEntry}
	partitions := []int32{0, 1, 63, maxPartition}
	for _, l := range ledgers {
		for _, e := range entries {
			for _, p := range partitions {
				id := backend.MessageID{LedgerID: l, EntryID: e, PartitionID: p}
				off := EncodeOffset(id)
				require.Greater(t, off, MinRopOffset)
				require.Less(t, off, MaxRopOffset)
				require.Equal(t, OffsetExact, ClassifyOffset(off))
				require.Equal(t, id, DecodeOffset(off))
			}
		}
	}
}

func TestOffsetMonotonic(t *testing.T) {
	// Append order on one partition: entries within a ledger, then a
	// ledger roll.
	ids := []backend.MessageID{
		{LedgerID: 3, EntryID: 0, PartitionID: 2},
		{LedgerID: 3, EntryID: 1, PartitionID: 2},
		{LedgerID: 3, EntryID: maxEntry, PartitionID: 2},
		{LedgerID: 4, EntryID: 0, PartitionID: 2},
		{LedgerID: 9, EntryID: 5, PartitionID: 2},
	}
	prev := MinRopOffset
	for _, id := range ids {
		off := EncodeOffset(id)
		require.Greater(t, off, prev, "id %+v", id)
		prev = off
	}
}

func TestClassifyOffset(t *testing.T) {
	tests := []struct {
		offset int64
		want   OffsetKind
	}{
		{-1, OffsetEarliest},
		{-1 << 40, OffsetEarliest},
		{0, OffsetEarliest},
		{1, OffsetExact},
		{MaxRopOffset - 1, OffsetExact},
		{MaxRopOffset, OffsetLatest},
		{1 << 62, OffsetLatest},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ClassifyOffset(tt.offset), "offset %d", tt.offset)
	}
}

func TestStartMessageID(t *testing.T) {
	require.Equal(t, backend.EarliestMessageID, StartMessageID(-5))
	require.Equal(t, backend.LatestMessageID, StartMessageID(MaxRopOffset))
	id := backend.MessageID{LedgerID: 12, EntryID: 34, PartitionID: 5}
	require.Equal(t, id, StartMessageID(EncodeOffset(id)))
}

func TestEncodeOffsetOverflowPanics(t *testing.T) {
	require.Panics(t, func() {
		EncodeOffset(backend.MessageID{LedgerID: maxLedger + 1})
	})
	require.Panics(t, func() {
		EncodeOffset(backend.MessageID{EntryID: maxEntry + 1})
	})
	require.Panics(t, func() {
		EncodeOffset(backend.MessageID{PartitionID: maxPartition + 1})
	})
	require.Panics(t, func() {
		EncodeOffset(backend.MessageID{LedgerID: -1})
	})
}

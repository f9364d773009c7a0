package model

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawAt(block, tx, log uint64) RawEvent {
	return RawEvent{
		Type:    EventCollect,
		Key:     OrderingKey{BlockNumber: block, TransactionIndex: tx, LogIndex: log},
		Amount0: big.NewInt(1),
		Amount1: big.NewInt(2),
	}
}

func TestSyncStateAddMissingEventIsIdempotent(t *testing.T) {
	var state SyncState

	require.True(t, state.AddMissingEvent(rawAt(10, 1, 2)))
	updated := rawAt(10, 1, 2)
	updated.Amount0 = big.NewInt(99)
	require.False(t, state.AddMissingEvent(updated))

	require.Len(t, state.MissingEvents, 1)
	assert.Equal(t, int64(99), state.MissingEvents[0].Amount0.Int64())
}

func TestSyncStatePruneBoundary(t *testing.T) {
	var state SyncState
	state.AddMissingEvent(rawAt(100, 0, 0))

	assert.Equal(t, 0, state.PruneEvents(99))
	require.Len(t, state.MissingEventsSorted(), 1)

	assert.Equal(t, 1, state.PruneEvents(100))
	assert.Empty(t, state.MissingEventsSorted())
	assert.False(t, state.HasMissingEvents())
}

func TestSyncStateMissingEventsSorted(t *testing.T) {
	var state SyncState
	state.AddMissingEvent(rawAt(12, 0, 1))
	state.AddMissingEvent(rawAt(11, 5, 0))
	state.AddMissingEvent(rawAt(12, 0, 0))

	sorted := state.MissingEventsSorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, "11:5:0", sorted[0].Key.String())
	assert.Equal(t, "12:0:0", sorted[1].Key.String())
	assert.Equal(t, "12:0:1", sorted[2].Key.String())

	// the stored order is untouched
	assert.Equal(t, uint64(12), state.MissingEvents[0].Key.BlockNumber)
}

func TestOrderingKeyCompare(t *testing.T) {
	a := OrderingKey{BlockNumber: 1, TransactionIndex: 2, LogIndex: 3}
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, a.Less(OrderingKey{BlockNumber: 1, TransactionIndex: 2, LogIndex: 4}))
	assert.True(t, a.Less(OrderingKey{BlockNumber: 1, TransactionIndex: 3}))
	assert.False(t, a.Less(OrderingKey{BlockNumber: 0, TransactionIndex: 9, LogIndex: 9}))
}

func TestParseEventType(t *testing.T) {
	typ, err := ParseEventType("DecreaseLiquidity")
	require.NoError(t, err)
	assert.Equal(t, EventDecrease, typ)

	_, err = ParseEventType("Swap")
	assert.Error(t, err)
}

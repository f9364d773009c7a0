package storage

import (
	"context"

	"positionLedger/internal/model"
)

// PositionStore persists tracked positions. GetPosition returns ledger.ErrPositionNotFound
// for unknown ids.
type PositionStore interface {
	GetPosition(ctx context.Context, positionID string) (model.Position, error)
	ListPositionIDs(ctx context.Context, activeOnly bool) ([]string, error)
	SavePosition(ctx context.Context, position model.Position) error
}

// LedgerStore persists ledger events. Reads return events newest first by ordering key.
type LedgerStore interface {
	// LastEvent returns nil when the position has no events.
	LastEvent(ctx context.Context, positionID string) (*model.LedgerEvent, error)
	// LastEventBefore returns the newest event with a block strictly below block, or nil.
	LastEventBefore(ctx context.Context, positionID string, block uint64) (*model.LedgerEvent, error)
	Events(ctx context.Context, positionID string) ([]model.LedgerEvent, error)
	// ReplaceEventsFrom deletes every event at or above fromBlock and inserts events
	// atomically. It returns the number of deleted rows.
	ReplaceEventsFrom(ctx context.Context, positionID string, fromBlock uint64, events []model.LedgerEvent) (int, error)
}

// SyncStateStore persists caller-reported missing events and sync progress.
type SyncStateStore interface {
	// GetSyncState returns an empty state when none was saved.
	GetSyncState(ctx context.Context, positionID string) (model.SyncState, error)
	// SaveSyncState writes the missing events only. SyncedBlock is left as stored.
	SaveSyncState(ctx context.Context, state model.SyncState) error
	// MarkSynced records the finalized block a successful sync fetched up to.
	MarkSynced(ctx context.Context, positionID string, block uint64) error
}

// Store is the full persistence surface of the ledger.
type Store interface {
	PositionStore
	LedgerStore
	SyncStateStore
}

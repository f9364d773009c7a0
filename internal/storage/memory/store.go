// Package memory is an in-process Store with the same semantics as the Postgres store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"positionLedger/internal/ledger"
	"positionLedger/internal/model"
	"positionLedger/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu         sync.RWMutex
	positions  map[string]model.Position
	events     map[string][]model.LedgerEvent // ascending by ordering key
	syncStates map[string]model.SyncState
}

func NewStore() *Store {
	return &Store{
		positions:  make(map[string]model.Position),
		events:     make(map[string][]model.LedgerEvent),
		syncStates: make(map[string]model.SyncState),
	}
}

func (s *Store) GetPosition(_ context.Context, positionID string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ledger.ErrPositionNotFound, positionID)
	}
	return p.Clone(), nil
}

func (s *Store) ListPositionIDs(_ context.Context, activeOnly bool) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.positions))
	for id, p := range s.positions {
		if activeOnly && !p.IsActive {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SavePosition upserts a position. The config and creation time of an existing row are kept.
func (s *Store) SavePosition(_ context.Context, position model.Position) error {
	if position.ID == "" {
		return fmt.Errorf("position id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := position.Clone()
	if existing, ok := s.positions[position.ID]; ok {
		stored.Config = existing.Config
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	s.positions[position.ID] = stored
	return nil
}

func (s *Store) LastEvent(_ context.Context, positionID string) (*model.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[positionID]
	if len(events) == 0 {
		return nil, nil
	}
	last := events[len(events)-1].Clone()
	return &last, nil
}

func (s *Store) LastEventBefore(_ context.Context, positionID string, block uint64) (*model.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[positionID]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Key.BlockNumber < block {
			found := events[i].Clone()
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Store) Events(_ context.Context, positionID string) ([]model.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[positionID]
	out := make([]model.LedgerEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i].Clone())
	}
	return out, nil
}

// ReplaceEventsFrom fails without changes when an inserted event collides with a kept one.
func (s *Store) ReplaceEventsFrom(_ context.Context, positionID string, fromBlock uint64, events []model.LedgerEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.events[positionID]
	kept := make([]model.LedgerEvent, 0, len(current)+len(events))
	for _, e := range current {
		if e.Key.BlockNumber < fromBlock {
			kept = append(kept, e)
		}
	}
	deleted := len(current) - len(kept)

	seen := make(map[model.OrderingKey]struct{}, len(kept)+len(events))
	for _, e := range kept {
		seen[e.Key] = struct{}{}
	}
	for _, e := range events {
		if e.PositionID != positionID {
			return 0, fmt.Errorf("event %s belongs to position %s, not %s", e.ID, e.PositionID, positionID)
		}
		if _, dup := seen[e.Key]; dup {
			return 0, fmt.Errorf("duplicate ledger event for %s at %s", positionID, e.Key)
		}
		seen[e.Key] = struct{}{}
		kept = append(kept, e.Clone())
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Key.Less(kept[j].Key) })
	s.events[positionID] = kept
	return deleted, nil
}

func (s *Store) GetSyncState(_ context.Context, positionID string) (model.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.syncStates[positionID]
	if !ok {
		return model.SyncState{PositionID: positionID}, nil
	}
	out := state
	out.MissingEvents = append([]model.RawEvent(nil), state.MissingEvents...)
	return out, nil
}

func (s *Store) SaveSyncState(_ context.Context, state model.SyncState) error {
	if state.PositionID == "" {
		return fmt.Errorf("sync state position id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := state
	stored.MissingEvents = append([]model.RawEvent(nil), state.MissingEvents...)
	stored.SyncedBlock = s.syncStates[state.PositionID].SyncedBlock
	s.syncStates[state.PositionID] = stored
	return nil
}

func (s *Store) MarkSynced(_ context.Context, positionID string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.syncStates[positionID]
	if !ok {
		state = model.SyncState{PositionID: positionID}
	}
	state.SyncedBlock = block
	s.syncStates[positionID] = state
	return nil
}

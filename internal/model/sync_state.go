package model

import (
	"sort"
	"time"
)

// SyncState holds caller-reported events the indexer has not produced yet, and the last
// finalized block the indexer was read up to.
type SyncState struct {
	PositionID    string     `json:"position_id"`
	MissingEvents []RawEvent `json:"missing_events"`
	// SyncedBlock is zero until the first successful sync.
	SyncedBlock uint64    `json:"synced_block"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AddMissingEvent upserts by ordering key. It reports whether the set changed.
func (s *SyncState) AddMissingEvent(event RawEvent) bool {
	for i, existing := range s.MissingEvents {
		if existing.Key == event.Key {
			s.MissingEvents[i] = event
			return false
		}
	}
	s.MissingEvents = append(s.MissingEvents, event)
	return true
}

// PruneEvents drops entries at or below the finalized block and returns how many were removed.
func (s *SyncState) PruneEvents(finalizedBlock uint64) int {
	kept := s.MissingEvents[:0]
	removed := 0
	for _, event := range s.MissingEvents {
		if event.Key.BlockNumber <= finalizedBlock {
			removed++
			continue
		}
		kept = append(kept, event)
	}
	s.MissingEvents = kept
	return removed
}

// MissingEventsSorted returns a sorted copy of the remaining entries.
func (s *SyncState) MissingEventsSorted() []RawEvent {
	out := make([]RawEvent, len(s.MissingEvents))
	copy(out, s.MissingEvents)
	SortRawEvents(out)
	return out
}

// HasMissingEvents reports whether anything is still pending.
func (s *SyncState) HasMissingEvents() bool {
	return len(s.MissingEvents) > 0
}

// SortRawEvents orders events by (block, tx index, log index).
func SortRawEvents(events []RawEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Key.Less(events[j].Key)
	})
}

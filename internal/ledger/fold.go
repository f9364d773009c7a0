package ledger

import (
	"context"

	"positionLedger/internal/model"
)

// FoldLeft threads acc through items in order, stopping at the first error.
func FoldLeft[S, T any](acc S, items []T, step func(S, T) (S, error)) (S, error) {
	for _, item := range items {
		next, err := step(acc, item)
		if err != nil {
			return acc, err
		}
		acc = next
	}
	return acc, nil
}

// FoldResult is every record built by a fold plus the resulting tail.
type FoldResult struct {
	Events []model.LedgerEvent
	// Tail is the newest record, or the seed when nothing was built.
	Tail *model.LedgerEvent
}

// State returns the ledger state at the tail.
func (r FoldResult) State() model.LedgerState {
	if r.Tail == nil {
		return model.ZeroLedgerState()
	}
	return r.Tail.State
}

// Fold builds raws (already sorted) on top of previous. Nothing is persisted here; callers
// write the returned records in one step.
func (b *Builder) Fold(ctx context.Context, position model.Position, pool model.PoolMetadata, previous *model.LedgerEvent, raws []model.RawEvent) (FoldResult, error) {
	seed := FoldResult{Tail: previous, Events: make([]model.LedgerEvent, 0, len(raws))}
	return FoldLeft(seed, raws, func(acc FoldResult, raw model.RawEvent) (FoldResult, error) {
		if err := ctx.Err(); err != nil {
			return acc, err
		}
		event, err := b.Build(ctx, BuildInput{
			Position: position,
			Pool:     pool,
			Previous: acc.Tail,
			Raw:      raw,
		})
		if err != nil {
			return acc, err
		}
		acc.Events = append(acc.Events, event)
		acc.Tail = &acc.Events[len(acc.Events)-1]
		return acc, nil
	})
}

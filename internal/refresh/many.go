package refresh

import (
	"context"
	"errors"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"positionLedger/internal/model"
)

// Result is the outcome of one position in RefreshMany.
type Result struct {
	PositionID string
	Position   model.Position
	Path       Path
	Err        error
}

// RefreshMany refreshes distinct positions concurrently on a bounded worker pool. Results
// follow the order of first appearance in ids; duplicates are refreshed once.
func (s *Service) RefreshMany(ctx context.Context, ids []string) []Result {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	results := make([]Result, len(unique))
	if len(unique) == 0 {
		return results
	}

	pool := pond.NewPool(s.cfg.Workers, pond.WithQueueSize(len(unique)))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, id := range unique {
		results[i] = Result{PositionID: id}
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				results[i].Err = err
				return
			}
			position, path, err := s.refresh(groupCtx, id)
			results[i] = Result{PositionID: id, Position: position, Path: path, Err: err}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("refresh group failed", zap.Error(err))
	}

	for i := range results {
		if results[i].Err == nil && ctx.Err() != nil && results[i].Path == "" {
			results[i].Err = ctx.Err()
		}
	}
	return results
}

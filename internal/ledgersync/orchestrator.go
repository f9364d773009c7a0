// Package ledgersync rebuilds a position's ledger from finalized chain events.
//
// A sync recomputes the tail of the ledger from a block that is always at or below the last
// finalized block. Everything at or above that block is rebuilt from scratch in memory and
// swapped in atomically, so an interrupted or failed attempt leaves the previous ledger intact
// and the next attempt recomputes the same range.
package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"positionLedger/internal/ledger"
	"positionLedger/internal/metrics"
	"positionLedger/internal/model"
	"positionLedger/internal/storage"
)

// Chains resolves finality and deployment blocks per chain.
type Chains interface {
	FinalizedBlock(ctx context.Context, chainID uint64) (uint64, error)
	DeploymentBlock(chainID uint64) (uint64, error)
}

// EventSource returns the position manager events of one NFT in [fromBlock, toBlock].
type EventSource interface {
	FetchPositionEvents(ctx context.Context, chainID uint64, nftID *big.Int, fromBlock, toBlock uint64) ([]model.RawEvent, error)
}

// PoolSource resolves pool token metadata.
type PoolSource interface {
	PoolMetadata(ctx context.Context, chainID uint64, pool common.Address) (model.PoolMetadata, error)
}

// LedgerBuilder folds raw events into ledger events.
type LedgerBuilder interface {
	Fold(ctx context.Context, position model.Position, pool model.PoolMetadata, previous *model.LedgerEvent, raws []model.RawEvent) (ledger.FoldResult, error)
}

// APRTrigger requests downstream APR recomputation. Failures are logged only.
type APRTrigger interface {
	Refresh(ctx context.Context, positionID string) error
}

// Config lists the orchestrator's collaborators.
type Config struct {
	Store   storage.Store
	Chains  Chains
	Events  EventSource
	Pools   PoolSource
	Builder LedgerBuilder
	APR     APRTrigger
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (c Config) validate() error {
	switch {
	case c.Store == nil:
		return errors.New("ledgersync: store is required")
	case c.Chains == nil:
		return errors.New("ledgersync: chain registry is required")
	case c.Events == nil:
		return errors.New("ledgersync: event source is required")
	case c.Pools == nil:
		return errors.New("ledgersync: pool source is required")
	case c.Builder == nil:
		return errors.New("ledgersync: ledger builder is required")
	}
	return nil
}

// Orchestrator serializes syncs per position and rebuilds ledger ranges.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
	locks  *xsync.Map[string, *positionLock]
	now    func() time.Time
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "ledger_sync")),
		locks:  xsync.NewMap[string, *positionLock](),
		now:    time.Now,
	}, nil
}

// SyncRequest identifies the position to sync. ChainID and NFTID must match the stored
// position when set.
type SyncRequest struct {
	PositionID      string
	ChainID         uint64
	NFTID           *big.Int
	ForceFullResync bool
}

// SyncResult is informational; callers use it for logging and verification.
type SyncResult struct {
	EventsAdded    int
	EventsDeleted  int
	FromBlock      uint64
	FinalizedBlock uint64
	// MissingMerged counts caller-reported events that were not in the indexer output.
	MissingMerged int
}

// positionLock is held in the lock map only while a sync of the position is running or waiting.
type positionLock struct {
	mu   sync.Mutex
	refs int
}

func (o *Orchestrator) lock(positionID string) func() {
	l, _ := o.locks.Compute(positionID, func(l *positionLock, loaded bool) (*positionLock, xsync.ComputeOp) {
		if !loaded {
			l = &positionLock{}
		}
		l.refs++
		return l, xsync.UpdateOp
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.locks.Compute(positionID, func(l *positionLock, _ bool) (*positionLock, xsync.ComputeOp) {
			l.refs--
			if l.refs == 0 {
				return nil, xsync.DeleteOp
			}
			return l, xsync.UpdateOp
		})
	}
}

// SyncLedgerEvents rebuilds the ledger of one position from fromBlock up to the finalized
// block. Nothing is written unless every event in the range is built.
func (o *Orchestrator) SyncLedgerEvents(ctx context.Context, req SyncRequest) (result SyncResult, err error) {
	started := o.now()
	position, err := o.cfg.Store.GetPosition(ctx, req.PositionID)
	if err != nil {
		return SyncResult{}, &ledger.SyncError{PositionID: req.PositionID, Err: err}
	}
	chainID := position.Config.ChainID
	if err := checkRequest(req, position); err != nil {
		return SyncResult{}, &ledger.SyncError{PositionID: req.PositionID, Err: err}
	}

	unlock := o.lock(req.PositionID)
	defer unlock()

	logger := o.logger.With(
		zap.String("position_id", req.PositionID),
		zap.Uint64("chain_id", chainID),
		zap.String("nft_id", model.IntString(position.Config.NFTID)),
	)
	defer func() {
		o.cfg.Metrics.ObserveSync(chainID, result.FinalizedBlock, result.EventsAdded, result.EventsDeleted, o.now().Sub(started), err)
	}()

	finalized, err := o.cfg.Chains.FinalizedBlock(ctx, chainID)
	if err != nil {
		return SyncResult{}, &ledger.SyncError{PositionID: req.PositionID, Err: err}
	}
	syncState, err := o.cfg.Store.GetSyncState(ctx, req.PositionID)
	if err != nil {
		return SyncResult{}, &ledger.SyncError{PositionID: req.PositionID, Err: err}
	}
	fromBlock, err := o.fromBlock(ctx, req, chainID, finalized, syncState.SyncedBlock)
	if err != nil {
		return SyncResult{}, &ledger.SyncError{PositionID: req.PositionID, Err: err}
	}
	result = SyncResult{FromBlock: fromBlock, FinalizedBlock: finalized}
	fail := func(err error) (SyncResult, error) {
		return SyncResult{FromBlock: fromBlock, FinalizedBlock: finalized}, &ledger.SyncError{PositionID: req.PositionID, FromBlock: fromBlock, Err: err}
	}

	previous, err := o.cfg.Store.LastEventBefore(ctx, req.PositionID, fromBlock)
	if err != nil {
		return fail(err)
	}

	indexed, err := o.cfg.Events.FetchPositionEvents(ctx, chainID, position.Config.NFTID, fromBlock, finalized)
	if err != nil {
		return fail(fmt.Errorf("fetch events [%d, %d]: %w", fromBlock, finalized, err))
	}

	raws, merged := MergeEvents(indexed, syncState.MissingEventsSorted(), fromBlock)

	pool, err := o.cfg.Pools.PoolMetadata(ctx, chainID, position.Config.PoolAddress)
	if err != nil {
		return fail(fmt.Errorf("pool metadata: %w", err))
	}

	folded, err := o.cfg.Builder.Fold(ctx, position, pool, previous, raws)
	if err != nil && merged > 0 && ledger.IsInvariant(err) {
		// Reported events can depend on unfinalized events the indexer has not returned yet.
		logger.Warn("reported events do not apply yet, rebuilding from indexed events",
			zap.Uint64("from_block", fromBlock),
			zap.Int("reported", merged),
			zap.Error(err))
		raws, merged = MergeEvents(indexed, nil, fromBlock)
		folded, err = o.cfg.Builder.Fold(ctx, position, pool, previous, raws)
	}
	if err != nil {
		logger.Error("ledger rebuild aborted",
			zap.Uint64("from_block", fromBlock),
			zap.Int("built", len(folded.Events)),
			zap.Int("events", len(raws)),
			zap.Error(err))
		return fail(err)
	}

	deleted, err := o.cfg.Store.ReplaceEventsFrom(ctx, req.PositionID, fromBlock, folded.Events)
	if err != nil {
		return fail(fmt.Errorf("persist ledger: %w", err))
	}
	if err := o.cfg.Store.MarkSynced(ctx, req.PositionID, finalized); err != nil {
		return fail(fmt.Errorf("record synced block: %w", err))
	}

	result.EventsAdded = len(folded.Events)
	result.EventsDeleted = deleted
	result.MissingMerged = merged

	logger.Info("ledger synced",
		zap.Uint64("from_block", fromBlock),
		zap.Uint64("to_block", finalized),
		zap.Int("events", result.EventsAdded),
		zap.Int("deleted", deleted),
		zap.Int("missing_merged", merged),
		zap.Bool("full", req.ForceFullResync))

	if o.cfg.APR != nil {
		if err := o.cfg.APR.Refresh(ctx, req.PositionID); err != nil {
			o.cfg.Metrics.APRTriggerFailed()
			logger.Warn("apr refresh trigger failed", zap.Error(err))
		}
	}
	return result, nil
}

func checkRequest(req SyncRequest, position model.Position) error {
	if req.ChainID != 0 && req.ChainID != position.Config.ChainID {
		return fmt.Errorf("position %s is on chain %d, not %d", position.ID, position.Config.ChainID, req.ChainID)
	}
	if req.NFTID != nil && !model.EqualInt(req.NFTID, position.Config.NFTID) {
		return fmt.Errorf("position %s tracks nft %s, not %s", position.ID, model.IntString(position.Config.NFTID), req.NFTID.String())
	}
	return nil
}

// fromBlock is the deployment block on a full resync. Otherwise it is the block of the ledger
// tail (or the deployment block for an empty ledger), capped at the last block the indexer was
// read up to and at the finalized block. Reported events can move the tail past blocks that
// were never fetched, so the tail alone is not a safe resume point. A ledger with no recorded
// synced block restarts at the deployment block.
func (o *Orchestrator) fromBlock(ctx context.Context, req SyncRequest, chainID, finalized, synced uint64) (uint64, error) {
	deployment, err := o.cfg.Chains.DeploymentBlock(chainID)
	if err != nil {
		return 0, err
	}
	if req.ForceFullResync {
		return deployment, nil
	}
	last, err := o.cfg.Store.LastEvent(ctx, req.PositionID)
	if err != nil {
		return 0, err
	}
	from := deployment
	if last != nil {
		from = min(last.Key.BlockNumber, max(synced, deployment))
	}
	return min(from, finalized), nil
}

// MergeEvents adds caller-reported events at or above fromBlock to the indexer output.
// On a shared ordering key the indexer copy wins. The result is sorted. merged counts the
// caller-reported events that were added.
func MergeEvents(indexed, missing []model.RawEvent, fromBlock uint64) (events []model.RawEvent, merged int) {
	seen := make(map[model.OrderingKey]struct{}, len(indexed)+len(missing))
	events = make([]model.RawEvent, 0, len(indexed)+len(missing))
	for _, e := range indexed {
		if _, dup := seen[e.Key]; dup {
			continue
		}
		seen[e.Key] = struct{}{}
		events = append(events, e)
	}
	for _, e := range missing {
		if e.Key.BlockNumber < fromBlock {
			continue
		}
		if _, dup := seen[e.Key]; dup {
			continue
		}
		seen[e.Key] = struct{}{}
		events = append(events, e)
		merged++
	}
	model.SortRawEvents(events)
	return events, merged
}

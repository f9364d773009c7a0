// Package refresh decides when a position's ledger must be resynced and recomputes its
// ledger-derived aggregates.
//
// A refresh escalates through cheap checks before touching the ledger:
//
//	cache           updated within the cache TTL and not newly created: return the stored row
//	missing_events  caller-reported events survive pruning: sync
//	liquidity       on-chain liquidity differs from the ledger tail: sync
//	state_diff      any compared on-chain field differs from the stored state: sync
//	no_diff         recompute aggregates only
package refresh

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"positionLedger/internal/ledgersync"
	"positionLedger/internal/metrics"
	"positionLedger/internal/model"
	"positionLedger/internal/storage"
	"positionLedger/internal/uniswapv3"
)

const (
	DefaultCacheTTL         = 15 * time.Second
	DefaultNewPositionGrace = 5 * time.Second
	DefaultWorkers          = 4
)

// Path names the branch a refresh took.
type Path string

const (
	PathCache             Path = "cache"
	PathMissingEvents     Path = "missing_events"
	PathLiquidityMismatch Path = "liquidity"
	PathStateDiff         Path = "state_diff"
	PathNoDiff            Path = "no_diff"
)

// Chains is the per-chain surface of the registry.
type Chains interface {
	LatestBlock(ctx context.Context, chainID uint64) (uint64, error)
	FinalizedBlock(ctx context.Context, chainID uint64) (uint64, error)
	PositionManager(chainID uint64) (common.Address, error)
	TransactionReceipt(ctx context.Context, chainID uint64, txHash common.Hash) (*types.Receipt, error)
}

// ChainReader reads position manager, pool and factory state.
type ChainReader interface {
	OnChainPosition(ctx context.Context, chainID uint64, nftID *big.Int, block uint64) (model.OnChainPosition, error)
	Position(ctx context.Context, chainID uint64, nftID *big.Int, block *big.Int) (uniswapv3.PositionInfo, error)
	OwnerOf(ctx context.Context, chainID uint64, nftID *big.Int) (common.Address, error)
	GetPool(ctx context.Context, chainID uint64, token0, token1 common.Address, fee uint32) (common.Address, error)
	PoolMetadata(ctx context.Context, chainID uint64, pool common.Address) (model.PoolMetadata, error)
	FeeState(ctx context.Context, chainID uint64, pool common.Address, tickLower, tickUpper int32, block uint64) (model.PoolFeeState, error)
}

// ReceiptDecoder extracts one position's events from a transaction receipt.
type ReceiptDecoder interface {
	DecodeReceipt(receipt *types.Receipt, manager common.Address, nftID *big.Int) ([]model.RawEvent, error)
}

// Syncer rebuilds a position's ledger.
type Syncer interface {
	SyncLedgerEvents(ctx context.Context, req ledgersync.SyncRequest) (ledgersync.SyncResult, error)
}

type Config struct {
	Store   storage.Store
	Chains  Chains
	Reader  ChainReader
	Decoder ReceiptDecoder
	Syncer  Syncer
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	CacheTTL         time.Duration
	NewPositionGrace time.Duration
	Workers          int
}

func (c Config) validate() error {
	switch {
	case c.Store == nil:
		return errors.New("refresh: store is required")
	case c.Chains == nil:
		return errors.New("refresh: chain registry is required")
	case c.Reader == nil:
		return errors.New("refresh: chain reader is required")
	case c.Syncer == nil:
		return errors.New("refresh: syncer is required")
	}
	return nil
}

type Service struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.NewPositionGrace <= 0 {
		cfg.NewPositionGrace = DefaultNewPositionGrace
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "refresh")),
		now:    time.Now,
	}, nil
}

// Refresh returns an up-to-date position, resyncing its ledger when the chain disagrees with
// it. On error nothing is persisted.
func (s *Service) Refresh(ctx context.Context, positionID string) (model.Position, error) {
	position, _, err := s.refresh(ctx, positionID)
	return position, err
}

func (s *Service) refresh(ctx context.Context, positionID string) (position model.Position, path Path, err error) {
	started := s.now()
	defer s.cfg.Metrics.InFlight()()
	defer func() {
		if path != "" {
			s.cfg.Metrics.ObserveRefresh(string(path), s.now().Sub(started), err)
		}
	}()

	position, err = s.cfg.Store.GetPosition(ctx, positionID)
	if err != nil {
		return model.Position{}, "", err
	}
	if s.cacheValid(position, started) {
		return position, PathCache, nil
	}

	logger := s.logger.With(
		zap.String("position_id", positionID),
		zap.Uint64("chain_id", position.Config.ChainID),
		zap.String("nft_id", model.IntString(position.Config.NFTID)),
	)

	hasMissing, err := s.pruneMissingEvents(ctx, position)
	if err != nil {
		return model.Position{}, PathNoDiff, err
	}

	snap, last, err := s.snapshot(ctx, position)
	if err != nil {
		return model.Position{}, PathNoDiff, err
	}

	path = PathNoDiff
	switch {
	case hasMissing:
		path = PathMissingEvents
	case !model.EqualInt(snap.OnChain.Liquidity, tailLiquidity(last)):
		path = PathLiquidityMismatch
	case snap.OnChain.DiffersFrom(position.State):
		path = PathStateDiff
	}

	synced := false
	if path != PathNoDiff {
		result, err := s.cfg.Syncer.SyncLedgerEvents(ctx, ledgersync.SyncRequest{
			PositionID: positionID,
			ChainID:    position.Config.ChainID,
			NFTID:      position.Config.NFTID,
		})
		if err != nil {
			return model.Position{}, path, err
		}
		synced = true
		logger.Info("ledger resynced",
			zap.String("path", string(path)),
			zap.Uint64("from_block", result.FromBlock),
			zap.Uint64("to_block", result.FinalizedBlock),
			zap.Int("events", result.EventsAdded))
	}

	events, err := s.cfg.Store.Events(ctx, positionID)
	if err != nil {
		return model.Position{}, path, err
	}

	// Collect moves the on-chain checkpoints; a read taken before the sync may predate it.
	if synced && len(events) > 0 && events[0].Type() == model.EventCollect {
		head, err := s.cfg.Chains.LatestBlock(ctx, position.Config.ChainID)
		if err != nil {
			return model.Position{}, path, err
		}
		if snap.OnChain, snap.Fees, err = s.chainState(ctx, position, head); err != nil {
			return model.Position{}, path, err
		}
		snap.Block = head
	}

	updated, err := Recompute(position, events, snap, s.now().UTC())
	if err != nil {
		return model.Position{}, path, err
	}
	if err := s.cfg.Store.SavePosition(ctx, updated); err != nil {
		return model.Position{}, path, err
	}

	logger.Debug("position refreshed",
		zap.String("path", string(path)),
		zap.Bool("active", updated.IsActive),
		zap.String("current_value", model.IntString(updated.CurrentValue)),
		zap.String("unclaimed_fees", model.IntString(updated.UnclaimedFees)))
	return updated, path, nil
}

// cacheValid is advisory: concurrent refreshes may both miss it, the sync lock serializes them.
func (s *Service) cacheValid(position model.Position, now time.Time) bool {
	if position.UpdatedAt.IsZero() {
		return false
	}
	fresh := now.Sub(position.UpdatedAt) < s.cfg.CacheTTL
	settled := now.Sub(position.CreatedAt) >= s.cfg.NewPositionGrace
	return fresh && settled
}

// pruneMissingEvents drops reported events at or below the finalized block and reports
// whether any remain.
func (s *Service) pruneMissingEvents(ctx context.Context, position model.Position) (bool, error) {
	state, err := s.cfg.Store.GetSyncState(ctx, position.ID)
	if err != nil {
		return false, err
	}
	if !state.HasMissingEvents() {
		return false, nil
	}
	finalized, err := s.cfg.Chains.FinalizedBlock(ctx, position.Config.ChainID)
	if err != nil {
		return false, err
	}
	if pruned := state.PruneEvents(finalized); pruned > 0 {
		state.UpdatedAt = s.now().UTC()
		if err := s.cfg.Store.SaveSyncState(ctx, state); err != nil {
			return false, err
		}
		s.cfg.Metrics.MissingEvent("pruned", pruned)
		s.logger.Debug("pruned missing events",
			zap.String("position_id", position.ID),
			zap.Uint64("finalized_block", finalized),
			zap.Int("events", pruned))
	}
	return state.HasMissingEvents(), nil
}

// Snapshot is the chain state a refresh compares against and values with. OnChain and Fees
// are both read at Block.
type Snapshot struct {
	Block   uint64
	OnChain model.OnChainPosition
	Pool    model.PoolMetadata
	Fees    model.PoolFeeState
}

// snapshot resolves the head once and issues the independent reads of one refresh
// concurrently against it.
func (s *Service) snapshot(ctx context.Context, position model.Position) (Snapshot, *model.LedgerEvent, error) {
	var (
		snap Snapshot
		last *model.LedgerEvent
		cfg  = position.Config
	)
	head, err := s.cfg.Chains.LatestBlock(ctx, cfg.ChainID)
	if err != nil {
		return Snapshot{}, nil, err
	}
	snap.Block = head

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.OnChain, snap.Fees, err = s.chainState(gctx, position, head)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Pool, err = s.cfg.Reader.PoolMetadata(gctx, cfg.ChainID, cfg.PoolAddress)
		return err
	})
	g.Go(func() error {
		var err error
		last, err = s.cfg.Store.LastEvent(gctx, position.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, nil, err
	}
	return snap, last, nil
}

// chainState reads the position and the fee state of its pool at block.
func (s *Service) chainState(ctx context.Context, position model.Position, block uint64) (model.OnChainPosition, model.PoolFeeState, error) {
	var (
		onchain model.OnChainPosition
		fees    model.PoolFeeState
		cfg     = position.Config
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		onchain, err = s.cfg.Reader.OnChainPosition(gctx, cfg.ChainID, cfg.NFTID, block)
		return err
	})
	g.Go(func() error {
		var err error
		fees, err = s.cfg.Reader.FeeState(gctx, cfg.ChainID, cfg.PoolAddress, cfg.TickLower, cfg.TickUpper, block)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.OnChainPosition{}, model.PoolFeeState{}, err
	}
	return onchain, fees, nil
}

func tailLiquidity(last *model.LedgerEvent) *big.Int {
	if last == nil {
		return new(big.Int)
	}
	return model.IntOrZero(last.State.Liquidity)
}

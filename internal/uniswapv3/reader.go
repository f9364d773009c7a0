package uniswapv3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"positionLedger/internal/chain"
	"positionLedger/internal/indexer"
	"positionLedger/internal/model"
)

// PositionInfo is the full positions(tokenId) tuple.
type PositionInfo struct {
	Token0                   common.Address
	Token1                   common.Address
	Fee                      uint32
	TickLower                int32
	TickUpper                int32
	Liquidity                *big.Int
	FeeGrowthInside0LastX128 *big.Int
	FeeGrowthInside1LastX128 *big.Int
	TokensOwed0              *big.Int
	TokensOwed1              *big.Int
}

// Reader performs position manager, pool and factory reads against the configured chains.
type Reader struct {
	chains       *chain.Registry
	pools        *MetaCache[model.PoolMetadata]
	tokens       *MetaCache[model.TokenMeta]
	maxRetries   int
	retryBackoff time.Duration
	logger       *zap.Logger
}

type ReaderOption func(*Reader)

func WithRetry(maxRetries int, backoff time.Duration) ReaderOption {
	return func(r *Reader) {
		r.maxRetries = maxRetries
		r.retryBackoff = backoff
	}
}

func WithReaderLogger(logger *zap.Logger) ReaderOption {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewReader(chains *chain.Registry, opts ...ReaderOption) *Reader {
	r := &Reader{
		chains: chains,
		pools:  NewMetaCache[model.PoolMetadata](),
		tokens: NewMetaCache[model.TokenMeta](),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "uniswapv3_reader"))
	return r
}

func (r *Reader) call(ctx context.Context, chainID uint64, to common.Address, parsed func() (abi.ABI, error), method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	c, err := r.chains.Chain(chainID)
	if err != nil {
		return nil, err
	}
	contract, err := parsed()
	if err != nil {
		return nil, err
	}

	var values []interface{}
	err = indexer.WithRetry(ctx, r.maxRetries, r.retryBackoff, func(ctx context.Context) error {
		var err error
		values, err = callMethod(ctx, c.Backend, to, contract, method, block, args...)
		if isMissingToken(err) {
			return indexer.Permanent(ErrPositionBurned)
		}
		if err != nil {
			r.logger.Warn("contract call failed",
				zap.Uint64("chain_id", chainID),
				zap.String("method", method),
				zap.String("to", to.Hex()),
				zap.Error(err),
			)
		}
		return err
	})
	return values, err
}

func (r *Reader) managerCall(ctx context.Context, chainID uint64, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	c, err := r.chains.Chain(chainID)
	if err != nil {
		return nil, err
	}
	return r.call(ctx, chainID, c.PositionManager, PositionManagerABI, method, block, args...)
}

// Position reads positions(nftID) at block (nil is latest).
func (r *Reader) Position(ctx context.Context, chainID uint64, nftID *big.Int, block *big.Int) (PositionInfo, error) {
	values, err := r.managerCall(ctx, chainID, "positions", block, nftID)
	if err != nil {
		return PositionInfo{}, err
	}
	if len(values) != 12 {
		return PositionInfo{}, fmt.Errorf("unexpected positions values: %d", len(values))
	}

	token0, err := asAddress(values[2])
	if err != nil {
		return PositionInfo{}, fmt.Errorf("token0: %w", err)
	}
	token1, err := asAddress(values[3])
	if err != nil {
		return PositionInfo{}, fmt.Errorf("token1: %w", err)
	}
	tickLower, err := asInt24(values[5])
	if err != nil {
		return PositionInfo{}, fmt.Errorf("tick lower: %w", err)
	}
	tickUpper, err := asInt24(values[6])
	if err != nil {
		return PositionInfo{}, fmt.Errorf("tick upper: %w", err)
	}
	ints, err := bigInts(values, 4, 7, 8, 9, 10, 11)
	if err != nil {
		return PositionInfo{}, err
	}

	return PositionInfo{
		Token0:                   token0,
		Token1:                   token1,
		Fee:                      uint32(ints[0].Uint64()),
		TickLower:                tickLower,
		TickUpper:                tickUpper,
		Liquidity:                ints[1],
		FeeGrowthInside0LastX128: ints[2],
		FeeGrowthInside1LastX128: ints[3],
		TokensOwed0:              ints[4],
		TokensOwed1:              ints[5],
	}, nil
}

// OwnerOf returns the current NFT owner.
func (r *Reader) OwnerOf(ctx context.Context, chainID uint64, nftID *big.Int) (common.Address, error) {
	return r.ownerAt(ctx, chainID, nftID, nil)
}

func (r *Reader) ownerAt(ctx context.Context, chainID uint64, nftID *big.Int, block *big.Int) (common.Address, error) {
	values, err := r.managerCall(ctx, chainID, "ownerOf", block, nftID)
	if err != nil {
		return common.Address{}, err
	}
	return asAddress(values[0])
}

// OnChainPosition reads positions() and ownerOf() concurrently, both at blockNumber.
// A burned NFT reads as zero state.
func (r *Reader) OnChainPosition(ctx context.Context, chainID uint64, nftID *big.Int, blockNumber uint64) (model.OnChainPosition, error) {
	if blockNumber == 0 {
		return model.OnChainPosition{}, fmt.Errorf("position read requires a block number")
	}
	var (
		info  PositionInfo
		owner common.Address
		block = blockArg(blockNumber)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		info, err = r.Position(gctx, chainID, nftID, block)
		return err
	})
	g.Go(func() error {
		var err error
		owner, err = r.ownerAt(gctx, chainID, nftID, block)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrPositionBurned) {
			return model.ZeroOnChainPosition(), nil
		}
		return model.OnChainPosition{}, err
	}

	return model.OnChainPosition{
		Owner:                    owner,
		Liquidity:                info.Liquidity,
		FeeGrowthInside0LastX128: info.FeeGrowthInside0LastX128,
		FeeGrowthInside1LastX128: info.FeeGrowthInside1LastX128,
		TokensOwed0:              info.TokensOwed0,
		TokensOwed1:              info.TokensOwed1,
	}, nil
}

// CheckpointsAt reads the position's fee growth checkpoints as of blockNumber.
func (r *Reader) CheckpointsAt(ctx context.Context, chainID uint64, nftID *big.Int, blockNumber uint64) (*big.Int, *big.Int, error) {
	info, err := r.Position(ctx, chainID, nftID, blockArg(blockNumber))
	if errors.Is(err, ErrPositionBurned) {
		return new(big.Int), new(big.Int), nil
	}
	if err != nil {
		return nil, nil, err
	}
	return info.FeeGrowthInside0LastX128, info.FeeGrowthInside1LastX128, nil
}

// Discover reads slot0 of pool at exactly blockNumber.
func (r *Reader) Discover(ctx context.Context, chainID uint64, pool common.Address, blockNumber uint64) (model.PoolPrice, error) {
	if blockNumber == 0 {
		return model.PoolPrice{}, fmt.Errorf("historic price requires a block number")
	}
	return r.Slot0(ctx, chainID, pool, new(big.Int).SetUint64(blockNumber))
}

// Slot0 reads the pool price at block (nil is latest).
func (r *Reader) Slot0(ctx context.Context, chainID uint64, pool common.Address, block *big.Int) (model.PoolPrice, error) {
	values, err := r.call(ctx, chainID, pool, PoolABI, "slot0", block)
	if err != nil {
		return model.PoolPrice{}, err
	}
	if len(values) < 2 {
		return model.PoolPrice{}, fmt.Errorf("unexpected slot0 values: %d", len(values))
	}
	sqrtPrice, err := asBigInt(values[0])
	if err != nil {
		return model.PoolPrice{}, fmt.Errorf("sqrt price: %w", err)
	}
	tick, err := asInt24(values[1])
	if err != nil {
		return model.PoolPrice{}, fmt.Errorf("tick: %w", err)
	}
	if sqrtPrice.Sign() == 0 {
		return model.PoolPrice{}, fmt.Errorf("pool %s not initialized at block %v", pool.Hex(), block)
	}

	out := model.PoolPrice{SqrtPriceX96: sqrtPrice, Tick: tick}
	if block != nil {
		out.BlockNumber = block.Uint64()
	}
	return out, nil
}

// FeeState reads slot0, both fee growth globals and both boundary ticks, all at blockNumber.
// The values feed one wrapping subtraction, so they must come from the same block.
func (r *Reader) FeeState(ctx context.Context, chainID uint64, pool common.Address, tickLower, tickUpper int32, blockNumber uint64) (model.PoolFeeState, error) {
	if blockNumber == 0 {
		return model.PoolFeeState{}, fmt.Errorf("fee state read requires a block number")
	}
	var (
		state   model.PoolFeeState
		globals [2]*big.Int
		block   = blockArg(blockNumber)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		state.Price, err = r.Slot0(gctx, chainID, pool, block)
		return err
	})
	for i, method := range []string{"feeGrowthGlobal0X128", "feeGrowthGlobal1X128"} {
		g.Go(func() error {
			values, err := r.call(gctx, chainID, pool, PoolABI, method, block)
			if err != nil {
				return err
			}
			globals[i], err = asBigInt(values[0])
			return err
		})
	}
	g.Go(func() error {
		var err error
		state.LowerFeeGrowthOutside, err = r.tickFeeGrowth(gctx, chainID, pool, tickLower, block)
		return err
	})
	g.Go(func() error {
		var err error
		state.UpperFeeGrowthOutside, err = r.tickFeeGrowth(gctx, chainID, pool, tickUpper, block)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.PoolFeeState{}, err
	}
	state.FeeGrowthGlobal0X128 = globals[0]
	state.FeeGrowthGlobal1X128 = globals[1]
	return state, nil
}

func (r *Reader) tickFeeGrowth(ctx context.Context, chainID uint64, pool common.Address, tick int32, block *big.Int) ([2]*big.Int, error) {
	values, err := r.call(ctx, chainID, pool, PoolABI, "ticks", block, big.NewInt(int64(tick)))
	if err != nil {
		return [2]*big.Int{}, err
	}
	ints, err := bigInts(values, 2, 3)
	if err != nil {
		return [2]*big.Int{}, fmt.Errorf("ticks(%d): %w", tick, err)
	}
	return [2]*big.Int{ints[0], ints[1]}, nil
}

// GetPool resolves the pool address of a token pair and fee tier through the factory.
func (r *Reader) GetPool(ctx context.Context, chainID uint64, token0, token1 common.Address, fee uint32) (common.Address, error) {
	c, err := r.chains.Chain(chainID)
	if err != nil {
		return common.Address{}, err
	}
	if c.Factory == (common.Address{}) {
		return common.Address{}, fmt.Errorf("chain %d has no factory configured", chainID)
	}
	values, err := r.call(ctx, chainID, c.Factory, FactoryABI, "getPool", nil, token0, token1, new(big.Int).SetUint64(uint64(fee)))
	if err != nil {
		return common.Address{}, err
	}
	pool, err := asAddress(values[0])
	if err != nil {
		return common.Address{}, err
	}
	if pool == (common.Address{}) {
		return common.Address{}, fmt.Errorf("no pool for %s/%s fee %d", token0.Hex(), token1.Hex(), fee)
	}
	return pool, nil
}

// PoolMetadata returns cached pool metadata, loading it on first use.
func (r *Reader) PoolMetadata(ctx context.Context, chainID uint64, pool common.Address) (model.PoolMetadata, error) {
	if meta, ok := r.pools.Get(chainID, pool); ok {
		return meta, nil
	}
	c, err := r.chains.Chain(chainID)
	if err != nil {
		return model.PoolMetadata{}, err
	}
	meta, err := FetchPoolMetadata(ctx, c.Backend, chainID, pool, r.tokens, r.logger)
	if err != nil {
		return model.PoolMetadata{}, err
	}
	r.pools.Set(chainID, pool, meta)
	return meta, nil
}

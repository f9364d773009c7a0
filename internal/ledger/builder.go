package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"positionLedger/internal/feemath"
	"positionLedger/internal/model"
)

// PriceSource resolves slot0 of a pool at an exact historic block.
type PriceSource interface {
	Discover(ctx context.Context, chainID uint64, pool common.Address, blockNumber uint64) (model.PoolPrice, error)
}

// BlockTimeSource resolves block timestamps for events that arrive without one.
type BlockTimeSource interface {
	BlockTime(ctx context.Context, chainID uint64, blockNumber uint64) (time.Time, error)
}

// CheckpointSource reads the position's fee growth checkpoints as of a block (archive node).
type CheckpointSource interface {
	CheckpointsAt(ctx context.Context, chainID uint64, nftID *big.Int, blockNumber uint64) (*big.Int, *big.Int, error)
}

// Builder assembles ledger events from raw events.
type Builder struct {
	prices      PriceSource
	times       BlockTimeSource
	checkpoints CheckpointSource
	logger      *zap.Logger
}

type BuilderOption func(*Builder)

func WithBlockTimes(source BlockTimeSource) BuilderOption {
	return func(b *Builder) { b.times = source }
}

func WithCheckpoints(source CheckpointSource) BuilderOption {
	return func(b *Builder) { b.checkpoints = source }
}

func WithLogger(logger *zap.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewBuilder(prices PriceSource, opts ...BuilderOption) *Builder {
	b := &Builder{prices: prices, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "ledger_builder"))
	return b
}

// BuildInput is one step of a position's fold.
type BuildInput struct {
	Position model.Position
	Pool     model.PoolMetadata
	Previous *model.LedgerEvent
	Raw      model.RawEvent
}

// Build prices the raw event at its own block, applies the matching processor and links the
// record to its predecessor.
func (b *Builder) Build(ctx context.Context, in BuildInput) (model.LedgerEvent, error) {
	raw := in.Raw
	cfg := in.Position.Config
	if raw.ChainID != 0 && raw.ChainID != cfg.ChainID {
		return model.LedgerEvent{}, b.invariant(in, "event chain %d does not match position chain %d", raw.ChainID, cfg.ChainID)
	}
	if raw.NFTID != nil && cfg.NFTID != nil && raw.NFTID.Cmp(cfg.NFTID) != 0 {
		return model.LedgerEvent{}, b.invariant(in, "event nft %s does not match position nft %s", raw.NFTID, cfg.NFTID)
	}
	if in.Previous != nil && !in.Previous.Key.Less(raw.Key) {
		return model.LedgerEvent{}, b.invariant(in, "event does not follow previous event at %s", in.Previous.Key)
	}

	process, ok := ProcessorFor(raw.Type)
	if !ok {
		return model.LedgerEvent{}, b.invariant(in, "unknown event type %q", raw.Type)
	}

	poolPrice, err := b.prices.Discover(ctx, cfg.ChainID, cfg.PoolAddress, raw.Key.BlockNumber)
	if err != nil {
		return model.LedgerEvent{}, fmt.Errorf("%w at block %d: %w", ErrPriceUnavailable, raw.Key.BlockNumber, err)
	}
	price, err := feemath.PriceInQuote(poolPrice.SqrtPriceX96, feemath.Pricing{
		Decimals0:     in.Pool.Token0.Decimals,
		Decimals1:     in.Pool.Token1.Decimals,
		Token0IsQuote: cfg.Token0IsQuote,
	})
	if err != nil {
		return model.LedgerEvent{}, fmt.Errorf("%w at block %d: %w", ErrPriceUnavailable, raw.Key.BlockNumber, err)
	}

	prev := model.ZeroLedgerState()
	previousID := ""
	if in.Previous != nil {
		prev = in.Previous.State.Clone()
		previousID = in.Previous.ID
	}

	transition, err := process(prev, raw, Market{Pool: in.Pool, Token0IsQuote: cfg.Token0IsQuote, Price: price})
	if err != nil {
		var inv *InvariantError
		if errors.As(err, &inv) {
			inv.PositionID = in.Position.ID
		}
		return model.LedgerEvent{}, err
	}

	if b.checkpoints != nil {
		fg0, fg1, err := b.checkpoints.CheckpointsAt(ctx, cfg.ChainID, cfg.NFTID, raw.Key.BlockNumber)
		if err != nil {
			return model.LedgerEvent{}, fmt.Errorf("read checkpoints at block %d: %w", raw.Key.BlockNumber, err)
		}
		transition.State.FeeGrowthInside0LastX128 = model.IntOrZero(fg0)
		transition.State.FeeGrowthInside1LastX128 = model.IntOrZero(fg1)
	}

	timestamp, err := b.timestamp(ctx, cfg.ChainID, raw)
	if err != nil {
		return model.LedgerEvent{}, err
	}

	amount0, amount1 := payloadAmounts(transition.Payload)
	event := model.LedgerEvent{
		PreviousID:      previousID,
		PositionID:      in.Position.ID,
		ChainID:         cfg.ChainID,
		NFTID:           new(big.Int).Set(model.IntOrZero(cfg.NFTID)),
		Key:             raw.Key,
		TransactionHash: raw.TransactionHash,
		Timestamp:       timestamp,
		PoolPrice:       price,
		Token0Amount:    amount0,
		Token1Amount:    amount1,
		TokenValue:      transition.TokenValue,
		DeltaCostBasis:  transition.DeltaCostBasis,
		DeltaPnL:        transition.DeltaPnL,
		State:           transition.State,
		Rewards:         transition.Rewards,
		Payload:         transition.Payload,
	}
	event.ID = EventID(in.Position.ID, cfg.ChainID, cfg.NFTID, raw.Key, raw.Type, raw.TransactionHash)

	b.logger.Debug("built ledger event",
		zap.String("position_id", in.Position.ID),
		zap.String("key", raw.Key.String()),
		zap.String("type", string(raw.Type)),
		zap.String("liquidity_after", transition.State.Liquidity.String()),
	)
	return event, nil
}

func (b *Builder) timestamp(ctx context.Context, chainID uint64, raw model.RawEvent) (time.Time, error) {
	if raw.BlockTimestamp > 0 {
		return time.Unix(int64(raw.BlockTimestamp), 0).UTC(), nil
	}
	if b.times == nil {
		return time.Time{}, fmt.Errorf("no timestamp for block %d", raw.Key.BlockNumber)
	}
	ts, err := b.times.BlockTime(ctx, chainID, raw.Key.BlockNumber)
	if err != nil {
		return time.Time{}, fmt.Errorf("block %d timestamp: %w", raw.Key.BlockNumber, err)
	}
	return ts.UTC(), nil
}

func (b *Builder) invariant(in BuildInput, format string, args ...any) error {
	return &InvariantError{
		PositionID: in.Position.ID,
		Key:        in.Raw.Key,
		Details:    fmt.Sprintf(format, args...),
	}
}

func payloadAmounts(payload model.EventPayload) (*big.Int, *big.Int) {
	switch p := payload.(type) {
	case model.IncreasePayload:
		return p.Amount0, p.Amount1
	case model.DecreasePayload:
		return p.Amount0, p.Amount1
	case model.CollectPayload:
		return p.Amount0, p.Amount1
	default:
		return new(big.Int), new(big.Int)
	}
}

// EventID is the content hash identifying a ledger event. Rebuilding the same event yields
// the same id, so re-insertion is idempotent.
func EventID(positionID string, chainID uint64, nftID *big.Int, key model.OrderingKey, eventType model.EventType, txHash common.Hash) string {
	buf := make([]byte, 0, 256)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(positionID)))
	buf = append(buf, positionID...)
	buf = binary.BigEndian.AppendUint64(buf, chainID)
	buf = append(buf, common.LeftPadBytes(model.IntOrZero(nftID).Bytes(), 32)...)
	buf = binary.BigEndian.AppendUint64(buf, key.BlockNumber)
	buf = binary.BigEndian.AppendUint64(buf, key.TransactionIndex)
	buf = binary.BigEndian.AppendUint64(buf, key.LogIndex)
	buf = append(buf, eventType...)
	buf = append(buf, txHash.Bytes()...)
	return crypto.Keccak256Hash(buf).Hex()
}

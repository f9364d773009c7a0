package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"positionLedger/internal/model"
)

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

type fakePrices struct {
	calls  []uint64
	failAt uint64
}

func (f *fakePrices) Discover(_ context.Context, _ uint64, _ common.Address, block uint64) (model.PoolPrice, error) {
	f.calls = append(f.calls, block)
	if f.failAt != 0 && block == f.failAt {
		return model.PoolPrice{}, errors.New("header not found")
	}
	return model.PoolPrice{BlockNumber: block, SqrtPriceX96: new(big.Int).Set(q96)}, nil
}

type fakeCheckpoints struct{}

func (fakeCheckpoints) CheckpointsAt(_ context.Context, _ uint64, _ *big.Int, block uint64) (*big.Int, *big.Int, error) {
	return new(big.Int).SetUint64(block * 10), new(big.Int).SetUint64(block * 20), nil
}

func testPosition() model.Position {
	return model.Position{
		ID: "pos-1",
		Config: model.PositionConfig{
			ChainID:     1,
			NFTID:       big.NewInt(42),
			PoolAddress: common.HexToAddress("0x00000000000000000000000000000000000000f0"),
			TickLower:   -60,
			TickUpper:   60,
		},
	}
}

func testPool() model.PoolMetadata {
	return model.PoolMetadata{
		ChainID: 1,
		Token0:  model.TokenMeta{Address: token0},
		Token1:  model.TokenMeta{Address: token1},
	}
}

func scenario() []model.RawEvent {
	events := []model.RawEvent{
		rawEvent(model.EventIncrease, 100, 100, 500, 500),
		rawEvent(model.EventDecrease, 200, 40, 200, 250),
		rawEvent(model.EventCollect, 300, 0, 207, 258),
	}
	for i := range events {
		events[i].BlockTimestamp = 1_700_000_000 + events[i].Key.BlockNumber
		events[i].TransactionHash = common.BigToHash(big.NewInt(int64(i + 1)))
	}
	return events
}

func TestFoldScenario(t *testing.T) {
	prices := &fakePrices{}
	builder := NewBuilder(prices, WithLogger(zaptest.NewLogger(t)))

	result, err := builder.Fold(context.Background(), testPosition(), testPool(), nil, scenario())
	require.NoError(t, err)
	require.Len(t, result.Events, 3)
	assert.Equal(t, []uint64{100, 200, 300}, prices.calls)

	increase, decrease, collect := result.Events[0], result.Events[1], result.Events[2]

	assert.Equal(t, int64(1000), increase.State.CostBasis.Int64())
	assert.Equal(t, int64(600), decrease.State.CostBasis.Int64())
	assert.Equal(t, int64(50), decrease.State.PnL.Int64())
	assert.Equal(t, int64(600), collect.State.CostBasis.Int64())

	var liquidity []int64
	for _, e := range result.Events {
		liquidity = append(liquidity, e.State.Liquidity.Int64())
	}
	assert.Equal(t, []int64{100, 60, 60}, liquidity)

	assert.Zero(t, collect.DeltaPnL.Sign())
	assert.Equal(t, int64(15), collect.RewardValue().Int64())
	assert.Zero(t, collect.State.UncollectedPrincipal0.Sign())
	assert.Zero(t, collect.State.UncollectedPrincipal1.Sign())

	assert.Empty(t, increase.PreviousID)
	assert.Equal(t, increase.ID, decrease.PreviousID)
	assert.Equal(t, decrease.ID, collect.PreviousID)
	assert.Equal(t, collect.ID, result.Tail.ID)
	assert.Equal(t, time.Unix(1_700_000_300, 0).UTC(), collect.Timestamp)
}

func TestFoldIsDeterministic(t *testing.T) {
	builder := NewBuilder(&fakePrices{})

	first, err := builder.Fold(context.Background(), testPosition(), testPool(), nil, scenario())
	require.NoError(t, err)
	second, err := builder.Fold(context.Background(), testPosition(), testPool(), nil, scenario())
	require.NoError(t, err)

	assert.Equal(t, first.Events, second.Events)
}

func TestFoldContinuesFromPrevious(t *testing.T) {
	builder := NewBuilder(&fakePrices{})
	events := scenario()

	head, err := builder.Fold(context.Background(), testPosition(), testPool(), nil, events[:1])
	require.NoError(t, err)
	rest, err := builder.Fold(context.Background(), testPosition(), testPool(), head.Tail, events[1:])
	require.NoError(t, err)
	full, err := builder.Fold(context.Background(), testPosition(), testPool(), nil, events)
	require.NoError(t, err)

	assert.Equal(t, full.Events[1:], rest.Events)
}

func TestBuildRejectsOutOfOrderEvent(t *testing.T) {
	builder := NewBuilder(&fakePrices{})
	events := scenario()

	result, err := builder.Fold(context.Background(), testPosition(), testPool(), nil, events[1:2])
	require.Error(t, err)
	assert.True(t, IsInvariant(err))
	assert.Empty(t, result.Events)

	first, err := builder.Fold(context.Background(), testPosition(), testPool(), nil, events[:1])
	require.NoError(t, err)
	_, err = builder.Build(context.Background(), BuildInput{
		Position: testPosition(),
		Pool:     testPool(),
		Previous: first.Tail,
		Raw:      events[0],
	})
	var inv *InvariantError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, "pos-1", inv.PositionID)
}

func TestBuildPriceFailureIsFatal(t *testing.T) {
	builder := NewBuilder(&fakePrices{failAt: 200})

	result, err := builder.Fold(context.Background(), testPosition(), testPool(), nil, scenario())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.Len(t, result.Events, 1)
}

func TestBuildRecordsArchiveCheckpoints(t *testing.T) {
	builder := NewBuilder(&fakePrices{}, WithCheckpoints(fakeCheckpoints{}))

	result, err := builder.Fold(context.Background(), testPosition(), testPool(), nil, scenario()[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(1000), result.State().FeeGrowthInside0LastX128.Int64())
	assert.Equal(t, int64(2000), result.State().FeeGrowthInside1LastX128.Int64())
}

func TestBuildRequiresTimestamp(t *testing.T) {
	builder := NewBuilder(&fakePrices{})
	raw := scenario()[0]
	raw.BlockTimestamp = 0

	_, err := builder.Build(context.Background(), BuildInput{Position: testPosition(), Pool: testPool(), Raw: raw})
	assert.Error(t, err)
}

func TestEventIDDependsOnEveryField(t *testing.T) {
	key := model.OrderingKey{BlockNumber: 1, TransactionIndex: 2, LogIndex: 3}
	hash := common.HexToHash("0x01")
	base := EventID("pos", 1, big.NewInt(7), key, model.EventCollect, hash)

	assert.Equal(t, base, EventID("pos", 1, big.NewInt(7), key, model.EventCollect, hash))
	assert.NotEqual(t, base, EventID("pos2", 1, big.NewInt(7), key, model.EventCollect, hash))
	assert.NotEqual(t, base, EventID("pos", 10, big.NewInt(7), key, model.EventCollect, hash))
	assert.NotEqual(t, base, EventID("pos", 1, big.NewInt(8), key, model.EventCollect, hash))
	assert.NotEqual(t, base, EventID("pos", 1, big.NewInt(7), model.OrderingKey{BlockNumber: 1, TransactionIndex: 2, LogIndex: 4}, model.EventCollect, hash))
	assert.NotEqual(t, base, EventID("pos", 1, big.NewInt(7), key, model.EventDecrease, hash))
	assert.NotEqual(t, base, EventID("pos", 1, big.NewInt(7), key, model.EventCollect, common.HexToHash("0x02")))
}

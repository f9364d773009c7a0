package ledger

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionLedger/internal/model"
)

var (
	token0 = common.HexToAddress("0x0000000000000000000000000000000000000a00")
	token1 = common.HexToAddress("0x0000000000000000000000000000000000000b00")
)

// unitMarket prices one base unit at one quote unit with zero decimals on both sides.
func unitMarket() Market {
	return Market{
		Pool: model.PoolMetadata{
			Token0: model.TokenMeta{Address: token0},
			Token1: model.TokenMeta{Address: token1},
		},
		Price: big.NewInt(1),
	}
}

func rawEvent(eventType model.EventType, block uint64, liquidity, amount0, amount1 int64) model.RawEvent {
	return model.RawEvent{
		Type:      eventType,
		Key:       model.OrderingKey{BlockNumber: block},
		Liquidity: big.NewInt(liquidity),
		Amount0:   big.NewInt(amount0),
		Amount1:   big.NewInt(amount1),
	}
}

func TestProcessIncrease(t *testing.T) {
	tr, err := ProcessIncrease(model.ZeroLedgerState(), rawEvent(model.EventIncrease, 1, 100, 500, 500), unitMarket())
	require.NoError(t, err)

	assert.Equal(t, int64(100), tr.State.Liquidity.Int64())
	assert.Equal(t, int64(1000), tr.State.CostBasis.Int64())
	assert.Equal(t, int64(1000), tr.DeltaCostBasis.Int64())
	assert.Zero(t, tr.DeltaPnL.Sign())
	assert.Zero(t, tr.State.PnL.Sign())
	assert.Equal(t, model.EventIncrease, tr.Payload.EventType())
}

func TestProcessIncreaseDoesNotMutatePrevious(t *testing.T) {
	prev := model.ZeroLedgerState()
	_, err := ProcessIncrease(prev, rawEvent(model.EventIncrease, 1, 100, 1, 1), unitMarket())
	require.NoError(t, err)
	assert.Zero(t, prev.Liquidity.Sign())
	assert.Zero(t, prev.CostBasis.Sign())
}

func TestProcessDecreaseReleasesProportionalCostBasis(t *testing.T) {
	prev := model.ZeroLedgerState()
	prev.Liquidity.SetInt64(100)
	prev.CostBasis.SetInt64(1000)

	tr, err := ProcessDecrease(prev, rawEvent(model.EventDecrease, 2, 40, 200, 250), unitMarket())
	require.NoError(t, err)

	assert.Equal(t, int64(60), tr.State.Liquidity.Int64())
	assert.Equal(t, int64(600), tr.State.CostBasis.Int64())
	assert.Equal(t, int64(-400), tr.DeltaCostBasis.Int64())
	assert.Equal(t, int64(50), tr.DeltaPnL.Int64())
	assert.Equal(t, int64(50), tr.State.PnL.Int64())
	assert.Equal(t, int64(200), tr.State.UncollectedPrincipal0.Int64())
	assert.Equal(t, int64(250), tr.State.UncollectedPrincipal1.Int64())
}

func TestProcessDecreaseFloorsReleasedCostBasis(t *testing.T) {
	prev := model.ZeroLedgerState()
	prev.Liquidity.SetInt64(3)
	prev.CostBasis.SetInt64(100)

	tr, err := ProcessDecrease(prev, rawEvent(model.EventDecrease, 2, 1, 0, 0), unitMarket())
	require.NoError(t, err)
	assert.Equal(t, int64(-33), tr.DeltaCostBasis.Int64())
	assert.Equal(t, int64(67), tr.State.CostBasis.Int64())
}

func TestProcessDecreaseFullWithdrawalZeroesCostBasis(t *testing.T) {
	prev := model.ZeroLedgerState()
	prev.Liquidity.SetInt64(7)
	prev.CostBasis.SetInt64(1001)

	tr, err := ProcessDecrease(prev, rawEvent(model.EventDecrease, 2, 7, 3, 3), unitMarket())
	require.NoError(t, err)
	assert.Zero(t, tr.State.CostBasis.Sign())
	assert.Zero(t, tr.State.Liquidity.Sign())
	assert.Equal(t, int64(-1001), tr.DeltaCostBasis.Int64())
}

func TestProcessDecreaseRejectsOverdraw(t *testing.T) {
	prev := model.ZeroLedgerState()
	prev.Liquidity.SetInt64(10)

	_, err := ProcessDecrease(prev, rawEvent(model.EventDecrease, 2, 11, 0, 0), unitMarket())
	require.Error(t, err)
	assert.True(t, IsInvariant(err))

	_, err = ProcessDecrease(model.ZeroLedgerState(), rawEvent(model.EventDecrease, 2, 1, 0, 0), unitMarket())
	assert.True(t, IsInvariant(err))
}

func TestProcessRejectsNegativeAmounts(t *testing.T) {
	_, err := ProcessIncrease(model.ZeroLedgerState(), rawEvent(model.EventIncrease, 1, -1, 0, 0), unitMarket())
	var inv *InvariantError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, uint64(1), inv.Key.BlockNumber)

	_, err = ProcessCollect(model.ZeroLedgerState(), rawEvent(model.EventCollect, 1, 0, 0, -5), unitMarket())
	assert.True(t, IsInvariant(err))
}

func TestProcessCollectSeparatesFeesFromPrincipal(t *testing.T) {
	prev := model.ZeroLedgerState()
	prev.Liquidity.SetInt64(60)
	prev.CostBasis.SetInt64(600)
	prev.UncollectedPrincipal0.SetInt64(200)
	prev.UncollectedPrincipal1.SetInt64(250)

	tr, err := ProcessCollect(prev, rawEvent(model.EventCollect, 3, 0, 207, 100), unitMarket())
	require.NoError(t, err)

	payload, ok := tr.Payload.(model.CollectPayload)
	require.True(t, ok)
	assert.Equal(t, int64(7), payload.Fee0.Int64())
	assert.Equal(t, int64(200), payload.Principal0.Int64())
	assert.Zero(t, payload.Fee1.Sign())
	assert.Equal(t, int64(100), payload.Principal1.Int64())

	for i, amount := range []*big.Int{payload.Amount0, payload.Amount1} {
		fee := []*big.Int{payload.Fee0, payload.Fee1}[i]
		principal := []*big.Int{payload.Principal0, payload.Principal1}[i]
		assert.Equal(t, amount.String(), new(big.Int).Add(fee, principal).String())
	}

	assert.Zero(t, tr.State.UncollectedPrincipal0.Sign())
	assert.Equal(t, int64(150), tr.State.UncollectedPrincipal1.Int64())
	assert.Equal(t, int64(600), tr.State.CostBasis.Int64())
	assert.Equal(t, int64(60), tr.State.Liquidity.Int64())
	assert.Zero(t, tr.DeltaPnL.Sign())
	assert.Zero(t, tr.DeltaCostBasis.Sign())

	require.Len(t, tr.Rewards, 1)
	assert.Equal(t, token0, tr.Rewards[0].Token)
	assert.Equal(t, int64(7), tr.Rewards[0].QuoteValue.Int64())
}

func TestProcessorFor(t *testing.T) {
	for _, typ := range []model.EventType{model.EventIncrease, model.EventDecrease, model.EventCollect} {
		_, ok := ProcessorFor(typ)
		assert.True(t, ok, typ)
	}
	_, ok := ProcessorFor("SWAP")
	assert.False(t, ok)
}

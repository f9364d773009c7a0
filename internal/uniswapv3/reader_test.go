package uniswapv3

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"positionLedger/internal/chain"
)

var (
	poolAddress = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	ownerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type callBackend struct {
	t      *testing.T
	burned bool

	mu          sync.Mutex
	slot0Blocks []*big.Int
	callBlocks  map[string][]uint64
}

func (b *callBackend) record(method string, block *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callBlocks == nil {
		b.callBlocks = make(map[string][]uint64)
	}
	var n uint64
	if block != nil {
		n = block.Uint64()
	}
	b.callBlocks[method] = append(b.callBlocks[method], n)
}

func (b *callBackend) LatestBlockNumber(context.Context) (uint64, error)    { return 0, nil }
func (b *callBackend) FinalizedBlockNumber(context.Context) (uint64, error) { return 0, nil }
func (b *callBackend) BlockTimestamp(context.Context, uint64) (uint64, error) {
	return 0, nil
}
func (b *callBackend) FilterLogs(context.Context, uint64, uint64, []common.Address, [][]common.Hash) ([]types.Log, error) {
	return nil, nil
}
func (b *callBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func methodFor(parsed abi.ABI, data []byte) (abi.Method, bool) {
	for _, m := range parsed.Methods {
		if bytes.Equal(m.ID, data[:4]) {
			return m, true
		}
	}
	return abi.Method{}, false
}

func (b *callBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	managerABI, _ := PositionManagerABI()
	pool, _ := PoolABI()

	if *msg.To == manager {
		m, ok := methodFor(managerABI, msg.Data)
		require.True(b.t, ok)
		b.record(m.Name, block)
		if b.burned {
			return nil, errors.New("execution reverted: Invalid token ID")
		}
		switch m.Name {
		case "positions":
			return m.Outputs.Pack(
				big.NewInt(0), common.Address{}, common.HexToAddress("0xa0"), common.HexToAddress("0xb0"),
				big.NewInt(3000), big.NewInt(-600), big.NewInt(600), big.NewInt(777),
				big.NewInt(11), big.NewInt(22), big.NewInt(3), big.NewInt(4),
			)
		case "ownerOf":
			return m.Outputs.Pack(ownerAddr)
		}
	}
	if *msg.To == poolAddress {
		m, ok := methodFor(pool, msg.Data)
		require.True(b.t, ok)
		b.record(m.Name, block)
		switch m.Name {
		case "slot0":
			b.mu.Lock()
			b.slot0Blocks = append(b.slot0Blocks, block)
			b.mu.Unlock()
			return m.Outputs.Pack(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(-5), uint16(0), uint16(1), uint16(1), uint8(0), true)
		case "feeGrowthGlobal0X128":
			return m.Outputs.Pack(big.NewInt(1000))
		case "feeGrowthGlobal1X128":
			return m.Outputs.Pack(big.NewInt(2000))
		case "ticks":
			args, err := m.Inputs.Unpack(msg.Data[4:])
			require.NoError(b.t, err)
			tick := args[0].(*big.Int).Int64()
			return m.Outputs.Pack(big.NewInt(1), big.NewInt(1), big.NewInt(tick+1000), big.NewInt(tick+2000), big.NewInt(0), big.NewInt(0), uint32(0), true)
		}
	}
	return nil, errors.New("unexpected call")
}

func newTestReader(t *testing.T, backend *callBackend) *Reader {
	reg, err := chain.NewRegistry(chain.Chain{ID: 1, Backend: backend, PositionManager: manager, DeploymentBlock: 1, Finality: true})
	require.NoError(t, err)
	return NewReader(reg, WithReaderLogger(zaptest.NewLogger(t)))
}

func TestReaderOnChainPosition(t *testing.T) {
	backend := &callBackend{t: t}
	reader := newTestReader(t, backend)

	pos, err := reader.OnChainPosition(context.Background(), 1, big.NewInt(42), 900)
	require.NoError(t, err)
	assert.Equal(t, []uint64{900}, backend.callBlocks["positions"])
	assert.Equal(t, []uint64{900}, backend.callBlocks["ownerOf"])
	assert.False(t, pos.Burned)
	assert.Equal(t, ownerAddr, pos.Owner)
	assert.Equal(t, int64(777), pos.Liquidity.Int64())
	assert.Equal(t, int64(11), pos.FeeGrowthInside0LastX128.Int64())
	assert.Equal(t, int64(4), pos.TokensOwed1.Int64())

	info, err := reader.Position(context.Background(), 1, big.NewInt(42), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(-600), info.TickLower)
	assert.Equal(t, int32(600), info.TickUpper)
	assert.Equal(t, uint32(3000), info.Fee)
}

func TestReaderBurnedPositionReadsAsZero(t *testing.T) {
	reader := newTestReader(t, &callBackend{t: t, burned: true})

	pos, err := reader.OnChainPosition(context.Background(), 1, big.NewInt(42), 900)
	require.NoError(t, err)
	assert.True(t, pos.Burned)
	assert.Zero(t, pos.Liquidity.Sign())

	_, err = reader.Position(context.Background(), 1, big.NewInt(42), nil)
	assert.ErrorIs(t, err, ErrPositionBurned)
}

func TestReaderDiscoverUsesExactBlock(t *testing.T) {
	backend := &callBackend{t: t}
	reader := newTestReader(t, backend)

	price, err := reader.Discover(context.Background(), 1, poolAddress, 123)
	require.NoError(t, err)
	assert.Equal(t, uint64(123), price.BlockNumber)
	assert.Equal(t, int32(-5), price.Tick)
	require.Len(t, backend.slot0Blocks, 1)
	assert.Equal(t, int64(123), backend.slot0Blocks[0].Int64())

	_, err = reader.Discover(context.Background(), 1, poolAddress, 0)
	assert.Error(t, err)
}

func TestReaderFeeState(t *testing.T) {
	backend := &callBackend{t: t}
	reader := newTestReader(t, backend)

	state, err := reader.FeeState(context.Background(), 1, poolAddress, -600, 600, 900)
	require.NoError(t, err)
	for _, method := range []string{"slot0", "feeGrowthGlobal0X128", "feeGrowthGlobal1X128"} {
		assert.Equal(t, []uint64{900}, backend.callBlocks[method], method)
	}
	assert.Equal(t, []uint64{900, 900}, backend.callBlocks["ticks"])
	assert.Equal(t, uint64(900), state.Price.BlockNumber)
	assert.Equal(t, int64(1000), state.FeeGrowthGlobal0X128.Int64())
	assert.Equal(t, int64(2000), state.FeeGrowthGlobal1X128.Int64())
	assert.Equal(t, int64(400), state.LowerFeeGrowthOutside[0].Int64())
	assert.Equal(t, int64(1400), state.LowerFeeGrowthOutside[1].Int64())
	assert.Equal(t, int64(2600), state.UpperFeeGrowthOutside[1].Int64())
	assert.Equal(t, 0, state.Price.SqrtPriceX96.Cmp(new(big.Int).Lsh(big.NewInt(1), 96)))
}

func TestReaderUnknownChain(t *testing.T) {
	reader := newTestReader(t, &callBackend{t: t})
	_, err := reader.OwnerOf(context.Background(), 99, big.NewInt(1))
	assert.Error(t, err)
}

func TestReaderCombinedReadsRequireBlock(t *testing.T) {
	backend := &callBackend{t: t}
	reader := newTestReader(t, backend)

	_, err := reader.FeeState(context.Background(), 1, poolAddress, -600, 600, 0)
	assert.Error(t, err)
	_, err = reader.OnChainPosition(context.Background(), 1, big.NewInt(42), 0)
	assert.Error(t, err)
	assert.Empty(t, backend.callBlocks)
}

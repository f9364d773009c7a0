package uniswapv3

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionLedger/internal/model"
)

var manager = common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88")

func packEventLog(t *testing.T, name string, nftID int64, block uint64, txIndex, index uint, args ...interface{}) types.Log {
	t.Helper()
	parsed, err := PositionManagerABI()
	require.NoError(t, err)
	event := parsed.Events[name]
	data, err := event.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return types.Log{
		Address:     manager,
		Topics:      []common.Hash{event.ID, TokenIDTopic(big.NewInt(nftID))},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xabc"),
		TxIndex:     txIndex,
		Index:       index,
	}
}

func TestDecodeIncreaseLiquidity(t *testing.T) {
	decoder, err := NewEventDecoder()
	require.NoError(t, err)

	log := packEventLog(t, "IncreaseLiquidity", 42, 100, 3, 7, big.NewInt(5000), big.NewInt(11), big.NewInt(22))
	require.True(t, decoder.CanDecode(log))

	raw, err := decoder.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, model.EventIncrease, raw.Type)
	assert.Equal(t, int64(42), raw.NFTID.Int64())
	assert.Equal(t, "100:3:7", raw.Key.String())
	assert.Equal(t, int64(5000), raw.Liquidity.Int64())
	assert.Equal(t, int64(11), raw.Amount0.Int64())
	assert.Equal(t, int64(22), raw.Amount1.Int64())
	assert.Equal(t, common.HexToHash("0xabc"), raw.TransactionHash)
}

func TestDecodeCollect(t *testing.T) {
	decoder, err := NewEventDecoder()
	require.NoError(t, err)

	recipient := common.HexToAddress("0x3333333333333333333333333333333333333333")
	log := packEventLog(t, "Collect", 42, 101, 0, 1, recipient, big.NewInt(9), big.NewInt(0))

	raw, err := decoder.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, model.EventCollect, raw.Type)
	assert.Equal(t, recipient, raw.Recipient)
	assert.Nil(t, raw.Liquidity)
	assert.Equal(t, int64(9), raw.Amount0.Int64())
}

func TestDecodeRejectsForeignLogs(t *testing.T) {
	decoder, err := NewEventDecoder()
	require.NoError(t, err)

	log := types.Log{Topics: []common.Hash{common.HexToHash("0xdead"), common.Hash{}}}
	assert.False(t, decoder.CanDecode(log))
	_, err = decoder.Decode(log)
	assert.Error(t, err)
}

func TestDecodeReceiptFiltersByManagerAndToken(t *testing.T) {
	decoder, err := NewEventDecoder()
	require.NoError(t, err)

	decrease := packEventLog(t, "DecreaseLiquidity", 42, 200, 1, 5, big.NewInt(10), big.NewInt(1), big.NewInt(2))
	collect := packEventLog(t, "Collect", 42, 200, 1, 6, manager, big.NewInt(1), big.NewInt(2))
	otherToken := packEventLog(t, "Collect", 43, 200, 1, 7, manager, big.NewInt(1), big.NewInt(2))
	otherContract := packEventLog(t, "Collect", 42, 200, 1, 8, manager, big.NewInt(1), big.NewInt(2))
	otherContract.Address = common.HexToAddress("0x1")

	receipt := &types.Receipt{Logs: []*types.Log{&collect, &otherToken, &decrease, &otherContract}}
	events, err := decoder.DecodeReceipt(receipt, manager, big.NewInt(42))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, model.EventDecrease, events[0].Type)
	assert.Equal(t, model.EventCollect, events[1].Type)
}

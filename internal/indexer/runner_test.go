package indexer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"positionLedger/internal/chain"
	"positionLedger/internal/model"
)

var (
	manager    = common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88")
	collectSig = common.HexToHash("0x01")
	otherSig   = common.HexToHash("0x02")
)

type logBackend struct {
	logs     []types.Log
	queries  [][2]uint64
	failures int
}

func (b *logBackend) LatestBlockNumber(context.Context) (uint64, error)    { return 0, nil }
func (b *logBackend) FinalizedBlockNumber(context.Context) (uint64, error) { return 0, nil }

func (b *logBackend) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	return number * 12, nil
}

func (b *logBackend) FilterLogs(_ context.Context, from, to uint64, addresses []common.Address, topics [][]common.Hash) ([]types.Log, error) {
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("rate limited")
	}
	b.queries = append(b.queries, [2]uint64{from, to})
	var out []types.Log
	for _, log := range b.logs {
		if log.BlockNumber < from || log.BlockNumber > to || log.Address != addresses[0] {
			continue
		}
		if log.Topics[1] != topics[1][0] {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (b *logBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func (b *logBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

type topicDecoder struct{}

func (topicDecoder) Topic0() []common.Hash { return []common.Hash{collectSig} }

func (topicDecoder) CanDecode(log types.Log) bool { return log.Topics[0] == collectSig }

func (topicDecoder) Decode(log types.Log) (model.RawEvent, error) {
	return model.RawEvent{
		Type:    model.EventCollect,
		NFTID:   log.Topics[1].Big(),
		Key:     orderingKey(log),
		Amount0: big.NewInt(1),
		Amount1: big.NewInt(1),
	}, nil
}

func nftLog(topic0 common.Hash, nft int64, block uint64, txIndex, index uint) types.Log {
	return types.Log{
		Address:     manager,
		Topics:      []common.Hash{topic0, common.BigToHash(big.NewInt(nft))},
		BlockNumber: block,
		TxIndex:     txIndex,
		Index:       index,
	}
}

func newTestIndexer(t *testing.T, backend *logBackend, batch uint64) *EventIndexer {
	reg, err := chain.NewRegistry(chain.Chain{ID: 1, Backend: backend, PositionManager: manager, DeploymentBlock: 1, Finality: true})
	require.NoError(t, err)
	return NewEventIndexer(RunConfig{BatchSize: batch, MaxRetries: 2}, reg, topicDecoder{}, zaptest.NewLogger(t))
}

func TestFetchPositionEventsSortsAndFilters(t *testing.T) {
	backend := &logBackend{logs: []types.Log{
		nftLog(collectSig, 7, 25, 1, 4),
		nftLog(collectSig, 7, 12, 0, 9),
		nftLog(collectSig, 8, 13, 0, 0),
		nftLog(otherSig, 7, 14, 0, 0),
		nftLog(collectSig, 7, 25, 1, 2),
	}}
	removed := nftLog(collectSig, 7, 15, 0, 0)
	removed.Removed = true
	backend.logs = append(backend.logs, removed)

	events, err := newTestIndexer(t, backend, 10).FetchPositionEvents(context.Background(), 1, big.NewInt(7), 10, 29)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, "12:0:9", events[0].Key.String())
	assert.Equal(t, "25:1:2", events[1].Key.String())
	assert.Equal(t, "25:1:4", events[2].Key.String())
	assert.Equal(t, uint64(1), events[0].ChainID)
	assert.Equal(t, uint64(12*12), events[0].BlockTimestamp)
	assert.Equal(t, [][2]uint64{{10, 19}, {20, 29}}, backend.queries)
}

func TestFetchPositionEventsRetriesThenSucceeds(t *testing.T) {
	backend := &logBackend{failures: 2, logs: []types.Log{nftLog(collectSig, 7, 12, 0, 0)}}

	events, err := newTestIndexer(t, backend, 100).FetchPositionEvents(context.Background(), 1, big.NewInt(7), 10, 20)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFetchPositionEventsFailsWholeFetch(t *testing.T) {
	backend := &logBackend{failures: 10}

	_, err := newTestIndexer(t, backend, 100).FetchPositionEvents(context.Background(), 1, big.NewInt(7), 10, 20)
	assert.Error(t, err)
}

func TestFetchPositionEventsUnknownChain(t *testing.T) {
	_, err := newTestIndexer(t, &logBackend{}, 100).FetchPositionEvents(context.Background(), 5, big.NewInt(7), 10, 20)
	assert.Error(t, err)
}

func TestFetchPositionEventsEmptyRange(t *testing.T) {
	events, err := newTestIndexer(t, &logBackend{}, 100).FetchPositionEvents(context.Background(), 1, big.NewInt(7), 21, 20)
	require.NoError(t, err)
	assert.Empty(t, events)
}

package ledgersync

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"positionLedger/internal/ledger"
	"positionLedger/internal/model"
	"positionLedger/internal/storage/memory"
)

const deployment = 50

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

type fakeChains struct {
	finalized uint64
	noFinal   bool
}

func (c *fakeChains) FinalizedBlock(_ context.Context, chainID uint64) (uint64, error) {
	if c.noFinal {
		return 0, &ledger.ConfigError{ChainID: chainID, Err: ledger.ErrNoFinality}
	}
	return c.finalized, nil
}

func (c *fakeChains) DeploymentBlock(uint64) (uint64, error) { return deployment, nil }

type fakeEvents struct {
	mu     sync.Mutex
	events []model.RawEvent
	ranges [][2]uint64
	err    error
}

func (f *fakeEvents) FetchPositionEvents(_ context.Context, _ uint64, _ *big.Int, from, to uint64) ([]model.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, [2]uint64{from, to})
	if f.err != nil {
		return nil, f.err
	}
	var out []model.RawEvent
	for _, e := range f.events {
		if e.Key.BlockNumber >= from && e.Key.BlockNumber <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakePools struct{}

func (fakePools) PoolMetadata(_ context.Context, chainID uint64, pool common.Address) (model.PoolMetadata, error) {
	return model.PoolMetadata{
		ChainID: chainID,
		Address: pool,
		Token0:  model.TokenMeta{Address: common.HexToAddress("0x0a")},
		Token1:  model.TokenMeta{Address: common.HexToAddress("0x0b")},
	}, nil
}

type fakePrices struct {
	failAt uint64
}

func (f fakePrices) Discover(_ context.Context, _ uint64, _ common.Address, block uint64) (model.PoolPrice, error) {
	if f.failAt != 0 && block == f.failAt {
		return model.PoolPrice{}, errors.New("missing trie node")
	}
	return model.PoolPrice{BlockNumber: block, SqrtPriceX96: new(big.Int).Set(q96)}, nil
}

type fakeAPR struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeAPR) Refresh(_ context.Context, positionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, positionID)
	return f.err
}

func raw(typ model.EventType, block uint64, liquidity, amount0, amount1 int64) model.RawEvent {
	return model.RawEvent{
		Type:            typ,
		ChainID:         1,
		NFTID:           big.NewInt(42),
		Key:             model.OrderingKey{BlockNumber: block, TransactionIndex: 1, LogIndex: 2},
		TransactionHash: common.BigToHash(new(big.Int).SetUint64(block)),
		BlockTimestamp:  1_700_000_000 + block,
		Liquidity:       big.NewInt(liquidity),
		Amount0:         big.NewInt(amount0),
		Amount1:         big.NewInt(amount1),
	}
}

func scenario() []model.RawEvent {
	return []model.RawEvent{
		raw(model.EventIncrease, 100, 100, 500, 500),
		raw(model.EventDecrease, 200, 40, 200, 250),
		raw(model.EventCollect, 300, 0, 207, 258),
	}
}

type harness struct {
	store  *memory.Store
	chains *fakeChains
	events *fakeEvents
	apr    *fakeAPR
	prices *fakePrices
	sync   *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  memory.NewStore(),
		chains: &fakeChains{finalized: 500},
		events: &fakeEvents{events: scenario()},
		apr:    &fakeAPR{},
		prices: &fakePrices{},
	}
	require.NoError(t, h.store.SavePosition(context.Background(), model.Position{
		ID: "pos",
		Config: model.PositionConfig{
			ChainID:     1,
			NFTID:       big.NewInt(42),
			PoolAddress: common.HexToAddress("0xf0"),
			TickLower:   -60,
			TickUpper:   60,
		},
		State:    model.NewPositionState(common.HexToAddress("0x01")),
		IsActive: true,
	}))

	orch, err := New(Config{
		Store:   h.store,
		Chains:  h.chains,
		Events:  h.events,
		Pools:   fakePools{},
		Builder: ledger.NewBuilder(h.prices),
		APR:     h.apr,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	h.sync = orch
	return h
}

func (h *harness) ledger(t *testing.T) []model.LedgerEvent {
	t.Helper()
	events, err := h.store.Events(context.Background(), "pos")
	require.NoError(t, err)
	return events
}

func assertChain(t *testing.T, newestFirst []model.LedgerEvent) {
	t.Helper()
	for i := 0; i < len(newestFirst)-1; i++ {
		assert.True(t, newestFirst[i+1].Key.Less(newestFirst[i].Key))
		assert.Equal(t, newestFirst[i+1].ID, newestFirst[i].PreviousID)
	}
	if len(newestFirst) > 0 {
		assert.Empty(t, newestFirst[len(newestFirst)-1].PreviousID)
	}
}

func TestInitialSyncStartsAtDeployment(t *testing.T) {
	h := newHarness(t)

	result, err := h.sync.SyncLedgerEvents(context.Background(), SyncRequest{PositionID: "pos", ChainID: 1, NFTID: big.NewInt(42)})
	require.NoError(t, err)
	assert.Equal(t, SyncResult{EventsAdded: 3, FromBlock: deployment, FinalizedBlock: 500}, result)
	assert.Equal(t, [][2]uint64{{deployment, 500}}, h.events.ranges)
	assert.Equal(t, []string{"pos"}, h.apr.calls)

	events := h.ledger(t)
	require.Len(t, events, 3)
	assertChain(t, events)
	assert.Equal(t, int64(600), events[0].State.CostBasis.Int64())
	assert.Equal(t, int64(60), events[0].State.Liquidity.Int64())
}

func TestIncrementalSyncRebuildsFromTail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	before := h.ledger(t)

	h.events.events = append(h.events.events, raw(model.EventIncrease, 400, 10, 50, 50))
	result, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	assert.Equal(t, uint64(300), result.FromBlock)
	assert.Equal(t, 1, result.EventsDeleted)
	assert.Equal(t, 2, result.EventsAdded)

	after := h.ledger(t)
	require.Len(t, after, 4)
	assertChain(t, after)
	assert.Equal(t, before, after[1:])
	assert.Equal(t, int64(70), after[0].State.Liquidity.Int64())
}

func TestFullResyncIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos", ForceFullResync: true})
	require.NoError(t, err)
	first := h.ledger(t)

	result, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos", ForceFullResync: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(deployment), result.FromBlock)
	assert.Equal(t, 3, result.EventsDeleted)
	assert.Equal(t, first, h.ledger(t))
}

func TestSyncWithoutFinalityWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.chains.noFinal = true

	_, err := h.sync.SyncLedgerEvents(context.Background(), SyncRequest{PositionID: "pos"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrNoFinality)
	var syncErr *ledger.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "pos", syncErr.PositionID)
	assert.Empty(t, h.ledger(t))
	assert.Empty(t, h.events.ranges)
	assert.Empty(t, h.apr.calls)
}

func TestPriceFailureKeepsPreviousLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	before := h.ledger(t)

	h.prices.failAt = 200
	_, err = h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos", ForceFullResync: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPriceUnavailable)
	var syncErr *ledger.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, uint64(deployment), syncErr.FromBlock)

	assert.Equal(t, before, h.ledger(t))
}

func TestIndexerFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.events.err = errors.New("i/o timeout")

	_, err := h.sync.SyncLedgerEvents(context.Background(), SyncRequest{PositionID: "pos"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "i/o timeout")
	assert.Empty(t, h.ledger(t))
}

func TestSyncMergesMissingEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.events.events = scenario()[:2]

	state, err := h.store.GetSyncState(ctx, "pos")
	require.NoError(t, err)
	reported := raw(model.EventCollect, 600, 0, 207, 258)
	duplicate := scenario()[1]
	duplicate.Amount0 = big.NewInt(1)
	state.AddMissingEvent(reported)
	state.AddMissingEvent(duplicate)
	require.NoError(t, h.store.SaveSyncState(ctx, state))

	result, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.EventsAdded)
	assert.Equal(t, 1, result.MissingMerged)

	events := h.ledger(t)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(600), events[0].Key.BlockNumber)
	assert.Equal(t, int64(200), events[1].Token0Amount.Int64())

	// The tail sits above the finalized block, so the next sync restarts at the finalized block.
	result, err = h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	assert.Equal(t, uint64(500), result.FromBlock)
	assert.Equal(t, 1, result.EventsDeleted)
	assert.Equal(t, 1, result.EventsAdded)
}

func (h *harness) report(t *testing.T, events ...model.RawEvent) {
	t.Helper()
	ctx := context.Background()
	state, err := h.store.GetSyncState(ctx, "pos")
	require.NoError(t, err)
	for _, e := range events {
		state.AddMissingEvent(e)
	}
	require.NoError(t, h.store.SaveSyncState(ctx, state))
}

func blocks(events []model.LedgerEvent) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, e := range events {
		out = append(out, e.Key.BlockNumber)
	}
	return out
}

func TestResumeNeverSkipsUnfetchedBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.events.events = []model.RawEvent{
		raw(model.EventIncrease, 100, 100, 500, 500),
		raw(model.EventIncrease, 550, 50, 250, 250),
	}
	h.report(t, raw(model.EventDecrease, 600, 40, 200, 200))

	_, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{600, 100}, blocks(h.ledger(t)))

	// The reported tail sits above blocks 501-559, which were never fetched.
	h.chains.finalized = 560
	result, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	assert.Equal(t, uint64(500), result.FromBlock)

	h.chains.finalized = 700
	result, err = h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	assert.Equal(t, uint64(560), result.FromBlock)

	assert.Equal(t, [][2]uint64{{deployment, 500}, {500, 560}, {560, 700}}, h.events.ranges)
	events := h.ledger(t)
	assert.Equal(t, []uint64{600, 550, 100}, blocks(events))
	assertChain(t, events)
	assert.Equal(t, int64(110), events[0].State.Liquidity.Int64())

	state, err := h.store.GetSyncState(ctx, "pos")
	require.NoError(t, err)
	assert.Equal(t, uint64(700), state.SyncedBlock)
	require.Len(t, state.MissingEvents, 1)
}

func TestUnrecordedSyncedBlockRestartsAtDeployment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	require.NoError(t, h.store.MarkSynced(ctx, "pos", 0))

	result, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	assert.Equal(t, uint64(deployment), result.FromBlock)
	assert.Equal(t, 3, result.EventsDeleted)
}

func TestReportedEventAheadOfIndexerDoesNotBlockSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.events.events = []model.RawEvent{
		raw(model.EventIncrease, 100, 100, 500, 500),
		raw(model.EventIncrease, 550, 50, 250, 250),
	}
	// Only valid once the unfinalized increase at 550 is in the ledger.
	h.report(t, raw(model.EventDecrease, 600, 120, 600, 600))

	result, err := h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	assert.Zero(t, result.MissingMerged)
	assert.Equal(t, []uint64{100}, blocks(h.ledger(t)))

	h.chains.finalized = 700
	result, err = h.sync.SyncLedgerEvents(ctx, SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.MissingMerged)
	events := h.ledger(t)
	assert.Equal(t, []uint64{600, 550, 100}, blocks(events))
	assert.Equal(t, int64(30), events[0].State.Liquidity.Int64())
}

func TestAPRFailureDoesNotFailSync(t *testing.T) {
	h := newHarness(t)
	h.apr.err = errors.New("redis down")

	result, err := h.sync.SyncLedgerEvents(context.Background(), SyncRequest{PositionID: "pos"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.EventsAdded)
}

func TestSyncRejectsMismatchedRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.sync.SyncLedgerEvents(context.Background(), SyncRequest{PositionID: "pos", ChainID: 10})
	assert.Error(t, err)
	_, err = h.sync.SyncLedgerEvents(context.Background(), SyncRequest{PositionID: "pos", NFTID: big.NewInt(1)})
	assert.Error(t, err)
	_, err = h.sync.SyncLedgerEvents(context.Background(), SyncRequest{PositionID: "nope"})
	assert.ErrorIs(t, err, ledger.ErrPositionNotFound)
}

func TestConcurrentSyncsOfOnePositionSerialize(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(full bool) {
			defer wg.Done()
			_, err := h.sync.SyncLedgerEvents(context.Background(), SyncRequest{PositionID: "pos", ForceFullResync: full})
			errs <- err
		}(i%2 == 0)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events := h.ledger(t)
	require.Len(t, events, 3)
	assertChain(t, events)
	assert.Zero(t, h.sync.locks.Size())
}

func TestMergeEvents(t *testing.T) {
	indexed := []model.RawEvent{raw(model.EventDecrease, 200, 1, 1, 1), raw(model.EventIncrease, 100, 5, 5, 5)}
	override := raw(model.EventDecrease, 200, 9, 9, 9)
	missing := []model.RawEvent{raw(model.EventCollect, 90, 0, 1, 1), override, raw(model.EventCollect, 700, 0, 1, 1)}

	merged, n := MergeEvents(indexed, missing, 100)
	require.Len(t, merged, 3)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{100, 200, 700}, []uint64{merged[0].Key.BlockNumber, merged[1].Key.BlockNumber, merged[2].Key.BlockNumber})
	assert.Equal(t, int64(1), merged[1].Liquidity.Int64())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

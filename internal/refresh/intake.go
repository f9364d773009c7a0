package refresh

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"positionLedger/internal/ledger"
	"positionLedger/internal/ledgersync"
	"positionLedger/internal/model"
	"positionLedger/internal/uniswapv3"
)

var ErrNoPositionEvents = errors.New("transaction has no events for position")

// Import starts tracking an NFT position for its current owner, builds its ledger from the
// deployment block and returns the refreshed row. A zero quoteToken selects token1.
// Importing an already tracked position returns the stored row.
func (s *Service) Import(ctx context.Context, chainID uint64, nftID *big.Int, quoteToken common.Address) (model.Position, error) {
	info, err := s.cfg.Reader.Position(ctx, chainID, nftID, nil)
	if errors.Is(err, uniswapv3.ErrPositionBurned) {
		return model.Position{}, fmt.Errorf("import nft %s on chain %d: %w", nftID, chainID, err)
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("read nft %s on chain %d: %w", nftID, chainID, err)
	}
	token0IsQuote, err := quoteSide(info, quoteToken)
	if err != nil {
		return model.Position{}, err
	}
	owner, err := s.cfg.Reader.OwnerOf(ctx, chainID, nftID)
	if err != nil {
		return model.Position{}, fmt.Errorf("owner of nft %s: %w", nftID, err)
	}

	id := model.PositionID(chainID, nftID, owner)
	existing, err := s.cfg.Store.GetPosition(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ledger.ErrPositionNotFound) {
		return model.Position{}, err
	}

	pool, err := s.cfg.Reader.GetPool(ctx, chainID, info.Token0, info.Token1, info.Fee)
	if err != nil {
		return model.Position{}, fmt.Errorf("resolve pool: %w", err)
	}

	now := s.now().UTC()
	position := model.Position{
		ID: id,
		Config: model.PositionConfig{
			ChainID:       chainID,
			NFTID:         new(big.Int).Set(nftID),
			PoolAddress:   pool,
			TickLower:     info.TickLower,
			TickUpper:     info.TickUpper,
			Token0IsQuote: token0IsQuote,
		},
		State:     model.NewPositionState(owner),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.cfg.Store.SavePosition(ctx, position); err != nil {
		return model.Position{}, err
	}
	s.logger.Info("position tracked",
		zap.String("position_id", id),
		zap.Uint64("chain_id", chainID),
		zap.String("nft_id", nftID.String()),
		zap.String("pool", pool.Hex()),
		zap.Bool("token0_is_quote", token0IsQuote))

	if _, err := s.cfg.Syncer.SyncLedgerEvents(ctx, ledgersync.SyncRequest{
		PositionID:      id,
		ChainID:         chainID,
		NFTID:           nftID,
		ForceFullResync: true,
	}); err != nil {
		return model.Position{}, err
	}
	return s.Refresh(ctx, id)
}

func quoteSide(info uniswapv3.PositionInfo, quote common.Address) (bool, error) {
	switch quote {
	case common.Address{}, info.Token1:
		return false, nil
	case info.Token0:
		return true, nil
	default:
		return false, fmt.Errorf("quote token %s is not in pair %s/%s", quote.Hex(), info.Token0.Hex(), info.Token1.Hex())
	}
}

// ReportTransaction records the position's events in a mined transaction as missing events,
// so the next refresh syncs them before the indexer catches up. It returns how many events the
// transaction carried.
func (s *Service) ReportTransaction(ctx context.Context, positionID string, txHash common.Hash) (int, error) {
	if s.cfg.Decoder == nil {
		return 0, errors.New("refresh: receipt decoder is not configured")
	}
	position, err := s.cfg.Store.GetPosition(ctx, positionID)
	if err != nil {
		return 0, err
	}
	cfg := position.Config

	receipt, err := s.cfg.Chains.TransactionReceipt(ctx, cfg.ChainID, txHash)
	if err != nil {
		return 0, err
	}
	if receipt == nil {
		return 0, fmt.Errorf("transaction %s not found", txHash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, fmt.Errorf("transaction %s reverted", txHash.Hex())
	}
	manager, err := s.cfg.Chains.PositionManager(cfg.ChainID)
	if err != nil {
		return 0, err
	}
	raws, err := s.cfg.Decoder.DecodeReceipt(receipt, manager, cfg.NFTID)
	if err != nil {
		return 0, fmt.Errorf("decode receipt %s: %w", txHash.Hex(), err)
	}
	if len(raws) == 0 {
		return 0, fmt.Errorf("%w: %s in %s", ErrNoPositionEvents, positionID, txHash.Hex())
	}

	state, err := s.cfg.Store.GetSyncState(ctx, positionID)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, raw := range raws {
		raw.ChainID = cfg.ChainID
		if raw.NFTID == nil {
			raw.NFTID = new(big.Int).Set(cfg.NFTID)
		}
		if state.AddMissingEvent(raw) {
			added++
		}
	}
	state.PositionID = positionID
	state.UpdatedAt = s.now().UTC()
	if err := s.cfg.Store.SaveSyncState(ctx, state); err != nil {
		return 0, err
	}
	s.cfg.Metrics.MissingEvent("reported", added)
	s.logger.Info("transaction reported",
		zap.String("position_id", positionID),
		zap.String("tx_hash", txHash.Hex()),
		zap.Int("events", len(raws)),
		zap.Int("new", added))
	return len(raws), nil
}

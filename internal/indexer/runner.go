package indexer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"positionLedger/internal/chain"
	"positionLedger/internal/model"
)

// LogDecoder turns position manager logs into raw events.
type LogDecoder interface {
	Topic0() []common.Hash
	CanDecode(log types.Log) bool
	Decode(log types.Log) (model.RawEvent, error)
}

// RunConfig holds fetch settings.
type RunConfig struct {
	BatchSize    uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

// EventIndexer fetches a single NFT's liquidity events with eth_getLogs.
type EventIndexer struct {
	cfg     RunConfig
	chains  *chain.Registry
	decoder LogDecoder
	logger  *zap.Logger
}

// NewEventIndexer builds an EventIndexer with its dependencies.
func NewEventIndexer(cfg RunConfig, chains *chain.Registry, decoder LogDecoder, logger *zap.Logger) *EventIndexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventIndexer{
		cfg:     cfg,
		chains:  chains,
		decoder: decoder,
		logger:  logger.With(zap.String("component", "event_indexer")),
	}
}

// FetchPositionEvents returns the events of nftID in [fromBlock, toBlock], sorted and
// deduplicated by ordering key. Any failure aborts the whole fetch.
func (x *EventIndexer) FetchPositionEvents(ctx context.Context, chainID uint64, nftID *big.Int, fromBlock, toBlock uint64) ([]model.RawEvent, error) {
	if x.decoder == nil {
		return nil, fmt.Errorf("decoder is nil")
	}
	if nftID == nil {
		return nil, fmt.Errorf("nft id is nil")
	}
	c, err := x.chains.Chain(chainID)
	if err != nil {
		return nil, err
	}
	ranges := LogWindows(fromBlock, toBlock, x.cfg.BatchSize)
	if len(ranges) == 0 {
		return nil, nil
	}

	topics := [][]common.Hash{x.decoder.Topic0(), {common.BigToHash(nftID)}}
	seen := make(map[model.OrderingKey]struct{})
	var events []model.RawEvent

	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		logs, err := x.filterLogsWithRetry(ctx, c, blockRange.From, blockRange.To, topics)
		if err != nil {
			return nil, fmt.Errorf("filter logs %s: %w", blockRange, err)
		}

		for _, log := range logs {
			if log.Removed || !x.decoder.CanDecode(log) {
				continue
			}
			key := orderingKey(log)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			raw, err := x.decoder.Decode(log)
			if err != nil {
				return nil, fmt.Errorf("decode log %s: %w", key, err)
			}
			ts, err := x.blockTimestampWithRetry(ctx, c, log.BlockNumber)
			if err != nil {
				return nil, fmt.Errorf("block timestamp %d: %w", log.BlockNumber, err)
			}
			events = append(events, stampEvent(raw, chainID, ts))
		}

		x.logger.Debug("batch complete",
			zap.Uint64("chain_id", chainID),
			zap.String("nft_id", nftID.String()),
			zap.Uint64("from", blockRange.From),
			zap.Uint64("to", blockRange.To),
			zap.Int("logs", len(logs)),
		)
	}

	model.SortRawEvents(events)
	return events, nil
}

func (x *EventIndexer) filterLogsWithRetry(ctx context.Context, c chain.Chain, fromBlock, toBlock uint64, topics [][]common.Hash) ([]types.Log, error) {
	var logs []types.Log
	err := WithRetry(ctx, x.cfg.MaxRetries, x.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = c.Backend.FilterLogs(ctx, fromBlock, toBlock, []common.Address{c.PositionManager}, topics)
		if err != nil {
			x.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func (x *EventIndexer) blockTimestampWithRetry(ctx context.Context, c chain.Chain, blockNumber uint64) (uint64, error) {
	var ts uint64
	err := WithRetry(ctx, x.cfg.MaxRetries, x.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = c.Backend.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			x.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return ts, err
}

package indexer

import (
	"github.com/ethereum/go-ethereum/core/types"

	"positionLedger/internal/model"
)

func orderingKey(log types.Log) model.OrderingKey {
	return model.OrderingKey{
		BlockNumber:      log.BlockNumber,
		TransactionIndex: uint64(log.TxIndex),
		LogIndex:         uint64(log.Index),
	}
}

func stampEvent(raw model.RawEvent, chainID uint64, timestamp uint64) model.RawEvent {
	raw.ChainID = chainID
	raw.BlockTimestamp = timestamp
	return raw
}

package uniswapv3

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"positionLedger/internal/model"
)

// EventDecoder decodes NonfungiblePositionManager liquidity events into raw ledger events.
type EventDecoder struct {
	managerABI abi.ABI
	topicTypes map[common.Hash]model.EventType
	topicNames map[common.Hash]string
}

// NewEventDecoder builds a decoder for IncreaseLiquidity, DecreaseLiquidity and Collect.
func NewEventDecoder() (*EventDecoder, error) {
	parsed, err := PositionManagerABI()
	if err != nil {
		return nil, err
	}

	d := &EventDecoder{
		managerABI: parsed,
		topicTypes: make(map[common.Hash]model.EventType, 3),
		topicNames: make(map[common.Hash]string, 3),
	}
	for _, name := range []string{"IncreaseLiquidity", "DecreaseLiquidity", "Collect"} {
		eventType, err := model.ParseEventType(name)
		if err != nil {
			return nil, err
		}
		id := parsed.Events[name].ID
		d.topicTypes[id] = eventType
		d.topicNames[id] = name
	}
	return d, nil
}

// Topic0 lists the event signatures this decoder understands.
func (d *EventDecoder) Topic0() []common.Hash {
	out := make([]common.Hash, 0, len(d.topicTypes))
	for _, name := range []string{"IncreaseLiquidity", "DecreaseLiquidity", "Collect"} {
		out = append(out, d.managerABI.Events[name].ID)
	}
	return out
}

// CanDecode checks whether log is a supported position manager event.
func (d *EventDecoder) CanDecode(log types.Log) bool {
	if len(log.Topics) == 0 {
		return false
	}
	_, ok := d.topicTypes[log.Topics[0]]
	return ok
}

// TokenIDTopic encodes an NFT id as the indexed tokenId topic.
func TokenIDTopic(nftID *big.Int) common.Hash {
	return common.BigToHash(nftID)
}

// Decode converts a position manager log into a raw event. The chain id and block timestamp
// are left to the caller.
func (d *EventDecoder) Decode(log types.Log) (model.RawEvent, error) {
	if len(log.Topics) != 2 {
		return model.RawEvent{}, fmt.Errorf("expected 2 topics, got %d", len(log.Topics))
	}
	eventType, ok := d.topicTypes[log.Topics[0]]
	if !ok {
		return model.RawEvent{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}
	name := d.topicNames[log.Topics[0]]

	values, err := d.managerABI.Events[name].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return model.RawEvent{}, fmt.Errorf("unpack %s: %w", name, err)
	}
	if len(values) != 3 {
		return model.RawEvent{}, fmt.Errorf("unexpected %s values: %d", name, len(values))
	}

	raw := model.RawEvent{
		Type:  eventType,
		NFTID: new(big.Int).SetBytes(log.Topics[1].Bytes()),
		Key: model.OrderingKey{
			BlockNumber:      log.BlockNumber,
			TransactionIndex: uint64(log.TxIndex),
			LogIndex:         uint64(log.Index),
		},
		TransactionHash: log.TxHash,
	}

	if eventType == model.EventCollect {
		raw.Recipient, err = asAddress(values[0])
		if err != nil {
			return model.RawEvent{}, fmt.Errorf("recipient: %w", err)
		}
	} else {
		raw.Liquidity, err = asBigInt(values[0])
		if err != nil {
			return model.RawEvent{}, fmt.Errorf("liquidity: %w", err)
		}
	}
	if raw.Amount0, err = asBigInt(values[1]); err != nil {
		return model.RawEvent{}, fmt.Errorf("amount0: %w", err)
	}
	if raw.Amount1, err = asBigInt(values[2]); err != nil {
		return model.RawEvent{}, fmt.Errorf("amount1: %w", err)
	}
	return raw, nil
}

// DecodeReceipt extracts the events of nftID emitted by manager in a receipt.
func (d *EventDecoder) DecodeReceipt(receipt *types.Receipt, manager common.Address, nftID *big.Int) ([]model.RawEvent, error) {
	if receipt == nil {
		return nil, fmt.Errorf("receipt is nil")
	}
	tokenTopic := TokenIDTopic(nftID)
	var out []model.RawEvent
	for _, log := range receipt.Logs {
		if log == nil || log.Address != manager || !d.CanDecode(*log) {
			continue
		}
		if len(log.Topics) < 2 || log.Topics[1] != tokenTopic {
			continue
		}
		raw, err := d.Decode(*log)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	model.SortRawEvents(out)
	return out, nil
}

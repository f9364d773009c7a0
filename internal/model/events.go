package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a position mutation.
type EventType string

const (
	EventIncrease EventType = "INCREASE_POSITION"
	EventDecrease EventType = "DECREASE_POSITION"
	EventCollect  EventType = "COLLECT"
)

// ParseEventType accepts the canonical names plus the contract event names.
func ParseEventType(value string) (EventType, error) {
	switch value {
	case string(EventIncrease), "IncreaseLiquidity":
		return EventIncrease, nil
	case string(EventDecrease), "DecreaseLiquidity":
		return EventDecrease, nil
	case string(EventCollect), "Collect":
		return EventCollect, nil
	default:
		return "", fmt.Errorf("unsupported event type: %s", value)
	}
}

// OrderingKey is the canonical total order of on-chain events.
type OrderingKey struct {
	BlockNumber      uint64 `json:"block_number"`
	TransactionIndex uint64 `json:"transaction_index"`
	LogIndex         uint64 `json:"log_index"`
}

// Compare returns -1, 0 or 1.
func (k OrderingKey) Compare(other OrderingKey) int {
	switch {
	case k.BlockNumber != other.BlockNumber:
		return cmpUint(k.BlockNumber, other.BlockNumber)
	case k.TransactionIndex != other.TransactionIndex:
		return cmpUint(k.TransactionIndex, other.TransactionIndex)
	default:
		return cmpUint(k.LogIndex, other.LogIndex)
	}
}

func (k OrderingKey) Less(other OrderingKey) bool {
	return k.Compare(other) < 0
}

func (k OrderingKey) String() string {
	return fmt.Sprintf("%d:%d:%d", k.BlockNumber, k.TransactionIndex, k.LogIndex)
}

func cmpUint(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// RawEvent is a position manager event as reported by the indexer or a caller.
type RawEvent struct {
	Type            EventType   `json:"type"`
	ChainID         uint64      `json:"chain_id"`
	NFTID           *big.Int    `json:"nft_id"`
	Key             OrderingKey `json:"key"`
	TransactionHash common.Hash `json:"transaction_hash"`
	BlockTimestamp  uint64      `json:"block_timestamp,omitempty"`

	// Liquidity is the delta for increase/decrease events.
	Liquidity *big.Int `json:"liquidity,omitempty"`
	Amount0   *big.Int `json:"amount0"`
	Amount1   *big.Int `json:"amount1"`
	// Recipient is only set for collect events.
	Recipient common.Address `json:"recipient,omitempty"`
}

// LedgerState is the financial snapshot threaded from one ledger event to the next.
type LedgerState struct {
	Liquidity                *big.Int `json:"liquidity_after"`
	CostBasis                *big.Int `json:"cost_basis_after"`
	PnL                      *big.Int `json:"pnl_after"`
	FeeGrowthInside0LastX128 *big.Int `json:"fee_growth_inside0_last_x128"`
	FeeGrowthInside1LastX128 *big.Int `json:"fee_growth_inside1_last_x128"`
	UncollectedPrincipal0    *big.Int `json:"uncollected_principal0_after"`
	UncollectedPrincipal1    *big.Int `json:"uncollected_principal1_after"`
}

// ZeroLedgerState is the state before a position's first event.
func ZeroLedgerState() LedgerState {
	return LedgerState{
		Liquidity:                new(big.Int),
		CostBasis:                new(big.Int),
		PnL:                      new(big.Int),
		FeeGrowthInside0LastX128: new(big.Int),
		FeeGrowthInside1LastX128: new(big.Int),
		UncollectedPrincipal0:    new(big.Int),
		UncollectedPrincipal1:    new(big.Int),
	}
}

func (s LedgerState) Clone() LedgerState {
	return LedgerState{
		Liquidity:                cloneInt(IntOrZero(s.Liquidity)),
		CostBasis:                cloneInt(IntOrZero(s.CostBasis)),
		PnL:                      cloneInt(IntOrZero(s.PnL)),
		FeeGrowthInside0LastX128: cloneInt(IntOrZero(s.FeeGrowthInside0LastX128)),
		FeeGrowthInside1LastX128: cloneInt(IntOrZero(s.FeeGrowthInside1LastX128)),
		UncollectedPrincipal0:    cloneInt(IntOrZero(s.UncollectedPrincipal0)),
		UncollectedPrincipal1:    cloneInt(IntOrZero(s.UncollectedPrincipal1)),
	}
}

// Reward is fee income realized by a collect, per token plus its quote value.
type Reward struct {
	Token      common.Address `json:"token"`
	Amount     *big.Int       `json:"amount"`
	QuoteValue *big.Int       `json:"quote_value"`
}

// EventPayload is the per-variant part of a ledger event.
type EventPayload interface {
	EventType() EventType
	isPayload()
}

// IncreasePayload records a liquidity deposit.
type IncreasePayload struct {
	Liquidity *big.Int `json:"liquidity"`
	Amount0   *big.Int `json:"amount0"`
	Amount1   *big.Int `json:"amount1"`
}

// DecreasePayload records a liquidity withdrawal into the collectible balance.
type DecreasePayload struct {
	Liquidity *big.Int `json:"liquidity"`
	Amount0   *big.Int `json:"amount0"`
	Amount1   *big.Int `json:"amount1"`
}

// CollectPayload records a withdrawal split into fee and principal portions.
type CollectPayload struct {
	Recipient  common.Address `json:"recipient"`
	Amount0    *big.Int       `json:"amount0"`
	Amount1    *big.Int       `json:"amount1"`
	Fee0       *big.Int       `json:"fee0"`
	Fee1       *big.Int       `json:"fee1"`
	Principal0 *big.Int       `json:"principal0"`
	Principal1 *big.Int       `json:"principal1"`
}

func (IncreasePayload) EventType() EventType { return EventIncrease }
func (DecreasePayload) EventType() EventType { return EventDecrease }
func (CollectPayload) EventType() EventType  { return EventCollect }

func (IncreasePayload) isPayload() {}
func (DecreasePayload) isPayload() {}
func (CollectPayload) isPayload()  {}

// LedgerEvent is one immutable entry of a position's ledger.
type LedgerEvent struct {
	ID              string      `json:"id"`
	PreviousID      string      `json:"previous_id,omitempty"`
	PositionID      string      `json:"position_id"`
	ChainID         uint64      `json:"chain_id"`
	NFTID           *big.Int    `json:"nft_id"`
	Key             OrderingKey `json:"key"`
	TransactionHash common.Hash `json:"transaction_hash"`
	Timestamp       time.Time   `json:"timestamp"`

	PoolPrice      *big.Int    `json:"pool_price"`
	Token0Amount   *big.Int    `json:"token0_amount"`
	Token1Amount   *big.Int    `json:"token1_amount"`
	TokenValue     *big.Int    `json:"token_value"`
	DeltaCostBasis *big.Int    `json:"delta_cost_basis"`
	DeltaPnL       *big.Int    `json:"delta_pnl"`
	State          LedgerState `json:"state"`
	Rewards        []Reward    `json:"rewards,omitempty"`

	Payload EventPayload `json:"payload"`
}

// Type returns the variant tag.
func (e LedgerEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// RewardValue sums the quote value of realized rewards.
func (e LedgerEvent) RewardValue() *big.Int {
	total := new(big.Int)
	for _, r := range e.Rewards {
		total.Add(total, IntOrZero(r.QuoteValue))
	}
	return total
}

// DecodePayload restores a payload from its JSON form using the stored variant tag.
func DecodePayload(eventType EventType, data []byte) (EventPayload, error) {
	switch eventType {
	case EventIncrease:
		var p IncreasePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode increase payload: %w", err)
		}
		return p, nil
	case EventDecrease:
		var p DecreasePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode decrease payload: %w", err)
		}
		return p, nil
	case EventCollect:
		var p CollectPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode collect payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

// Clone deep-copies an event so stores never share big.Int pointers with callers.
func (e LedgerEvent) Clone() LedgerEvent {
	out := e
	out.NFTID = cloneInt(e.NFTID)
	out.PoolPrice = cloneInt(e.PoolPrice)
	out.Token0Amount = cloneInt(e.Token0Amount)
	out.Token1Amount = cloneInt(e.Token1Amount)
	out.TokenValue = cloneInt(e.TokenValue)
	out.DeltaCostBasis = cloneInt(e.DeltaCostBasis)
	out.DeltaPnL = cloneInt(e.DeltaPnL)
	out.State = e.State.Clone()
	if e.Rewards != nil {
		out.Rewards = make([]Reward, len(e.Rewards))
		for i, r := range e.Rewards {
			out.Rewards[i] = Reward{Token: r.Token, Amount: cloneInt(r.Amount), QuoteValue: cloneInt(r.QuoteValue)}
		}
	}
	return out
}

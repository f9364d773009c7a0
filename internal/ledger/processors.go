// Package ledger turns raw position manager events into the append-only financial ledger.
package ledger

import (
	"math/big"

	"positionLedger/internal/feemath"
	"positionLedger/internal/model"
)

// Market is the pool context an event is priced in.
type Market struct {
	Pool          model.PoolMetadata
	Token0IsQuote bool
	// Price is quote smallest units per one whole base token at the event block.
	Price *big.Int
}

func (m Market) pricing() feemath.Pricing {
	return feemath.Pricing{
		Decimals0:     m.Pool.Token0.Decimals,
		Decimals1:     m.Pool.Token1.Decimals,
		Token0IsQuote: m.Token0IsQuote,
	}
}

func (m Market) value(amount0, amount1 *big.Int) *big.Int {
	return feemath.ValueInQuote(amount0, amount1, m.Price, m.pricing())
}

// Transition is the outcome of applying one raw event to the previous ledger state.
type Transition struct {
	State          model.LedgerState
	DeltaCostBasis *big.Int
	DeltaPnL       *big.Int
	TokenValue     *big.Int
	Rewards        []model.Reward
	Payload        model.EventPayload
}

// Processor is one state-transition function.
type Processor func(prev model.LedgerState, raw model.RawEvent, market Market) (Transition, error)

// ProcessorFor dispatches on the event type.
func ProcessorFor(eventType model.EventType) (Processor, bool) {
	switch eventType {
	case model.EventIncrease:
		return ProcessIncrease, true
	case model.EventDecrease:
		return ProcessDecrease, true
	case model.EventCollect:
		return ProcessCollect, true
	default:
		return nil, false
	}
}

// ProcessIncrease adds the deposit's quote value to cost basis. Nothing is realized.
func ProcessIncrease(prev model.LedgerState, raw model.RawEvent, market Market) (Transition, error) {
	liquidity, amount0, amount1, err := eventAmounts(raw)
	if err != nil {
		return Transition{}, err
	}

	value := market.value(amount0, amount1)
	next := prev.Clone()
	next.Liquidity.Add(next.Liquidity, liquidity)
	next.CostBasis.Add(next.CostBasis, value)

	return Transition{
		State:          next,
		DeltaCostBasis: new(big.Int).Set(value),
		DeltaPnL:       new(big.Int),
		TokenValue:     value,
		Payload: model.IncreasePayload{
			Liquidity: liquidity,
			Amount0:   amount0,
			Amount1:   amount1,
		},
	}, nil
}

// ProcessDecrease releases a proportional slice of cost basis and realizes PnL against the
// withdrawn value. Withdrawn tokens stay in the collectible balance as uncollected principal.
func ProcessDecrease(prev model.LedgerState, raw model.RawEvent, market Market) (Transition, error) {
	liquidity, amount0, amount1, err := eventAmounts(raw)
	if err != nil {
		return Transition{}, err
	}

	before := model.IntOrZero(prev.Liquidity)
	if liquidity.Cmp(before) > 0 {
		return Transition{}, invariantf(raw.Key, "decrease of %s exceeds liquidity %s", liquidity, before)
	}

	released := new(big.Int)
	if liquidity.Sign() > 0 {
		released.Mul(model.IntOrZero(prev.CostBasis), liquidity)
		released.Quo(released, before)
	}

	value := market.value(amount0, amount1)
	deltaPnL := new(big.Int).Sub(value, released)

	next := prev.Clone()
	next.Liquidity.Sub(next.Liquidity, liquidity)
	next.CostBasis.Sub(next.CostBasis, released)
	next.PnL.Add(next.PnL, deltaPnL)
	next.UncollectedPrincipal0.Add(next.UncollectedPrincipal0, amount0)
	next.UncollectedPrincipal1.Add(next.UncollectedPrincipal1, amount1)

	return Transition{
		State:          next,
		DeltaCostBasis: new(big.Int).Neg(released),
		DeltaPnL:       deltaPnL,
		TokenValue:     value,
		Payload: model.DecreasePayload{
			Liquidity: liquidity,
			Amount0:   amount0,
			Amount1:   amount1,
		},
	}, nil
}

// ProcessCollect splits collected amounts into principal (bounded by what is outstanding)
// and fees. Fees become rewards; cost basis and liquidity are untouched.
func ProcessCollect(prev model.LedgerState, raw model.RawEvent, market Market) (Transition, error) {
	amount0, err := nonNegative(raw.Key, "amount0", raw.Amount0)
	if err != nil {
		return Transition{}, err
	}
	amount1, err := nonNegative(raw.Key, "amount1", raw.Amount1)
	if err != nil {
		return Transition{}, err
	}

	fee0, principal0 := splitCollected(amount0, model.IntOrZero(prev.UncollectedPrincipal0))
	fee1, principal1 := splitCollected(amount1, model.IntOrZero(prev.UncollectedPrincipal1))

	next := prev.Clone()
	next.UncollectedPrincipal0.Sub(next.UncollectedPrincipal0, principal0)
	next.UncollectedPrincipal1.Sub(next.UncollectedPrincipal1, principal1)

	var rewards []model.Reward
	if fee0.Sign() > 0 {
		rewards = append(rewards, model.Reward{
			Token:      market.Pool.Token0.Address,
			Amount:     fee0,
			QuoteValue: market.value(fee0, nil),
		})
	}
	if fee1.Sign() > 0 {
		rewards = append(rewards, model.Reward{
			Token:      market.Pool.Token1.Address,
			Amount:     fee1,
			QuoteValue: market.value(nil, fee1),
		})
	}

	return Transition{
		State:          next,
		DeltaCostBasis: new(big.Int),
		DeltaPnL:       new(big.Int),
		TokenValue:     market.value(amount0, amount1),
		Rewards:        rewards,
		Payload: model.CollectPayload{
			Recipient:  raw.Recipient,
			Amount0:    amount0,
			Amount1:    amount1,
			Fee0:       fee0,
			Fee1:       fee1,
			Principal0: principal0,
			Principal1: principal1,
		},
	}, nil
}

// splitCollected returns (fee, principal) with fee = max(amount-outstanding, 0).
func splitCollected(amount, outstanding *big.Int) (*big.Int, *big.Int) {
	fee := new(big.Int).Sub(amount, outstanding)
	if fee.Sign() < 0 {
		fee.SetInt64(0)
	}
	principal := new(big.Int).Sub(amount, fee)
	return fee, principal
}

func eventAmounts(raw model.RawEvent) (*big.Int, *big.Int, *big.Int, error) {
	liquidity, err := nonNegative(raw.Key, "liquidity", raw.Liquidity)
	if err != nil {
		return nil, nil, nil, err
	}
	amount0, err := nonNegative(raw.Key, "amount0", raw.Amount0)
	if err != nil {
		return nil, nil, nil, err
	}
	amount1, err := nonNegative(raw.Key, "amount1", raw.Amount1)
	if err != nil {
		return nil, nil, nil, err
	}
	return liquidity, amount0, amount1, nil
}

func nonNegative(key model.OrderingKey, field string, v *big.Int) (*big.Int, error) {
	if v == nil {
		return new(big.Int), nil
	}
	if v.Sign() < 0 {
		return nil, invariantf(key, "negative %s %s", field, v)
	}
	return new(big.Int).Set(v), nil
}

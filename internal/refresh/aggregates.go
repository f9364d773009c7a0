package refresh

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"positionLedger/internal/feemath"
	"positionLedger/internal/ledger"
	"positionLedger/internal/model"
)

// Recompute derives the position row from its ledger (newest first) and a chain snapshot.
// Liquidity, cost basis and PnL come from the ledger tail; tokens owed and fee growth
// checkpoints mirror the on-chain read.
func Recompute(position model.Position, events []model.LedgerEvent, snap Snapshot, now time.Time) (model.Position, error) {
	p := position.Clone()
	cfg := p.Config

	var tail *model.LedgerEvent
	tailState := model.ZeroLedgerState()
	if len(events) > 0 {
		tail = &events[0]
		tailState = tail.State.Clone()
	}

	onchain := snap.OnChain
	if !onchain.Burned && onchain.Owner != (common.Address{}) {
		p.State.OwnerAddress = onchain.Owner
	}
	p.State.Liquidity = tailState.Liquidity
	p.State.TokensOwed0 = new(big.Int).Set(model.IntOrZero(onchain.TokensOwed0))
	p.State.TokensOwed1 = new(big.Int).Set(model.IntOrZero(onchain.TokensOwed1))
	p.State.FeeGrowthInside0LastX128 = new(big.Int).Set(model.IntOrZero(onchain.FeeGrowthInside0LastX128))
	p.State.FeeGrowthInside1LastX128 = new(big.Int).Set(model.IntOrZero(onchain.FeeGrowthInside1LastX128))

	pricing := feemath.Pricing{
		Decimals0:     snap.Pool.Token0.Decimals,
		Decimals1:     snap.Pool.Token1.Decimals,
		Token0IsQuote: cfg.Token0IsQuote,
	}
	sqrtPrice := snap.Fees.Price.SqrtPriceX96
	price, err := feemath.PriceInQuote(sqrtPrice, pricing)
	if err != nil {
		return model.Position{}, fmt.Errorf("%w: current price: %w", ledger.ErrPriceUnavailable, err)
	}

	value, err := feemath.PositionValue(sqrtPrice, cfg.TickLower, cfg.TickUpper, p.State.Liquidity, price, pricing)
	if err != nil {
		return model.Position{}, fmt.Errorf("position value: %w", err)
	}
	lower, upper, err := feemath.PriceRange(cfg.TickLower, cfg.TickUpper, pricing)
	if err != nil {
		return model.Position{}, fmt.Errorf("price range: %w", err)
	}
	fees := feemath.ComputeUnclaimedFees(feemath.PositionFeeInput{
		TickCurrent:           snap.Fees.Price.Tick,
		TickLower:             cfg.TickLower,
		TickUpper:             cfg.TickUpper,
		Liquidity:             p.State.Liquidity,
		FeeGrowthGlobal0X128:  snap.Fees.FeeGrowthGlobal0X128,
		FeeGrowthGlobal1X128:  snap.Fees.FeeGrowthGlobal1X128,
		Lower:                 snap.Fees.LowerFeeGrowthOutside,
		Upper:                 snap.Fees.UpperFeeGrowthOutside,
		Checkpoint0X128:       p.State.FeeGrowthInside0LastX128,
		Checkpoint1X128:       p.State.FeeGrowthInside1LastX128,
		TokensOwed0:           p.State.TokensOwed0,
		TokensOwed1:           p.State.TokensOwed1,
		UncollectedPrincipal0: tailState.UncollectedPrincipal0,
		UncollectedPrincipal1: tailState.UncollectedPrincipal1,
	}, price, pricing)

	collected := new(big.Int)
	for _, e := range events {
		collected.Add(collected, e.RewardValue())
	}

	p.State.UnclaimedFees0 = fees.Fees0
	p.State.UnclaimedFees1 = fees.Fees1
	p.CurrentValue = value
	p.CostBasis = tailState.CostBasis
	p.RealizedPnL = tailState.PnL
	p.UnrealizedPnL = new(big.Int).Sub(value, tailState.CostBasis)
	p.CollectedFees = collected
	p.UnclaimedFees = fees.ValueInQuote
	p.PriceRangeLower = lower
	p.PriceRangeUpper = upper

	if len(events) > 0 {
		opened := events[len(events)-1].Timestamp
		p.PositionOpenedAt = &opened
	}
	ApplyClosure(&p, tail)
	p.UpdatedAt = now
	return p, nil
}

// IsClosed reports whether a ledger tail describes a fully withdrawn position.
func IsClosed(tail *model.LedgerEvent) bool {
	if tail == nil || tail.Type() != model.EventCollect {
		return false
	}
	s := tail.State
	return model.IntOrZero(s.Liquidity).Sign() == 0 &&
		model.IntOrZero(s.UncollectedPrincipal0).Sign() == 0 &&
		model.IntOrZero(s.UncollectedPrincipal1).Sign() == 0
}

// ApplyClosure closes the position on a closing tail and reopens it only when the tail
// carries liquidity. Any other tail leaves the flag as it was.
func ApplyClosure(p *model.Position, tail *model.LedgerEvent) {
	switch {
	case tail == nil:
	case IsClosed(tail):
		closed := tail.Timestamp
		p.IsActive = false
		p.PositionClosedAt = &closed
	case model.IntOrZero(tail.State.Liquidity).Sign() > 0:
		p.IsActive = true
		p.PositionClosedAt = nil
	}
}

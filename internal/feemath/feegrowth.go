// Package feemath reproduces the concentrated-liquidity fee and price arithmetic of the
// pool contracts. All fee-growth values are X128 accumulators that wrap modulo 2^256.
package feemath

import (
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// Q96 is the sqrt price radix.
	Q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	// Q128 is the fee growth radix.
	Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

	maxUint128 = new(uint256.Int).Sub(Q128, uint256.NewInt(1))
)

// TickFeeGrowth is the fee growth recorded outside a tick boundary.
type TickFeeGrowth struct {
	FeeGrowthOutside0X128 *uint256.Int
	FeeGrowthOutside1X128 *uint256.Int
}

// FeeGrowthInside returns the per-liquidity fee growth accrued inside [tickLower, tickUpper)
// for both tokens. Subtractions wrap exactly as the contract's unchecked uint256 math does.
func FeeGrowthInside(
	tickCurrent, tickLower, tickUpper int32,
	feeGrowthGlobal0X128, feeGrowthGlobal1X128 *uint256.Int,
	lower, upper TickFeeGrowth,
) (*uint256.Int, *uint256.Int) {
	inside0 := feeGrowthInside(tickCurrent, tickLower, tickUpper,
		feeGrowthGlobal0X128, lower.FeeGrowthOutside0X128, upper.FeeGrowthOutside0X128)
	inside1 := feeGrowthInside(tickCurrent, tickLower, tickUpper,
		feeGrowthGlobal1X128, lower.FeeGrowthOutside1X128, upper.FeeGrowthOutside1X128)
	return inside0, inside1
}

func feeGrowthInside(tickCurrent, tickLower, tickUpper int32, global, lowerOutside, upperOutside *uint256.Int) *uint256.Int {
	global = orZero(global)
	lowerOutside = orZero(lowerOutside)
	upperOutside = orZero(upperOutside)

	below := new(uint256.Int)
	if tickCurrent >= tickLower {
		below.Set(lowerOutside)
	} else {
		below.Sub(global, lowerOutside)
	}

	above := new(uint256.Int)
	if tickCurrent < tickUpper {
		above.Set(upperOutside)
	} else {
		above.Sub(global, upperOutside)
	}

	inside := new(uint256.Int).Sub(global, below)
	return inside.Sub(inside, above)
}

// UnclaimedFeesInput carries one token's worth of position fee data.
type UnclaimedFeesInput struct {
	Liquidity            *uint256.Int
	FeeGrowthInsideX128  *uint256.Int
	CheckpointX128       *uint256.Int
	TokensOwed           *uint256.Int
	UncollectedPrincipal *uint256.Int
}

// UnclaimedFeeAmount sums fees accrued since the checkpoint with the checkpointed tokensOwed,
// minus any principal parked in tokensOwed by a decrease. The accrued amount and the sum are
// truncated to uint128 the way the position manager stores tokensOwed.
func UnclaimedFeeAmount(in UnclaimedFeesInput) *uint256.Int {
	delta := new(uint256.Int).Sub(orZero(in.FeeGrowthInsideX128), orZero(in.CheckpointX128))
	incremental, _ := new(uint256.Int).MulDivOverflow(orZero(in.Liquidity), delta, Q128)
	incremental.And(incremental, maxUint128)

	owed := new(uint256.Int)
	tokensOwed := orZero(in.TokensOwed)
	principal := orZero(in.UncollectedPrincipal)
	if tokensOwed.Gt(principal) {
		owed.Sub(tokensOwed, principal)
	}

	total := new(uint256.Int).Add(incremental, owed)
	return total.And(total, maxUint128)
}

// UnclaimedFees is the result of a full unclaimed-fee computation.
type UnclaimedFees struct {
	Fees0        *big.Int
	Fees1        *big.Int
	ValueInQuote *big.Int
}

// PositionFeeInput describes a position against the current pool fee state.
type PositionFeeInput struct {
	TickCurrent           int32
	TickLower             int32
	TickUpper             int32
	Liquidity             *big.Int
	FeeGrowthGlobal0X128  *big.Int
	FeeGrowthGlobal1X128  *big.Int
	Lower                 [2]*big.Int
	Upper                 [2]*big.Int
	Checkpoint0X128       *big.Int
	Checkpoint1X128       *big.Int
	TokensOwed0           *big.Int
	TokensOwed1           *big.Int
	UncollectedPrincipal0 *big.Int
	UncollectedPrincipal1 *big.Int
}

// ComputeUnclaimedFees runs fee growth inside and the three-part unclaimed fee sum for both
// tokens, then values the result at price (quote units per whole base token).
func ComputeUnclaimedFees(in PositionFeeInput, price *big.Int, pricing Pricing) UnclaimedFees {
	inside0, inside1 := FeeGrowthInside(
		in.TickCurrent, in.TickLower, in.TickUpper,
		FromBig(in.FeeGrowthGlobal0X128), FromBig(in.FeeGrowthGlobal1X128),
		TickFeeGrowth{FeeGrowthOutside0X128: FromBig(in.Lower[0]), FeeGrowthOutside1X128: FromBig(in.Lower[1])},
		TickFeeGrowth{FeeGrowthOutside0X128: FromBig(in.Upper[0]), FeeGrowthOutside1X128: FromBig(in.Upper[1])},
	)

	liquidity := FromBig(in.Liquidity)
	fees0 := UnclaimedFeeAmount(UnclaimedFeesInput{
		Liquidity:            liquidity,
		FeeGrowthInsideX128:  inside0,
		CheckpointX128:       FromBig(in.Checkpoint0X128),
		TokensOwed:           FromBig(in.TokensOwed0),
		UncollectedPrincipal: FromBig(in.UncollectedPrincipal0),
	}).ToBig()
	fees1 := UnclaimedFeeAmount(UnclaimedFeesInput{
		Liquidity:            liquidity,
		FeeGrowthInsideX128:  inside1,
		CheckpointX128:       FromBig(in.Checkpoint1X128),
		TokensOwed:           FromBig(in.TokensOwed1),
		UncollectedPrincipal: FromBig(in.UncollectedPrincipal1),
	}).ToBig()

	return UnclaimedFees{
		Fees0:        fees0,
		Fees1:        fees1,
		ValueInQuote: ValueInQuote(fees0, fees1, price, pricing),
	}
}

// FromBig converts a non-negative big.Int into a uint256, reducing modulo 2^256.
func FromBig(v *big.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	out, _ := uint256.FromBig(v)
	return out
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

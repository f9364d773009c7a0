package feemath

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	maxUint256     = new(uint256.Int).SetAllOne()
	oneShiftLeft32 = new(uint256.Int).Lsh(uint256.NewInt(1), 32)
	uint160Max     = uint256.MustFromHex("0xffffffffffffffffffffffffffffffffffffffff")

	// ratioOddTick and ratioEvenTick seed the ratio depending on bit 0 of |tick|;
	// ratioFactors[i] applies when bit i+1 is set.
	ratioOddTick  = uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001")
	ratioEvenTick = uint256.MustFromHex("0x100000000000000000000000000000000")
	ratioFactors  = [19]*uint256.Int{
		uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
		uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
		uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
		uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
		uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
		uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
		uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
		uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
		uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
		uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
		uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
		uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
	}
)

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96, rounded up like the TickMath library.
func SqrtRatioAtTick(tick int32) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("tick %d out of range", tick)
	}
	absTick := uint64(tick)
	if tick < 0 {
		absTick = uint64(-int64(tick))
	}

	ratio := new(uint256.Int)
	if absTick&1 != 0 {
		ratio.Set(ratioOddTick)
	} else {
		ratio.Set(ratioEvenTick)
	}
	for i, factor := range ratioFactors {
		if absTick&(uint64(1)<<(i+1)) != 0 {
			ratio.Mul(ratio, factor)
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	remainder := new(uint256.Int).Mod(ratio, oneShiftLeft32)
	ratio.Rsh(ratio, 32)
	if !remainder.IsZero() {
		ratio.AddUint64(ratio, 1)
	}
	return ratio.And(ratio, uint160Max), nil
}

// AmountsForLiquidity returns the token amounts held by liquidity between two sqrt prices
// at the given current sqrt price, rounding down.
func AmountsForLiquidity(sqrtPriceX96, sqrtRatioAX96, sqrtRatioBX96, liquidity *big.Int) (*big.Int, *big.Int) {
	a, b := sqrtRatioAX96, sqrtRatioBX96
	if a.Cmp(b) > 0 {
		a, b = b, a
	}

	amount0 := new(big.Int)
	amount1 := new(big.Int)
	if liquidity == nil || liquidity.Sign() == 0 || a.Sign() == 0 {
		return amount0, amount1
	}

	switch {
	case sqrtPriceX96.Cmp(a) <= 0:
		amount0 = amount0Delta(a, b, liquidity)
	case sqrtPriceX96.Cmp(b) < 0:
		amount0 = amount0Delta(sqrtPriceX96, b, liquidity)
		amount1 = amount1Delta(a, sqrtPriceX96, liquidity)
	default:
		amount1 = amount1Delta(a, b, liquidity)
	}
	return amount0, amount1
}

func amount0Delta(a, b, liquidity *big.Int) *big.Int {
	numerator1 := new(big.Int).Lsh(liquidity, 96)
	numerator2 := new(big.Int).Sub(b, a)
	out := new(big.Int).Mul(numerator1, numerator2)
	out.Quo(out, b)
	return out.Quo(out, a)
}

func amount1Delta(a, b, liquidity *big.Int) *big.Int {
	out := new(big.Int).Sub(b, a)
	out.Mul(out, liquidity)
	return out.Rsh(out, 96)
}

// PositionAmounts values a range position at the current sqrt price in raw token units.
func PositionAmounts(sqrtPriceX96 *big.Int, tickLower, tickUpper int32, liquidity *big.Int) (*big.Int, *big.Int, error) {
	sqrtA, err := SqrtRatioAtTick(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtB, err := SqrtRatioAtTick(tickUpper)
	if err != nil {
		return nil, nil, err
	}
	amount0, amount1 := AmountsForLiquidity(sqrtPriceX96, sqrtA.ToBig(), sqrtB.ToBig(), liquidity)
	return amount0, amount1, nil
}

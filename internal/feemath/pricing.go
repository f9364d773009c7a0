package feemath

import (
	"errors"
	"math/big"
)

// ErrZeroPrice is returned when a sqrt price of zero cannot be inverted.
var ErrZeroPrice = errors.New("zero sqrt price")

var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

// Pricing describes how raw pool amounts map onto quote units.
type Pricing struct {
	Decimals0     uint8
	Decimals1     uint8
	Token0IsQuote bool
}

func (p Pricing) baseDecimals() uint8 {
	if p.Token0IsQuote {
		return p.Decimals1
	}
	return p.Decimals0
}

// PriceInQuote converts sqrtPriceX96 into quote smallest units per one whole base token.
func PriceInQuote(sqrtPriceX96 *big.Int, p Pricing) (*big.Int, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	priceX192 := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	if p.Token0IsQuote {
		// base is token1: raw token0 per raw token1 is 2^192 / sqrtP^2
		out := new(big.Int).Mul(q192, pow10(p.Decimals1))
		return out.Quo(out, priceX192), nil
	}
	out := priceX192.Mul(priceX192, pow10(p.Decimals0))
	return out.Rsh(out, 192), nil
}

// TickToPriceInQuote prices a tick boundary in quote units.
func TickToPriceInQuote(tick int32, p Pricing) (*big.Int, error) {
	sqrtRatio, err := SqrtRatioAtTick(tick)
	if err != nil {
		return nil, err
	}
	return PriceInQuote(sqrtRatio.ToBig(), p)
}

// PriceRange returns the quote-denominated bounds of a tick range, lower bound first.
func PriceRange(tickLower, tickUpper int32, p Pricing) (*big.Int, *big.Int, error) {
	lower, err := TickToPriceInQuote(tickLower, p)
	if err != nil {
		return nil, nil, err
	}
	upper, err := TickToPriceInQuote(tickUpper, p)
	if err != nil {
		return nil, nil, err
	}
	if lower.Cmp(upper) > 0 {
		lower, upper = upper, lower
	}
	return lower, upper, nil
}

// ValueInQuote values raw token amounts at price (quote units per whole base token).
func ValueInQuote(amount0, amount1, price *big.Int, p Pricing) *big.Int {
	base, quote := amount0, amount1
	if p.Token0IsQuote {
		base, quote = amount1, amount0
	}
	value := new(big.Int)
	if base != nil && base.Sign() != 0 && price != nil {
		value.Mul(base, price)
		value.Quo(value, pow10(p.baseDecimals()))
	}
	if quote != nil {
		value.Add(value, quote)
	}
	return value
}

// PositionValue values liquidity in [tickLower, tickUpper) at the current pool price.
func PositionValue(sqrtPriceX96 *big.Int, tickLower, tickUpper int32, liquidity, price *big.Int, p Pricing) (*big.Int, error) {
	amount0, amount1, err := PositionAmounts(sqrtPriceX96, tickLower, tickUpper, liquidity)
	if err != nil {
		return nil, err
	}
	return ValueInQuote(amount0, amount1, price, p), nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

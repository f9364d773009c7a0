package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolMetadata is the immutable pool description consumed by pricing and valuation.
type PoolMetadata struct {
	ChainID     uint64         `json:"chain_id"`
	Address     common.Address `json:"address"`
	Token0      TokenMeta      `json:"token0"`
	Token1      TokenMeta      `json:"token1"`
	Fee         uint32         `json:"fee"`
	TickSpacing int32          `json:"tick_spacing"`
}

// QuoteToken returns the token the position is denominated in.
func (p PoolMetadata) QuoteToken(token0IsQuote bool) TokenMeta {
	if token0IsQuote {
		return p.Token0
	}
	return p.Token1
}

// BaseToken returns the token priced in quote terms.
func (p PoolMetadata) BaseToken(token0IsQuote bool) TokenMeta {
	if token0IsQuote {
		return p.Token1
	}
	return p.Token0
}

// PoolPrice is slot0 at a given block.
type PoolPrice struct {
	BlockNumber  uint64   `json:"block_number"`
	SqrtPriceX96 *big.Int `json:"sqrt_price_x96"`
	Tick         int32    `json:"tick"`
}

// PoolFeeState is everything needed to compute fee growth inside a range at the current block.
type PoolFeeState struct {
	Price                 PoolPrice
	FeeGrowthGlobal0X128  *big.Int
	FeeGrowthGlobal1X128  *big.Int
	LowerFeeGrowthOutside [2]*big.Int
	UpperFeeGrowthOutside [2]*big.Int
}

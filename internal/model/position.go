package model

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionConfig is written once when a position is tracked.
type PositionConfig struct {
	ChainID       uint64         `json:"chain_id"`
	NFTID         *big.Int       `json:"nft_id"`
	PoolAddress   common.Address `json:"pool_address"`
	TickLower     int32          `json:"tick_lower"`
	TickUpper     int32          `json:"tick_upper"`
	Token0IsQuote bool           `json:"token0_is_quote"`
}

// PositionState mirrors the mutable on-chain position struct.
type PositionState struct {
	OwnerAddress             common.Address `json:"owner_address"`
	Liquidity                *big.Int       `json:"liquidity"`
	FeeGrowthInside0LastX128 *big.Int       `json:"fee_growth_inside0_last_x128"`
	FeeGrowthInside1LastX128 *big.Int       `json:"fee_growth_inside1_last_x128"`
	TokensOwed0              *big.Int       `json:"tokens_owed0"`
	TokensOwed1              *big.Int       `json:"tokens_owed1"`
	UnclaimedFees0           *big.Int       `json:"unclaimed_fees0"`
	UnclaimedFees1           *big.Int       `json:"unclaimed_fees1"`
}

// Position is one tracked (owner, chain, nft) position with ledger-derived aggregates.
type Position struct {
	ID     string         `json:"id"`
	Config PositionConfig `json:"config"`
	State  PositionState  `json:"state"`

	CurrentValue    *big.Int `json:"current_value"`
	CostBasis       *big.Int `json:"cost_basis"`
	RealizedPnL     *big.Int `json:"realized_pnl"`
	UnrealizedPnL   *big.Int `json:"unrealized_pnl"`
	CollectedFees   *big.Int `json:"collected_fees"`
	UnclaimedFees   *big.Int `json:"unclaimed_fees"`
	PriceRangeLower *big.Int `json:"price_range_lower"`
	PriceRangeUpper *big.Int `json:"price_range_upper"`

	IsActive         bool       `json:"is_active"`
	PositionOpenedAt *time.Time `json:"position_opened_at,omitempty"`
	PositionClosedAt *time.Time `json:"position_closed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPositionState returns a state with every counter set to zero.
func NewPositionState(owner common.Address) PositionState {
	return PositionState{
		OwnerAddress:             owner,
		Liquidity:                new(big.Int),
		FeeGrowthInside0LastX128: new(big.Int),
		FeeGrowthInside1LastX128: new(big.Int),
		TokensOwed0:              new(big.Int),
		TokensOwed1:              new(big.Int),
		UnclaimedFees0:           new(big.Int),
		UnclaimedFees1:           new(big.Int),
	}
}

// Clone returns a deep copy so callers can recompute aggregates without touching the cached row.
func (p Position) Clone() Position {
	out := p
	out.Config.NFTID = cloneInt(p.Config.NFTID)
	out.State = p.State.Clone()
	out.CurrentValue = cloneInt(p.CurrentValue)
	out.CostBasis = cloneInt(p.CostBasis)
	out.RealizedPnL = cloneInt(p.RealizedPnL)
	out.UnrealizedPnL = cloneInt(p.UnrealizedPnL)
	out.CollectedFees = cloneInt(p.CollectedFees)
	out.UnclaimedFees = cloneInt(p.UnclaimedFees)
	out.PriceRangeLower = cloneInt(p.PriceRangeLower)
	out.PriceRangeUpper = cloneInt(p.PriceRangeUpper)
	if p.PositionOpenedAt != nil {
		t := *p.PositionOpenedAt
		out.PositionOpenedAt = &t
	}
	if p.PositionClosedAt != nil {
		t := *p.PositionClosedAt
		out.PositionClosedAt = &t
	}
	return out
}

func (s PositionState) Clone() PositionState {
	return PositionState{
		OwnerAddress:             s.OwnerAddress,
		Liquidity:                cloneInt(s.Liquidity),
		FeeGrowthInside0LastX128: cloneInt(s.FeeGrowthInside0LastX128),
		FeeGrowthInside1LastX128: cloneInt(s.FeeGrowthInside1LastX128),
		TokensOwed0:              cloneInt(s.TokensOwed0),
		TokensOwed1:              cloneInt(s.TokensOwed1),
		UnclaimedFees0:           cloneInt(s.UnclaimedFees0),
		UnclaimedFees1:           cloneInt(s.UnclaimedFees1),
	}
}

// OnChainPosition is the subset of positions(tokenId) the refresh path compares against.
type OnChainPosition struct {
	Owner                    common.Address
	Liquidity                *big.Int
	FeeGrowthInside0LastX128 *big.Int
	FeeGrowthInside1LastX128 *big.Int
	TokensOwed0              *big.Int
	TokensOwed1              *big.Int
	Burned                   bool
}

// ZeroOnChainPosition describes a burned NFT.
func ZeroOnChainPosition() OnChainPosition {
	return OnChainPosition{
		Liquidity:                new(big.Int),
		FeeGrowthInside0LastX128: new(big.Int),
		FeeGrowthInside1LastX128: new(big.Int),
		TokensOwed0:              new(big.Int),
		TokensOwed1:              new(big.Int),
		Burned:                   true,
	}
}

// DiffersFrom reports whether any compared field of the on-chain read differs from the stored state.
func (o OnChainPosition) DiffersFrom(s PositionState) bool {
	return !EqualInt(o.Liquidity, s.Liquidity) ||
		!EqualInt(o.TokensOwed0, s.TokensOwed0) ||
		!EqualInt(o.TokensOwed1, s.TokensOwed1) ||
		!EqualInt(o.FeeGrowthInside0LastX128, s.FeeGrowthInside0LastX128) ||
		!EqualInt(o.FeeGrowthInside1LastX128, s.FeeGrowthInside1LastX128)
}

// PositionID is the stable id of an (owner, chain, nft) position.
func PositionID(chainID uint64, nftID *big.Int, owner common.Address) string {
	return fmt.Sprintf("%d:%s:%s", chainID, IntString(nftID), strings.ToLower(owner.Hex()))
}

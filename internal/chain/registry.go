package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"positionLedger/internal/ledger"
)

// Backend is the RPC surface the ledger needs from a chain.
type Backend interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FinalizedBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topics [][]common.Hash) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Chain is the static description of one supported chain.
type Chain struct {
	ID              uint64
	Backend         Backend
	PositionManager common.Address
	Factory         common.Address
	DeploymentBlock uint64
	// Finality is false for chains without a finalized block tag.
	Finality bool
}

// Registry is the explicit per-chain context passed to everything that talks to a chain.
type Registry struct {
	chains map[uint64]Chain
}

// NewRegistry validates and indexes chains by id.
func NewRegistry(chains ...Chain) (*Registry, error) {
	r := &Registry{chains: make(map[uint64]Chain, len(chains))}
	for _, c := range chains {
		if _, exists := r.chains[c.ID]; exists {
			return nil, &ledger.ConfigError{ChainID: c.ID, Err: errors.New("duplicate chain")}
		}
		if c.Backend == nil {
			return nil, &ledger.ConfigError{ChainID: c.ID, Err: errors.New("missing rpc backend")}
		}
		if c.PositionManager == (common.Address{}) {
			return nil, &ledger.ConfigError{ChainID: c.ID, Err: errors.New("missing position manager address")}
		}
		if c.DeploymentBlock == 0 {
			return nil, &ledger.ConfigError{ChainID: c.ID, Err: errors.New("missing deployment block")}
		}
		r.chains[c.ID] = c
	}
	return r, nil
}

// Chain returns the configuration of chainID.
func (r *Registry) Chain(chainID uint64) (Chain, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return Chain{}, &ledger.ConfigError{ChainID: chainID, Err: ledger.ErrUnsupportedChain}
	}
	return c, nil
}

// ChainIDs lists the configured chains.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}

// DeploymentBlock returns the position manager deployment block for chainID.
func (r *Registry) DeploymentBlock(chainID uint64) (uint64, error) {
	c, err := r.Chain(chainID)
	if err != nil {
		return 0, err
	}
	return c.DeploymentBlock, nil
}

// FinalizedBlock returns the last finalized block. Chains without finality fail with
// ErrNoFinality instead of falling back to the head.
func (r *Registry) FinalizedBlock(ctx context.Context, chainID uint64) (uint64, error) {
	c, err := r.Chain(chainID)
	if err != nil {
		return 0, err
	}
	if !c.Finality {
		return 0, &ledger.ConfigError{ChainID: chainID, Err: ledger.ErrNoFinality}
	}
	block, err := c.Backend.FinalizedBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain %d: %w", chainID, err)
	}
	return block, nil
}

// LatestBlock returns the head block number. Reads that are combined with each other are
// pinned to one head so they describe the same chain state.
func (r *Registry) LatestBlock(ctx context.Context, chainID uint64) (uint64, error) {
	c, err := r.Chain(chainID)
	if err != nil {
		return 0, err
	}
	block, err := c.Backend.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain %d: %w", chainID, err)
	}
	return block, nil
}

// BlockTime resolves a block timestamp on chainID.
func (r *Registry) BlockTime(ctx context.Context, chainID uint64, blockNumber uint64) (time.Time, error) {
	c, err := r.Chain(chainID)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := c.Backend.BlockTimestamp(ctx, blockNumber)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(ts), 0).UTC(), nil
}

// PositionManager returns the NonfungiblePositionManager address on chainID.
func (r *Registry) PositionManager(chainID uint64) (common.Address, error) {
	c, err := r.Chain(chainID)
	if err != nil {
		return common.Address{}, err
	}
	return c.PositionManager, nil
}

// TransactionReceipt fetches a mined transaction's receipt on chainID.
func (r *Registry) TransactionReceipt(ctx context.Context, chainID uint64, txHash common.Hash) (*types.Receipt, error) {
	c, err := r.Chain(chainID)
	if err != nil {
		return nil, err
	}
	receipt, err := c.Backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

// Close releases every backend that owns a connection.
func (r *Registry) Close() {
	for _, c := range r.chains {
		if closer, ok := c.Backend.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

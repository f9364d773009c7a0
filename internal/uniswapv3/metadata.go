package uniswapv3

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"positionLedger/internal/model"
)

type chainAddress struct {
	chainID uint64
	address common.Address
}

// MetaCache caches immutable per-chain contract metadata.
type MetaCache[V any] struct {
	data *xsync.Map[chainAddress, V]
}

func NewMetaCache[V any]() *MetaCache[V] {
	return &MetaCache[V]{data: xsync.NewMap[chainAddress, V]()}
}

func (c *MetaCache[V]) Get(chainID uint64, address common.Address) (V, bool) {
	return c.data.Load(chainAddress{chainID: chainID, address: address})
}

func (c *MetaCache[V]) Set(chainID uint64, address common.Address, value V) {
	c.data.Store(chainAddress{chainID: chainID, address: address}, value)
}

// FetchPoolMetadata loads token0/token1/fee/tickSpacing of a pool and the ERC20 metadata of
// both tokens.
func FetchPoolMetadata(ctx context.Context, caller Caller, chainID uint64, pool common.Address, tokens *MetaCache[model.TokenMeta], logger *zap.Logger) (model.PoolMetadata, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed, err := PoolABI()
	if err != nil {
		return model.PoolMetadata{}, fmt.Errorf("parse pool abi: %w", err)
	}

	addresses := make([]common.Address, 0, 2)
	for _, method := range []string{"token0", "token1"} {
		values, err := callMethod(ctx, caller, pool, parsed, method, nil)
		if err != nil {
			return model.PoolMetadata{}, err
		}
		addr, err := asAddress(values[0])
		if err != nil {
			return model.PoolMetadata{}, fmt.Errorf("%s: %w", method, err)
		}
		addresses = append(addresses, addr)
	}

	values, err := callMethod(ctx, caller, pool, parsed, "fee", nil)
	if err != nil {
		return model.PoolMetadata{}, err
	}
	fee, err := asBigInt(values[0])
	if err != nil {
		return model.PoolMetadata{}, fmt.Errorf("fee: %w", err)
	}

	values, err = callMethod(ctx, caller, pool, parsed, "tickSpacing", nil)
	if err != nil {
		return model.PoolMetadata{}, err
	}
	tickSpacing, err := asInt24(values[0])
	if err != nil {
		return model.PoolMetadata{}, fmt.Errorf("tick spacing: %w", err)
	}

	meta := model.PoolMetadata{
		ChainID:     chainID,
		Address:     pool,
		Fee:         uint32(fee.Uint64()),
		TickSpacing: tickSpacing,
	}
	token0, err := cachedTokenMeta(ctx, caller, chainID, addresses[0], tokens, logger)
	if err != nil {
		return model.PoolMetadata{}, err
	}
	token1, err := cachedTokenMeta(ctx, caller, chainID, addresses[1], tokens, logger)
	if err != nil {
		return model.PoolMetadata{}, err
	}
	meta.Token0 = token0
	meta.Token1 = token1
	return meta, nil
}

func cachedTokenMeta(ctx context.Context, caller Caller, chainID uint64, token common.Address, tokens *MetaCache[model.TokenMeta], logger *zap.Logger) (model.TokenMeta, error) {
	if tokens != nil {
		if meta, ok := tokens.Get(chainID, token); ok {
			return meta, nil
		}
	}
	meta, err := FetchTokenMeta(ctx, caller, token, logger)
	if err != nil {
		// a token without decimals cannot be valued
		return model.TokenMeta{}, fmt.Errorf("token %s metadata: %w", token.Hex(), err)
	}
	if tokens != nil {
		tokens.Set(chainID, token, meta)
	}
	return meta, nil
}

// FetchTokenMeta loads token metadata via ERC20 calls. Symbol and name fall back to bytes32
// encodings and are optional.
func FetchTokenMeta(ctx context.Context, caller Caller, token common.Address, logger *zap.Logger) (model.TokenMeta, error) {
	meta := model.TokenMeta{Address: token}
	stringABI, err := erc20StringABI.get()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20Bytes32ABI.get()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	call := func(method string, parsed abi.ABI) ([]interface{}, error) {
		return callMethod(ctx, caller, token, parsed, method, nil)
	}

	values, err := call("decimals", stringABI)
	if err != nil {
		return meta, err
	}
	decimals, err := asUint8(values[0])
	if err != nil {
		return meta, err
	}
	meta.Decimals = decimals

	if values, err := call("symbol", stringABI); err == nil {
		if symbol, ok := values[0].(string); ok {
			meta.Symbol = symbol
		}
	} else if values, err := call("symbol", bytes32ABI); err == nil {
		if symbol, ok := bytes32ToString(values[0]); ok {
			meta.Symbol = symbol
		}
	} else {
		logger.Debug("symbol call failed", zap.String("token", token.Hex()), zap.Error(err))
	}

	if values, err := call("name", stringABI); err == nil {
		if name, ok := values[0].(string); ok {
			meta.Name = name
		}
	} else if values, err := call("name", bytes32ABI); err == nil {
		if name, ok := bytes32ToString(values[0]); ok {
			meta.Name = name
		}
	} else {
		logger.Debug("name call failed", zap.String("token", token.Hex()), zap.Error(err))
	}

	return meta, nil
}

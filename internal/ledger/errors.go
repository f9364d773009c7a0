package ledger

import (
	"errors"
	"fmt"

	"positionLedger/internal/model"
)

var (
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrNoFinality       = errors.New("chain has no finality configured")
	ErrPositionNotFound = errors.New("position not found")
	ErrPriceUnavailable = errors.New("historic pool price unavailable")
)

// ConfigError is a fatal misconfiguration for a chain. It is never retried.
type ConfigError struct {
	ChainID uint64
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("chain %d config: %v", e.ChainID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// InvariantError reports a corrupt or out-of-order upstream event. It halts the position's sync.
type InvariantError struct {
	PositionID string
	Key        model.OrderingKey
	Details    string
}

func (e *InvariantError) Error() string {
	if e.PositionID == "" {
		return fmt.Sprintf("ledger invariant violated at %s: %s", e.Key, e.Details)
	}
	return fmt.Sprintf("ledger invariant violated for position %s at %s: %s", e.PositionID, e.Key, e.Details)
}

func invariantf(key model.OrderingKey, format string, args ...any) error {
	return &InvariantError{Key: key, Details: fmt.Sprintf(format, args...)}
}

// SyncError wraps any failure of a sync attempt with the range it was working on.
type SyncError struct {
	PositionID string
	FromBlock  uint64
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync position %s from block %d: %v", e.PositionID, e.FromBlock, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsInvariant reports whether err carries an InvariantError.
func IsInvariant(err error) bool {
	var target *InvariantError
	return errors.As(err, &target)
}

package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"positionLedger/internal/model"
)

// LedgerRecord is the flattened, human-readable export form of one ledger event.
// Amounts are scaled by token decimals; quote-denominated values by the quote token.
type LedgerRecord struct {
	ID              string    `json:"id"`
	PreviousID      string    `json:"previous_id,omitempty"`
	PositionID      string    `json:"position_id"`
	ChainID         uint64    `json:"chain_id"`
	NFTID           string    `json:"nft_id"`
	EventType       string    `json:"event_type"`
	BlockNumber     uint64    `json:"block_number"`
	TransactionIdx  uint64    `json:"transaction_index"`
	LogIndex        uint64    `json:"log_index"`
	TransactionHash string    `json:"transaction_hash"`
	Timestamp       time.Time `json:"timestamp"`

	QuoteSymbol    string          `json:"quote_symbol,omitempty"`
	PoolPrice      decimal.Decimal `json:"pool_price"`
	Token0Amount   decimal.Decimal `json:"token0_amount"`
	Token1Amount   decimal.Decimal `json:"token1_amount"`
	TokenValue     decimal.Decimal `json:"token_value"`
	DeltaCostBasis decimal.Decimal `json:"delta_cost_basis"`
	DeltaPnL       decimal.Decimal `json:"delta_pnl"`
	CostBasisAfter decimal.Decimal `json:"cost_basis_after"`
	PnLAfter       decimal.Decimal `json:"pnl_after"`
	RewardValue    decimal.Decimal `json:"reward_value"`
	LiquidityAfter string          `json:"liquidity_after"`
}

// Scale renders a raw token amount as a decimal with the token's precision.
func Scale(amount *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(model.IntOrZero(amount), -int32(decimals))
}

// NewLedgerRecord converts an event using pool token metadata.
func NewLedgerRecord(event model.LedgerEvent, pool model.PoolMetadata, token0IsQuote bool) LedgerRecord {
	quote := pool.QuoteToken(token0IsQuote)
	return LedgerRecord{
		ID:              event.ID,
		PreviousID:      event.PreviousID,
		PositionID:      event.PositionID,
		ChainID:         event.ChainID,
		NFTID:           model.IntString(event.NFTID),
		EventType:       string(event.Type()),
		BlockNumber:     event.Key.BlockNumber,
		TransactionIdx:  event.Key.TransactionIndex,
		LogIndex:        event.Key.LogIndex,
		TransactionHash: event.TransactionHash.Hex(),
		Timestamp:       event.Timestamp,
		QuoteSymbol:     quote.Symbol,
		PoolPrice:       Scale(event.PoolPrice, quote.Decimals),
		Token0Amount:    Scale(event.Token0Amount, pool.Token0.Decimals),
		Token1Amount:    Scale(event.Token1Amount, pool.Token1.Decimals),
		TokenValue:      Scale(event.TokenValue, quote.Decimals),
		DeltaCostBasis:  Scale(event.DeltaCostBasis, quote.Decimals),
		DeltaPnL:        Scale(event.DeltaPnL, quote.Decimals),
		CostBasisAfter:  Scale(event.State.CostBasis, quote.Decimals),
		PnLAfter:        Scale(event.State.PnL, quote.Decimals),
		RewardValue:     Scale(event.RewardValue(), quote.Decimals),
		LiquidityAfter:  model.IntString(event.State.Liquidity),
	}
}

// JsonlStorage writes ledger records to a JSONL file.
type JsonlStorage struct {
	path string
	mu   sync.Mutex
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path}
}

// WriteLedger replaces the file with the given events in chronological order.
// Events may be passed newest first as returned by LedgerStore.Events.
func (s *JsonlStorage) WriteLedger(events []model.LedgerEvent, pool model.PoolMetadata, token0IsQuote bool) (int, error) {
	ordered := make([]model.LedgerEvent, len(events))
	copy(ordered, events)
	if len(ordered) > 1 && ordered[len(ordered)-1].Key.Less(ordered[0].Key) {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	records := make([]LedgerRecord, 0, len(ordered))
	for _, event := range ordered {
		records = append(records, NewLedgerRecord(event, pool, token0IsQuote))
	}
	return len(records), s.write(records, os.O_TRUNC)
}

// AppendRecords appends records as JSON lines.
func (s *JsonlStorage) AppendRecords(records []LedgerRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.write(records, os.O_APPEND)
}

func (s *JsonlStorage) write(records []LedgerRecord, mode int) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal ledger record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write ledger record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	return nil
}

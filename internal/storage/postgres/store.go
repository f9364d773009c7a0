package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"positionLedger/internal/ledger"
	"positionLedger/internal/model"
	"positionLedger/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store provides Postgres persistence for positions, ledger events and sync states.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger.With(zap.String("component", "postgres"))}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// transaction runs fn in a transaction that is rolled back when fn fails.
func (s *Store) transaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const positionColumns = `
	id, chain_id, nft_id, pool_address, tick_lower, tick_upper, token0_is_quote,
	owner_address, state, current_value, cost_basis, realized_pnl, unrealized_pnl,
	collected_fees, unclaimed_fees, price_range_lower, price_range_upper,
	is_active, position_opened_at, position_closed_at, created_at, updated_at`

// GetPosition loads one position.
func (s *Store) GetPosition(ctx context.Context, positionID string) (model.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, positionID)
	position, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, fmt.Errorf("%w: %s", ledger.ErrPositionNotFound, positionID)
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("load position %s: %w", positionID, err)
	}
	return position, nil
}

func scanPosition(row scanner) (model.Position, error) {
	var (
		p       model.Position
		chainID int64
		pool    string
		owner   string
		state   []byte
		nums    numericFields
	)
	if err := row.Scan(
		&p.ID,
		&chainID,
		nums.add(&p.Config.NFTID),
		&pool,
		&p.Config.TickLower,
		&p.Config.TickUpper,
		&p.Config.Token0IsQuote,
		&owner,
		&state,
		nums.add(&p.CurrentValue),
		nums.add(&p.CostBasis),
		nums.add(&p.RealizedPnL),
		nums.add(&p.UnrealizedPnL),
		nums.add(&p.CollectedFees),
		nums.add(&p.UnclaimedFees),
		nums.add(&p.PriceRangeLower),
		nums.add(&p.PriceRangeUpper),
		&p.IsActive,
		&p.PositionOpenedAt,
		&p.PositionClosedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return model.Position{}, err
	}
	if err := nums.decode(); err != nil {
		return model.Position{}, err
	}
	if err := json.Unmarshal(state, &p.State); err != nil {
		return model.Position{}, fmt.Errorf("decode position state: %w", err)
	}
	p.Config.ChainID = uint64(chainID)
	p.Config.PoolAddress = common.HexToAddress(pool)
	p.State.OwnerAddress = common.HexToAddress(owner)
	return p, nil
}

// ListPositionIDs returns position ids in id order.
func (s *Store) ListPositionIDs(ctx context.Context, activeOnly bool) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM positions WHERE ($1 = FALSE OR is_active) ORDER BY id`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return ids, nil
}

// SavePosition upserts a position. Config columns and created_at are only written on insert.
func (s *Store) SavePosition(ctx context.Context, p model.Position) error {
	if p.ID == "" {
		return fmt.Errorf("position id is required")
	}
	state, err := json.Marshal(p.State)
	if err != nil {
		return fmt.Errorf("marshal position state: %w", err)
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id)
		DO UPDATE SET
			owner_address = EXCLUDED.owner_address,
			state = EXCLUDED.state,
			current_value = EXCLUDED.current_value,
			cost_basis = EXCLUDED.cost_basis,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			collected_fees = EXCLUDED.collected_fees,
			unclaimed_fees = EXCLUDED.unclaimed_fees,
			price_range_lower = EXCLUDED.price_range_lower,
			price_range_upper = EXCLUDED.price_range_upper,
			is_active = EXCLUDED.is_active,
			position_opened_at = EXCLUDED.position_opened_at,
			position_closed_at = EXCLUDED.position_closed_at,
			updated_at = EXCLUDED.updated_at
	`,
		p.ID,
		int64(p.Config.ChainID),
		toNumeric(p.Config.NFTID),
		p.Config.PoolAddress.Hex(),
		p.Config.TickLower,
		p.Config.TickUpper,
		p.Config.Token0IsQuote,
		p.State.OwnerAddress.Hex(),
		state,
		toNumeric(p.CurrentValue),
		toNumeric(p.CostBasis),
		toNumeric(p.RealizedPnL),
		toNumeric(p.UnrealizedPnL),
		toNumeric(p.CollectedFees),
		toNumeric(p.UnclaimedFees),
		toNumeric(p.PriceRangeLower),
		toNumeric(p.PriceRangeUpper),
		p.IsActive,
		p.PositionOpenedAt,
		p.PositionClosedAt,
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

const eventColumns = `
	id, previous_id, position_id, chain_id, nft_id, event_type,
	block_number, transaction_index, log_index, transaction_hash, block_timestamp,
	pool_price, token0_amount, token1_amount, token_value, delta_cost_basis, delta_pnl,
	liquidity_after, cost_basis_after, pnl_after,
	fee_growth_inside0_last_x128, fee_growth_inside1_last_x128,
	uncollected_principal0_after, uncollected_principal1_after,
	rewards, payload`

const newestFirst = `ORDER BY block_number DESC, transaction_index DESC, log_index DESC`

// LastEvent returns the newest event of a position, or nil.
func (s *Store) LastEvent(ctx context.Context, positionID string) (*model.LedgerEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE position_id = $1 `+newestFirst+` LIMIT 1`,
		positionID,
	)
	return s.optionalEvent(row, positionID)
}

// LastEventBefore returns the newest event strictly below block, or nil.
func (s *Store) LastEventBefore(ctx context.Context, positionID string, block uint64) (*model.LedgerEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE position_id = $1 AND block_number < $2 `+newestFirst+` LIMIT 1`,
		positionID, int64(block),
	)
	return s.optionalEvent(row, positionID)
}

func (s *Store) optionalEvent(row pgx.Row, positionID string) (*model.LedgerEvent, error) {
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger tail of %s: %w", positionID, err)
	}
	return &event, nil
}

// Events returns the full ledger of a position, newest first.
func (s *Store) Events(ctx context.Context, positionID string) ([]model.LedgerEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE position_id = $1 `+newestFirst,
		positionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load ledger of %s: %w", positionID, err)
	}
	defer rows.Close()

	var events []model.LedgerEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("load ledger of %s: %w", positionID, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load ledger of %s: %w", positionID, err)
	}
	return events, nil
}

func scanEvent(row scanner) (model.LedgerEvent, error) {
	var (
		e          model.LedgerEvent
		previousID *string
		chainID    int64
		eventType  string
		block      int64
		txIndex    int64
		logIndex   int64
		txHash     string
		rewards    []byte
		payload    []byte
		nums       numericFields
	)
	if err := row.Scan(
		&e.ID,
		&previousID,
		&e.PositionID,
		&chainID,
		nums.add(&e.NFTID),
		&eventType,
		&block,
		&txIndex,
		&logIndex,
		&txHash,
		&e.Timestamp,
		nums.add(&e.PoolPrice),
		nums.add(&e.Token0Amount),
		nums.add(&e.Token1Amount),
		nums.add(&e.TokenValue),
		nums.add(&e.DeltaCostBasis),
		nums.add(&e.DeltaPnL),
		nums.add(&e.State.Liquidity),
		nums.add(&e.State.CostBasis),
		nums.add(&e.State.PnL),
		nums.add(&e.State.FeeGrowthInside0LastX128),
		nums.add(&e.State.FeeGrowthInside1LastX128),
		nums.add(&e.State.UncollectedPrincipal0),
		nums.add(&e.State.UncollectedPrincipal1),
		&rewards,
		&payload,
	); err != nil {
		return model.LedgerEvent{}, err
	}
	if err := nums.decode(); err != nil {
		return model.LedgerEvent{}, err
	}
	if previousID != nil {
		e.PreviousID = *previousID
	}
	e.ChainID = uint64(chainID)
	e.Key = model.OrderingKey{BlockNumber: uint64(block), TransactionIndex: uint64(txIndex), LogIndex: uint64(logIndex)}
	e.TransactionHash = common.HexToHash(txHash)
	e.Timestamp = e.Timestamp.UTC()

	if len(rewards) > 0 {
		if err := json.Unmarshal(rewards, &e.Rewards); err != nil {
			return model.LedgerEvent{}, fmt.Errorf("decode rewards of %s: %w", e.ID, err)
		}
	}
	typ, err := model.ParseEventType(eventType)
	if err != nil {
		return model.LedgerEvent{}, err
	}
	if e.Payload, err = model.DecodePayload(typ, payload); err != nil {
		return model.LedgerEvent{}, fmt.Errorf("event %s: %w", e.ID, err)
	}
	return e, nil
}

const insertEvent = `INSERT INTO ledger_events (` + eventColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`

func eventArgs(e model.LedgerEvent) ([]any, error) {
	rewards := e.Rewards
	if rewards == nil {
		rewards = []model.Reward{}
	}
	rewardsJSON, err := json.Marshal(rewards)
	if err != nil {
		return nil, fmt.Errorf("marshal rewards of %s: %w", e.ID, err)
	}
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload of %s: %w", e.ID, err)
	}
	var previousID *string
	if e.PreviousID != "" {
		previousID = &e.PreviousID
	}
	return []any{
		e.ID,
		previousID,
		e.PositionID,
		int64(e.ChainID),
		toNumeric(e.NFTID),
		string(e.Type()),
		int64(e.Key.BlockNumber),
		int64(e.Key.TransactionIndex),
		int64(e.Key.LogIndex),
		e.TransactionHash.Hex(),
		e.Timestamp,
		toNumeric(model.IntOrZero(e.PoolPrice)),
		toNumeric(model.IntOrZero(e.Token0Amount)),
		toNumeric(model.IntOrZero(e.Token1Amount)),
		toNumeric(model.IntOrZero(e.TokenValue)),
		toNumeric(model.IntOrZero(e.DeltaCostBasis)),
		toNumeric(model.IntOrZero(e.DeltaPnL)),
		toNumeric(model.IntOrZero(e.State.Liquidity)),
		toNumeric(model.IntOrZero(e.State.CostBasis)),
		toNumeric(model.IntOrZero(e.State.PnL)),
		toNumeric(model.IntOrZero(e.State.FeeGrowthInside0LastX128)),
		toNumeric(model.IntOrZero(e.State.FeeGrowthInside1LastX128)),
		toNumeric(model.IntOrZero(e.State.UncollectedPrincipal0)),
		toNumeric(model.IntOrZero(e.State.UncollectedPrincipal1)),
		rewardsJSON,
		payloadJSON,
	}, nil
}

// ReplaceEventsFrom deletes events at or above fromBlock and inserts events in one
// transaction. A transaction-scoped advisory lock serializes rebuilds of the same
// position across processes.
func (s *Store) ReplaceEventsFrom(ctx context.Context, positionID string, fromBlock uint64, events []model.LedgerEvent) (int, error) {
	batch := &pgx.Batch{}
	for _, e := range events {
		if e.PositionID != positionID {
			return 0, fmt.Errorf("event %s belongs to position %s, not %s", e.ID, e.PositionID, positionID)
		}
		args, err := eventArgs(e)
		if err != nil {
			return 0, err
		}
		batch.Queue(insertEvent, args...)
	}

	var deleted int
	err := s.transaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, positionID); err != nil {
			return fmt.Errorf("lock position %s: %w", positionID, err)
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM ledger_events WHERE position_id = $1 AND block_number >= $2`,
			positionID, int64(fromBlock),
		)
		if err != nil {
			return fmt.Errorf("delete ledger events of %s from %d: %w", positionID, fromBlock, err)
		}
		deleted = int(tag.RowsAffected())
		if batch.Len() == 0 {
			return nil
		}

		br := tx.SendBatch(ctx, batch)
		for _, e := range events {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert ledger event %s at %s: %w", e.ID, e.Key, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// GetSyncState returns the stored missing events, or an empty state.
func (s *Store) GetSyncState(ctx context.Context, positionID string) (model.SyncState, error) {
	state := model.SyncState{PositionID: positionID}
	var (
		raw    []byte
		synced int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT missing_events, synced_block, updated_at FROM position_sync_states WHERE position_id = $1`,
		positionID,
	).Scan(&raw, &synced, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return model.SyncState{}, fmt.Errorf("load sync state of %s: %w", positionID, err)
	}
	if err := json.Unmarshal(raw, &state.MissingEvents); err != nil {
		return model.SyncState{}, fmt.Errorf("decode sync state of %s: %w", positionID, err)
	}
	state.SyncedBlock = uint64(synced)
	return state, nil
}

// SaveSyncState upserts the missing-event set of a position.
func (s *Store) SaveSyncState(ctx context.Context, state model.SyncState) error {
	if state.PositionID == "" {
		return fmt.Errorf("sync state position id is required")
	}
	events := state.MissingEvents
	if events == nil {
		events = []model.RawEvent{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal sync state of %s: %w", state.PositionID, err)
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO position_sync_states (position_id, missing_events, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (position_id)
		DO UPDATE SET missing_events = EXCLUDED.missing_events, updated_at = EXCLUDED.updated_at
	`, state.PositionID, raw, updatedAt)
	if err != nil {
		return fmt.Errorf("save sync state of %s: %w", state.PositionID, err)
	}
	return nil
}

// MarkSynced upserts the synced block of a position without touching its missing events.
func (s *Store) MarkSynced(ctx context.Context, positionID string, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO position_sync_states (position_id, synced_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (position_id)
		DO UPDATE SET synced_block = EXCLUDED.synced_block, updated_at = EXCLUDED.updated_at
	`, positionID, int64(block))
	if err != nil {
		return fmt.Errorf("mark %s synced at %d: %w", positionID, block, err)
	}
	return nil
}

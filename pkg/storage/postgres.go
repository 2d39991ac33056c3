package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/pkg/types"
)

//go:embed schema.sql
var postgresSchema string

// PostgresConfig configures the PostgreSQL backend
type PostgresConfig struct {
	URL      string
	MaxConns int32
	Logger   *zap.Logger
}

// PostgresStorage implements Storage on a pgx connection pool
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	closed atomic.Bool
}

// NewPostgresStorage connects, checks the connection and bootstraps the schema
func NewPostgresStorage(ctx context.Context, cfg *PostgresConfig) (*PostgresStorage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url cannot be empty")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PostgresStorage{pool: pool, logger: logger}, nil
}

// Close releases the pool
func (s *PostgresStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Ping checks database connectivity
func (s *PostgresStorage) Ping(ctx context.Context) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

// Transaction runs fn inside BEGIN/COMMIT. Accounts are written last in address order.
func (s *PostgresStorage) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(dbTx pgx.Tx) error {
		tx := &postgresTx{tx: dbTx, accounts: make(map[string]uint64)}
		if err := fn(tx); err != nil {
			return err
		}
		return tx.flushAccounts(ctx)
	})
}

// UpsertIndexerState writes state, keeping the greater of the stored and new heights
func (s *PostgresStorage) UpsertIndexerState(ctx context.Context, state *types.IndexerState) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_state (chain_id, chain_tip, last_finalized_block, state, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain_id) DO UPDATE SET
			chain_tip = GREATEST(indexer_state.chain_tip, EXCLUDED.chain_tip),
			last_finalized_block = GREATEST(indexer_state.last_finalized_block, EXCLUDED.last_finalized_block),
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		state.ChainID, int64(state.ChainTip), int64(state.LastFinalizedBlock), string(state.State), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert indexer state: %w", err)
	}
	return nil
}

// FinalizeBlock marks the block at height as finalized
func (s *PostgresStorage) FinalizeBlock(ctx context.Context, height uint64) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE blocks SET status = 'finalized' WHERE height = $1`, int64(height))
	if err != nil {
		return fmt.Errorf("failed to finalize block %d: %w", height, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("block %d: %w", height, ErrNotFound)
	}
	return nil
}

// GetBlock returns the block at height
func (s *PostgresStorage) GetBlock(ctx context.Context, height uint64) (*types.Block, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var (
		block  types.Block
		h      int64
		spec   int64
		status string
		digest []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT height, hash, parent_hash, state_root, extrinsics_root, timestamp, validator_id,
			status, spec_version, event_count, extrinsic_count, digest_logs
		FROM blocks WHERE height = $1`, int64(height),
	).Scan(&h, &block.Hash, &block.ParentHash, &block.StateRoot, &block.ExtrinsicsRoot,
		&block.Timestamp, &block.ValidatorID, &status, &spec, &block.EventCount,
		&block.ExtrinsicCount, &digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", height, err)
	}

	block.Height = uint64(h)
	block.SpecVersion = uint32(spec)
	block.Status = types.BlockStatus(status)
	if err := json.Unmarshal(digest, &block.DigestLogs); err != nil {
		return nil, fmt.Errorf("%w: block %d digest logs: %v", ErrInvalidData, height, err)
	}
	return &block, nil
}

// GetExtrinsics returns the extrinsics of the block at height ordered by index
func (s *PostgresStorage) GetExtrinsics(ctx context.Context, height uint64) ([]*types.Extrinsic, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, block_height, tx_hash, extrinsic_index, signer, module, call, args, success, fee, tip
		FROM extrinsics WHERE block_height = $1 ORDER BY extrinsic_index`, int64(height))
	if err != nil {
		return nil, fmt.Errorf("failed to query extrinsics: %w", err)
	}
	defer rows.Close()

	result := make([]*types.Extrinsic, 0)
	for rows.Next() {
		var (
			ext    types.Extrinsic
			h, idx int64
			args   []byte
		)
		if err := rows.Scan(&ext.ID, &h, &ext.TxHash, &idx, &ext.Signer, &ext.Module, &ext.Call,
			&args, &ext.Success, &ext.Fee, &ext.Tip); err != nil {
			return nil, fmt.Errorf("failed to scan extrinsic: %w", err)
		}
		ext.BlockHeight = uint64(h)
		ext.Index = uint32(idx)
		if err := json.Unmarshal(args, &ext.Args); err != nil {
			return nil, fmt.Errorf("%w: extrinsic %s args: %v", ErrInvalidData, ext.ID, err)
		}
		result = append(result, &ext)
	}
	return result, rows.Err()
}

// GetEvents returns the events of the block at height ordered by index
func (s *PostgresStorage) GetEvents(ctx context.Context, height uint64) ([]*types.Event, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, block_height, extrinsic_id, event_index, module, event, data, phase
		FROM events WHERE block_height = $1 ORDER BY event_index`, int64(height))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	result := make([]*types.Event, 0)
	for rows.Next() {
		var (
			evt         types.Event
			h, idx      int64
			data, phase []byte
		)
		if err := rows.Scan(&evt.ID, &h, &evt.ExtrinsicID, &idx, &evt.Module, &evt.Event, &data, &phase); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.BlockHeight = uint64(h)
		evt.Index = uint32(idx)
		if err := json.Unmarshal(data, &evt.Data); err != nil {
			return nil, fmt.Errorf("%w: event %s data: %v", ErrInvalidData, evt.ID, err)
		}
		if err := json.Unmarshal(phase, &evt.Phase); err != nil {
			return nil, fmt.Errorf("%w: event %s phase: %v", ErrInvalidData, evt.ID, err)
		}
		result = append(result, &evt)
	}
	return result, rows.Err()
}

// GetAccount returns the activity record of address
func (s *PostgresStorage) GetAccount(ctx context.Context, address string) (*types.Account, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var last, created int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_active_block, created_at_block FROM accounts WHERE address = $1`, address,
	).Scan(&last, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &types.Account{
		Address:         address,
		LastActiveBlock: uint64(last),
		CreatedAtBlock:  uint64(created),
	}, nil
}

// GetIndexerState returns the sync state of chainID
func (s *PostgresStorage) GetIndexerState(ctx context.Context, chainID string) (*types.IndexerState, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var (
		state        types.IndexerState
		tip, lastFin int64
		syncState    string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT chain_tip, last_finalized_block, state, updated_at
		FROM indexer_state WHERE chain_id = $1`, chainID,
	).Scan(&tip, &lastFin, &syncState, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get indexer state: %w", err)
	}

	state.ChainID = chainID
	state.ChainTip = uint64(tip)
	state.LastFinalizedBlock = uint64(lastFin)
	state.State = types.SyncState(syncState)
	return &state, nil
}

// GetLastFinalizedHeight returns the watermark of chainID, 0 if none
func (s *PostgresStorage) GetLastFinalizedHeight(ctx context.Context, chainID string) (uint64, error) {
	state, err := s.GetIndexerState(ctx, chainID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return state.LastFinalizedBlock, nil
}

// postgresTx writes one block inside a pgx transaction
type postgresTx struct {
	tx       pgx.Tx
	accounts map[string]uint64
}

func (t *postgresTx) InsertBlock(ctx context.Context, block *types.Block) (bool, error) {
	if block == nil {
		return false, fmt.Errorf("block cannot be nil")
	}
	if !block.Status.Valid() {
		return false, fmt.Errorf("block %d: invalid status %q", block.Height, block.Status)
	}

	logs := block.DigestLogs
	if logs == nil {
		logs = []types.DigestLog{}
	}
	digest, err := json.Marshal(logs)
	if err != nil {
		return false, fmt.Errorf("failed to encode digest logs: %w", err)
	}

	var height int64
	err = t.tx.QueryRow(ctx, `
		INSERT INTO blocks (height, hash, parent_hash, state_root, extrinsics_root, timestamp,
			validator_id, status, spec_version, event_count, extrinsic_count, digest_logs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (height) DO UPDATE SET
			hash = EXCLUDED.hash,
			parent_hash = EXCLUDED.parent_hash,
			state_root = EXCLUDED.state_root,
			extrinsics_root = EXCLUDED.extrinsics_root,
			timestamp = EXCLUDED.timestamp,
			validator_id = EXCLUDED.validator_id,
			status = EXCLUDED.status,
			spec_version = EXCLUDED.spec_version,
			event_count = EXCLUDED.event_count,
			extrinsic_count = EXCLUDED.extrinsic_count,
			digest_logs = EXCLUDED.digest_logs
		WHERE blocks.status = 'best' OR EXCLUDED.status = 'finalized'
		RETURNING height`,
		int64(block.Height), block.Hash, block.ParentHash, block.StateRoot, block.ExtrinsicsRoot,
		block.Timestamp, block.ValidatorID, string(block.Status), int64(block.SpecVersion),
		block.EventCount, block.ExtrinsicCount, digest,
	).Scan(&height)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert block %d: %w", block.Height, err)
	}

	if _, err := t.tx.Exec(ctx, `DELETE FROM extrinsics WHERE block_height = $1`, height); err != nil {
		return false, fmt.Errorf("failed to clear extrinsics of block %d: %w", block.Height, err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM events WHERE block_height = $1`, height); err != nil {
		return false, fmt.Errorf("failed to clear events of block %d: %w", block.Height, err)
	}
	return true, nil
}

func (t *postgresTx) InsertExtrinsic(ctx context.Context, ext *types.Extrinsic) error {
	if ext == nil {
		return fmt.Errorf("extrinsic cannot be nil")
	}
	args, err := json.Marshal(nonNilMap(ext.Args))
	if err != nil {
		return fmt.Errorf("failed to encode extrinsic %s args: %w", ext.ID, err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO extrinsics (id, block_height, tx_hash, extrinsic_index, signer, module, call, args, success, fee, tip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			block_height = EXCLUDED.block_height,
			tx_hash = EXCLUDED.tx_hash,
			extrinsic_index = EXCLUDED.extrinsic_index,
			signer = EXCLUDED.signer,
			module = EXCLUDED.module,
			call = EXCLUDED.call,
			args = EXCLUDED.args,
			success = EXCLUDED.success,
			fee = EXCLUDED.fee,
			tip = EXCLUDED.tip`,
		ext.ID, int64(ext.BlockHeight), ext.TxHash, int64(ext.Index), ext.Signer, ext.Module, ext.Call,
		args, ext.Success, ext.Fee, ext.Tip,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert extrinsic %s: %w", ext.ID, err)
	}
	return nil
}

func (t *postgresTx) InsertEvent(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return fmt.Errorf("event cannot be nil")
	}
	data, err := json.Marshal(nonNilMap(evt.Data))
	if err != nil {
		return fmt.Errorf("failed to encode event %s data: %w", evt.ID, err)
	}
	phase, err := json.Marshal(evt.Phase)
	if err != nil {
		return fmt.Errorf("failed to encode event %s phase: %w", evt.ID, err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO events (id, block_height, extrinsic_id, event_index, module, event, data, phase)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			block_height = EXCLUDED.block_height,
			extrinsic_id = EXCLUDED.extrinsic_id,
			event_index = EXCLUDED.event_index,
			module = EXCLUDED.module,
			event = EXCLUDED.event,
			data = EXCLUDED.data,
			phase = EXCLUDED.phase`,
		evt.ID, int64(evt.BlockHeight), evt.ExtrinsicID, int64(evt.Index), evt.Module, evt.Event, data, phase,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert event %s: %w", evt.ID, err)
	}
	return nil
}

// UpsertAccount buffers the account until the transaction is flushed
func (t *postgresTx) UpsertAccount(ctx context.Context, address string, height uint64) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if h, ok := t.accounts[address]; !ok || height > h {
		t.accounts[address] = height
	}
	return nil
}

func (t *postgresTx) flushAccounts(ctx context.Context) error {
	addresses := make([]string, 0, len(t.accounts))
	for addr := range t.accounts {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	for _, addr := range addresses {
		height := int64(t.accounts[addr])
		_, err := t.tx.Exec(ctx, `
			INSERT INTO accounts (address, last_active_block, created_at_block)
			VALUES ($1, $2, $2)
			ON CONFLICT (address) DO UPDATE SET
				last_active_block = GREATEST(accounts.last_active_block, EXCLUDED.last_active_block)`,
			addr, height,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert account %s: %w", addr, err)
		}
	}
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// PebbleStorage implements Storage using PebbleDB
type PebbleStorage struct {
	db     *pebble.DB
	config *Config
	logger *zap.Logger
	closed atomic.Bool

	// writeMu serializes transactions so read-check-write sequences are atomic
	writeMu sync.Mutex
}

// NewPebbleStorage creates a new PebbleDB storage
func NewPebbleStorage(cfg *Config) (*PebbleStorage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &pebble.Options{
		Cache:                    pebble.NewCache(int64(cfg.Cache) << 20), // Convert MB to bytes
		MaxOpenFiles:             cfg.MaxOpenFiles,
		MemTableSize:             uint64(cfg.WriteBuffer) << 20,
		DisableWAL:               cfg.DisableWAL,
		MaxConcurrentCompactions: func() int { return cfg.CompactionConcurrency },
		ReadOnly:                 cfg.ReadOnly,
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStorage{
		db:     db,
		config: cfg,
		logger: zap.NewNop(),
	}, nil
}

// SetLogger sets the logger for the storage
func (s *PebbleStorage) SetLogger(logger *zap.Logger) {
	s.logger = logger
}

func (s *PebbleStorage) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *PebbleStorage) ensureNotReadOnly() error {
	if s.config.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

func (s *PebbleStorage) ensureWritable() error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	return s.ensureNotReadOnly()
}

// Close closes the storage and releases resources
func (s *PebbleStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is open
func (s *PebbleStorage) Ping(ctx context.Context) error {
	return s.ensureNotClosed()
}

// Transaction runs fn against an indexed batch and commits it atomically
func (s *PebbleStorage) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(&pebbleTx{batch: batch}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// UpsertIndexerState writes state, keeping the greater of the stored and new heights
func (s *PebbleStorage) UpsertIndexerState(ctx context.Context, state *types.IndexerState) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	if err := s.ensureWritable(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := *state
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	var current types.IndexerState
	found, err := getJSON(s.db, StateKey(state.ChainID), &current)
	if err != nil {
		return err
	}
	if found {
		next.ChainTip = max(next.ChainTip, current.ChainTip)
		next.LastFinalizedBlock = max(next.LastFinalizedBlock, current.LastFinalizedBlock)
	}

	return setJSON(s.db, StateKey(state.ChainID), &next, pebble.Sync)
}

// FinalizeBlock marks the block at height as finalized
func (s *PebbleStorage) FinalizeBlock(ctx context.Context, height uint64) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var block types.Block
	found, err := getJSON(s.db, BlockKey(height), &block)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("block %d: %w", height, ErrNotFound)
	}
	if block.Status == types.BlockStatusFinalized {
		return nil
	}
	block.Status = types.BlockStatusFinalized
	return setJSON(s.db, BlockKey(height), &block, pebble.Sync)
}

// GetBlock returns the block at height
func (s *PebbleStorage) GetBlock(ctx context.Context, height uint64) (*types.Block, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	var block types.Block
	found, err := getJSON(s.db, BlockKey(height), &block)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &block, nil
}

// GetExtrinsics returns the extrinsics of the block at height ordered by index
func (s *PebbleStorage) GetExtrinsics(ctx context.Context, height uint64) ([]*types.Extrinsic, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	result := make([]*types.Extrinsic, 0)
	err := scanPrefix(s.db, ExtrinsicKeyPrefix(height), func(value []byte) error {
		var ext types.Extrinsic
		if err := json.Unmarshal(value, &ext); err != nil {
			return fmt.Errorf("%w: extrinsic: %v", ErrInvalidData, err)
		}
		result = append(result, &ext)
		return nil
	})
	return result, err
}

// GetEvents returns the events of the block at height ordered by index
func (s *PebbleStorage) GetEvents(ctx context.Context, height uint64) ([]*types.Event, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	result := make([]*types.Event, 0)
	err := scanPrefix(s.db, EventKeyPrefix(height), func(value []byte) error {
		var evt types.Event
		if err := json.Unmarshal(value, &evt); err != nil {
			return fmt.Errorf("%w: event: %v", ErrInvalidData, err)
		}
		result = append(result, &evt)
		return nil
	})
	return result, err
}

// GetAccount returns the activity record of address
func (s *PebbleStorage) GetAccount(ctx context.Context, address string) (*types.Account, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	var account types.Account
	found, err := getJSON(s.db, AccountKey(address), &account)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &account, nil
}

// GetIndexerState returns the sync state of chainID
func (s *PebbleStorage) GetIndexerState(ctx context.Context, chainID string) (*types.IndexerState, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	var state types.IndexerState
	found, err := getJSON(s.db, StateKey(chainID), &state)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &state, nil
}

// GetLastFinalizedHeight returns the watermark of chainID, 0 if none
func (s *PebbleStorage) GetLastFinalizedHeight(ctx context.Context, chainID string) (uint64, error) {
	state, err := s.GetIndexerState(ctx, chainID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return state.LastFinalizedBlock, nil
}

// pebbleReader is satisfied by both *pebble.DB and an indexed *pebble.Batch
type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleWriter interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
}

func getJSON(r pebbleReader, key []byte, v any) (bool, error) {
	value, closer, err := r.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidData, key, err)
	}
	return true, nil
}

func setJSON(w pebbleWriter, key []byte, v any, opts *pebble.WriteOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := w.Set(key, data, opts); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func scanPrefix(r pebbleReader, prefix []byte, fn func(value []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementPrefix(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

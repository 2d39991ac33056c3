// Package storage persists normalized blocks, extrinsics, events, accounts and sync state.
package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// Common errors
var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when operating on a closed storage
	ErrClosed = errors.New("storage closed")

	// ErrReadOnly is returned when attempting to write to a read-only storage
	ErrReadOnly = errors.New("storage is read-only")

	// ErrInvalidData is returned when a stored value cannot be decoded
	ErrInvalidData = errors.New("invalid data")
)

// Tx is the unit of work for one block. Writes become visible together on commit.
type Tx interface {
	// InsertBlock upserts the block by height and replaces any extrinsics and events
	// stored for that height. It reports false, without writing, when a best block
	// would overwrite a finalized one.
	InsertBlock(ctx context.Context, block *types.Block) (bool, error)

	// InsertExtrinsic upserts an extrinsic by id
	InsertExtrinsic(ctx context.Context, ext *types.Extrinsic) error

	// InsertEvent upserts an event by id
	InsertEvent(ctx context.Context, evt *types.Event) error

	// UpsertAccount records activity of address at height.
	// CreatedAtBlock is set on first insert, LastActiveBlock only moves forward.
	UpsertAccount(ctx context.Context, address string, height uint64) error
}

// Reader provides read access to indexed data
type Reader interface {
	GetBlock(ctx context.Context, height uint64) (*types.Block, error)
	GetExtrinsics(ctx context.Context, height uint64) ([]*types.Extrinsic, error)
	GetEvents(ctx context.Context, height uint64) ([]*types.Event, error)
	GetAccount(ctx context.Context, address string) (*types.Account, error)
	GetIndexerState(ctx context.Context, chainID string) (*types.IndexerState, error)

	// GetLastFinalizedHeight returns the sync watermark, 0 when nothing is indexed yet
	GetLastFinalizedHeight(ctx context.Context, chainID string) (uint64, error)

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error
}

// Storage is a transactional store for the indexer
type Storage interface {
	Reader

	// Transaction runs fn in a single atomic transaction. An error from fn rolls everything back.
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// UpsertIndexerState writes the sync state. Heights never move backwards.
	UpsertIndexerState(ctx context.Context, state *types.IndexerState) error

	// FinalizeBlock marks the stored block at height as finalized
	FinalizeBlock(ctx context.Context, height uint64) error

	Close() error
}

// Backend names
const (
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend
type Options struct {
	Backend  string
	Path     string
	URL      string
	MaxConns int32
	ReadOnly bool
	Logger   *zap.Logger
}

// Open creates the configured backend
func Open(ctx context.Context, opts *Options) (Storage, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch opts.Backend {
	case BackendPebble, "":
		cfg := DefaultConfig(opts.Path)
		cfg.ReadOnly = opts.ReadOnly
		s, err := NewPebbleStorage(cfg)
		if err != nil {
			return nil, err
		}
		s.SetLogger(logger)
		return s, nil
	case BackendPostgres:
		maxConns := opts.MaxConns
		if maxConns <= 0 {
			maxConns = constants.DefaultPostgresMaxConns
		}
		return NewPostgresStorage(ctx, &PostgresConfig{
			URL:      opts.URL,
			MaxConns: maxConns,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

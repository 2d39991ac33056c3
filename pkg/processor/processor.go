// Package processor turns fetched raw blocks into persisted block, extrinsic, event and account records.
package processor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/pkg/correlator"
	"github.com/0xmhha/substrate-indexer/pkg/storage"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// Hooks receives every persisted entity. Implementations must not return errors;
// failures are their own concern. Entity hooks run inside the block transaction and
// exactly one of the commit and rollback hooks follows them.
type Hooks interface {
	InvokeBlockHandlers(ctx context.Context, bc *types.BlockContext, block *types.Block)
	InvokeExtrinsicHandlers(ctx context.Context, bc *types.BlockContext, ext *types.Extrinsic)
	InvokeEventHandlers(ctx context.Context, bc *types.BlockContext, evt *types.Event)
	InvokeCommitHandlers(ctx context.Context, bc *types.BlockContext)
	InvokeRollbackHandlers(ctx context.Context, bc *types.BlockContext)
}

// Processor normalizes and persists blocks
type Processor struct {
	store  storage.Storage
	hooks  Hooks
	logger *zap.Logger
}

// New creates a processor. hooks may be nil.
func New(store storage.Storage, hooks Hooks, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, hooks: hooks, logger: logger}
}

// records is the normalized form of one block
type records struct {
	block      *types.Block
	extrinsics []*types.Extrinsic
	events     []*types.Event
	accounts   [][]string
}

// ProcessBlock normalizes raw and persists it with status in a single transaction.
// A best block that would replace an already finalized one is skipped without error.
func (p *Processor) ProcessBlock(ctx context.Context, raw *types.RawBlock, status types.BlockStatus) error {
	if raw == nil {
		return fmt.Errorf("raw block cannot be nil")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid block status %q", status)
	}

	rec := normalize(raw, status)
	bc := raw.Context()

	var applied bool
	err := p.store.Transaction(ctx, func(tx storage.Tx) error {
		var err error
		applied, err = tx.InsertBlock(ctx, rec.block)
		if err != nil {
			return err
		}
		if !applied {
			p.logger.Debug("skipping best block, height already finalized",
				zap.Uint64("height", raw.Number),
				zap.String("hash", raw.Hash),
			)
			return nil
		}
		p.invokeBlock(ctx, bc, rec.block)

		for _, ext := range rec.extrinsics {
			if err := tx.InsertExtrinsic(ctx, ext); err != nil {
				return err
			}
			if ext.Signer != nil {
				if err := tx.UpsertAccount(ctx, *ext.Signer, raw.Number); err != nil {
					return err
				}
			}
			p.invokeExtrinsic(ctx, bc, ext)
		}

		for i, evt := range rec.events {
			if err := tx.InsertEvent(ctx, evt); err != nil {
				return err
			}
			for _, addr := range rec.accounts[i] {
				if err := tx.UpsertAccount(ctx, addr, raw.Number); err != nil {
					return err
				}
			}
			p.invokeEvent(ctx, bc, evt)
		}
		return nil
	})
	if err != nil {
		p.rollback(ctx, bc)
		return fmt.Errorf("failed to persist block %d: %w", raw.Number, err)
	}
	if applied {
		p.commit(ctx, bc)
	}
	return nil
}

// normalize builds the records of raw and runs the correlator over them
func normalize(raw *types.RawBlock, status types.BlockStatus) *records {
	rec := &records{
		block: &types.Block{
			Height:         raw.Number,
			Hash:           raw.Hash,
			ParentHash:     raw.ParentHash,
			StateRoot:      raw.StateRoot,
			ExtrinsicsRoot: raw.ExtrinsicsRoot,
			Timestamp:      raw.Timestamp,
			ValidatorID:    raw.ValidatorID,
			Status:         status,
			SpecVersion:    raw.SpecVersion,
			EventCount:     len(raw.Events),
			ExtrinsicCount: len(raw.Extrinsics),
			DigestLogs:     raw.DigestLogs,
		},
		extrinsics: make([]*types.Extrinsic, 0, len(raw.Extrinsics)),
		events:     make([]*types.Event, 0, len(raw.Events)),
		accounts:   make([][]string, 0, len(raw.Events)),
	}
	if rec.block.DigestLogs == nil {
		rec.block.DigestLogs = []types.DigestLog{}
	}

	ids := make(map[uint32]string, len(raw.Extrinsics))
	for _, r := range raw.Extrinsics {
		id := types.EntityID(raw.Number, r.Index)
		ids[r.Index] = id

		args := r.Args
		if args == nil {
			args = map[string]any{}
		}
		rec.extrinsics = append(rec.extrinsics, &types.Extrinsic{
			ID:          id,
			BlockHeight: raw.Number,
			TxHash:      r.Hash,
			Index:       r.Index,
			Signer:      r.Signer,
			Module:      r.Module,
			Call:        r.Call,
			Args:        args,
			Success:     true,
			Tip:         r.Tip,
		})
	}

	correlator.EnrichExtrinsics(rec.extrinsics, raw.Events)

	for _, r := range raw.Events {
		evt := &types.Event{
			ID:          types.EntityID(raw.Number, r.Index),
			BlockHeight: raw.Number,
			Index:       r.Index,
			Module:      r.Module,
			Event:       r.Event,
			Data:        r.Data,
			Phase:       types.Phase{Type: r.PhaseType},
		}
		if evt.Data == nil {
			evt.Data = map[string]any{}
		}
		if r.PhaseType == types.PhaseApplyExtrinsic && r.ExtrinsicIndex != nil {
			idx := *r.ExtrinsicIndex
			evt.Phase.Index = &idx
			if id, ok := ids[idx]; ok {
				evt.ExtrinsicID = &id
			}
		}
		rec.events = append(rec.events, evt)
		rec.accounts = append(rec.accounts, correlator.ExtractAccounts(r.Module, r.Event, r.Data))
	}

	return rec
}

func (p *Processor) invokeBlock(ctx context.Context, bc *types.BlockContext, block *types.Block) {
	if p.hooks != nil {
		p.hooks.InvokeBlockHandlers(ctx, bc, block)
	}
}

func (p *Processor) invokeExtrinsic(ctx context.Context, bc *types.BlockContext, ext *types.Extrinsic) {
	if p.hooks != nil {
		p.hooks.InvokeExtrinsicHandlers(ctx, bc, ext)
	}
}

func (p *Processor) invokeEvent(ctx context.Context, bc *types.BlockContext, evt *types.Event) {
	if p.hooks != nil {
		p.hooks.InvokeEventHandlers(ctx, bc, evt)
	}
}

func (p *Processor) commit(ctx context.Context, bc *types.BlockContext) {
	if p.hooks != nil {
		p.hooks.InvokeCommitHandlers(ctx, bc)
	}
}

func (p *Processor) rollback(ctx context.Context, bc *types.BlockContext) {
	if p.hooks != nil {
		p.hooks.InvokeRollbackHandlers(ctx, bc)
	}
}

package storage

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// pebbleTx buffers one block's writes in an indexed batch
type pebbleTx struct {
	batch *pebble.Batch
}

func (tx *pebbleTx) InsertBlock(ctx context.Context, block *types.Block) (bool, error) {
	if block == nil {
		return false, fmt.Errorf("block cannot be nil")
	}
	if !block.Status.Valid() {
		return false, fmt.Errorf("block %d: invalid status %q", block.Height, block.Status)
	}

	var existing types.Block
	found, err := getJSON(tx.batch, BlockKey(block.Height), &existing)
	if err != nil {
		return false, err
	}
	if found && existing.Status == types.BlockStatusFinalized && block.Status == types.BlockStatusBest {
		return false, nil
	}

	// Drop rows left by a previous version of this height
	for _, prefix := range [][]byte{ExtrinsicKeyPrefix(block.Height), EventKeyPrefix(block.Height)} {
		if err := tx.batch.DeleteRange(prefix, incrementPrefix(prefix), nil); err != nil {
			return false, fmt.Errorf("failed to clear block %d rows: %w", block.Height, err)
		}
	}

	if err := setJSON(tx.batch, BlockKey(block.Height), block, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (tx *pebbleTx) InsertExtrinsic(ctx context.Context, ext *types.Extrinsic) error {
	if ext == nil {
		return fmt.Errorf("extrinsic cannot be nil")
	}
	return setJSON(tx.batch, ExtrinsicKey(ext.BlockHeight, ext.Index), ext, nil)
}

func (tx *pebbleTx) InsertEvent(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return fmt.Errorf("event cannot be nil")
	}
	return setJSON(tx.batch, EventKey(evt.BlockHeight, evt.Index), evt, nil)
}

func (tx *pebbleTx) UpsertAccount(ctx context.Context, address string, height uint64) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	account := types.Account{
		Address:         address,
		LastActiveBlock: height,
		CreatedAtBlock:  height,
	}

	var existing types.Account
	found, err := getJSON(tx.batch, AccountKey(address), &existing)
	if err != nil {
		return err
	}
	if found {
		account.CreatedAtBlock = existing.CreatedAtBlock
		account.LastActiveBlock = max(existing.LastActiveBlock, height)
	}

	return setJSON(tx.batch, AccountKey(address), &account, nil)
}

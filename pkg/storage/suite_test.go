package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/substrate-indexer/pkg/types"
)

func testBlock(height uint64, status types.BlockStatus, extrinsics, events int) *types.Block {
	return &types.Block{
		Height:         height,
		Hash:           "0xb10c",
		ParentHash:     "0xpa7e",
		StateRoot:      "0x57a7",
		ExtrinsicsRoot: "0xe872",
		Status:         status,
		SpecVersion:    9430,
		EventCount:     events,
		ExtrinsicCount: extrinsics,
		DigestLogs:     []types.DigestLog{{Type: "PreRuntime", Data: "0x01"}},
	}
}

func writeBlock(t *testing.T, s Storage, block *types.Block) bool {
	t.Helper()
	ctx := context.Background()
	var applied bool
	err := s.Transaction(ctx, func(tx Tx) error {
		var err error
		applied, err = tx.InsertBlock(ctx, block)
		if err != nil || !applied {
			return err
		}
		for i := 0; i < block.ExtrinsicCount; i++ {
			if err := tx.InsertExtrinsic(ctx, &types.Extrinsic{
				ID:          types.EntityID(block.Height, uint32(i)),
				BlockHeight: block.Height,
				Index:       uint32(i),
				Module:      "Balances",
				Call:        "transfer",
				Args:        map[string]any{"raw": "0x00"},
				Success:     true,
			}); err != nil {
				return err
			}
		}
		for i := 0; i < block.EventCount; i++ {
			if err := tx.InsertEvent(ctx, &types.Event{
				ID:          types.EntityID(block.Height, uint32(i)),
				BlockHeight: block.Height,
				Index:       uint32(i),
				Module:      "System",
				Event:       "ExtrinsicSuccess",
				Data:        map[string]any{},
				Phase:       types.Phase{Type: types.PhaseFinalization},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return applied
}

// runStorageSuite exercises the behavior every backend must share
func runStorageSuite(t *testing.T, newStorage func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("BlockRoundTrip", func(t *testing.T) {
		s := newStorage(t)
		ts := int64(1700000000000)
		block := testBlock(10, types.BlockStatusFinalized, 2, 3)
		block.Timestamp = &ts

		require.True(t, writeBlock(t, s, block))

		got, err := s.GetBlock(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, block, got)

		exts, err := s.GetExtrinsics(ctx, 10)
		require.NoError(t, err)
		require.Len(t, exts, 2)
		assert.Equal(t, "10-0", exts[0].ID)
		assert.Equal(t, "10-1", exts[1].ID)

		evts, err := s.GetEvents(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, evts, 3)
		assert.Equal(t, types.PhaseFinalization, evts[2].Phase.Type)
	})

	t.Run("MissingBlock", func(t *testing.T) {
		s := newStorage(t)
		_, err := s.GetBlock(ctx, 99)
		assert.True(t, errors.Is(err, ErrNotFound))

		exts, err := s.GetExtrinsics(ctx, 99)
		require.NoError(t, err)
		assert.Empty(t, exts)
	})

	t.Run("BestThenFinalizedIsIdempotent", func(t *testing.T) {
		s := newStorage(t)
		require.True(t, writeBlock(t, s, testBlock(5, types.BlockStatusBest, 3, 4)))
		require.True(t, writeBlock(t, s, testBlock(5, types.BlockStatusFinalized, 1, 2)))

		got, err := s.GetBlock(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, types.BlockStatusFinalized, got.Status)

		exts, err := s.GetExtrinsics(ctx, 5)
		require.NoError(t, err)
		assert.Len(t, exts, got.ExtrinsicCount)

		evts, err := s.GetEvents(ctx, 5)
		require.NoError(t, err)
		assert.Len(t, evts, got.EventCount)
	})

	t.Run("BestNeverOverwritesFinalized", func(t *testing.T) {
		s := newStorage(t)
		require.True(t, writeBlock(t, s, testBlock(7, types.BlockStatusFinalized, 1, 1)))

		best := testBlock(7, types.BlockStatusBest, 2, 2)
		best.Hash = "0xf0f0"
		assert.False(t, writeBlock(t, s, best))

		got, err := s.GetBlock(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, types.BlockStatusFinalized, got.Status)
		assert.Equal(t, "0xb10c", got.Hash)
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		s := newStorage(t)
		boom := errors.New("boom")
		err := s.Transaction(ctx, func(tx Tx) error {
			if _, err := tx.InsertBlock(ctx, testBlock(3, types.BlockStatusFinalized, 0, 0)); err != nil {
				return err
			}
			if err := tx.UpsertAccount(ctx, "0xabc", 3); err != nil {
				return err
			}
			return boom
		})
		assert.True(t, errors.Is(err, boom))

		_, err = s.GetBlock(ctx, 3)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.GetAccount(ctx, "0xabc")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("AccountActivity", func(t *testing.T) {
		s := newStorage(t)
		upsert := func(height uint64) {
			require.NoError(t, s.Transaction(ctx, func(tx Tx) error {
				return tx.UpsertAccount(ctx, "0xabc", height)
			}))
		}
		upsert(10)
		upsert(20)
		upsert(15)

		acc, err := s.GetAccount(ctx, "0xabc")
		require.NoError(t, err)
		assert.Equal(t, uint64(10), acc.CreatedAtBlock)
		assert.Equal(t, uint64(20), acc.LastActiveBlock)
	})

	t.Run("IndexerStateNeverMovesBack", func(t *testing.T) {
		s := newStorage(t)
		h, err := s.GetLastFinalizedHeight(ctx, "test")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), h)

		require.NoError(t, s.UpsertIndexerState(ctx, &types.IndexerState{
			ChainID: "test", ChainTip: 100, LastFinalizedBlock: 50, State: types.SyncStateSyncing,
		}))
		require.NoError(t, s.UpsertIndexerState(ctx, &types.IndexerState{
			ChainID: "test", ChainTip: 90, LastFinalizedBlock: 40, State: types.SyncStateLive,
		}))

		state, err := s.GetIndexerState(ctx, "test")
		require.NoError(t, err)
		assert.Equal(t, uint64(100), state.ChainTip)
		assert.Equal(t, uint64(50), state.LastFinalizedBlock)
		assert.Equal(t, types.SyncStateLive, state.State)
	})

	t.Run("FinalizeBlock", func(t *testing.T) {
		s := newStorage(t)
		require.True(t, writeBlock(t, s, testBlock(8, types.BlockStatusBest, 0, 0)))
		require.NoError(t, s.FinalizeBlock(ctx, 8))

		got, err := s.GetBlock(ctx, 8)
		require.NoError(t, err)
		assert.Equal(t, types.BlockStatusFinalized, got.Status)

		err = s.FinalizeBlock(ctx, 9)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

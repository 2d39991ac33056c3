package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// Backfill indexes every finalized height between the persisted watermark and the node's
// finalized head. It stops at the first height that fails after retries, leaving the
// watermark at the last height below which everything committed.
func (s *Synchronizer) Backfill(ctx context.Context) error {
	dbHeight, err := s.store.GetLastFinalizedHeight(ctx, s.cfg.ChainID)
	if err != nil {
		return fmt.Errorf("failed to read watermark: %w", err)
	}
	s.setFinalized(dbHeight)
	s.metrics.SeedIndexedHeight(dbHeight)

	tip, err := s.source.FinalizedHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to read finalized head: %w", err)
	}
	s.metrics.SetChainTip(tip)

	if tip <= dbHeight {
		s.logger.Info("no backfill needed",
			zap.Uint64("db_height", dbHeight),
			zap.Uint64("chain_tip", tip),
		)
		return s.goLive(ctx, tip)
	}

	s.logger.Info("backfilling",
		zap.Uint64("from", dbHeight+1),
		zap.Uint64("to", tip),
		zap.Uint64("blocks", tip-dbHeight),
	)
	s.setState(types.SyncStateSyncing)
	if err := s.store.UpsertIndexerState(ctx, &types.IndexerState{
		ChainID:            s.cfg.ChainID,
		ChainTip:           tip,
		LastFinalizedBlock: dbHeight,
		State:              types.SyncStateSyncing,
	}); err != nil {
		return fmt.Errorf("failed to update indexer state: %w", err)
	}

	if _, err := s.processRange(ctx, dbHeight+1, tip, types.SyncStateSyncing); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	s.logger.Info("backfill complete", zap.Uint64("height", tip))
	return s.goLive(ctx, tip)
}

func (s *Synchronizer) goLive(ctx context.Context, tip uint64) error {
	if err := s.store.UpsertIndexerState(ctx, &types.IndexerState{
		ChainID:            s.cfg.ChainID,
		ChainTip:           tip,
		LastFinalizedBlock: s.LastFinalized(),
		State:              types.SyncStateLive,
	}); err != nil {
		return fmt.Errorf("failed to update indexer state: %w", err)
	}
	s.setState(types.SyncStateLive)
	return nil
}

// processRange indexes [from, to] as finalized in batches of BatchSize. After each batch the
// watermark advances to the end of the committed contiguous prefix and is persisted with
// state. It returns the watermark and the error of the lowest failed height, if any.
func (s *Synchronizer) processRange(ctx context.Context, from, to uint64, state types.SyncState) (uint64, error) {
	batch := uint64(s.cfg.BatchSize)
	for start := from; start <= to; start += batch {
		if s.stopping() {
			return s.LastFinalized(), ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return s.LastFinalized(), err
		}

		end := min(start+batch-1, to)
		done, batchErr := s.processBatch(ctx, start, end)

		if done >= start && s.advanceFinalized(done) {
			if err := s.store.UpsertIndexerState(ctx, &types.IndexerState{
				ChainID:            s.cfg.ChainID,
				ChainTip:           to,
				LastFinalizedBlock: done,
				State:              state,
			}); err != nil {
				return s.LastFinalized(), fmt.Errorf("failed to update indexer state: %w", err)
			}
			s.logger.Debug("watermark advanced", zap.Uint64("height", done))
		}
		if batchErr != nil {
			return s.LastFinalized(), batchErr
		}
	}
	return s.LastFinalized(), nil
}

// processBatch runs [start, end] concurrently and waits for all of them.
// It returns the highest h such that every height in [start, h] committed (start-1 if none),
// and the error of the lowest failed height.
func (s *Synchronizer) processBatch(ctx context.Context, start, end uint64) (uint64, error) {
	n := int(end - start + 1)
	errs := make([]error, n)

	var g errgroup.Group
	g.SetLimit(s.cfg.BatchSize)
	for i := 0; i < n; i++ {
		height := start + uint64(i)
		g.Go(func() error {
			errs[i] = s.processOne(ctx, height, types.BlockStatusFinalized)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			s.logger.Error("block failed", zap.Uint64("height", start+uint64(i)), zap.Error(err))
			return start + uint64(i) - 1, err
		}
	}
	return end, nil
}

func (s *Synchronizer) setFinalized(height uint64) {
	s.finalizedMu.Lock()
	defer s.finalizedMu.Unlock()
	s.finalized = height
}

// advanceFinalized raises the watermark and reports whether it moved
func (s *Synchronizer) advanceFinalized(height uint64) bool {
	s.finalizedMu.Lock()
	defer s.finalizedMu.Unlock()
	if height <= s.finalized {
		return false
	}
	s.finalized = height
	return true
}

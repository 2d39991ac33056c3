package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/pkg/client"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// runFinalized handles finalized head notifications in order until the subscription closes
func (s *Synchronizer) runFinalized(ctx context.Context, sub HeadSubscription) {
	defer s.wg.Done()
	logger := s.logger.With(zap.String("stream", "finalized"))

	for {
		select {
		case headers, ok := <-sub.Headers():
			if !ok {
				return
			}
			height, ok := newestHeight(headers, logger)
			if !ok {
				continue
			}
			if err := s.handleFinalized(ctx, height); err != nil {
				logger.Error("failed to process finalized block", zap.Uint64("height", height), zap.Error(err))
			}
		case err, ok := <-sub.Err():
			if ok && err != nil {
				s.metrics.RecordError()
				logger.Error("finalized stream failed", zap.Error(err))
			}
			return
		}
	}
}

// handleFinalized indexes height and any heights skipped since the last committed one,
// then advances IndexerState
func (s *Synchronizer) handleFinalized(ctx context.Context, height uint64) error {
	s.metrics.SetChainTip(height)

	last := s.LastFinalized()
	if height <= last {
		// Already covered by the watermark, rewrite it as finalized
		if err := s.processOne(ctx, height, types.BlockStatusFinalized); err != nil {
			return err
		}
		return s.finalize(ctx, height)
	}

	if height > last+1 {
		s.logger.Info("filling finalized gap",
			zap.Uint64("from", last+1),
			zap.Uint64("to", height-1),
		)
	}

	done, err := s.processRange(ctx, last+1, height, types.SyncStateLive)
	if err != nil {
		return err
	}
	if done != height {
		return fmt.Errorf("watermark %d behind finalized head %d", done, height)
	}
	return s.finalize(ctx, height)
}

func (s *Synchronizer) finalize(ctx context.Context, height uint64) error {
	if err := s.store.FinalizeBlock(ctx, height); err != nil {
		s.metrics.RecordError()
		return fmt.Errorf("failed to finalize block %d: %w", height, err)
	}
	if err := s.store.UpsertIndexerState(ctx, &types.IndexerState{
		ChainID:            s.cfg.ChainID,
		ChainTip:           height,
		LastFinalizedBlock: s.LastFinalized(),
		State:              types.SyncStateLive,
	}); err != nil {
		return fmt.Errorf("failed to update indexer state: %w", err)
	}
	return nil
}

// runBest handles best head notifications. When several are queued only the latest is processed.
func (s *Synchronizer) runBest(ctx context.Context, sub HeadSubscription) {
	defer s.wg.Done()
	logger := s.logger.With(zap.String("stream", "best"))

	for {
		select {
		case headers, ok := <-sub.Headers():
			if !ok {
				return
			}
			headers, open := drainLatest(sub.Headers(), headers)

			if height, ok := newestHeight(headers, logger); ok {
				if err := s.processOne(ctx, height, types.BlockStatusBest); err != nil {
					logger.Warn("failed to process best block", zap.Uint64("height", height), zap.Error(err))
				}
			}
			if !open {
				return
			}
		case err, ok := <-sub.Err():
			if ok && err != nil {
				s.metrics.RecordError()
				logger.Error("best stream failed", zap.Error(err))
			}
			return
		}
	}
}

// drainLatest returns the most recent queued notification, or current when none is queued.
// open is false when the channel was closed while draining.
func drainLatest(ch <-chan []client.Header, current []client.Header) (latest []client.Header, open bool) {
	latest = current
	for {
		select {
		case next, ok := <-ch:
			if !ok {
				return latest, false
			}
			latest = next
		default:
			return latest, true
		}
	}
}

// newestHeight returns the greatest height in headers
func newestHeight(headers []client.Header, logger *zap.Logger) (uint64, bool) {
	var (
		best  uint64
		found bool
	)
	for i := range headers {
		h, err := headers[i].Height()
		if err != nil {
			logger.Warn("invalid header number", zap.String("number", headers[i].Number), zap.Error(err))
			continue
		}
		if !found || h > best {
			best, found = h, true
		}
	}
	return best, found
}

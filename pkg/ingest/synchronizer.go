// Package ingest keeps persisted chain data converging on the node: a one-off backfill
// followed by live finalized and best head streams.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/0xmhha/substrate-indexer/pkg/metrics"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// BlockSource fetches decoded blocks from the node
type BlockSource interface {
	FetchBlock(ctx context.Context, height uint64) (*types.RawBlock, error)
	FinalizedHeight(ctx context.Context) (uint64, error)
}

// BlockProcessor persists a raw block
type BlockProcessor interface {
	ProcessBlock(ctx context.Context, raw *types.RawBlock, status types.BlockStatus) error
}

// StateStore holds the sync watermark and block finality
type StateStore interface {
	GetLastFinalizedHeight(ctx context.Context, chainID string) (uint64, error)
	UpsertIndexerState(ctx context.Context, state *types.IndexerState) error
	FinalizeBlock(ctx context.Context, height uint64) error
}

var (
	// ErrAlreadyStarted is returned by a second Start call
	ErrAlreadyStarted = errors.New("synchronizer already started")
	// ErrStopped is returned when work is requested after Stop
	ErrStopped = errors.New("synchronizer stopped")
)

// Synchronizer drives backfill and live tracking
type Synchronizer struct {
	cfg       Config
	source    BlockSource
	processor BlockProcessor
	store     StateStore
	metrics   *metrics.Collector
	logger    *zap.Logger

	state   atomic.Value // types.SyncState
	started atomic.Bool

	// finalized is the contiguous watermark: every height up to it is committed
	finalizedMu sync.Mutex
	finalized   uint64

	specMu     sync.Mutex
	specHeight uint64
	spec       uint32
	specSeen   bool

	subsMu sync.Mutex
	subs   []HeadSubscription
	quit   chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// New creates a synchronizer. m may be nil.
func New(cfg *Config, source BlockSource, processor BlockProcessor, store StateStore, m *metrics.Collector, logger *zap.Logger) (*Synchronizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	c := *cfg
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if source == nil || processor == nil || store == nil {
		return nil, fmt.Errorf("source, processor and store are required")
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Synchronizer{
		cfg:       c,
		source:    source,
		processor: processor,
		store:     store,
		metrics:   m,
		logger:    logger.With(zap.String("chain", c.ChainID)),
		quit:      make(chan struct{}),
	}
	s.state.Store(types.SyncStateIdle)
	return s, nil
}

// State returns the current pipeline state
func (s *Synchronizer) State() types.SyncState {
	return s.state.Load().(types.SyncState)
}

// LastFinalized returns the contiguous watermark known to the synchronizer
func (s *Synchronizer) LastFinalized() uint64 {
	s.finalizedMu.Lock()
	defer s.finalizedMu.Unlock()
	return s.finalized
}

func (s *Synchronizer) setState(state types.SyncState) {
	s.state.Store(state)
	s.metrics.SetState(state)
}

// Start backfills to the node's finalized head, then opens the live streams.
// It returns once the streams run; they stop on Stop.
func (s *Synchronizer) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.logger.Info("starting synchronizer")
	if s.stopping() {
		return ErrStopped
	}
	if err := s.Backfill(ctx); err != nil {
		return err
	}

	if s.cfg.Subscriber == nil {
		s.logger.Info("no subscriber configured, live tracking disabled")
		return nil
	}
	if s.stopping() {
		return ErrStopped
	}

	finalized, err := s.cfg.Subscriber.SubscribeFinalized(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to finalized heads: %w", err)
	}
	best, err := s.cfg.Subscriber.SubscribeBest(ctx)
	if err != nil {
		finalized.Unsubscribe()
		return fmt.Errorf("failed to subscribe to best heads: %w", err)
	}

	// Stop takes subsMu after closing quit, so a Stop that raced the subscribe calls
	// is seen here and the handlers are registered with wg before Stop waits on it.
	s.subsMu.Lock()
	if s.stopping() {
		s.subsMu.Unlock()
		finalized.Unsubscribe()
		best.Unsubscribe()
		return ErrStopped
	}
	s.subs = append(s.subs, finalized, best)
	s.wg.Add(2)
	s.subsMu.Unlock()

	// In-flight block work is not cancelled by the caller or by Stop
	work := context.WithoutCancel(ctx)
	go s.runFinalized(work, finalized)
	go s.runBest(work, best)

	s.logger.Info("synchronizer is live")
	return nil
}

// Stop unsubscribes both streams and waits for the handlers to finish their current block
func (s *Synchronizer) Stop() {
	s.stop.Do(func() {
		close(s.quit)

		s.subsMu.Lock()
		subs := s.subs
		s.subs = nil
		s.subsMu.Unlock()

		for _, sub := range subs {
			sub.Unsubscribe()
		}
		s.wg.Wait()
		s.logger.Info("synchronizer stopped")
	})
}

func (s *Synchronizer) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// processOne fetches and persists height, retrying with exponential backoff
func (s *Synchronizer) processOne(ctx context.Context, height uint64, status types.BlockStatus) error {
	op := func() error {
		raw, err := s.source.FetchBlock(ctx, height)
		if err != nil {
			return permanentIfCancelled(fmt.Errorf("fetch: %w", err))
		}
		s.observeSpecVersion(raw.Number, raw.SpecVersion)
		if err := s.processor.ProcessBlock(ctx, raw, status); err != nil {
			return permanentIfCancelled(err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("block failed, retrying",
			zap.Uint64("height", height),
			zap.String("status", string(status)),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, s.newBackOff(ctx), notify); err != nil {
		s.metrics.RecordError()
		return fmt.Errorf("block %d: %w", height, err)
	}

	s.metrics.RecordBlock(height)
	return nil
}

func (s *Synchronizer) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.RetryDelay
	exp.MaxInterval = constants.MaxRetryDelay
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.cfg.MaxRetries)), ctx)
}

func permanentIfCancelled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

// observeSpecVersion flags a runtime upgrade when a block above every block seen so far
// reports a different spec version
func (s *Synchronizer) observeSpecVersion(height uint64, version uint32) {
	s.specMu.Lock()
	if s.specSeen && height <= s.specHeight {
		s.specMu.Unlock()
		return
	}
	old, seen := s.spec, s.specSeen
	s.spec, s.specHeight, s.specSeen = version, height, true
	s.specMu.Unlock()

	if !seen || old == version {
		return
	}

	s.logger.Info("runtime upgrade detected",
		zap.Uint64("height", height),
		zap.Uint32("old_spec_version", old),
		zap.Uint32("new_spec_version", version),
	)
	s.metrics.RecordRuntimeUpgrade()
	if s.cfg.OnRuntimeUpgrade != nil {
		s.cfg.OnRuntimeUpgrade(height, old, version)
	}
}

// Package plugin hosts the extension hooks invoked while a block is persisted.
package plugin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// Hook names used in logs and metrics
const (
	HookBlock     = "block"
	HookExtrinsic = "extrinsic"
	HookEvent     = "event"
	HookCommit    = "commit"
	HookRollback  = "rollback"
)

// Extension is a registered plugin. It implements any subset of the handler interfaces.
type Extension interface {
	ID() string
}

// BlockHandler observes every persisted block
type BlockHandler interface {
	OnBlock(ctx context.Context, bc *types.BlockContext, block *types.Block) error
}

// ExtrinsicHandler observes every persisted extrinsic
type ExtrinsicHandler interface {
	OnExtrinsic(ctx context.Context, bc *types.BlockContext, ext *types.Extrinsic) error
}

// EventHandler observes every persisted event
type EventHandler interface {
	OnEvent(ctx context.Context, bc *types.BlockContext, evt *types.Event) error
}

// CommitHandler learns the outcome of the transaction its block, extrinsic and event
// handlers ran inside. Side effects that must not announce uncommitted rows belong in OnCommit.
type CommitHandler interface {
	OnCommit(ctx context.Context, bc *types.BlockContext) error
	OnRollback(ctx context.Context, bc *types.BlockContext)
}

// Registry holds extensions and invokes their handlers with per-call isolation
type Registry struct {
	mu         sync.RWMutex
	extensions []Extension
	ids        map[string]struct{}

	logger   *zap.Logger
	failures atomic.Uint64
	failVec  *prometheus.CounterVec
}

// NewRegistry creates an empty registry. reg may be nil.
func NewRegistry(logger *zap.Logger, reg prometheus.Registerer) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		ids:    make(map[string]struct{}),
		logger: logger,
		failVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_plugin_failures_total",
			Help: "Extension handler calls that returned an error or panicked",
		}, []string{"extension", "hook"}),
	}
	if reg != nil {
		if err := reg.Register(r.failVec); err != nil {
			return nil, fmt.Errorf("failed to register plugin metrics: %w", err)
		}
	}
	return r, nil
}

// Register adds an extension. IDs must be unique.
func (r *Registry) Register(ext Extension) error {
	if ext == nil {
		return fmt.Errorf("extension cannot be nil")
	}
	id := ext.ID()
	if id == "" {
		return fmt.Errorf("extension id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return fmt.Errorf("extension %q already registered", id)
	}
	r.ids[id] = struct{}{}
	r.extensions = append(r.extensions, ext)

	r.logger.Info("extension registered", zap.String("extension", id))
	return nil
}

// Extensions returns the IDs of registered extensions in registration order
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.extensions))
	for _, ext := range r.extensions {
		ids = append(ids, ext.ID())
	}
	return ids
}

// Failures returns the number of failed handler calls since start
func (r *Registry) Failures() uint64 {
	return r.failures.Load()
}

// InvokeBlockHandlers calls OnBlock on every extension that implements it
func (r *Registry) InvokeBlockHandlers(ctx context.Context, bc *types.BlockContext, block *types.Block) {
	for _, ext := range r.snapshot() {
		if h, ok := ext.(BlockHandler); ok {
			r.call(ext.ID(), HookBlock, bc, func() error { return h.OnBlock(ctx, bc, block) })
		}
	}
}

// InvokeExtrinsicHandlers calls OnExtrinsic on every extension that implements it
func (r *Registry) InvokeExtrinsicHandlers(ctx context.Context, bc *types.BlockContext, ext *types.Extrinsic) {
	for _, e := range r.snapshot() {
		if h, ok := e.(ExtrinsicHandler); ok {
			r.call(e.ID(), HookExtrinsic, bc, func() error { return h.OnExtrinsic(ctx, bc, ext) })
		}
	}
}

// InvokeEventHandlers calls OnEvent on every extension that implements it
func (r *Registry) InvokeEventHandlers(ctx context.Context, bc *types.BlockContext, evt *types.Event) {
	for _, ext := range r.snapshot() {
		if h, ok := ext.(EventHandler); ok {
			r.call(ext.ID(), HookEvent, bc, func() error { return h.OnEvent(ctx, bc, evt) })
		}
	}
}

// InvokeCommitHandlers calls OnCommit once the block transaction has committed
func (r *Registry) InvokeCommitHandlers(ctx context.Context, bc *types.BlockContext) {
	for _, ext := range r.snapshot() {
		if h, ok := ext.(CommitHandler); ok {
			r.call(ext.ID(), HookCommit, bc, func() error { return h.OnCommit(ctx, bc) })
		}
	}
}

// InvokeRollbackHandlers calls OnRollback when the block transaction failed or was skipped
func (r *Registry) InvokeRollbackHandlers(ctx context.Context, bc *types.BlockContext) {
	for _, ext := range r.snapshot() {
		if h, ok := ext.(CommitHandler); ok {
			r.call(ext.ID(), HookRollback, bc, func() error {
				h.OnRollback(ctx, bc)
				return nil
			})
		}
	}
}

func (r *Registry) snapshot() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extensions
}

// call runs fn, converting both errors and panics into a logged failure
func (r *Registry) call(id, hook string, bc *types.BlockContext, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(id, hook, bc, fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := fn(); err != nil {
		r.fail(id, hook, bc, err)
	}
}

func (r *Registry) fail(id, hook string, bc *types.BlockContext, err error) {
	r.failures.Add(1)
	r.failVec.WithLabelValues(id, hook).Inc()

	var height uint64
	if bc != nil {
		height = bc.BlockHeight
	}
	r.logger.Warn("extension handler failed",
		zap.String("extension", id),
		zap.String("hook", hook),
		zap.Uint64("height", height),
		zap.Error(err),
	)
}

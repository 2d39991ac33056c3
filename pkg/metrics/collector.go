// Package metrics tracks ingestion progress for the status endpoint and Prometheus.
package metrics

import (
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// Snapshot is a point-in-time view of ingestion progress
type Snapshot struct {
	StartedAt       int64           `json:"startedAt"`
	UptimeSeconds   int64           `json:"uptimeSeconds"`
	State           types.SyncState `json:"state"`
	BlocksProcessed uint64          `json:"blocksProcessed"`
	IndexedHeight   uint64          `json:"indexedHeight"`
	ChainTip        uint64          `json:"chainTip"`
	BlocksRemaining uint64          `json:"blocksRemaining"`
	SyncPercent     float64         `json:"syncPercent"`
	BlocksPerMinute int             `json:"blocksPerMinute"`
	BlocksPerHour   int             `json:"blocksPerHour"`
	ETASeconds      *int64          `json:"etaSeconds"`
	ErrorCount      uint64          `json:"errorCount"`
	RuntimeUpgrades uint64          `json:"runtimeUpgrades"`
	Memory          MemoryStats     `json:"memory"`
}

// MemoryStats is a subset of runtime.MemStats
type MemoryStats struct {
	Sys        uint64 `json:"sys"`
	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapInuse  uint64 `json:"heapInuse"`
	Goroutines int    `json:"goroutines"`
}

// Option configures a Collector
type Option func(*Collector)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithRegisterer registers the Prometheus collectors on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Collector) { c.registerer = reg }
}

// Collector is the in-memory metrics store. All methods are safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	now        func() time.Time
	registerer prometheus.Registerer
	prom       *promMetrics

	startedAt       time.Time
	state           types.SyncState
	blocksProcessed uint64
	indexedHeight   uint64
	chainTip        uint64
	errorCount      uint64
	runtimeUpgrades uint64

	// completions holds block completion times, oldest first, at most MetricsWindowSize entries
	completions []time.Time
}

// New creates a Collector in the idle state
func New(opts ...Option) *Collector {
	c := &Collector{
		now:   time.Now,
		state: types.SyncStateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startedAt = c.now()
	c.prom = newPromMetrics(c.registerer)
	c.prom.setState(c.state)
	return c
}

// RecordBlock counts a committed block
func (c *Collector) RecordBlock(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blocksProcessed++
	if height > c.indexedHeight {
		c.indexedHeight = height
	}
	c.completions = append(c.completions, c.now())
	if over := len(c.completions) - constants.MetricsWindowSize; over > 0 {
		c.completions = append(c.completions[:0], c.completions[over:]...)
	}

	c.prom.blocksProcessed.Inc()
	c.prom.indexedHeight.Set(float64(c.indexedHeight))
}

// RecordError counts a failed block or notification
func (c *Collector) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	c.prom.errors.Inc()
}

// RecordRuntimeUpgrade counts an observed spec version change
func (c *Collector) RecordRuntimeUpgrade() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runtimeUpgrades++
	c.prom.runtimeUpgrades.Inc()
}

// SetState sets the pipeline state
func (c *Collector) SetState(state types.SyncState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.prom.setState(state)
}

// State returns the pipeline state
func (c *Collector) State() types.SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetChainTip raises the known chain tip
func (c *Collector) SetChainTip(tip uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tip > c.chainTip {
		c.chainTip = tip
		c.prom.chainTip.Set(float64(tip))
	}
}

// SeedIndexedHeight raises the indexed height from persisted state at startup
func (c *Collector) SeedIndexedHeight(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height > c.indexedHeight {
		c.indexedHeight = height
		c.prom.indexedHeight.Set(float64(height))
	}
}

// Snapshot computes derived rates and the sync ETA
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	now := c.now()
	s := Snapshot{
		StartedAt:       c.startedAt.UnixMilli(),
		UptimeSeconds:   int64(now.Sub(c.startedAt) / time.Second),
		State:           c.state,
		BlocksProcessed: c.blocksProcessed,
		IndexedHeight:   c.indexedHeight,
		ChainTip:        c.chainTip,
		ErrorCount:      c.errorCount,
		RuntimeUpgrades: c.runtimeUpgrades,
		BlocksPerMinute: countSince(c.completions, now.Add(-time.Minute)),
		BlocksPerHour:   countSince(c.completions, now.Add(-time.Hour)),
	}
	c.mu.Unlock()

	if s.ChainTip > s.IndexedHeight {
		s.BlocksRemaining = s.ChainTip - s.IndexedHeight
	}
	if s.ChainTip > 0 {
		pct := math.Min(float64(constants.PercentageMultiplier),
			float64(s.IndexedHeight)/float64(s.ChainTip)*constants.PercentageMultiplier)
		s.SyncPercent = math.Round(pct*100) / 100
	}
	if s.BlocksRemaining > 0 && s.BlocksPerMinute > 0 {
		perSecond := float64(s.BlocksPerMinute) / 60
		eta := int64(math.Ceil(float64(s.BlocksRemaining) / perSecond))
		s.ETASeconds = &eta
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.Memory = MemoryStats{
		Sys:        ms.Sys,
		HeapAlloc:  ms.HeapAlloc,
		HeapInuse:  ms.HeapInuse,
		Goroutines: runtime.NumGoroutine(),
	}
	return s
}

// countSince counts entries at or after since. times is sorted ascending.
func countSince(times []time.Time, since time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0; i-- {
		if times[i].Before(since) {
			break
		}
		n++
	}
	return n
}

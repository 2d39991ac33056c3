package ingest

import (
	"fmt"
	"time"

	"github.com/0xmhha/substrate-indexer/internal/constants"
)

// Config holds synchronizer configuration
type Config struct {
	// ChainID keys the IndexerState row
	ChainID string

	// BatchSize is the number of heights processed concurrently during backfill
	BatchSize int

	// MaxRetries bounds per-block retries, 0 disables retrying
	MaxRetries int

	// RetryDelay is the initial retry interval
	RetryDelay time.Duration

	// Subscriber opens the live head streams. Live tracking is disabled when nil.
	Subscriber Subscriber

	// OnRuntimeUpgrade is called when a block reports a new spec version
	OnRuntimeUpgrade func(height uint64, oldVersion, newVersion uint32)
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.ChainID == "" {
		c.ChainID = constants.DefaultChainID
	}
	if c.BatchSize <= 0 {
		c.BatchSize = constants.DefaultBatchSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = constants.DefaultRetryDelay
	}
}

// Validate validates the synchronizer configuration
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.BatchSize > constants.MaxBatchSize {
		return fmt.Errorf("batch size cannot exceed %d", constants.MaxBatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

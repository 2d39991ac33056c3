package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/0xmhha/substrate-indexer/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger creates a logger that writes through t.Log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// AccountHex returns a deterministic 32-byte account id in 0x hex, every byte set to b
func AccountHex(b byte) string {
	return "0x" + strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

// hashHex returns a deterministic 32-byte hash for height
func hashHex(height uint64) string {
	return fmt.Sprintf("0x%064x", height)
}

// NewRawBlock creates a raw block at height with txCount unsigned extrinsics and no events
func NewRawBlock(height uint64, txCount int) *types.RawBlock {
	parent := uint64(0)
	if height > 0 {
		parent = height - 1
	}
	ts := int64(1_700_000_000_000 + height*6000)
	block := &types.RawBlock{
		Number:         height,
		Hash:           hashHex(height),
		ParentHash:     hashHex(parent),
		StateRoot:      fmt.Sprintf("0x%064x", height+1_000_000),
		ExtrinsicsRoot: fmt.Sprintf("0x%064x", height+2_000_000),
		Timestamp:      &ts,
		SpecVersion:    1000,
	}
	for i := 0; i < txCount; i++ {
		block.Extrinsics = append(block.Extrinsics, &types.RawExtrinsic{
			Index:  uint32(i),
			Module: "Timestamp",
			Call:   "set",
			Args:   map[string]any{"now": ts},
		})
	}
	return block
}

// ApplyEvent builds an event emitted while applying extrinsic idx
func ApplyEvent(index, idx uint32, module, event string, data map[string]any) *types.RawEvent {
	return &types.RawEvent{
		Index:          index,
		ExtrinsicIndex: &idx,
		Module:         module,
		Event:          event,
		Data:           data,
		PhaseType:      types.PhaseApplyExtrinsic,
	}
}

// FinalizationEvent builds an event emitted in the finalization phase
func FinalizationEvent(index uint32, module, event string, data map[string]any) *types.RawEvent {
	return &types.RawEvent{
		Index:     index,
		Module:    module,
		Event:     event,
		Data:      data,
		PhaseType: types.PhaseFinalization,
	}
}

// StrPtr returns a pointer to s
func StrPtr(s string) *string {
	return &s
}

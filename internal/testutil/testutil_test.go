package testutil

import (
	"testing"

	"github.com/0xmhha/substrate-indexer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTestLogger(t *testing.T) {
	assert.NotNil(t, NewTestLogger(t))
}

func TestAccountHex(t *testing.T) {
	acc := AccountHex(0xab)
	assert.Len(t, acc, 66)
	assert.Equal(t, "0xabab", acc[:6])
}

func TestNewRawBlock(t *testing.T) {
	block := NewRawBlock(5, 3)
	require.NotNil(t, block)
	assert.Equal(t, uint64(5), block.Number)
	assert.Equal(t, NewRawBlock(4, 0).Hash, block.ParentHash)
	assert.Len(t, block.Extrinsics, 3)
	assert.Equal(t, uint32(2), block.Extrinsics[2].Index)
	require.NotNil(t, block.Timestamp)

	genesis := NewRawBlock(0, 0)
	assert.Equal(t, genesis.Hash, genesis.ParentHash)
	assert.Empty(t, genesis.Extrinsics)
}

func TestEventBuilders(t *testing.T) {
	ev := ApplyEvent(1, 0, "System", "ExtrinsicSuccess", nil)
	require.NotNil(t, ev.ExtrinsicIndex)
	assert.Equal(t, uint32(0), *ev.ExtrinsicIndex)
	assert.Equal(t, types.PhaseApplyExtrinsic, ev.PhaseType)

	fin := FinalizationEvent(2, "Balances", "Deposit", nil)
	assert.Nil(t, fin.ExtrinsicIndex)
	assert.Equal(t, types.PhaseFinalization, fin.PhaseType)
}

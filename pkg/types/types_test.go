package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockStatus_Valid(t *testing.T) {
	assert.True(t, BlockStatusBest.Valid())
	assert.True(t, BlockStatusFinalized.Valid())
	assert.False(t, BlockStatus("").Valid())
	assert.False(t, BlockStatus("pending").Valid())
}

func TestEntityID(t *testing.T) {
	assert.Equal(t, "100-0", EntityID(100, 0))
	assert.Equal(t, "18446744073709551615-7", EntityID(^uint64(0), 7))
}

func TestRawBlock_Context(t *testing.T) {
	ts := int64(1700000000000)
	raw := &RawBlock{Number: 42, Hash: "0xabc", Timestamp: &ts, SpecVersion: 9430}

	bc := raw.Context()
	assert.Equal(t, uint64(42), bc.BlockHeight)
	assert.Equal(t, "0xabc", bc.BlockHash)
	assert.Equal(t, &ts, bc.Timestamp)
	assert.Equal(t, uint32(9430), bc.SpecVersion)
}

func TestBlock_JSON(t *testing.T) {
	engine := "aura"
	b := &Block{
		Height:     7,
		Hash:       "0x01",
		Status:     BlockStatusFinalized,
		DigestLogs: []DigestLog{{Type: "preRuntime", Engine: &engine, Data: "0x00"}},
	}

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "finalized", out["status"])
	assert.Nil(t, out["timestamp"])
	assert.Nil(t, out["validatorId"])

	var decoded Block
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *b, decoded)
}

func TestPhase_JSON(t *testing.T) {
	data, err := json.Marshal(Phase{Type: PhaseFinalization})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Finalization"}`, string(data))

	idx := uint32(2)
	data, err = json.Marshal(Phase{Type: PhaseApplyExtrinsic, Index: &idx})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ApplyExtrinsic","index":2}`, string(data))
}

func TestLiveAccountInfo_JSON(t *testing.T) {
	free := new(big.Int).Lsh(big.NewInt(1), 120)
	info := &LiveAccountInfo{Nonce: 3, Providers: 1, Free: free}

	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"nonce": 3,
		"consumers": 0,
		"providers": 1,
		"sufficients": 0,
		"free": "1329227995784915872903807060280344576",
		"reserved": "0",
		"frozen": "0",
		"flags": "0"
	}`, string(data))
}

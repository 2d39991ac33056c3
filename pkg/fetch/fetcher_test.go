package fetch

import (
	"context"
	"errors"
	"testing"

	gstypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
	gscodec "github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"github.com/0xmhha/substrate-indexer/pkg/chainstate"
	"github.com/0xmhha/substrate-indexer/pkg/client"
	"github.com/0xmhha/substrate-indexer/pkg/decoder"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

// mockClient implements NodeClient for testing
type mockClient struct {
	hashes    map[uint64]string
	blocks    map[string]*client.SignedBlock
	storage   map[string][]byte
	spec      uint32
	finalized uint64
	blockErr  error
}

func newMockClient() *mockClient {
	return &mockClient{
		hashes:  map[uint64]string{},
		blocks:  map[string]*client.SignedBlock{},
		storage: map[string][]byte{},
		spec:    1000,
	}
}

func (m *mockClient) addBlock(height uint64, hash string, extrinsics ...string) {
	b := &client.SignedBlock{}
	b.Block.Header.ParentHash = "0xparent"
	b.Block.Header.Number = "0x1"
	b.Block.Header.StateRoot = "0xstate"
	b.Block.Header.ExtrinsicsRoot = "0xext"
	b.Block.Header.Digest.Logs = []string{"0x08", "0xff"}
	b.Block.Extrinsics = extrinsics
	m.hashes[height] = hash
	m.blocks[hash] = b
}

func (m *mockClient) GetBlockHash(_ context.Context, height uint64) (string, error) {
	h, ok := m.hashes[height]
	if !ok {
		return "", client.ErrBlockNotFound
	}
	return h, nil
}

func (m *mockClient) GetBlock(_ context.Context, hash string) (*client.SignedBlock, error) {
	if m.blockErr != nil {
		return nil, m.blockErr
	}
	return m.blocks[hash], nil
}

func (m *mockClient) GetRuntimeVersion(context.Context, string) (*client.RuntimeVersion, error) {
	return &client.RuntimeVersion{SpecName: "test", SpecVersion: m.spec}, nil
}

func (m *mockClient) GetStorage(_ context.Context, key, _ string) ([]byte, error) {
	return m.storage[key], nil
}

func (m *mockClient) GetFinalizedHeight(context.Context) (uint64, error) {
	return m.finalized, nil
}

// stubDecoder returns canned extrinsics and events
type stubDecoder struct {
	extrinsics []*types.RawExtrinsic
	events     []*types.RawEvent
	err        error
	gotRuntime decoder.Runtime
	gotCount   int
}

func (d *stubDecoder) DecodeExtrinsics(_ context.Context, rt decoder.Runtime, encoded [][]byte) ([]*types.RawExtrinsic, error) {
	d.gotRuntime = rt
	d.gotCount = len(encoded)
	return d.extrinsics, d.err
}

func (d *stubDecoder) DecodeEvents(context.Context, decoder.Runtime, []byte) ([]*types.RawEvent, error) {
	return d.events, nil
}

func TestNewFetcherValidation(t *testing.T) {
	_, err := NewFetcher(nil)
	assert.Error(t, err)
	_, err = NewFetcher(&Config{})
	assert.ErrorContains(t, err, "client cannot be nil")
}

func TestFetchBlockWithDecodedTimestamp(t *testing.T) {
	mc := newMockClient()
	mc.addBlock(10, "0xaaa", "0x0c040300", "0x00")

	dec := &stubDecoder{
		extrinsics: []*types.RawExtrinsic{
			{Index: 0, Module: "Timestamp", Call: "set", Args: map[string]any{"now": float64(1_700_000_000_000)}},
			{Index: 1, Module: "Balances", Call: "transfer", Args: map[string]any{}},
		},
		events: []*types.RawEvent{{Index: 0, Module: "System", Event: "ExtrinsicSuccess", PhaseType: types.PhaseApplyExtrinsic}},
	}
	f, err := NewFetcher(&Config{Client: mc, Decoder: dec, Logger: zap.NewNop()})
	require.NoError(t, err)

	block, err := f.FetchBlock(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, uint64(10), block.Number)
	assert.Equal(t, "0xaaa", block.Hash)
	assert.Equal(t, "0xparent", block.ParentHash)
	assert.Equal(t, uint32(1000), block.SpecVersion)
	assert.Equal(t, decoder.Runtime{SpecVersion: 1000, BlockHash: "0xaaa"}, dec.gotRuntime)
	assert.Equal(t, 2, dec.gotCount)
	require.NotNil(t, block.Timestamp)
	assert.Equal(t, int64(1_700_000_000_000), *block.Timestamp)
	assert.Len(t, block.Events, 1)
	require.Len(t, block.DigestLogs, 1)
	assert.Equal(t, "RuntimeEnvironmentUpdated", block.DigestLogs[0].Type)

	// decoder gave no hashes, so the fallback id is used
	require.NotNil(t, block.Extrinsics[1].Hash)
	assert.Equal(t, "0xaaa-1", *block.Extrinsics[1].Hash)
}

func TestFetchBlockTimestampFromStorage(t *testing.T) {
	mc := newMockClient()
	mc.addBlock(3, "0xbbb", "0x0c040300")
	now, err := gscodec.Encode(gstypes.NewU64(1_650_000_000_000))
	require.NoError(t, err)
	mc.storage[chainstate.StorageValueKey("Timestamp", "Now")] = now

	f, err := NewFetcher(&Config{Client: mc})
	require.NoError(t, err)

	block, err := f.FetchBlock(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, block.Timestamp)
	assert.Equal(t, int64(1_650_000_000_000), *block.Timestamp)

	// the default decoder hashes every extrinsic
	require.Len(t, block.Extrinsics, 1)
	assert.Len(t, *block.Extrinsics[0].Hash, 66)
	assert.Empty(t, block.Events)
}

func TestFetchBlockNoTimestamp(t *testing.T) {
	mc := newMockClient()
	mc.addBlock(0, "0xgenesis")
	mc.storage[constants.SystemEventsKey] = []byte{0x00}

	f, err := NewFetcher(&Config{Client: mc})
	require.NoError(t, err)

	block, err := f.FetchBlock(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, block.Timestamp)
	assert.Empty(t, block.Extrinsics)
}

func TestFetchBlockErrors(t *testing.T) {
	mc := newMockClient()
	f, err := NewFetcher(&Config{Client: mc})
	require.NoError(t, err)

	_, err = f.FetchBlock(context.Background(), 99)
	assert.ErrorIs(t, err, client.ErrBlockNotFound)

	mc.addBlock(1, "0xccc", "0xnothex")
	_, err = f.FetchBlock(context.Background(), 1)
	assert.ErrorContains(t, err, "extrinsic 0")

	mc.blockErr = errors.New("connection reset")
	_, err = f.FetchBlock(context.Background(), 1)
	assert.ErrorContains(t, err, "connection reset")
}

func TestFetchBlockDecoderError(t *testing.T) {
	mc := newMockClient()
	mc.addBlock(2, "0xddd", "0x0c040300")
	metadataErr := errors.New("metadata unavailable")

	f, err := NewFetcher(&Config{Client: mc, Decoder: &stubDecoder{err: metadataErr}})
	require.NoError(t, err)

	_, err = f.FetchBlock(context.Background(), 2)
	assert.ErrorIs(t, err, metadataErr)
	assert.ErrorContains(t, err, "failed to decode extrinsics of block 2")
}

func TestFinalizedHeight(t *testing.T) {
	mc := newMockClient()
	mc.finalized = 1234
	f, err := NewFetcher(&Config{Client: mc})
	require.NoError(t, err)

	h, err := f.FinalizedHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), h)
}

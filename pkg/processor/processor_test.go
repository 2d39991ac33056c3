package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/substrate-indexer/internal/testutil"
	"github.com/0xmhha/substrate-indexer/pkg/plugin"
	"github.com/0xmhha/substrate-indexer/pkg/storage"
	"github.com/0xmhha/substrate-indexer/pkg/types"
)

func setupTestStorage(t *testing.T) *storage.PebbleStorage {
	t.Helper()
	s, err := storage.NewPebbleStorage(storage.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type countingHooks struct {
	blocks, extrinsics, events int
	commits, rollbacks         int
}

func (h *countingHooks) InvokeBlockHandlers(ctx context.Context, bc *types.BlockContext, block *types.Block) {
	h.blocks++
}

func (h *countingHooks) InvokeExtrinsicHandlers(ctx context.Context, bc *types.BlockContext, ext *types.Extrinsic) {
	h.extrinsics++
}

func (h *countingHooks) InvokeEventHandlers(ctx context.Context, bc *types.BlockContext, evt *types.Event) {
	h.events++
}

func (h *countingHooks) InvokeCommitHandlers(ctx context.Context, bc *types.BlockContext) {
	h.commits++
}

func (h *countingHooks) InvokeRollbackHandlers(ctx context.Context, bc *types.BlockContext) {
	h.rollbacks++
}

// transferBlock has a signed transfer paying fees, a failed signed call and an unsigned inherent
func transferBlock(height uint64) *types.RawBlock {
	alice, bob := testutil.AccountHex(0xaa), testutil.AccountHex(0xbb)

	raw := testutil.NewRawBlock(height, 1)
	raw.Extrinsics = append(raw.Extrinsics,
		&types.RawExtrinsic{Index: 1, Signer: &alice, Module: "Balances", Call: "transfer_keep_alive",
			Args: map[string]any{"dest": bob, "value": "1000"}, Tip: testutil.StrPtr("5")},
		&types.RawExtrinsic{Index: 2, Signer: &bob, Module: "Utility", Call: "batch"},
	)
	raw.Events = []*types.RawEvent{
		testutil.ApplyEvent(0, 0, "System", "ExtrinsicSuccess", nil),
		testutil.ApplyEvent(1, 1, "Balances", "Withdraw", map[string]any{"who": alice, "amount": float64(200)}),
		testutil.ApplyEvent(2, 1, "Balances", "Transfer", map[string]any{"from": alice, "to": bob, "amount": "1000"}),
		testutil.ApplyEvent(3, 1, "TransactionPayment", "TransactionFeePaid", map[string]any{"who": alice, "actual_fee": "100", "tip": "5"}),
		testutil.ApplyEvent(4, 2, "System", "ExtrinsicFailed", map[string]any{"dispatch_error": "BadOrigin"}),
		testutil.ApplyEvent(5, 0, "Balances", "Withdraw", map[string]any{"who": bob, "amount": "7"}),
		testutil.ApplyEvent(6, 99, "System", "Remarked", nil),
		testutil.FinalizationEvent(7, "Treasury", "Deposit", map[string]any{"value": "3"}),
	}
	return raw
}

func TestProcessBlock_PersistsRecords(t *testing.T) {
	store := setupTestStorage(t)
	hooks := &countingHooks{}
	p := New(store, hooks, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, p.ProcessBlock(ctx, transferBlock(42), types.BlockStatusFinalized))

	block, err := store.GetBlock(ctx, 42)
	require.NoError(t, err)
	exts, err := store.GetExtrinsics(ctx, 42)
	require.NoError(t, err)
	evts, err := store.GetEvents(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, types.BlockStatusFinalized, block.Status)
	assert.Equal(t, len(exts), block.ExtrinsicCount)
	assert.Equal(t, len(evts), block.EventCount)
	assert.Equal(t, 3, block.ExtrinsicCount)
	assert.Equal(t, 8, block.EventCount)
	assert.Equal(t, uint32(1000), block.SpecVersion)

	assert.Equal(t, 1, hooks.blocks)
	assert.Equal(t, 3, hooks.extrinsics)
	assert.Equal(t, 8, hooks.events)
	assert.Equal(t, 1, hooks.commits)
	assert.Zero(t, hooks.rollbacks)
}

func TestProcessBlock_Correlation(t *testing.T) {
	store := setupTestStorage(t)
	p := New(store, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.ProcessBlock(ctx, transferBlock(42), types.BlockStatusFinalized))

	exts, err := store.GetExtrinsics(ctx, 42)
	require.NoError(t, err)
	require.Len(t, exts, 3)

	// Unsigned inherent: Withdraw must not set a fee
	assert.Equal(t, "42-0", exts[0].ID)
	assert.True(t, exts[0].Success)
	assert.Nil(t, exts[0].Fee)

	// TransactionFeePaid wins over Withdraw
	require.NotNil(t, exts[1].Fee)
	assert.Equal(t, "100", *exts[1].Fee)
	assert.Equal(t, "5", *exts[1].Tip)
	assert.True(t, exts[1].Success)

	assert.False(t, exts[2].Success)
	assert.Nil(t, exts[2].Fee)
}

func TestProcessBlock_EventLinking(t *testing.T) {
	store := setupTestStorage(t)
	p := New(store, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.ProcessBlock(ctx, transferBlock(42), types.BlockStatusFinalized))

	evts, err := store.GetEvents(ctx, 42)
	require.NoError(t, err)
	require.Len(t, evts, 8)

	require.NotNil(t, evts[2].ExtrinsicID)
	assert.Equal(t, "42-1", *evts[2].ExtrinsicID)
	assert.Equal(t, types.PhaseApplyExtrinsic, evts[2].Phase.Type)
	require.NotNil(t, evts[2].Phase.Index)
	assert.Equal(t, uint32(1), *evts[2].Phase.Index)

	// Index with no matching extrinsic is stored unlinked
	assert.Nil(t, evts[6].ExtrinsicID)
	assert.Equal(t, "42-6", evts[6].ID)

	assert.Nil(t, evts[7].ExtrinsicID)
	assert.Equal(t, types.PhaseFinalization, evts[7].Phase.Type)
	assert.Nil(t, evts[7].Phase.Index)
}

func TestProcessBlock_Accounts(t *testing.T) {
	store := setupTestStorage(t)
	p := New(store, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.ProcessBlock(ctx, transferBlock(42), types.BlockStatusFinalized))
	require.NoError(t, p.ProcessBlock(ctx, transferBlock(50), types.BlockStatusFinalized))

	alice, err := store.GetAccount(ctx, testutil.AccountHex(0xaa))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), alice.CreatedAtBlock)
	assert.Equal(t, uint64(50), alice.LastActiveBlock)

	bob, err := store.GetAccount(ctx, testutil.AccountHex(0xbb))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), bob.CreatedAtBlock)
}

func TestProcessBlock_BestThenFinalized(t *testing.T) {
	store := setupTestStorage(t)
	p := New(store, nil, nil)
	ctx := context.Background()

	best := transferBlock(42)
	best.Hash = testutil.AccountHex(0x42)
	require.NoError(t, p.ProcessBlock(ctx, best, types.BlockStatusBest))

	// The finalized fork has fewer extrinsics and events than the best one
	final := testutil.NewRawBlock(42, 1)
	require.NoError(t, p.ProcessBlock(ctx, final, types.BlockStatusFinalized))

	block, err := store.GetBlock(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusFinalized, block.Status)
	assert.Equal(t, final.Hash, block.Hash)

	exts, err := store.GetExtrinsics(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, exts, block.ExtrinsicCount)
	evts, err := store.GetEvents(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, evts, block.EventCount)

	// Processing the same finalized block again changes nothing
	require.NoError(t, p.ProcessBlock(ctx, final, types.BlockStatusFinalized))
	again, err := store.GetBlock(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, block, again)
}

func TestProcessBlock_BestDoesNotDowngradeFinalized(t *testing.T) {
	store := setupTestStorage(t)
	hooks := &countingHooks{}
	p := New(store, hooks, nil)
	ctx := context.Background()

	require.NoError(t, p.ProcessBlock(ctx, testutil.NewRawBlock(7, 1), types.BlockStatusFinalized))
	assert.Equal(t, 1, hooks.blocks)

	late := transferBlock(7)
	require.NoError(t, p.ProcessBlock(ctx, late, types.BlockStatusBest))
	assert.Equal(t, 1, hooks.blocks)
	assert.Equal(t, 1, hooks.commits)

	block, err := store.GetBlock(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusFinalized, block.Status)
	assert.Equal(t, 1, block.ExtrinsicCount)
}

// failingStore fails InsertEvent to simulate a storage fault mid-block
type failingStore struct {
	storage.Storage
}

type failingTx struct {
	storage.Tx
}

func (f *failingStore) Transaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	return f.Storage.Transaction(ctx, func(tx storage.Tx) error {
		return fn(&failingTx{Tx: tx})
	})
}

var errDiskFull = errors.New("disk full")

func (f *failingTx) InsertEvent(ctx context.Context, evt *types.Event) error {
	return errDiskFull
}

func TestProcessBlock_StorageErrorRollsBack(t *testing.T) {
	store := setupTestStorage(t)
	p := New(&failingStore{Storage: store}, nil, nil)
	ctx := context.Background()

	err := p.ProcessBlock(ctx, transferBlock(42), types.BlockStatusFinalized)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errDiskFull))

	_, err = store.GetBlock(ctx, 42)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	exts, err := store.GetExtrinsics(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, exts)
	_, err = store.GetAccount(ctx, testutil.AccountHex(0xaa))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

// channelRecorder captures Redis publishes
type channelRecorder struct {
	channels []string
}

func (c *channelRecorder) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	c.channels = append(c.channels, channel)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func TestProcessBlock_PublishesOnlyCommittedBlocks(t *testing.T) {
	store := setupTestStorage(t)
	redisClient := &channelRecorder{}
	registry, err := plugin.NewRegistry(zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, registry.Register(plugin.NewPublisher(redisClient, plugin.PublisherConfig{ChannelPrefix: "test"}, nil)))
	ctx := context.Background()

	failing := New(&failingStore{Storage: store}, registry, nil)
	require.Error(t, failing.ProcessBlock(ctx, transferBlock(42), types.BlockStatusFinalized))
	assert.Empty(t, redisClient.channels)

	p := New(store, registry, nil)
	require.NoError(t, p.ProcessBlock(ctx, testutil.NewRawBlock(43, 1), types.BlockStatusFinalized))
	assert.Equal(t, []string{"test:blocks", "test:extrinsics"}, redisClient.channels)
	assert.Zero(t, registry.Failures())
}

func TestProcessBlock_RollbackHook(t *testing.T) {
	hooks := &countingHooks{}
	p := New(&failingStore{Storage: setupTestStorage(t)}, hooks, nil)

	require.Error(t, p.ProcessBlock(context.Background(), transferBlock(42), types.BlockStatusFinalized))
	assert.Equal(t, 1, hooks.rollbacks)
	assert.Zero(t, hooks.commits)
}

type brokenExtension struct{}

func (brokenExtension) ID() string { return "broken" }

func (brokenExtension) OnEvent(ctx context.Context, bc *types.BlockContext, evt *types.Event) error {
	panic("extension bug")
}

func TestProcessBlock_HookFailureDoesNotAbort(t *testing.T) {
	store := setupTestStorage(t)
	registry, err := plugin.NewRegistry(zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, registry.Register(brokenExtension{}))

	p := New(store, registry, nil)
	ctx := context.Background()
	require.NoError(t, p.ProcessBlock(ctx, transferBlock(42), types.BlockStatusFinalized))

	block, err := store.GetBlock(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 8, block.EventCount)
	assert.Equal(t, uint64(8), registry.Failures())
}

func TestProcessBlock_InvalidInput(t *testing.T) {
	p := New(setupTestStorage(t), nil, nil)
	assert.Error(t, p.ProcessBlock(context.Background(), nil, types.BlockStatusBest))
	assert.Error(t, p.ProcessBlock(context.Background(), testutil.NewRawBlock(1, 0), "pending"))
}

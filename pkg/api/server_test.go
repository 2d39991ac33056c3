package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/0xmhha/substrate-indexer/internal/testutil"
	"github.com/0xmhha/substrate-indexer/pkg/chainstate"
	"github.com/0xmhha/substrate-indexer/pkg/metrics"
	"github.com/0xmhha/substrate-indexer/pkg/storage"
	"github.com/0xmhha/substrate-indexer/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBalances struct {
	info *types.LiveAccountInfo
	err  error
}

func (f *fakeBalances) GetLiveBalance(_ context.Context, accountID string) (*types.LiveAccountInfo, error) {
	if _, err := chainstate.SystemAccountKey(accountID); err != nil {
		return nil, err
	}
	return f.info, f.err
}

type fakeExtensions struct{}

func (fakeExtensions) Extensions() []string { return []string{"publisher"} }
func (fakeExtensions) Failures() uint64     { return 3 }

// brokenStore fails every read
type brokenStore struct {
	storage.Reader
}

func (brokenStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewPebbleStorage(storage.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.ChainID == "" {
		deps.ChainID = "polkadot"
	}
	srv, err := NewServer(DefaultConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(DefaultConfig(), Deps{Metrics: metrics.New()}, nil)
	assert.Error(t, err)

	_, err = NewServer(DefaultConfig(), Deps{Store: newTestStore(t)}, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Port = 0
	_, err = NewServer(cfg, Deps{Store: newTestStore(t), Metrics: metrics.New()}, nil)
	assert.Error(t, err)
}

func TestConfig_Address(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestHealth(t *testing.T) {
	store := newTestStore(t)
	srv := newTestServer(t, Deps{Store: store})

	t.Run("NoStateYet", func(t *testing.T) {
		rec := get(t, srv, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, StatusDegraded, resp.Status)
		assert.True(t, resp.DBConnected)
		assert.Equal(t, int64(-1), resp.SyncLag)
	})

	t.Run("Syncing", func(t *testing.T) {
		require.NoError(t, store.UpsertIndexerState(context.Background(), &types.IndexerState{
			ChainID:            "polkadot",
			ChainTip:           500,
			LastFinalizedBlock: 120,
			State:              types.SyncStateSyncing,
			UpdatedAt:          time.Now(),
		}))

		var resp HealthResponse
		rec := get(t, srv, "/health")
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, StatusDegraded, resp.Status)
		assert.Equal(t, int64(380), resp.SyncLag)
		assert.Equal(t, uint64(500), resp.ChainTip)
		assert.Equal(t, uint64(120), resp.IndexedTip)
	})

	t.Run("Live", func(t *testing.T) {
		require.NoError(t, store.UpsertIndexerState(context.Background(), &types.IndexerState{
			ChainID:            "polkadot",
			ChainTip:           500,
			LastFinalizedBlock: 500,
			State:              types.SyncStateLive,
			UpdatedAt:          time.Now(),
		}))

		var resp HealthResponse
		rec := get(t, srv, "/health")
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, StatusHealthy, resp.Status)
		assert.Equal(t, int64(0), resp.SyncLag)
	})
}

func TestHealth_StoreUnreachable(t *testing.T) {
	srv := newTestServer(t, Deps{Store: brokenStore{}})

	rec := get(t, srv, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.False(t, resp.DBConnected)
	assert.Contains(t, resp.Error, "connection refused")
}

func TestIndexerStatus(t *testing.T) {
	m := metrics.New()
	m.SetChainTip(200)
	m.SeedIndexedHeight(50)
	m.RecordBlock(51)
	m.SetState(types.SyncStateSyncing)

	srv := newTestServer(t, Deps{Store: newTestStore(t), Metrics: m, Extensions: fakeExtensions{}})

	rec := get(t, srv, "/api/indexer-status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "syncing", body["state"])
	assert.Equal(t, "polkadot", body["chainId"])
	assert.EqualValues(t, 200, body["chainTip"])
	assert.EqualValues(t, 51, body["indexedHeight"])
	assert.EqualValues(t, 1, body["blocksProcessed"])
	assert.EqualValues(t, 3, body["pluginFailures"])
	assert.Equal(t, []any{"publisher"}, body["extensions"])
	assert.Contains(t, body, "memory")
}

func TestExtensions(t *testing.T) {
	srv := newTestServer(t, Deps{Store: newTestStore(t)})
	rec := get(t, srv, "/api/extensions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"extensions":[]}`, rec.Body.String())
}

func TestAccountBalance(t *testing.T) {
	alice := testutil.AccountHex(0xaa)
	free, _ := new(big.Int).SetString("1000000000000", 10)

	t.Run("Found", func(t *testing.T) {
		srv := newTestServer(t, Deps{
			Store:    newTestStore(t),
			Balances: &fakeBalances{info: &types.LiveAccountInfo{Nonce: 7, Providers: 1, Free: free}},
		})

		rec := get(t, srv, "/api/accounts/"+alice+"/balance")
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.EqualValues(t, 7, body["nonce"])
		assert.Equal(t, "1000000000000", body["free"])
		assert.Equal(t, "0", body["reserved"])
	})

	t.Run("NoAccountData", func(t *testing.T) {
		srv := newTestServer(t, Deps{Store: newTestStore(t), Balances: &fakeBalances{}})
		rec := get(t, srv, "/api/accounts/"+alice+"/balance")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("InvalidAddress", func(t *testing.T) {
		srv := newTestServer(t, Deps{Store: newTestStore(t), Balances: &fakeBalances{}})
		rec := get(t, srv, "/api/accounts/0x1234/balance")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("NodeError", func(t *testing.T) {
		srv := newTestServer(t, Deps{
			Store:    newTestStore(t),
			Balances: &fakeBalances{err: errors.New("rpc timeout")},
		})
		rec := get(t, srv, "/api/accounts/"+alice+"/balance")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("DisabledWithoutReader", func(t *testing.T) {
		srv := newTestServer(t, Deps{Store: newTestStore(t)})
		rec := get(t, srv, "/api/accounts/"+alice+"/balance")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegisterer(reg))
	m.RecordBlock(1)

	srv := newTestServer(t, Deps{Store: newTestStore(t), Metrics: m, Gatherer: reg})

	rec := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "indexer_sync_blocks_processed_total 1"))
}

func TestRateLimitedServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableRateLimit = true
	cfg.RateLimitPerSecond = 1
	cfg.RateLimitBurst = 1

	srv, err := NewServer(cfg, Deps{Store: newTestStore(t), Metrics: metrics.New()}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(t, srv, "/api/extensions").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, srv, "/api/extensions").Code)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 39217

	srv, err := NewServer(cfg, Deps{Store: newTestStore(t), Metrics: metrics.New()}, zap.NewNop())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:39217/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, srv.Stop(context.Background()))
	assert.NoError(t, <-errCh)
}

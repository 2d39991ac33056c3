//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a PostgreSQL container and returns its connection string
func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("substrate_indexer"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestPostgresStorage(t *testing.T) {
	url := setupPostgres(t)

	runStorageSuite(t, func(t *testing.T) Storage {
		ctx := context.Background()
		s, err := NewPostgresStorage(ctx, &PostgresConfig{URL: url, MaxConns: 5})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })

		_, err = s.pool.Exec(ctx, `TRUNCATE blocks, extrinsics, events, accounts, indexer_state`)
		require.NoError(t, err)
		return s
	})
}

func TestPostgresStorage_SchemaIsIdempotent(t *testing.T) {
	url := setupPostgres(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s, err := Open(ctx, &Options{Backend: BackendPostgres, URL: url})
		require.NoError(t, err)
		require.NoError(t, s.Ping(ctx))
		require.NoError(t, s.Close())
	}
}

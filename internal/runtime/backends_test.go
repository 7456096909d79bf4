package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/config"
	errspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/errors"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/sqlstore"
)

func TestOpenLockManagerBackends(t *testing.T) {
	ctx := context.Background()

	mgr, closer, err := OpenLockManager(ctx, &configpkg.Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, mgr)
	assert.NoError(t, closer())

	mgr, closer, err = OpenLockManager(ctx, &configpkg.Config{LockBackend: "MEMORY"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, mgr)
	assert.NoError(t, closer())

	mgr, closer, err = OpenLockManager(ctx, &configpkg.Config{LockBackend: "sqlite", SQLiteFile: ":memory:"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, mgr)
	assert.NoError(t, closer())

	_, _, err = OpenLockManager(ctx, &configpkg.Config{LockBackend: "etcd"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrUnknownBackend)
}

func TestOpenSagaStoreBackends(t *testing.T) {
	ctx := context.Background()

	store, closer, err := OpenSagaStore(ctx, &configpkg.Config{})
	require.NoError(t, err)
	assert.Nil(t, store)
	assert.NoError(t, closer())

	store, closer, err = OpenSagaStore(ctx, &configpkg.Config{SagaBackend: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, store)
	assert.NoError(t, closer())

	store, closer, err = OpenSagaStore(ctx, &configpkg.Config{SagaBackend: "sqlite", SQLiteFile: ":memory:"})
	require.NoError(t, err)
	assert.NotNil(t, store)
	assert.NoError(t, closer())

	_, _, err = OpenSagaStore(ctx, &configpkg.Config{SagaBackend: "redis"})
	assert.ErrorIs(t, err, errspkg.ErrUnknownBackend)
}

func TestSQLBackendSelectsDialect(t *testing.T) {
	conf := &configpkg.Config{PostgresURL: "postgres://db", SQLiteFile: "app.db"}

	d, dsn := sqlBackend(conf, configpkg.BackendPostgres)
	assert.Equal(t, sqlstore.Postgres, d)
	assert.Equal(t, "postgres://db", dsn)

	d, dsn = sqlBackend(conf, configpkg.BackendSQLite)
	assert.Equal(t, sqlstore.SQLite, d)
	assert.Equal(t, "app.db", dsn)
}

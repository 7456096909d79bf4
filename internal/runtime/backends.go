package runtime

import (
	"context"
	"fmt"
	"strings"

	configpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/config"
	errspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/errors"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/lock"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/natskv"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/saga"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/sqlstore"
)

// Closer releases a connection opened for a storage backend.
type Closer func() error

func nopCloser() error { return nil }

// OpenLockManager builds the lock manager selected by conf.LockBackend. It
// returns a nil manager when no backend is configured.
func OpenLockManager(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger) (*lock.Manager, Closer, error) {
	store, closer, err := openLockStore(ctx, conf)
	if err != nil || store == nil {
		return nil, closer, err
	}
	mgr, err := lock.NewManager(store, lock.WithLogger(log))
	if err != nil {
		_ = closer()
		return nil, nopCloser, err
	}
	if err := mgr.Initialize(ctx); err != nil {
		_ = closer()
		return nil, nopCloser, fmt.Errorf("initialise lock store: %w", err)
	}
	return mgr, closer, nil
}

func openLockStore(ctx context.Context, conf *configpkg.Config) (lock.Store, Closer, error) {
	switch backend := strings.ToLower(conf.LockBackend); backend {
	case "":
		return nil, nopCloser, nil
	case configpkg.BackendMemory:
		return lock.NewMemoryStore(nil), nopCloser, nil
	case configpkg.BackendPostgres, configpkg.BackendSQLite:
		dialect, dsn := sqlBackend(conf, backend)
		db, err := sqlstore.Open(ctx, dialect, dsn)
		if err != nil {
			return nil, nopCloser, err
		}
		store, err := lock.NewSQLStore(db, dialect, conf.LockTable)
		if err != nil {
			_ = db.Close()
			return nil, nopCloser, err
		}
		return store, db.Close, nil
	case configpkg.BackendNATS:
		nc, js, err := natskv.Connect(conf.NATSURL)
		if err != nil {
			return nil, nopCloser, err
		}
		return lock.NewNATSStore(js, conf.LockTable), func() error { nc.Close(); return nil }, nil
	default:
		return nil, nopCloser, fmt.Errorf("lock backend %q: %w", conf.LockBackend, errspkg.ErrUnknownBackend)
	}
}

// OpenSagaStore builds and initialises the saga store selected by
// conf.SagaBackend. It returns a nil store when no backend is configured.
func OpenSagaStore(ctx context.Context, conf *configpkg.Config) (saga.Store, Closer, error) {
	var (
		store  saga.Store
		closer Closer = nopCloser
	)
	switch backend := strings.ToLower(conf.SagaBackend); backend {
	case "":
		return nil, nopCloser, nil
	case configpkg.BackendMemory:
		store = saga.NewMemoryStore(nil)
	case configpkg.BackendPostgres, configpkg.BackendSQLite:
		dialect, dsn := sqlBackend(conf, backend)
		db, err := sqlstore.Open(ctx, dialect, dsn)
		if err != nil {
			return nil, nopCloser, err
		}
		sqlStore, err := saga.NewSQLStore(db, dialect, conf.SagaTable)
		if err != nil {
			_ = db.Close()
			return nil, nopCloser, err
		}
		store, closer = sqlStore, db.Close
	case configpkg.BackendNATS:
		nc, js, err := natskv.Connect(conf.NATSURL)
		if err != nil {
			return nil, nopCloser, err
		}
		store, closer = saga.NewNATSStore(js, conf.SagaTable), func() error { nc.Close(); return nil }
	default:
		return nil, nopCloser, fmt.Errorf("saga backend %q: %w", conf.SagaBackend, errspkg.ErrUnknownBackend)
	}

	if err := store.Init(ctx); err != nil {
		_ = closer()
		return nil, nopCloser, fmt.Errorf("initialise saga store: %w", err)
	}
	return store, closer, nil
}

func sqlBackend(conf *configpkg.Config, backend string) (sqlstore.Dialect, string) {
	if backend == configpkg.BackendPostgres {
		return sqlstore.Postgres, conf.PostgresURL
	}
	return sqlstore.SQLite, conf.SQLiteFile
}

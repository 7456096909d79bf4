// Package sqlite registers a SQLite-backed queue transport for single-node
// deployments and tests.
package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/sqlstore"
	"github.com/BookBeat/knightbus-sub001/transport"
	"github.com/BookBeat/knightbus-sub001/transport/sqlqueue"
)

const TransportName = "sqlite"

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultFilePath     = "knightbus_queue.db"
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
	transport.RegisterWithCapabilities("sqlite3", Build, transport.SQLiteCapabilities)
}

func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(ctx, Config{FilePath: cfg.GetSQLiteFile()}, logger)
}

func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific settings.
type Config struct {
	// FilePath is the database file; ":memory:" keeps everything in process.
	FilePath     string
	PollInterval time.Duration
	Table        string
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// DSN adds WAL journaling and a busy timeout to file databases.
func (c Config) DSN() string {
	if c.FilePath == ":memory:" || strings.Contains(c.FilePath, "?") {
		return c.FilePath
	}
	return c.FilePath + "?_journal_mode=WAL&_busy_timeout=5000"
}

func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	cfg = cfg.withDefaults()
	db, err := sqlstore.Open(ctx, sqlstore.SQLite, cfg.DSN())
	if err != nil {
		return transport.Transport{}, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	q, err := sqlqueue.New(ctx, db, sqlqueue.Options{
		Dialect:      sqlstore.SQLite,
		Table:        cfg.Table,
		PollInterval: cfg.PollInterval,
		Logger:       loggingpkg.NewWatermillServiceLogger(logger),
		CloseDB:      true,
	})
	if err != nil {
		_ = db.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Source: q, Close: q.Close}, nil
}

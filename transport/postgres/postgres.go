// Package postgres registers a PostgreSQL-backed queue transport. Rows are
// leased with FOR UPDATE SKIP LOCKED so competing consumers never see the
// same message at once.
package postgres

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/sqlstore"
	"github.com/BookBeat/knightbus-sub001/transport"
	"github.com/BookBeat/knightbus-sub001/transport/sqlqueue"
)

const TransportName = "postgres"

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTable        = "knightbus.messages"
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Build opens the configured database and returns a native-lock transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(ctx, Config{ConnectionString: cfg.GetPostgresURL()}, logger)
}

func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific settings.
type Config struct {
	ConnectionString string
	PollInterval     time.Duration
	// Table may be schema qualified; the schema is created if missing.
	Table string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	return c
}

// New connects and migrates the queue tables.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	cfg = cfg.withDefaults()
	db, err := sqlstore.Open(ctx, sqlstore.Postgres, cfg.ConnectionString)
	if err != nil {
		return transport.Transport{}, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	q, err := sqlqueue.New(ctx, db, sqlqueue.Options{
		Dialect:      sqlstore.Postgres,
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

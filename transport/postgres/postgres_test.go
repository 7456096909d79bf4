package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"

	"github.com/BookBeat/knightbus-sub001/transport"
	"github.com/BookBeat/knightbus-sub001/transport/transporttest"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.True(t, transport.DefaultRegistry.Has("postgresql"))

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, transport.PostgresCapabilities, caps)
	assert.Equal(t, caps, Capabilities())
	assert.False(t, caps.RequiresLockEmulation())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultTable, cfg.Table)

	custom := Config{PollInterval: time.Second, Table: "app.queue"}.withDefaults()
	assert.Equal(t, time.Second, custom.PollInterval)
	assert.Equal(t, "app.queue", custom.Table)
}

func TestBuildRequiresConnectionString(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.Error(t, err)
}

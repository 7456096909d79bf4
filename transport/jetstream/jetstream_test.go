package jetstream

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
	"github.com/BookBeat/knightbus-sub001/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.True(t, transport.DefaultRegistry.Has("jetstream"))
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultStreamName, cfg.StreamName)
	assert.Equal(t, 1, cfg.Replicas)
	assert.Equal(t, DefaultMaxAge, cfg.MaxAge)
	assert.Equal(t, DefaultDeadLetterSuffix, cfg.DeadLetterSuffix)
	assert.Equal(t, DefaultFetchWait, cfg.FetchWait)

	custom := Config{StreamName: "ORDERS", Replicas: 3, FetchWait: 5 * time.Second}.withDefaults()
	assert.Equal(t, "ORDERS", custom.StreamName)
	assert.Equal(t, 3, custom.Replicas)
	assert.Equal(t, 5*time.Second, custom.FetchWait)
}

func TestSubjectAndDurable(t *testing.T) {
	q := &Queue{config: Config{}.withDefaults()}
	assert.Equal(t, "KNIGHTBUS.orders.ship", q.Subject("orders.ship"))
	assert.Equal(t, "kb_orders_ship", Durable("orders.ship"))
	assert.Equal(t, "kb_a_b_c", Durable("a*b>c"))
}

func TestEnvelopeFromHeaders(t *testing.T) {
	msg := nats.NewMsg("KNIGHTBUS.orders")
	msg.Data = []byte(`{"id":1}`)
	msg.Header.Set(metadatapkg.KeyMessageID, "m-1")
	msg.Header.Set("tenant", "acme")

	env := envelope(msg, 4)
	assert.Equal(t, "m-1", env.ID)
	assert.Equal(t, 4, env.DeliveryCount)
	assert.Equal(t, "acme", env.Properties["tenant"])
	assert.Equal(t, []byte(`{"id":1}`), env.Body)
}

func TestEnvelopeWithoutIDGetsOne(t *testing.T) {
	env := envelope(nats.NewMsg("KNIGHTBUS.orders"), 1)
	assert.Len(t, env.ID, 26)
}

func TestNumDeliveredDefaultsToOneForUnboundMessages(t *testing.T) {
	assert.Equal(t, 1, numDelivered(nats.NewMsg("KNIGHTBUS.orders")))
}

package transport

// Capabilities describes what a transport backend does natively. Everything
// it lacks is emulated by the bridge receiver or the processing pipeline.
type Capabilities struct {
	Name string

	// NativeLocks means the broker hides a fetched message from other
	// consumers until it is settled or the lock elapses.
	NativeLocks bool

	// LockRenewal means an in-flight message lock can be extended.
	LockRenewal bool

	// DeliveryCount means the broker reports how often a message was
	// delivered. Otherwise redeliveries are counted per process.
	DeliveryCount bool

	// NativeDeadLetter means dead-lettered messages go to broker-managed
	// storage instead of a "<queue>.deadletter" topic.
	NativeDeadLetter bool

	// Ordering means messages within a queue or partition arrive in order.
	Ordering bool

	// Nack means an abandoned message is redelivered immediately.
	Nack bool

	// MaxMessageSize is the maximum body size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresLockEmulation reports whether message locks are only enforced
// in-process.
func (c Capabilities) RequiresLockEmulation() bool {
	return !c.NativeLocks
}

// RequiresDeadLetterEmulation reports whether dead letters are republished
// to a suffixed topic.
func (c Capabilities) RequiresDeadLetterEmulation() bool {
	return !c.NativeDeadLetter
}

// SupportsReliableDelivery reports at-least-once delivery with redelivery of
// abandoned messages.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.NativeLocks || c.Nack
}

// Predefined capability sets.
var (
	ChannelCapabilities = Capabilities{
		Name:     "channel",
		Ordering: true,
		Nack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		Ordering:       true,
		Nack:           true,
		MaxMessageSize: 1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:     "rabbitmq",
		Ordering: true,
		Nack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		Nack:           true,
		MaxMessageSize: 1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:           "nats-jetstream",
		NativeLocks:    true,
		LockRenewal:    true,
		DeliveryCount:  true,
		Ordering:       true,
		Nack:           true,
		MaxMessageSize: 1048576,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		Nack:           true,
		MaxMessageSize: 262144,
	}

	SQSCapabilities = Capabilities{
		Name:             "sqs",
		NativeLocks:      true,
		LockRenewal:      true,
		DeliveryCount:    true,
		NativeDeadLetter: true,
		MaxMessageSize:   262144,
	}

	SQLiteCapabilities = Capabilities{
		Name:             "sqlite",
		NativeLocks:      true,
		LockRenewal:      true,
		DeliveryCount:    true,
		NativeDeadLetter: true,
		Ordering:         true,
		Nack:             true,
	}

	PostgresCapabilities = Capabilities{
		Name:             "postgres",
		NativeLocks:      true,
		LockRenewal:      true,
		DeliveryCount:    true,
		NativeDeadLetter: true,
		Ordering:         true,
		Nack:             true,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities returns the capabilities registered for a transport name
// in the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}

// Package rabbitmq provides a RabbitMQ transport built on watermill-amqp.
// Topics map to durable queues so handlers on the same queue compete for
// messages.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/BookBeat/knightbus-sub001/transport"
)

const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
	transport.RegisterWithCapabilities("amqp", Build, transport.RabbitMQCapabilities)
}

// Build opens one connection shared by the publisher and the subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, fmt.Errorf("rabbitmq: url is required")
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq connection: %w", err)
	}

	queueConfig := amqp.NewDurableQueueConfig(url)

	publisher, err := PublisherFactory(queueConfig, logger, conn)
	if err != nil {
		closeConn(conn)
		return transport.Transport{}, fmt.Errorf("rabbitmq publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(queueConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		closeConn(conn)
		return transport.Transport{}, fmt.Errorf("rabbitmq subscriber: %w", err)
	}

	closeEndpoints := transport.CloseAll(subscriber, publisher)
	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Close: func() error {
			err := closeEndpoints()
			closeConn(conn)
			return err
		},
	}, nil
}

// CloseConnection allows overriding connection shutdown for testing.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func closeConn(conn *amqp.ConnectionWrapper) {
	if conn != nil {
		_ = CloseConnection(conn)
	}
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

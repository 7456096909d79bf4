// Package channel provides an in-process transport on Watermill's gochannel
// pub/sub, for tests and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/BookBeat/knightbus-sub001/transport"
)

const TransportName = "channel"

// DefaultBuffer is the per-subscription output buffer.
const DefaultBuffer = 64

// Factory creates the pub/sub. Tests replace it to share one instance.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a persistent gochannel so messages sent before a handler
// subscribes are still delivered.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	ps := Factory(gochannel.Config{
		OutputChannelBuffer: DefaultBuffer,
		Persistent:          true,
	}, logger)
	return transport.Transport{
		Publisher:  ps,
		Subscriber: ps,
		Close:      ps.Close,
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

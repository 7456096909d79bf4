package http

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BookBeat/knightbus-sub001/transport"
	"github.com/BookBeat/knightbus-sub001/transport/transporttest"
)

func restoreFactories(t *testing.T) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestTopicURL(t *testing.T) {
	assert.Equal(t, "http://svc/orders", TopicURL("http://svc/", "orders"))
	assert.Equal(t, "http://svc/orders", TopicURL("http://svc", "orders"))
	assert.Equal(t, "orders", TopicURL("", "orders"))
}

func TestBuildMarshalsToTopicURL(t *testing.T) {
	restoreFactories(t)

	var pubCfg watermillhttp.PublisherConfig
	PublisherFactory = func(cfg watermillhttp.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(addr string, _ watermillhttp.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, ":8080", addr)
		return transporttest.Subscriber{}, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{
		HTTPServerAddress: ":8080",
		HTTPPublisherURL:  "http://localhost:8080",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Subscriber)

	req, err := pubCfg.MarshalMessageFunc("orders", message.NewMessage("m-1", []byte(`{"id":1}`)))
	require.NoError(t, err)
	assert.Equal(t, nethttp.MethodPost, req.Method)
	assert.Equal(t, "http://localhost:8080/orders", req.URL.String())
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(body))
}

func TestBuildErrors(t *testing.T) {
	restoreFactories(t)
	PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")

	PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(string, watermillhttp.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "subscriber error")
}

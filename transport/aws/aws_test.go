package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BookBeat/knightbus-sub001/transport"
	"github.com/BookBeat/knightbus-sub001/transport/transporttest"
)

func stubAWS(t *testing.T) {
	t.Helper()
	origLoader, origResolver, origPub, origSub := DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory = origLoader, origResolver, origPub, origSub
	})

	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "eu-north-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(sns.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return transporttest.Subscriber{}, nil
	}
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	stubAWS(t)

	var gotAccount, gotRegion string
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		gotAccount, gotRegion = accountID, region
		return &sns.GenerateArnTopicResolver{}, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{
		AWSRegion:    "us-east-1",
		AWSAccountID: "123456789012",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.Equal(t, "123456789012", gotAccount)
	assert.Equal(t, "us-east-1", gotRegion)
	assert.NoError(t, tr.Close())
}

func TestBuildWithEndpointPinsClients(t *testing.T) {
	stubAWS(t)

	var pubCfg sns.PublisherConfig
	var sqsCfg sqs.SubscriberConfig
	PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(_ sns.SubscriberConfig, cfg sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		sqsCfg = cfg
		return transporttest.Subscriber{}, nil
	}

	_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "http://localhost:4566"}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, pubCfg.AWSConfig.BaseEndpoint)
	assert.Equal(t, "http://localhost:4566", *pubCfg.AWSConfig.BaseEndpoint)
	assert.Len(t, pubCfg.OptFns, 1)
	assert.Len(t, sqsCfg.OptFns, 1)
}

func TestBuildErrors(t *testing.T) {
	stubAWS(t)
	DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("config error")
	}
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "config error")

	stubAWS(t)
	PublisherFactory = func(sns.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}
	_, err = Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")

	stubAWS(t)
	SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "subscriber error")
}

func TestResolveAccount(t *testing.T) {
	assert.Equal(t, "123456789012", ResolveAccount(&transporttest.Config{AWSAccountID: "'123456789012'"}))
	assert.Equal(t, "", ResolveAccount(&transporttest.Config{}))
	assert.Equal(t, localstackAccountID, ResolveAccount(&transporttest.Config{AWSEndpoint: "http://localhost:4566"}))
	assert.Equal(t, localstackAccountID, ResolveAccount(&transporttest.Config{AWSEndpoint: "http://localhost:4566", AWSAccountID: "42"}))
}

func TestEndpointURL(t *testing.T) {
	u, err := EndpointURL(&transporttest.Config{})
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = EndpointURL(&transporttest.Config{AWSEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:4566", u.Host)

	_, err = EndpointURL(&transporttest.Config{AWSEndpoint: "://bad"})
	assert.Error(t, err)
}

func TestLoadConfigAppliesRegion(t *testing.T) {
	stubAWS(t)
	cfg, err := LoadConfig(context.Background(), &transporttest.Config{AWSRegion: "us-west-2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", cfg.Region)
	assert.False(t, HasCustomEndpoint(cfg))
}

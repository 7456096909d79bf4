package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectivePrefetch(t *testing.T) {
	assert.Equal(t, 1, ProcessingSettings{}.EffectivePrefetch())
	assert.Equal(t, 1, ProcessingSettings{PrefetchCount: -3}.EffectivePrefetch())
	assert.Equal(t, 20, ProcessingSettings{PrefetchCount: 20}.EffectivePrefetch())
}

func TestWithDefaultsPrefersExplicitThenBase(t *testing.T) {
	base := ProcessingSettings{MaxConcurrentCalls: 4, MessageLockTimeout: time.Minute}
	got := ProcessingSettings{MaxConcurrentCalls: 2}.WithDefaults(base)

	assert.Equal(t, 2, got.MaxConcurrentCalls)
	assert.Equal(t, time.Minute, got.MessageLockTimeout)
	assert.Equal(t, DefaultDeadLetterDeliveryLimit, got.DeadLetterDeliveryLimit)
	assert.Equal(t, DefaultPollingDelay, got.PollingDelay)
	assert.NoError(t, got.Validate())
}

func TestProcessingTimeoutUsesLockExtensionCeiling(t *testing.T) {
	s := ProcessingSettings{MessageLockTimeout: time.Minute}
	assert.Equal(t, time.Minute, s.ProcessingTimeout())

	s.LockExtension = &LockExtension{Interval: 20 * time.Second, Duration: time.Minute, MaxDuration: 10 * time.Minute}
	assert.Equal(t, 10*time.Minute, s.ProcessingTimeout())
}

func TestValidate(t *testing.T) {
	err := ProcessingSettings{
		LockExtension: &LockExtension{},
	}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max concurrent calls")
	assert.Contains(t, err.Error(), "message lock timeout")
	assert.Contains(t, err.Error(), "dead letter delivery limit")
	assert.Contains(t, err.Error(), "lock extension interval")
	assert.Contains(t, err.Error(), "lock extension max duration must be positive")
}

func TestValidateLockExtensionCeiling(t *testing.T) {
	s := ProcessingSettings{
		MaxConcurrentCalls:      1,
		MessageLockTimeout:      50 * time.Millisecond,
		DeadLetterDeliveryLimit: 1,
		LockExtension:           &LockExtension{Interval: 10 * time.Millisecond, Duration: 50 * time.Millisecond},
	}
	err := s.Validate()
	require.Error(t, err, "an extension without a ceiling would still stop at the lock timeout")
	assert.Contains(t, err.Error(), "max duration must be positive")

	s.LockExtension.MaxDuration = 20 * time.Millisecond
	assert.ErrorContains(t, s.Validate(), "shorter than the lock timeout")

	s.LockExtension.MaxDuration = time.Second
	assert.NoError(t, s.Validate())
	assert.Equal(t, time.Second, s.ProcessingTimeout())
}

package handlers

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied by ProcessingSettings.WithDefaults.
const (
	DefaultMaxConcurrentCalls      = 1
	DefaultMessageLockTimeout      = 5 * time.Minute
	DefaultDeadLetterDeliveryLimit = 10
	DefaultPollingDelay            = 500 * time.Millisecond
)

// ProcessingSettings tunes a single registered handler.
type ProcessingSettings struct {
	// MaxConcurrentCalls is the gate capacity.
	MaxConcurrentCalls int
	// PrefetchCount is the number of messages fetched per poll; zero fetches
	// one. Values above MaxConcurrentCalls leave fetched messages waiting on
	// the gate while their lock runs.
	PrefetchCount int
	// MessageLockTimeout is the lock duration requested from the transport
	// and the processing deadline of each message.
	MessageLockTimeout      time.Duration
	DeadLetterDeliveryLimit int
	// PollingDelay is the pause after an empty or failed fetch, used unless
	// the receiver supplies its own.
	PollingDelay time.Duration
	// LockExtension keeps renewing the message lock while the handler runs.
	LockExtension *LockExtension
}

// LockExtension configures periodic message lock renewal.
type LockExtension struct {
	Interval time.Duration
	Duration time.Duration
	// MaxDuration replaces MessageLockTimeout as the processing deadline.
	// It is required and must not be shorter than the lock timeout.
	MaxDuration time.Duration
}

// EffectivePrefetch returns max(1, PrefetchCount).
func (s ProcessingSettings) EffectivePrefetch() int {
	if s.PrefetchCount < 1 {
		return 1
	}
	return s.PrefetchCount
}

// ProcessingTimeout is the per-message deadline: the lock timeout, or the
// lock extension ceiling when extension is enabled.
func (s ProcessingSettings) ProcessingTimeout() time.Duration {
	if s.LockExtension != nil && s.LockExtension.MaxDuration > 0 {
		return s.LockExtension.MaxDuration
	}
	return s.MessageLockTimeout
}

// WithDefaults fills zero fields from base and then from the package
// defaults.
func (s ProcessingSettings) WithDefaults(base ProcessingSettings) ProcessingSettings {
	if s.MaxConcurrentCalls <= 0 {
		s.MaxConcurrentCalls = firstPositive(base.MaxConcurrentCalls, DefaultMaxConcurrentCalls)
	}
	if s.PrefetchCount <= 0 {
		s.PrefetchCount = base.PrefetchCount
	}
	if s.MessageLockTimeout <= 0 {
		s.MessageLockTimeout = firstPositive(base.MessageLockTimeout, DefaultMessageLockTimeout)
	}
	if s.DeadLetterDeliveryLimit <= 0 {
		s.DeadLetterDeliveryLimit = firstPositive(base.DeadLetterDeliveryLimit, DefaultDeadLetterDeliveryLimit)
	}
	if s.PollingDelay <= 0 {
		s.PollingDelay = firstPositive(base.PollingDelay, DefaultPollingDelay)
	}
	if s.LockExtension == nil {
		s.LockExtension = base.LockExtension
	}
	return s
}

// Validate reports settings that cannot be used to run a pump.
func (s ProcessingSettings) Validate() error {
	var errs []error
	if s.MaxConcurrentCalls < 1 {
		errs = append(errs, errors.New("max concurrent calls must be at least 1"))
	}
	if s.MessageLockTimeout <= 0 {
		errs = append(errs, errors.New("message lock timeout must be positive"))
	}
	if s.DeadLetterDeliveryLimit < 1 {
		errs = append(errs, errors.New("dead letter delivery limit must be at least 1"))
	}
	if ext := s.LockExtension; ext != nil {
		if ext.Interval <= 0 || ext.Duration <= 0 {
			errs = append(errs, errors.New("lock extension interval and duration must be positive"))
		}
		if ext.MaxDuration <= 0 {
			errs = append(errs, errors.New("lock extension max duration must be positive"))
		} else if ext.MaxDuration < s.MessageLockTimeout {
			errs = append(errs, fmt.Errorf("lock extension max duration %s is shorter than the lock timeout %s", ext.MaxDuration, s.MessageLockTimeout))
		}
	}
	return errors.Join(errs...)
}

func firstPositive[N int | time.Duration](values ...N) N {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

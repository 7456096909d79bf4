// Package handlerstest provides a recording Settler for tests of pumps,
// pipelines and transports.
package handlerstest

import (
	"context"
	"sync"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/codec"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
)

// Counts summarises the verbs a Settler received.
type Counts struct {
	Complete   int
	Abandon    int
	DeadLetter int
	Reply      int
	Renew      int
}

// Total is the number of completion verbs, excluding replies and renewals.
func (c Counts) Total() int { return c.Complete + c.Abandon + c.DeadLetter }

// Settler records every verb. Set the Err fields to make the matching verb fail.
type Settler struct {
	CompleteErr error
	AbandonErr  error
	RenewErr    error

	mu       sync.Mutex
	counts   Counts
	causes   []error
	reasons  []string
	replies  [][]byte
	renewals []time.Duration
}

func (s *Settler) Complete(ctx context.Context, env *handlers.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Complete++
	return s.CompleteErr
}

func (s *Settler) Abandon(ctx context.Context, env *handlers.Envelope, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Abandon++
	s.causes = append(s.causes, cause)
	return s.AbandonErr
}

func (s *Settler) DeadLetter(ctx context.Context, env *handlers.Envelope, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.DeadLetter++
	s.reasons = append(s.reasons, reason)
	return nil
}

func (s *Settler) Reply(ctx context.Context, env *handlers.Envelope, body []byte, props metadatapkg.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Reply++
	s.replies = append(s.replies, body)
	return nil
}

func (s *Settler) RenewLock(ctx context.Context, env *handlers.Envelope, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Renew++
	s.renewals = append(s.renewals, d)
	return s.RenewErr
}

// Counts returns a snapshot of the recorded verbs.
func (s *Settler) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// Causes returns the errors passed to Abandon.
func (s *Settler) Causes() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.causes...)
}

// Reasons returns the dead-letter reasons.
func (s *Settler) Reasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reasons...)
}

// Replies returns the encoded reply bodies.
func (s *Settler) Replies() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.replies...)
}

// NewJSONState builds a JSON state for msg with the given delivery count.
func NewJSONState[T any](id string, msg T, deliveryCount int, settler handlers.Settler) *handlers.State[T] {
	body, err := codec.JSON[T]{}.Encode(msg)
	if err != nil {
		panic(err)
	}
	return handlers.NewState[T](handlers.Envelope{
		ID:            id,
		Body:          body,
		DeliveryCount: deliveryCount,
	}, codec.JSON[T]{}, settler)
}

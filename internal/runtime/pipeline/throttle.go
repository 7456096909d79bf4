package pipeline

import (
	"context"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/gate"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
)

// Throttle bounds concurrent handler invocations across every pipeline the
// middleware is installed in, on top of each handler's own gate.
func Throttle(g *gate.Gate) Middleware {
	return MiddlewareFunc(func(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) error {
		if err := g.Acquire(ctx); err != nil {
			return err
		}
		defer g.Release()
		return next(ctx, state)
	})
}

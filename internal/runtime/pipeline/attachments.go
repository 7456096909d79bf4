package pipeline

import (
	"context"
	"fmt"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
)

// Attachment is a payload stored out of band and referenced from the
// message properties.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	Data        []byte
}

// AttachmentProvider loads and removes attachments.
type AttachmentProvider interface {
	Get(ctx context.Context, id string) (Attachment, error)
	Delete(ctx context.Context, id string) error
}

// AttachmentReceiver is implemented by handlers that want the attachment
// injected before they run.
type AttachmentReceiver interface {
	SetAttachment(Attachment)
}

type attachmentKey struct{}

// AttachmentFrom returns the attachment loaded for the current message.
func AttachmentFrom(ctx context.Context) (Attachment, bool) {
	a, ok := ctx.Value(attachmentKey{}).(Attachment)
	return a, ok
}

// Attachments loads the attachment named by the "_attachmentId" property,
// hands it to the handler and deletes it once the handler succeeded.
func Attachments(provider AttachmentProvider) Middleware {
	return MiddlewareFunc(func(ctx context.Context, state handlers.MessageState, info *PipelineInformation, next Next) error {
		id := state.Properties()[metadatapkg.KeyAttachmentID]
		if id == "" {
			return next(ctx, state)
		}
		attachment, err := provider.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load attachment %s: %w", id, err)
		}
		if scope, ok := ScopeFrom(ctx); ok {
			scope.Set(attachmentKey{}, attachment)
			scope.Provide(func(instance any) error {
				if receiver, ok := instance.(AttachmentReceiver); ok {
					receiver.SetAttachment(attachment)
				}
				return nil
			})
		}

		if err := next(context.WithValue(ctx, attachmentKey{}, attachment), state); err != nil {
			return err
		}
		if err := provider.Delete(context.WithoutCancel(ctx), id); err != nil {
			info.Logger.Error("Failed to delete attachment", err, messageFields(state))
		}
		return nil
	})
}

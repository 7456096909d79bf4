package runtime

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/errors"
	idspkg "github.com/BookBeat/knightbus-sub001/internal/runtime/ids"
	jsoncodec "github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
	metadatapkg "github.com/BookBeat/knightbus-sub001/internal/runtime/metadata"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// NewMessage encodes payload as JSON into a Watermill message carrying a
// fresh ULID and the message type property.
func NewMessage(payload any, props metadatapkg.Metadata) (*message.Message, error) {
	if isNil(payload) {
		return nil, errspkg.ErrPayloadRequired
	}
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return newMessage(body, fmt.Sprintf("%T", payload), props), nil
}

// NewMessageFromProto encodes event with protojson.
func NewMessageFromProto(event proto.Message, props metadatapkg.Metadata) (*message.Message, error) {
	if isNil(event) {
		return nil, errspkg.ErrPayloadRequired
	}
	body, err := protoJSONMarshalOptions.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return newMessage(body, string(event.ProtoReflect().Descriptor().FullName()), props), nil
}

func newMessage(body []byte, messageType string, props metadatapkg.Metadata) *message.Message {
	id := idspkg.CreateULID()
	msg := message.NewMessage(id, body)
	msg.Metadata = metadatapkg.ToWatermill(props)
	msg.Metadata.Set(metadatapkg.KeyMessageID, id)
	if msg.Metadata.Get(metadatapkg.KeyMessageType) == "" {
		msg.Metadata.Set(metadatapkg.KeyMessageType, messageType)
	}
	return msg
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Publish sends msg to topic on publisher.
func Publish(ctx context.Context, publisher message.Publisher, topic string, msg *message.Message) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// Publish encodes payload as JSON and sends it to topic on the service
// transport. Replies to request handlers are routed by the "_replyTo"
// property.
func (s *Service) Publish(ctx context.Context, topic string, payload any, props metadatapkg.Metadata) error {
	msg, err := NewMessage(payload, props)
	if err != nil {
		return err
	}
	return Publish(ctx, s.transport.Publisher, topic, msg)
}

// PublishProto encodes event with protojson and sends it to topic.
func (s *Service) PublishProto(ctx context.Context, topic string, event proto.Message, props metadatapkg.Metadata) error {
	msg, err := NewMessageFromProto(event, props)
	if err != nil {
		return err
	}
	return Publish(ctx, s.transport.Publisher, topic, msg)
}

// Package codec provides the message codecs used by transports to decode
// bodies into handler message types.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	jsoncodec "github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
)

// ErrNotProtoMessage is returned when a proto codec is asked to encode a
// value that is not a protobuf message.
var ErrNotProtoMessage = errors.New("codec: value is not a proto.Message")

// JSON encodes messages as JSON. T may be a struct or a pointer to a struct.
type JSON[T any] struct{}

func (JSON[T]) Decode(data []byte) (T, error) {
	var out T
	typ := reflect.TypeOf(out)
	if typ != nil && typ.Kind() == reflect.Pointer {
		ptr := reflect.New(typ.Elem())
		if err := jsoncodec.Unmarshal(data, ptr.Interface()); err != nil {
			return out, fmt.Errorf("decode %s: %w", typ, err)
		}
		return ptr.Interface().(T), nil
	}
	if err := jsoncodec.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

func (JSON[T]) Encode(v any) ([]byte, error) {
	return jsoncodec.Marshal(v)
}

// Proto encodes protobuf messages with protojson so bodies stay readable on
// text-only transports.
type Proto[T proto.Message] struct{}

func (Proto[T]) Decode(data []byte) (T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return zero, fmt.Errorf("codec: proto type %v must be a pointer", typ)
	}
	msg := reflect.New(typ.Elem()).Interface().(T)
	if err := protojson.Unmarshal(data, msg); err != nil {
		return zero, fmt.Errorf("decode %s: %w", typ, err)
	}
	return msg, nil
}

func (Proto[T]) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	return protojson.Marshal(msg)
}

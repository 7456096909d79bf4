package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

func TestJSONDecodesValuesAndPointers(t *testing.T) {
	body := []byte(`{"orderId":"o-1","amount":3}`)

	value, err := JSON[orderPlaced]{}.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, orderPlaced{OrderID: "o-1", Amount: 3}, value)

	ptr, err := JSON[*orderPlaced]{}.Decode(body)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	assert.Equal(t, "o-1", ptr.OrderID)
}

func TestJSONDecodeError(t *testing.T) {
	_, err := JSON[orderPlaced]{}.Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestProtoCodec(t *testing.T) {
	c := Proto[*wrapperspb.StringValue]{}

	body, err := c.Encode(wrapperspb.String("hello"))
	require.NoError(t, err)

	msg, err := c.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.GetValue())

	_, err = c.Encode(orderPlaced{})
	assert.ErrorIs(t, err, ErrNotProtoMessage)
}

func TestProtoCodecDecodesStruct(t *testing.T) {
	msg, err := Proto[*structpb.Struct]{}.Decode([]byte(`{"orderId":"o-7"}`))
	require.NoError(t, err)
	assert.Equal(t, "o-7", msg.GetFields()["orderId"].GetStringValue())
}

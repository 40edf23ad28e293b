package serialization

import (
	"testing"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type OrderCreated struct {
	contracts.BaseEvent
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
	Note    string  `json:"note,omitempty"`
}

func TestJSONSerializer(t *testing.T) {
	t.Run("round trips an event", func(t *testing.T) {
		s := NewJSONSerializer()
		event := OrderCreated{BaseEvent: contracts.NewBaseEvent(), OrderID: "o-1", Amount: 12.5}

		data, err := s.Encode(event)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"orderId":"o-1"`)
		assert.Contains(t, string(data), `"id":"`+event.ID+`"`)

		var decoded OrderCreated
		require.NoError(t, s.Decode(data, &decoded))
		assert.Equal(t, event.ID, decoded.ID)
		assert.True(t, event.CreationDate.Equal(decoded.CreationDate))
		assert.Equal(t, "o-1", decoded.OrderID)
		assert.Equal(t, 12.5, decoded.Amount)
	})

	t.Run("decodes into a pointer to pointer", func(t *testing.T) {
		s := NewJSONSerializer()

		var decoded *OrderCreated
		require.NoError(t, s.Decode([]byte(`{"orderId":"o-2"}`), &decoded))
		require.NotNil(t, decoded)
		assert.Equal(t, "o-2", decoded.OrderID)
	})

	t.Run("rejects nil values and empty bodies", func(t *testing.T) {
		s := NewJSONSerializer()

		_, err := s.Encode(nil)
		assert.ErrorIs(t, err, ErrNilValue)

		var decoded OrderCreated
		assert.ErrorIs(t, s.Decode(nil, &decoded), ErrEmptyBody)
	})

	t.Run("reports malformed bodies", func(t *testing.T) {
		s := NewJSONSerializer()

		var decoded OrderCreated
		err := s.Decode([]byte("not json"), &decoded)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal")
	})

	t.Run("escapes HTML by default", func(t *testing.T) {
		data, err := NewJSONSerializer().Encode(OrderCreated{Note: "<b>"})
		require.NoError(t, err)
		assert.Contains(t, string(data), `\u003cb\u003e`)

		data, err = NewJSONSerializer(WithEscapeHTML(false)).Encode(OrderCreated{Note: "<b>"})
		require.NoError(t, err)
		assert.Contains(t, string(data), `<b>`)
	})

	t.Run("pretty prints", func(t *testing.T) {
		data, err := NewJSONSerializer(WithPrettyPrint(true)).Encode(OrderCreated{OrderID: "o-3"})
		require.NoError(t, err)
		assert.Contains(t, string(data), "\n  ")
	})

	t.Run("rejects unknown fields when strict", func(t *testing.T) {
		var decoded OrderCreated
		err := NewJSONSerializer(WithDisallowUnknownFields(true)).Decode([]byte(`{"unknown":1}`), &decoded)
		assert.Error(t, err)

		assert.NoError(t, NewJSONSerializer().Decode([]byte(`{"unknown":1}`), &decoded))
	})

	t.Run("reports JSON content type", func(t *testing.T) {
		assert.Equal(t, "application/json", NewJSONSerializer().ContentType())
	})
}

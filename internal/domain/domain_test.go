package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDAcceptsNumberAndString(t *testing.T) {
	var payload struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":42,"b":"7","c":null}`), &payload))
	assert.Equal(t, ID(42), payload.A)
	assert.Equal(t, ID(7), payload.B)
	assert.Equal(t, ID(0), payload.C)

	err := json.Unmarshal([]byte(`{"a":"abc"}`), &payload)
	assert.Error(t, err)
}

func TestStatusAdvancesOnlyForward(t *testing.T) {
	assert.True(t, StatusSent.Advances(StatusDelivered))
	assert.True(t, StatusSent.Advances(StatusRead))
	assert.True(t, StatusDelivered.Advances(StatusRead))
	assert.False(t, StatusRead.Advances(StatusDelivered))
	assert.False(t, StatusDelivered.Advances(StatusDelivered))
	assert.False(t, StatusDelivered.Advances(StatusSent))
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "conversation-42", ConversationRoom(42))
	assert.Equal(t, "user-u1", UserRoom("u1"))
}

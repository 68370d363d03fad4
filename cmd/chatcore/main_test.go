package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		args     []string
		wantMode string
		wantRest int
	}{
		{nil, modeClient, 0},
		{[]string{"server", "--addr", ":9"}, modeServer, 2},
		{[]string{"LOCAL"}, modeLocal, 0},
		{[]string{"--user", "alice"}, modeClient, 2},
	}
	for _, tt := range tests {
		mode, rest := parseMode(tt.args)
		assert.Equal(t, tt.wantMode, mode)
		assert.Len(t, rest, tt.wantRest)
	}
}

func TestBuildWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:4000/ws", buildWebsocketURL("127.0.0.1:4000", "ws"))
	assert.Equal(t, "ws://[::1]:4000/chat", buildWebsocketURL("[::1]:4000", "/chat"))
	assert.Equal(t, "ws://host/ws", buildWebsocketURL("host", ""))
}

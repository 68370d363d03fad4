package app

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunServerServesAndStops(t *testing.T) {
	handle, err := RunServer(context.Background(), ServerConfig{
		Addr:   "127.0.0.1:0",
		Path:   "ws",
		DBPath: filepath.Join(t.TempDir(), "data", "chatcore.db"),
	})
	require.NoError(t, err)

	resp, err := http.Get("http://" + handle.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + handle.Addr() + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, handle.Stop(ctx))
	require.NoError(t, handle.Wait())
}

func TestRunServerStopsWhenContextIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handle, err := RunServer(ctx, ServerConfig{
		Addr:   "127.0.0.1:0",
		DBPath: filepath.Join(t.TempDir(), "chatcore.db"),
	})
	require.NoError(t, err)

	cancel()
	done := make(chan error, 1)
	go func() { done <- handle.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunServerRequiresDBPath(t *testing.T) {
	_, err := RunServer(context.Background(), ServerConfig{Addr: "127.0.0.1:0"})
	assert.Error(t, err)
}

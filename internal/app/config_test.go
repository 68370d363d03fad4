package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHATCORE_DATA_DIR", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, 168*time.Hour, cfg.Server.TokenTTL)
	assert.Equal(t, PresenceMemory, cfg.Server.Presence.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Server.Presence.Redis.TTL)
	assert.Equal(t, time.Second, cfg.Client.Reconnect.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Client.Reconnect.MaxDelay)
	assert.Equal(t, 5, cfg.Client.Reconnect.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Client.Outbox.AckTimeout)
	assert.Equal(t, filepath.Join(os.Getenv("CHATCORE_DATA_DIR"), "chatcore.db"), cfg.Server.DBPath)
	assert.Equal(t, filepath.Join(os.Getenv("CHATCORE_DATA_DIR"), "client.db"), cfg.Client.DataPath)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATCORE_DATA_DIR", dir)
	file := filepath.Join(dir, "chatcore.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  addr: ":9000"
  path: "chat"
client:
  reconnect:
    max_attempts: 8
`), 0o600))
	t.Setenv("CHATCORE_SERVER_ADDR", ":9100")
	t.Setenv("CHATCORE_CLIENT_RECONNECT_BASE_DELAY", "250ms")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", "", "")
	flags.String("user", "", "")
	require.NoError(t, flags.Parse([]string{"--user", "alice"}))

	cfg, err := Load(file, flags)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr, "env beats file, unset flag does not override")
	assert.Equal(t, "/chat", cfg.Server.Path)
	assert.Equal(t, 8, cfg.Client.Reconnect.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.Reconnect.BaseDelay)
	assert.Equal(t, "alice", cfg.Client.Username)
}

func TestLoadRejectsUnknownPresenceBackend(t *testing.T) {
	t.Setenv("CHATCORE_DATA_DIR", t.TempDir())
	t.Setenv("CHATCORE_SERVER_PRESENCE_BACKEND", "etcd")
	t.Chdir(t.TempDir())

	_, err := Load("", nil)
	assert.Error(t, err)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestNormalizeJoinPath(t *testing.T) {
	assert.Equal(t, "/ws", NormalizeJoinPath(""))
	assert.Equal(t, "/chat", NormalizeJoinPath("chat"))
	assert.Equal(t, "/join", NormalizeJoinPath("/join"))
}

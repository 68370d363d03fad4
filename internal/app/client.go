package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	intrnl "chatcore/internal"
	"chatcore/internal/domain"
	"chatcore/internal/storage"
)

// RunClient launches the Bubble Tea TUI with the provided configuration. The
// offline queue lives in a local SQLite file so unsent messages survive a
// restart.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.DataPath == "" {
		return errors.New("client data path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DataPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewStore(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open client store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate client store: %w", err)
	}

	return intrnl.RunClient(intrnl.ClientOptions{
		Session: intrnl.ChatSessionConfig{
			JoinURL:   cfg.ServerURL,
			Store:     store,
			Reconnect: cfg.Reconnect,
			Outbox:    cfg.Outbox,
		},
		Username:     cfg.Username,
		Conversation: domain.ID(cfg.Conversation),
		SessionPath:  cfg.SessionPath,
	})
}

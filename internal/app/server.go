package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	intrnl "chatcore/internal"
	"chatcore/internal/log"
	"chatcore/internal/presence"
	"chatcore/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr     string
	server   *http.Server
	store    *storage.Store
	tracker  presence.Tracker
	group    *errgroup.Group
	cancel   context.CancelFunc
	waitOnce sync.Once
	err      error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	defer h.cancel()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits and its resources are released.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	h.waitOnce.Do(func() {
		h.err = h.group.Wait()
		if closer, ok := h.tracker.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.L().Warn().Err(err).Msg("presence close error")
			}
		}
		if err := h.store.Close(); err != nil {
			log.L().Warn().Err(err).Msg("store close error")
		}
	})
	return h.err
}

// RunServer opens the SQLite store, runs migrations, picks the presence
// backend and starts serving in the background. Cancelling ctx or calling
// Stop shuts it down; Wait reports the outcome.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	tracker, err := newTracker(ctx, cfg.Presence)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	server := intrnl.NewServer(store, tracker, intrnl.ServerOptions{
		TokenTTL:       cfg.TokenTTL,
		StoreTimeout:   cfg.StoreTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(cfg.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		if closer, ok := tracker.(io.Closer); ok {
			_ = closer.Close()
		}
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	handle := &ServerHandle{
		addr:    listener.Addr().String(),
		server:  httpServer,
		store:   store,
		tracker: tracker,
		group:   group,
		cancel:  cancel,
	}

	group.Go(func() error {
		defer cancel()
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return handle, nil
}

func newTracker(ctx context.Context, cfg PresenceConfig) (presence.Tracker, error) {
	switch cfg.Backend {
	case "", PresenceMemory:
		return presence.NewMemory(), nil
	case PresenceRedis:
		tracker, err := presence.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		log.L().Info().Str("address", cfg.Redis.Address).Msg("presence backed by redis")
		return tracker, nil
	}
	return nil, fmt.Errorf("unknown presence backend %q", cfg.Backend)
}

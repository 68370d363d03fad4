package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"chatcore/internal/app"
	"chatcore/internal/log"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	flagSet := pflag.NewFlagSet("chatcore", pflag.ExitOnError)
	configFile := flagSet.String("config", "", "path to a YAML config file")
	flagSet.String("addr", ":8080", "server listen address")
	flagSet.String("path", "/ws", "websocket join path")
	flagSet.String("db", "", "sqlite database path (defaults to a per-user path)")
	flagSet.String("presence", app.PresenceMemory, "presence backend: memory or redis")
	flagSet.String("redis-addr", "localhost:6379", "redis address for the redis presence backend")
	flagSet.String("server-url", "ws://localhost:8080/ws", "server websocket URL (client mode)")
	flagSet.String("user", "", "default username for login prompts")
	flagSet.Int64("conversation", 0, "conversation to open on start")
	flagSet.String("data", "", "client data file holding the offline queue")
	flagSet.String("log-level", "info", "log level")
	flagSet.String("log-file", "", "write logs to this file")
	_ = flagSet.Parse(args)

	_ = godotenv.Load() // load .env if present
	cfg, err := app.Load(*configFile, flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatcore: %v\n", err)
		os.Exit(1)
	}
	if !flagSet.Changed("addr") && os.Getenv("CHATCORE_SERVER_ADDR") == "" {
		cfg.Server.Addr = defaultAddrForMode(mode)
	}
	// The TUI owns the terminal, so client-side logs go to a file.
	if mode != modeServer && cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(filepath.Dir(cfg.Client.DataPath), "client.log")
		_ = os.MkdirAll(filepath.Dir(cfg.Log.File), 0o700)
	}
	closer, err := log.Init(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatcore: init log: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, cfg.Server)
	case modeLocal:
		err = runLocalMode(ctx, cfg.Server, cfg.Client)
	default:
		err = runClientMode(cfg.Client)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.L().Error().Err(err).Str("mode", mode).Msg("exiting")
		fmt.Fprintf(os.Stderr, "chatcore: %v\n", err)
		closer.Close()
		os.Exit(1)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig) error {
	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		return err
	}
	log.L().Info().
		Str("addr", handle.Addr()).
		Str("path", cfg.Path).
		Str("db", cfg.DBPath).
		Str("presence", cfg.Presence.Backend).
		Msg("chatcore server listening")
	return handle.Wait()
}

func runClientMode(cfg app.ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("client mode requires --server-url or CHATCORE_CLIENT_SERVER_URL")
	}
	return app.RunClient(cfg)
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig) error {
	handle, err := app.RunServer(ctx, serverCfg)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	log.L().Info().Str("addr", handle.Addr()).Str("db", serverCfg.DBPath).Msg("starting local chatcore server")
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)
	log.L().Info().Str("url", clientCfg.ServerURL).Msg("launching client")

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return ":8080"
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"opentmuxd/internal/config"
	"opentmuxd/internal/control"
)

func newServeCmd() *cobra.Command {
	var (
		configDir  string
		serverURL  string
		socketPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: load config, start the control socket, and wait for a session host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configDir, serverURL, socketPath)
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "directory to search for opentmux.json before falling back to defaults")
	cmd.Flags().StringVar(&serverURL, "server-url", "", "opencode server URL; when set, the daemon is initialized with it at startup instead of waiting for an Init over the control socket")
	cmd.Flags().StringVar(&socketPath, "socket", "", "control socket path (overrides config socketPath)")

	return cmd
}

func runServe(cmd *cobra.Command, configDir, serverURL, socketPathFlag string) error {
	cfg := config.LoadFromDirectory(configDir)
	if socketPathFlag != "" {
		cfg.SocketPath = socketPathFlag
	}
	setLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopped := make(chan string, 1)
	daemon := control.NewDaemon(cfg, func(reason string) {
		select {
		case stopped <- reason:
		default:
		}
	})

	server := control.NewServer(cfg.SocketPath, daemon)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}
	slog.Info("[cmd] opentmuxd listening", "socket", server.SocketPath())

	if serverURL != "" {
		if _, err := daemon.Init(control.InitParams{ServerURL: serverURL}); err != nil {
			slog.Warn("[cmd] eager Init failed, waiting for a client to Init over the control socket instead", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		slog.Info("[cmd] received shutdown signal")
	case reason := <-stopped:
		slog.Info("[cmd] shutdown requested over control socket", "reason", reason)
	}

	if _, err := daemon.Shutdown(control.ShutdownParams{Reason: "serve command exiting"}); err != nil {
		slog.Warn("[cmd] daemon shutdown reported an error", "error", err)
	}
	if err := server.Stop(); err != nil {
		return fmt.Errorf("stop control server: %w", err)
	}
	return nil
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(l)
}

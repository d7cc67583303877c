package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"sftpsched/internal/api"
	"sftpsched/internal/config"
	"sftpsched/internal/core"
	"sftpsched/internal/history"
	"sftpsched/internal/logging"
	sftpschedmcp "sftpsched/internal/mcp"
	"sftpsched/internal/store"
	"sftpsched/internal/transfer"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level)

	baseCtx := context.Background()

	taskStore, err := store.Open(cfg.TaskFilePath(), logger)
	if err != nil {
		logger.Error("open task store", "err", err)
		os.Exit(1)
	}

	hist, err := history.Open(baseCtx, cfg.StateDir, cfg.HistoryKeep)
	if err != nil {
		logger.Error("open run history", "err", err)
		os.Exit(1)
	}
	defer hist.Close()

	client := transfer.NewClient(transfer.Config{
		Host:           cfg.SFTP.Host,
		Port:           cfg.SFTP.Port,
		Username:       cfg.SFTP.Username,
		Password:       cfg.SFTP.Password,
		PrivateKeyPath: cfg.SFTP.PrivateKeyPath,
		ConnectTimeout: cfg.SFTP.ConnectTimeout,
	}, logger)
	defer client.Disconnect()

	scheduler := core.NewScheduler(taskStore, hist, logger, core.Options{
		CheckInterval:         cfg.Scheduler.CheckInterval,
		StopTimeout:           cfg.Scheduler.StopTimeout,
		ResumeFailedRecurring: cfg.Scheduler.ResumeFailedRecurring,
	})
	scheduler.SetExecutor(transfer.NewExecutor(client, logger))
	scheduler.Start()
	defer scheduler.Stop()

	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, scheduler, hist, logger)
	case "mcp":
		runMCPMode(scheduler, hist, logger)
	case "both":
		runBothMode(cfg, scheduler, hist, logger)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

// runHTTPMode starts only the HTTP server.
func runHTTPMode(cfg *config.Config, scheduler *core.Scheduler, hist *history.History, logger *slog.Logger) {
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, scheduler, hist, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

// runMCPMode starts only the MCP server on stdio.
func runMCPMode(scheduler *core.Scheduler, hist *history.History, logger *slog.Logger) {
	mcpServer := sftpschedmcp.NewMCPServer(scheduler, hist, logger)

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode starts both HTTP and MCP servers.
func runBothMode(cfg *config.Config, scheduler *core.Scheduler, hist *history.History, logger *slog.Logger) {
	mcpServer := sftpschedmcp.NewMCPServer(scheduler, hist, logger)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, scheduler, hist, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	// The stdio MCP server terminates with the process.
	logger.Info("shutdown complete")
}

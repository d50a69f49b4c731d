package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"termbridge/internal/application"
	"termbridge/internal/audit"
	"termbridge/internal/command"
	"termbridge/internal/config"
	"termbridge/internal/db"
	"termbridge/internal/logging"
)

var startApplication = application.StartApplication

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:   config.LoadConfig,
		RunServe:     runServe,
		RunMigrateUp: runMigrateUp,
		RunLogs:      runLogs,
	})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		newRuntimeLogger(os.Stderr, "error").Error("termbridge failed", "err", err)
		os.Exit(1)
	}
}

func newRuntimeLogger(w io.Writer, level string) *slog.Logger {
	return logging.NewLogger(logging.Options{
		Level:     level,
		Writer:    w,
		Component: "termbridge",
	})
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := newRuntimeLogger(os.Stderr, cfg.ListenLogLevel)
	app, err := startApplication(ctx, application.StartOptions{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	logger.Info("termbridge started", "url", app.LocalAPIBaseURL(), "db", app.DBDSN())
	return app.Run(ctx)
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(gdb) }()
	return db.MigrateUp(gdb)
}

// runLogs prints entries one JSON object per line.
func runLogs(ctx context.Context, cfg config.Config, q audit.Query, out io.Writer) error {
	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(gdb) }()
	entries, err := audit.NewGormStore(gdb).List(ctx, q)
	if err != nil {
		return fmt.Errorf("list audit log: %w", err)
	}
	enc := json.NewEncoder(out)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

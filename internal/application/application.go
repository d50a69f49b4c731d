// Package application assembles the bridge runtime from configuration.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"termbridge/internal/appserver"
	"termbridge/internal/audit"
	"termbridge/internal/db"
	"termbridge/internal/inventory"
	"termbridge/internal/lifecycle"
	"termbridge/internal/llm"
	"termbridge/internal/localapi"
	"termbridge/internal/logging"
	"termbridge/internal/restcmd"
	"termbridge/internal/session"
	"termbridge/internal/shell"
	"termbridge/internal/skill"
)

const (
	defaultHost     = "127.0.0.1"
	defaultPort     = 3000
	sessionDrainMax = 3 * time.Second
)

type Application struct {
	baseURL  string
	dbDSN    string
	registry *session.Registry
	mgr      *lifecycle.Manager
	release  func(context.Context) error
}

// StartApplication opens the audit database, binds the listener and wires
// every component. Nothing serves until Run.
func StartApplication(_ context.Context, opts StartOptions) (*Application, error) {
	cfg := opts.Config
	logger := logging.OrDiscard(opts.Logger)

	dsn := strings.TrimSpace(cfg.DBDSN)
	if dsn == "" {
		if strings.TrimSpace(cfg.ConfigDir) == "" {
			return nil, errors.New("config dir is required")
		}
		dsn = filepath.Join(cfg.ConfigDir, "termbridge.db")
	}
	gdb, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	host := strings.TrimSpace(cfg.LocalHost)
	if host == "" {
		host = defaultHost
	}
	port := cfg.LocalPort
	if port <= 0 {
		port = defaultPort
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		_ = db.Close(gdb)
		return nil, fmt.Errorf("listen: %w", err)
	}

	writer := audit.NewWriter(audit.NewGormStore(gdb), audit.WriterOptions{Logger: logger})
	go func() { _ = writer.Run(context.Background()) }()

	registry := session.NewRegistry()
	dialer := opts.Dialer
	if dialer == nil {
		dialer = shell.Dialers{
			SSH:   shell.NewSSHDialer(cfg.KnownHostsPath, logger),
			Local: shell.NewLocalDialer(cfg.LocalShell),
		}
	}
	completer := opts.Completer
	if completer == nil {
		completer = llm.NewClient(llm.Config{
			BaseURL: cfg.OpenAIEndpoint,
			Model:   cfg.OpenAIModel,
			APIKey:  cfg.OpenAIAPIKey,
		}, nil)
	}
	prompts := llm.NewPromptStore(cfg.PromptsFile, cfg.AISystemPrompt, logger)

	commands := restcmd.NewManager(restcmd.Options{Registry: registry, Audit: writer, Logger: logger})
	registry.OnRemove(commands.RejectSession)
	skills := skill.NewManager(skill.Options{
		Registry:  registry,
		Loader:    skill.NewLoader(cfg.SkillsDir, logger),
		Completer: completer,
		Prompts:   prompts,
		Audit:     writer,
		Logger:    logger,
		MaxSteps:  cfg.SkillMaxSteps,
	})
	registry.OnRemove(skills.CancelForTerminal)

	api := localapi.NewServer(localapi.Deps{
		Registry:        registry,
		Inventory:       inventory.NewFileStore(cfg.InventoryPath),
		Dialer:          dialer,
		Audit:           writer,
		Commands:        commands,
		Skills:          skills,
		Completer:       completer,
		Prompts:         prompts,
		Logger:          logger,
		AICommandPrefix: cfg.AICommandPrefix,
		KnowledgeFile:   cfg.KnowledgeFile,
	})
	front, err := appserver.NewServer(appserver.Deps{API: api.Handler(), Logger: logger})
	if err != nil {
		_ = ln.Close()
		_ = writer.Close(context.Background())
		_ = db.Close(gdb)
		return nil, err
	}
	httpServer := &http.Server{
		Handler:           front.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	app := &Application{
		baseURL:  "http://" + ln.Addr().String(),
		dbDSN:    dsn,
		registry: registry,
		mgr:      lifecycle.NewManager(logger),
	}

	var releaseOnce sync.Once
	var releaseErr error
	app.release = func(ctx context.Context) error {
		releaseOnce.Do(func() {
			if err := httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				releaseErr = errors.Join(releaseErr, err)
			}
			_ = ln.Close()
			drainSessions(ctx, registry, logger)
			if err := writer.Close(ctx); err != nil {
				releaseErr = errors.Join(releaseErr, fmt.Errorf("flush audit log: %w", err))
			}
			if err := db.Close(gdb); err != nil {
				releaseErr = errors.Join(releaseErr, err)
			}
		})
		return releaseErr
	}

	app.mgr.AddRun("http-server", func(runCtx context.Context) error {
		httpServer.BaseContext = func(net.Listener) context.Context { return runCtx }
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		logger.Info("listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	app.mgr.AddRun("restcmd-sweeper", commands.Run)
	app.mgr.AddRun("skill-sweeper", skills.Run)
	app.mgr.AddRun("terminal-reaper", api.Run)
	app.mgr.AddRun("prompts-watcher", func(runCtx context.Context) error {
		if err := prompts.Watch(runCtx); err != nil {
			logger.Warn("prompts hot reload disabled", "path", cfg.PromptsFile, "err", err)
			<-runCtx.Done()
		}
		return nil
	})
	app.mgr.AddShutdown("release", app.release)
	return app, nil
}

// drainSessions terminates every live session and waits for the bridges to
// flush their final output.
func drainSessions(ctx context.Context, registry *session.Registry, logger *slog.Logger) {
	for _, info := range registry.List() {
		if sess, err := registry.Get(info.ID); err == nil {
			sess.Terminate("server shutting down")
		}
	}
	deadline := time.NewTimer(sessionDrainMax)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logger.Warn("sessions still open at shutdown", "count", registry.Len())
			return
		case <-tick.C:
		}
	}
}

func (a *Application) LocalAPIBaseURL() string {
	if a == nil {
		return ""
	}
	return a.baseURL
}

func (a *Application) DBDSN() string {
	if a == nil {
		return ""
	}
	return a.dbDSN
}

func (a *Application) Sessions() *session.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

// Run serves until ctx ends or a job fails, then releases every resource.
func (a *Application) Run(ctx context.Context) error {
	if a == nil || a.mgr == nil {
		return nil
	}
	return a.mgr.StartAndWait(ctx)
}

// Shutdown releases the application without Run; it is safe to call after
// Run has returned.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil || a.release == nil {
		return nil
	}
	return a.release(ctx)
}

package command

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/urfave/cli/v2"

	"termbridge/internal/audit"
	"termbridge/internal/config"
)

type Deps struct {
	LoadConfig   func() config.Config
	RunServe     func(context.Context, config.Config) error
	RunMigrateUp func(context.Context, config.Config) error
	RunLogs      func(context.Context, config.Config, audit.Query, io.Writer) error
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "termbridge",
		Usage: "websocket to ssh terminal bridge",
		Action: func(ctx *cli.Context) error {
			return runServe(ctx.Context, deps, loadConfig(deps))
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the bridge server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Usage: "listen host"},
					&cli.IntFlag{Name: "port", Usage: "listen port"},
				},
				Action: func(ctx *cli.Context) error {
					cfg := loadConfig(deps)
					if ctx.IsSet("host") {
						cfg.LocalHost = ctx.String("host")
					}
					if ctx.IsSet("port") {
						cfg.LocalPort = ctx.Int("port")
					}
					return runServe(ctx.Context, deps, cfg)
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(ctx *cli.Context) error {
							return runMigrateUp(ctx.Context, deps, loadConfig(deps))
						},
					},
				},
			},
			{
				Name:  "logs",
				Usage: "print audit log entries, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Usage: "only entries of this session id"},
					&cli.StringFlag{Name: "type", Usage: "only entries of this type"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "maximum number of entries"},
				},
				Action: func(ctx *cli.Context) error {
					q := audit.Query{
						SessionID: strings.TrimSpace(ctx.String("session")),
						Type:      audit.Type(strings.TrimSpace(ctx.String("type"))),
						Limit:     ctx.Int("limit"),
					}
					return runLogs(ctx.Context, deps, loadConfig(deps), q, ctx.App.Writer)
				},
			},
		},
	}
}

func loadConfig(deps Deps) config.Config {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.LoadConfig()
}

func runServe(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}

func runMigrateUp(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunMigrateUp == nil {
		return errors.New("migrate up runner is not configured")
	}
	return deps.RunMigrateUp(ctx, cfg)
}

func runLogs(ctx context.Context, deps Deps, cfg config.Config, q audit.Query, out io.Writer) error {
	if deps.RunLogs == nil {
		return errors.New("logs runner is not configured")
	}
	return deps.RunLogs(ctx, cfg, q, out)
}

package command

import (
	"bytes"
	"context"
	"io"
	"testing"

	"termbridge/internal/audit"
	"termbridge/internal/config"
)

func TestBuildApp_DefaultCommandIsServe(t *testing.T) {
	serveCalled := 0
	migrateCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{LocalPort: 3000} },
		RunServe: func(_ context.Context, cfg config.Config) error {
			serveCalled++
			if cfg.LocalPort != 3000 {
				t.Fatalf("unexpected port %d", cfg.LocalPort)
			}
			return nil
		},
		RunMigrateUp: func(context.Context, config.Config) error {
			migrateCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"termbridge"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if serveCalled != 1 || migrateCalled != 0 {
		t.Fatalf("unexpected call count serve=%d migrate=%d", serveCalled, migrateCalled)
	}
}

func TestBuildApp_ServeFlagsOverrideConfig(t *testing.T) {
	var got config.Config
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{LocalHost: "127.0.0.1", LocalPort: 3000} },
		RunServe: func(_ context.Context, cfg config.Config) error {
			got = cfg
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"termbridge", "serve", "--host", "0.0.0.0", "--port", "4100"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got.LocalHost != "0.0.0.0" || got.LocalPort != 4100 {
		t.Fatalf("flags not applied: %+v", got)
	}
}

func TestBuildApp_MigrateUpCommand(t *testing.T) {
	migrateCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{} },
		RunServe:   func(context.Context, config.Config) error { return nil },
		RunMigrateUp: func(context.Context, config.Config) error {
			migrateCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"termbridge", "migrate", "up"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if migrateCalled != 1 {
		t.Fatalf("expected migrate command called once, got %d", migrateCalled)
	}
}

func TestBuildApp_LogsCommandPassesQuery(t *testing.T) {
	var got audit.Query
	var out bytes.Buffer
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{} },
		RunLogs: func(_ context.Context, _ config.Config, q audit.Query, w io.Writer) error {
			got = q
			_, err := io.WriteString(w, "entry\n")
			return err
		},
	})
	app.Writer = &out
	args := []string{"termbridge", "logs", "--session", " s-1 ", "--type", "stdin", "--limit", "7"}
	if err := app.RunContext(context.Background(), args); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got.SessionID != "s-1" || got.Type != audit.TypeStdin || got.Limit != 7 {
		t.Fatalf("unexpected query: %+v", got)
	}
	if out.String() != "entry\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestBuildApp_MissingRunnerFails(t *testing.T) {
	app := BuildApp(Deps{LoadConfig: func() config.Config { return config.Config{} }})
	if err := app.RunContext(context.Background(), []string{"termbridge", "logs"}); err == nil {
		t.Fatal("expected error for missing logs runner")
	}
}

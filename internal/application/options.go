package application

import (
	"log/slog"

	"termbridge/internal/config"
	"termbridge/internal/llm"
	"termbridge/internal/shell"
)

// StartOptions carries the resolved configuration plus optional collaborators
// that replace the real model client and shell backends.
type StartOptions struct {
	Config config.Config
	Logger *slog.Logger

	Completer llm.Completer
	Dialer    shell.Dialer
}

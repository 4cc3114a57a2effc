package main

import (
	"log/slog"
	"os"

	"github.com/modelrail/mcp2515-sim/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, level, os.Stderr).With("app", "mcp2515-sim")
	logging.Set(l)
	return l
}

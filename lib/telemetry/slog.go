package telemetry

import (
	"log/slog"
	"os"
)

// InitSlog installs the default text handler. Debug mode drops the level to
// slog.LevelDebug, which also turns on per-request logging in instrumented
// HTTP clients.
func InitSlog(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// Package logging builds the process-wide structured logger. The gateway
// never logs with fmt.Sprintf into the message; every call site passes
// structured slog attributes instead.
package logging

import (
	"log/slog"
	"os"
)

// New builds the root logger. Format is controlled by GATEWAY_LOG_FORMAT
// ("json", the default, or "text" for local development), and level by
// GATEWAY_LOG_LEVEL ("debug" | "info" | "warn" | "error").
func New() *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level()}

	if os.Getenv("GATEWAY_LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func level() slog.Level {
	switch os.Getenv("GATEWAY_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

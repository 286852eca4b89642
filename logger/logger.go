package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/railgate/gateway/config"
)

// New returns a configured zerolog.Logger. Output is console-formatted
// in development and plain JSON in production, matching the level
// named by cfg.LogLevel (falling back to debug/info by environment).
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
		if cfg.IsDevelopment() {
			lvl = zerolog.DebugLevel
		}
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

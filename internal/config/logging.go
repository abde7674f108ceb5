package config

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger. Outside production it
// writes human readable console output. DEBUG=true forces debug level.
func SetupLogging(env, level string) {
	if env != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		zlog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if os.Getenv("DEBUG") == "true" {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

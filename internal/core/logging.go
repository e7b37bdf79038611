package core

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// SetupLogging installs a tint handler on the default slog logger. Verbosity
// 0 logs at info, 1 at debug, 2 and above additionally records source
// positions.
func SetupLogging(verbose int) {
	level := slog.LevelInfo
	if verbose >= 1 {
		level = slog.LevelDebug
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		AddSource:  verbose >= 2,
	})
	slog.SetDefault(slog.New(handler))
}

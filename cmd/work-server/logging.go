package main

import (
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
)

// setupLogging installs a terminal handler at the requested verbosity,
// the same glog-style verbosity machinery cmd/geth uses. Verbosity
// follows geth's convention: 0=crit, 1=error, 2=warn, 3=info, 4=debug,
// 5=trace.
func setupLogging(verbosity int) {
	levels := []slog.Level{log.LevelCrit, log.LevelError, log.LevelWarn, log.LevelInfo, log.LevelDebug, log.LevelTrace}
	if verbosity < 0 {
		verbosity = 0
	}
	if verbosity >= len(levels) {
		verbosity = len(levels) - 1
	}
	glog := log.NewGlogHandler(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelTrace, false))
	glog.Verbosity(levels[verbosity])
	log.SetDefault(log.NewLogger(glog))
}

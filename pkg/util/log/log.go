// Package log provides the process-wide logger used by every component of
// the gateway core.
package log

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the process-wide, leveled logger. Components never build their
// own logger; they take this one (or a child created with log.With) so that
// log level and output format stay centralized.
var Logger = newDefaultLogger()

func newDefaultLogger() log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return level.NewFilter(l, level.AllowInfo())
}

// SetLevel swaps the process-wide filter level. Used by callers that load
// their own level from configuration; the gateway core itself never calls
// this.
func SetLevel(allowed level.Option) {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	Logger = level.NewFilter(l, allowed)
}

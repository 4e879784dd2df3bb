package log

import (
	"github.com/go-kit/log"
	"golang.org/x/time/rate"
)

// RateLimitedLogger drops log lines once more than n have been emitted in
// the current second, so a noisy tenant or a hot retry loop cannot flood
// stderr. It wraps an arbitrary go-kit logger (typically one already bound
// to a level via level.Error(Logger)).
type RateLimitedLogger struct {
	next    log.Logger
	limiter *rate.Limiter
}

// NewRateLimitedLogger returns a logger that allows at most perSecond lines
// through to next every second, with a burst of the same size.
func NewRateLimitedLogger(perSecond int, next log.Logger) *RateLimitedLogger {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &RateLimitedLogger{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Log implements log.Logger. Suppressed lines are silently dropped, and no
// count of dropped lines is kept.
func (r *RateLimitedLogger) Log(keyvals ...interface{}) error {
	if !r.limiter.Allow() {
		return nil
	}
	return r.next.Log(keyvals...)
}

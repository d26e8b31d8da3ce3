package q

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Package-level structured logger. Logging is an infrastructure
// cross-cutting concern shared by every queue and promise in the process, so
// it is configured once rather than per instance.
var globalLogger struct {
	sync.RWMutex
	logger *logiface.Logger[logiface.Event]
}

// SetLogger installs a structured logger for the package. The zero state is
// a disabled logger; passing nil restores it. Safe to call concurrently.
func SetLogger(logger *logiface.Logger[logiface.Event]) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

// getLogger returns the configured logger, which may be nil. All logiface
// builder methods are nil-safe, so call sites chain without guarding.
func getLogger() *logiface.Logger[logiface.Event] {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}

// RejectionHandler receives unhandled promise rejections, see
// SetUnhandledRejectionHandler.
type RejectionHandler func(err error)

var unhandledRejectionHandler atomic.Value // RejectionHandler

// rejectionLimiter caps reports per distinct error message, so a rejection
// storm from one failing chain cannot flood the sink.
var rejectionLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 5,
	time.Minute: 30,
})

// SetUnhandledRejectionHandler installs a process-wide sink for rejections
// that reach the end of a chain with no Fail handler attached. Passing nil
// restores the default sink, which logs through the package logger (or the
// standard library logger when none is configured).
func SetUnhandledRejectionHandler(fn RejectionHandler) {
	if fn == nil {
		fn = defaultRejectionSink
	}
	unhandledRejectionHandler.Store(fn)
}

func init() {
	unhandledRejectionHandler.Store(RejectionHandler(defaultRejectionSink))
}

// reportUnhandledRejection surfaces err on the configured sink. The default
// sink writes to the package logger or the standard library logger, but
// drops reports past the per-message rate limit of rejectionLimiter.
func reportUnhandledRejection(err error) {
	if err == nil {
		return
	}
	fn, _ := unhandledRejectionHandler.Load().(RejectionHandler)
	if fn != nil {
		fn(err)
	}
}

func defaultRejectionSink(err error) {
	if _, ok := rejectionLimiter.Allow(err.Error()); !ok {
		return
	}
	if logger := getLogger(); logger != nil {
		logger.Err().
			Err(err).
			Str("component", "promise").
			Log("unhandled promise rejection")
		return
	}
	log.Printf("WARNING: q: unhandled promise rejection: %v", err)
}

package automation

import (
	"log/slog"
	"sync/atomic"
)

// outstanding counts managers created by NewManager whose Cleanup has
// not run yet.
var outstanding atomic.Int64

// Outstanding returns the number of managers that were created and not
// cleaned up.
func Outstanding() int64 {
	return outstanding.Load()
}

// ReportLeaks logs a warning if any manager was never cleaned up and
// returns the count. Binaries call it on exit; tests assert zero.
func ReportLeaks(logger *slog.Logger) int64 {
	n := outstanding.Load()
	if n > 0 && logger != nil {
		logger.Warn("automation manager leaked: Cleanup was never called", "count", n)
	}
	return n
}

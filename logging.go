package stm

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// defaultLogger is the package-wide diagnostic sink used by Run and by
// RunWithOptions calls that don't set RunOptions.Logger explicitly. It
// starts out silent, matching zap's own library-embedding convention
// (nothing is logged until the embedding application opts in).
var defaultLogger atomic.Pointer[zap.Logger]

func init() {
	defaultLogger.Store(zap.NewNop())
}

// SetDefaultLogger replaces the package-wide default logger used by Run and
// by RunWithOptions calls whose RunOptions.Logger is nil. Pass nil to go
// back to a no-op logger.
func SetDefaultLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	defaultLogger.Store(l)
}

func getDefaultLogger() *zap.Logger {
	return defaultLogger.Load()
}

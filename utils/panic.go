package utils

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// PanicRecovery logs a recovered panic with its stack. Deferred at the top
// of goroutines that must not take the process down with them.
func PanicRecovery(log *zap.Logger) {
	if r := recover(); r != nil {
		log.With(
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		).Error("recovered panic")
	}
}

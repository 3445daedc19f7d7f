package util

import "go.uber.org/zap"

// SafeGo runs fn in a new goroutine and logs instead of crashing if it
// panics. Use it for fire-and-forget work whose result nobody awaits.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Get().Error("recovered panic in background goroutine",
					zap.String("task", name),
					zap.Any("panic", r),
					zap.StackSkip("stack", 2),
				)
			}
		}()
		fn()
	}()
}

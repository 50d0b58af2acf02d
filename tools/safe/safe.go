package safe

import (
	"runtime/debug"

	"relaychat/logger"
)

// Go runs f on a new goroutine and recovers any panic, so one misbehaving
// handler cannot take the process down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("goroutine panic recovered: %v\n%s", r, debug.Stack())
			}
		}()
		f()
	}()
}

package safe

import (
	"FoxChat/logger"
)

// Go starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func Go(f func()) {
	go func() {
		defer Recover("safe.Go")
		f()
	}()
}

// Recover is meant to be deferred. It swallows a panic and logs it
// with the given tag so a misbehaving callback cannot take down its
// caller.
func Recover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("[%s] panic recovered: %v", tag, r)
	}
}

// Call runs f and isolates any panic it raises. Used for user-supplied
// handlers that must not affect their siblings.
func Call(tag string, f func()) {
	defer Recover(tag)
	f()
}

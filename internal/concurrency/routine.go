package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo launches fn on its own goroutine and turns a panic into a log
// line instead of a process crash. Stream pumps and process reapers run
// under it so one misbehaving sandbox cannot take the manager down.
// onPanic, when non-nil, runs after recovery with the panic value.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			slog.Error("recovered panic in background goroutine",
				"panic", r,
				"stack", string(debug.Stack()))
			if onPanic != nil {
				onPanic(r)
			}
		}()
		fn()
	}()
}

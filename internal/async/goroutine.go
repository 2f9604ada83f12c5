package async

import (
	"log"
	"runtime/debug"
)

// Go runs fn in a goroutine guarded by panic recovery.
func Go(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(name string) {
	if r := recover(); r != nil {
		if name == "" {
			log.Printf("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		log.Printf("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}

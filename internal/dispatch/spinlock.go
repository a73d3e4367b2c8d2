package dispatch

import (
	"runtime"
	"sync/atomic"
)

// spinLock guards the completed-RPC queue. The critical sections on both
// sides are a handful of instructions, short enough that spinning beats
// parking the dispatcher on a futex.
type spinLock struct {
	held atomic.Bool
}

func (l *spinLock) lock() {
	for !l.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (l *spinLock) unlock() {
	l.held.Store(false)
}

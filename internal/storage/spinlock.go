package storage

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a test-and-set mutual exclusion lock. Delta splicing holds
// it for a handful of pointer writes, so spinning beats parking.
type SpinLock struct {
	state int32
}

// Lock spins until the lock is acquired.
func (l *SpinLock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	atomic.StoreInt32(&l.state, 0)
}

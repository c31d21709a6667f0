// Package chainlock implements a mutex whose Lock and Unlock methods return
// the lock itself, so that a lock can be taken and released in one statement:
//
//	defer n.l.Lock().Unlock()
//
// DropWhile and HoldWhile scope a region in which the lock is released or
// held around a function call.
package chainlock

import "sync"

type L struct {
	mtx sync.Mutex
}

func New() *L {
	return &L{}
}

func (l *L) Lock() *L {
	l.mtx.Lock()
	return l
}

func (l *L) Unlock() *L {
	l.mtx.Unlock()
	return l
}

// DropWhile releases l while f runs. l must be held by the caller.
func (l *L) DropWhile(f func()) {
	defer l.Unlock().Lock()
	f()
}

// HoldWhile acquires l while f runs.
func (l *L) HoldWhile(f func()) {
	defer l.Lock().Unlock()
	f()
}

package utils

import (
	"sync"
)

// RWLocker is a sync.RWMutex that may have been compiled out by CreateExternallySynchronized
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// NewRWLocker returns a real sync.RWMutex when synchronized is true, and a no-op lock otherwise
func NewRWLocker(synchronized bool) RWLocker {
	if synchronized {
		return &sync.RWMutex{}
	}
	return noopLocker{}
}

// NewLocker returns a real sync.Mutex when synchronized is true, and a no-op lock otherwise
func NewLocker(synchronized bool) sync.Locker {
	if synchronized {
		return &sync.Mutex{}
	}
	return noopLocker{}
}

type noopLocker struct{}

func (noopLocker) Lock()    {}
func (noopLocker) Unlock()  {}
func (noopLocker) RLock()   {}
func (noopLocker) RUnlock() {}

package mysync

import (
	"sync"
)

// Mutex guards a value of type T. The only way to reach the value is through
// Lock, RLock or Swap, which makes it impossible to forget the lock.
type Mutex[T any] struct {
	mu sync.RWMutex
	v  T
}

type MutexUnlock struct {
	mu *sync.RWMutex
}

type MutexRUnlock struct {
	mu *sync.RWMutex
}

func NewMutex[T any](v T) *Mutex[T] {
	return &Mutex[T]{v: v}
}

func (mu *Mutex[T]) Lock() (T, MutexUnlock) {
	mu.mu.Lock()
	return mu.v, MutexUnlock{&mu.mu}
}

func (mu *Mutex[T]) RLock() (T, MutexRUnlock) {
	mu.mu.RLock()
	return mu.v, MutexRUnlock{&mu.mu}
}

// Swap replaces the guarded value wholesale and returns the previous one.
// Readers see either the old value or the new one, never a mix.
func (mu *Mutex[T]) Swap(v T) T {
	mu.mu.Lock()
	old := mu.v
	mu.v = v
	mu.mu.Unlock()
	return old
}

func (u MutexUnlock) Unlock()   { u.mu.Unlock() }
func (u MutexRUnlock) RUnlock() { u.mu.RUnlock() }

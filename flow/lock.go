package flow

import (
	"context"
	"sync"
)

type (
	// Locker serializes work on one key, usually a topic id. The returned
	// func releases the lock and is safe to call more than once.
	Locker interface {
		Lock(ctx context.Context, key string) (func(), error)
	}

	// KeyedMutex is a Locker for a single process.
	KeyedMutex struct {
		mu    sync.Mutex
		locks map[string]*keyedLock
	}

	keyedLock struct {
		sem  chan struct{}
		refs int
	}
)

var _ Locker = (*KeyedMutex)(nil)

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedLock{}}
}

// Lock blocks until key is free or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			m.release(key, l)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, l *keyedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

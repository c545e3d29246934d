package concurrency

import (
	"sync"
	"sync/atomic"
)

// FlightGuard is a keyed try-lock. At most one invocation runs per key;
// overlapping attempts are skipped and counted, never queued.
type FlightGuard struct {
	flights sync.Map // key -> *flight
}

type flight struct {
	busy    int32
	skipped int64
}

// NewFlightGuard creates an empty guard.
func NewFlightGuard() *FlightGuard {
	return &FlightGuard{}
}

func (g *FlightGuard) get(key string) *flight {
	if f, ok := g.flights.Load(key); ok {
		return f.(*flight)
	}
	f, _ := g.flights.LoadOrStore(key, &flight{})
	return f.(*flight)
}

// TryRun executes fn if no invocation for key is in flight. Returns false
// (and bumps the skip counter) when the previous tick is still running.
func (g *FlightGuard) TryRun(key string, fn func()) bool {
	f := g.get(key)
	if !atomic.CompareAndSwapInt32(&f.busy, 0, 1) {
		atomic.AddInt64(&f.skipped, 1)
		return false
	}
	defer atomic.StoreInt32(&f.busy, 0)
	fn()
	return true
}

// Skipped returns how many ticks were collapsed for key.
func (g *FlightGuard) Skipped(key string) int64 {
	f := g.get(key)
	return atomic.LoadInt64(&f.skipped)
}

// KeyedMutex provides a blocking per-key mutex. Unlike FlightGuard callers
// queue instead of skipping; execute-trade uses it so concurrent callers in
// the same idempotency bucket observe the committed result.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	m := k.locks[key]
	k.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}

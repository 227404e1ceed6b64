package storage

import (
	"strings"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Snapshot Handles
// --------------------------------------------------------------------------

// Snapshot is a read-only view of the engine at a fixed applied index. The
// versions a snapshot reads are pinned against garbage collection until
// Release is called; a leaked snapshot therefore holds history alive.
type Snapshot struct {
	engine   *Engine
	id       uint64
	index    uint64
	released atomic.Bool
}

// Snapshot returns a read handle at the current applied index.
func (e *Engine) Snapshot() *Snapshot {
	e.pinMu.Lock()
	e.nextID++
	id := e.nextID
	idx := e.applied.Load()
	e.pins[id] = idx
	e.pinMu.Unlock()

	return &Snapshot{engine: e, id: id, index: idx}
}

// Index returns the applied index the snapshot was taken at.
func (s *Snapshot) Index() uint64 {
	return s.index
}

// Get reads a key as of the snapshot index.
func (s *Snapshot) Get(key string) ([]byte, bool) {
	return s.engine.GetAt(key, s.index)
}

// RangePrefix visits every live key with the given prefix as of the
// snapshot index. Iteration order is unspecified.
func (s *Snapshot) RangePrefix(prefix string, fn func(key string, value []byte) bool) {
	s.engine.entries.Range(func(key string, _ *chain) bool {
		if !strings.HasPrefix(key, prefix) {
			return true
		}
		value, ok := s.engine.GetAt(key, s.index)
		if !ok {
			return true
		}
		return fn(key, value)
	})
}

// Release unpins the snapshot. Safe to call more than once.
func (s *Snapshot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.engine.pinMu.Lock()
	delete(s.engine.pins, s.id)
	s.engine.pinMu.Unlock()
}

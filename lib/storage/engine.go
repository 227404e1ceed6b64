package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/keva-db/keva/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zhangyunhao116/skipmap"
)

var (
	logger = common.GetLogger("storage")

	metricApplies   = metrics.NewCounter("keva_storage_applies_total")
	metricGCRemoved = metrics.NewCounter("keva_storage_gc_versions_removed_total")
)

// --------------------------------------------------------------------------
// Versioned Storage Engine
// --------------------------------------------------------------------------

// version is one committed write of a key. Versions are immutable once
// stored; a delete is a tombstone version.
type version struct {
	value     []byte
	timestamp int64
	deleted   bool
}

// chain holds all retained versions of one key, ordered by log index.
type chain = skipmap.FuncMap[uint64, version]

func newChain() *chain {
	return skipmap.NewFunc[uint64, version](func(a, b uint64) bool { return a < b })
}

// Engine is the versioned store of one partition. Committed log entries are
// applied in index order by the partition's apply goroutine; reads may come
// from any goroutine. Per-key state lives in a concurrent map, so reads and
// GC never contend on a global lock.
type Engine struct {
	cfg     common.StorageConfig
	entries *xsync.MapOf[string, *chain]
	applied atomic.Uint64

	pinMu  sync.Mutex
	pins   map[uint64]uint64 // snapshot id -> pinned index
	nextID uint64

	gcIsRunning atomic.Bool
	gcStop      chan struct{}
}

// NewEngine creates a storage engine and starts its garbage collector.
func NewEngine(cfg common.StorageConfig) *Engine {
	e := &Engine{
		cfg:     cfg,
		entries: xsync.NewMapOf[string, *chain](),
		pins:    make(map[uint64]uint64),
		gcStop:  make(chan struct{}),
	}
	e.startGC()
	return e
}

// AppliedIndex returns the index of the last applied entry.
func (e *Engine) AppliedIndex() uint64 {
	return e.applied.Load()
}

// SetAppliedIndex primes the applied index during recovery, before replay.
func (e *Engine) SetAppliedIndex(idx uint64) {
	e.applied.Store(idx)
}

// --------------------------------------------------------------------------
// Apply and Read Paths
// --------------------------------------------------------------------------

// Apply folds one committed entry into the store. Re-applying an entry at
// or below the applied index is a no-op, so replay after restart or a
// duplicated apply never corrupts state. Entries must arrive in index order.
func (e *Engine) Apply(entry common.LogEntry) bool {
	if entry.Index <= e.applied.Load() {
		return false
	}

	switch entry.Op {
	case common.OpPut:
		e.appendVersion(entry.Key, entry.Index, version{
			value:     append([]byte(nil), entry.Value...),
			timestamp: entry.Timestamp,
		})
	case common.OpDelete:
		e.appendVersion(entry.Key, entry.Index, version{
			timestamp: entry.Timestamp,
			deleted:   true,
		})
	case common.OpNoOp:
		// Advances the applied index only.
	}

	e.applied.Store(entry.Index)
	metricApplies.Inc()
	return true
}

// appendVersion adds a version inside the map's compute so a concurrent GC
// removing the whole key cannot orphan the write.
func (e *Engine) appendVersion(key string, idx uint64, v version) {
	e.entries.Compute(key, func(c *chain, loaded bool) (*chain, bool) {
		if !loaded {
			c = newChain()
		}
		c.Store(idx, v)
		return c, false
	})
}

// Get returns the latest committed value of a key.
func (e *Engine) Get(key string) ([]byte, bool) {
	return e.GetAt(key, e.applied.Load())
}

// GetAt returns the value of a key as of a specific applied index: the
// newest version at or below idx. Tombstones read as not found.
func (e *Engine) GetAt(key string, idx uint64) ([]byte, bool) {
	c, ok := e.entries.Load(key)
	if !ok {
		return nil, false
	}

	var (
		found bool
		v     version
	)
	c.Range(func(i uint64, cand version) bool {
		if i > idx {
			return false
		}
		v, found = cand, true
		return true
	})

	if !found || v.deleted {
		return nil, false
	}
	out := make([]byte, len(v.value))
	copy(out, v.value)
	return out, true
}

// Len returns the number of keys with at least one retained version.
func (e *Engine) Len() int {
	return e.entries.Size()
}

// Close stops the garbage collector. Data stays readable.
func (e *Engine) Close() error {
	if e.gcIsRunning.CompareAndSwap(true, false) {
		close(e.gcStop)
	}
	return nil
}

// --------------------------------------------------------------------------
// Garbage Collection
// --------------------------------------------------------------------------

func (e *Engine) startGC() {
	if e.gcIsRunning.CompareAndSwap(false, true) {
		go e.garbageCollector()
	}
}

func (e *Engine) garbageCollector() {
	interval := time.Duration(e.cfg.GCIntervalMillis) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.gcStop:
			return
		case <-ticker.C:
			e.collect()
		}
	}
}

// collect trims every chain to the retention bound. A version survives the
// trim if it is one of the newest RetentionVersions, or if it is the version
// an active snapshot would read (the newest version at or below the pin).
func (e *Engine) collect() {
	pins := e.pinnedIndexes()

	e.entries.Range(func(key string, c *chain) bool {
		if c.Len() <= e.cfg.RetentionVersions {
			return true
		}

		indexes := make([]uint64, 0, c.Len())
		c.Range(func(i uint64, _ version) bool {
			indexes = append(indexes, i)
			return true
		})
		if len(indexes) <= e.cfg.RetentionVersions {
			return true
		}

		keep := make(map[uint64]bool, e.cfg.RetentionVersions+len(pins))
		for _, i := range indexes[len(indexes)-e.cfg.RetentionVersions:] {
			keep[i] = true
		}
		for _, pin := range pins {
			// The newest version at or below the pin is what the snapshot
			// reads, it must not disappear under the reader.
			var floor uint64
			var hasFloor bool
			for _, i := range indexes {
				if i > pin {
					break
				}
				floor, hasFloor = i, true
			}
			if hasFloor {
				keep[floor] = true
			}
		}

		for _, i := range indexes {
			if !keep[i] {
				c.Delete(i)
				metricGCRemoved.Inc()
			}
		}
		return true
	})
}

func (e *Engine) pinnedIndexes() []uint64 {
	e.pinMu.Lock()
	defer e.pinMu.Unlock()
	out := make([]uint64, 0, len(e.pins))
	for _, idx := range e.pins {
		out = append(out, idx)
	}
	return out
}

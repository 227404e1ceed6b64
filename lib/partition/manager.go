package partition

import (
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/keva-db/keva/rpc/common"
)

var (
	logger = common.GetLogger("partition")

	metricRebuilds = metrics.NewCounter("keva_partition_rebuilds_total")
)

// --------------------------------------------------------------------------
// Partition Map Manager
// --------------------------------------------------------------------------

// ChangeFunc is invoked after every rebalance with the new map. Callbacks
// run on the mutating goroutine and must not block.
type ChangeFunc func(m *Map)

// Manager owns the current partition map and rebuilds it when the alive
// node set changes. Readers go through the atomic pointer and never block.
type Manager struct {
	partitionCount    uint32
	replicationFactor int

	mu        sync.Mutex
	nodes     []string // alive node set of the current map, sorted
	current   atomic.Pointer[Map]
	callbacks []ChangeFunc
}

// NewManager creates a manager with no map yet. The first Rebalance call
// with a non-empty node set publishes generation 1.
func NewManager(partitionCount uint32, replicationFactor int) *Manager {
	return &Manager{
		partitionCount:    partitionCount,
		replicationFactor: replicationFactor,
	}
}

// Current returns the latest map, or nil before the first rebalance.
func (mgr *Manager) Current() *Map {
	return mgr.current.Load()
}

// OnChange registers a callback invoked after each rebalance.
// Must be called before membership events start flowing.
func (mgr *Manager) OnChange(fn ChangeFunc) {
	mgr.callbacks = append(mgr.callbacks, fn)
}

// Rebalance recomputes the map if the alive node set differs from the one
// the current map was built over. Returns the map in effect afterwards.
func (mgr *Manager) Rebalance(alive []string) *Map {
	mgr.mu.Lock()

	if sameNodeSet(mgr.nodes, alive) {
		m := mgr.current.Load()
		mgr.mu.Unlock()
		return m
	}

	if len(alive) == 0 {
		// Losing every peer does not invalidate routing knowledge; keep the
		// last map until somebody comes back.
		m := mgr.current.Load()
		mgr.mu.Unlock()
		logger.Warn("alive node set is empty, keeping previous partition map")
		return m
	}

	gen := uint64(1)
	if prev := mgr.current.Load(); prev != nil {
		gen = prev.Generation + 1
	}

	m, err := Build(gen, mgr.partitionCount, mgr.replicationFactor, alive)
	if err != nil {
		mgr.mu.Unlock()
		logger.Errorf("partition map rebuild failed: %v", err)
		return mgr.current.Load()
	}

	mgr.nodes = append([]string(nil), alive...)
	mgr.current.Store(m)
	callbacks := mgr.callbacks
	mgr.mu.Unlock()

	metricRebuilds.Inc()
	logger.Infof("partition map generation %d over %d nodes", m.Generation, len(alive))

	for _, fn := range callbacks {
		fn(m)
	}
	return m
}

// sameNodeSet compares two sorted node id slices.
func sameNodeSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

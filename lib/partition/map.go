package partition

import (
	"fmt"
	"sort"

	"github.com/keva-db/keva/rpc/common"
)

// --------------------------------------------------------------------------
// Partition Map
// --------------------------------------------------------------------------

// Map assigns the 64-bit hashed keyspace to a fixed number of contiguous
// partitions and each partition to a replica set. Maps are immutable; a
// membership change produces a new map with the next generation number.
type Map struct {
	Generation        uint64
	PartitionCount    uint32
	ReplicationFactor int

	// replicas[pid] lists the node ids owning that partition, deterministic
	// given (generation, node set). The first entry is not special: any
	// replica may become leader.
	replicas [][]string

	// rangeWidth is the size of each partition's hash range.
	rangeWidth uint64
}

// Build computes the partition map for a node set. The node set is sorted
// internally so every node computes the identical map from the same inputs.
// Replica sets are picked by rendezvous hashing: each partition takes the
// ReplicationFactor highest-weighted nodes, so a membership change only
// moves the partitions the changed node participated in.
func Build(generation uint64, partitionCount uint32, replicationFactor int, nodes []string) (*Map, error) {
	if partitionCount == 0 {
		return nil, fmt.Errorf("partition count must be positive")
	}
	if replicationFactor <= 0 {
		return nil, fmt.Errorf("replication factor must be positive")
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("cannot build a partition map over zero nodes")
	}

	sorted := make([]string, len(nodes))
	copy(sorted, nodes)
	sort.Strings(sorted)

	rf := replicationFactor
	if rf > len(sorted) {
		rf = len(sorted)
	}

	m := &Map{
		Generation:        generation,
		PartitionCount:    partitionCount,
		ReplicationFactor: rf,
		replicas:          make([][]string, partitionCount),
		rangeWidth:        rangeWidth(partitionCount),
	}

	type weighted struct {
		id     string
		weight uint64
	}
	scores := make([]weighted, len(sorted))

	for pid := uint32(0); pid < partitionCount; pid++ {
		for i, id := range sorted {
			scores[i] = weighted{id: id, weight: rendezvousWeight(id, pid)}
		}
		sort.Slice(scores, func(i, j int) bool {
			if scores[i].weight != scores[j].weight {
				return scores[i].weight > scores[j].weight
			}
			return scores[i].id < scores[j].id
		})

		set := make([]string, rf)
		for i := 0; i < rf; i++ {
			set[i] = scores[i].id
		}
		m.replicas[pid] = set
	}

	return m, nil
}

// rangeWidth returns the size of each partition's contiguous hash range,
// rounded up so count*width covers the full 64-bit space.
func rangeWidth(count uint32) uint64 {
	if count == 1 {
		return 0 // full range, special-cased in PartitionOf
	}
	return (^uint64(0))/uint64(count) + 1
}

// PartitionOf routes a key to its partition.
func (m *Map) PartitionOf(key string) uint32 {
	if m.PartitionCount == 1 {
		return 0
	}
	pid := uint32(HashKey(key) / m.rangeWidth)
	if pid >= m.PartitionCount {
		pid = m.PartitionCount - 1
	}
	return pid
}

// Replicas returns the replica set of a partition.
func (m *Map) Replicas(pid uint32) []string {
	if pid >= m.PartitionCount {
		return nil
	}
	return m.replicas[pid]
}

// Owns reports whether the node is a replica of the partition.
func (m *Map) Owns(nodeID string, pid uint32) bool {
	for _, id := range m.Replicas(pid) {
		if id == nodeID {
			return true
		}
	}
	return false
}

// OwnedBy lists the partitions the node replicates.
func (m *Map) OwnedBy(nodeID string) []uint32 {
	var out []uint32
	for pid := uint32(0); pid < m.PartitionCount; pid++ {
		if m.Owns(nodeID, pid) {
			out = append(out, pid)
		}
	}
	return out
}

// CheckGeneration rejects requests routed with an outdated map. The error
// carries the current generation so the caller can refresh and retry.
func (m *Map) CheckGeneration(gen uint64) error {
	if gen != m.Generation {
		return common.NewStaleRouting(m.Generation)
	}
	return nil
}

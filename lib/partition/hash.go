package partition

import (
	"encoding/binary"
	"hash/fnv"
)

// --------------------------------------------------------------------------
// Key and Rendezvous Hashing
// --------------------------------------------------------------------------

// HashKey maps a key onto the 64-bit hashed keyspace. Every node must use
// the same function, otherwise routing falls apart.
func HashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}

// rendezvousWeight scores a (node, partition) pair for highest-random-weight
// replica selection. Deterministic across nodes, no shared state needed.
func rendezvousWeight(nodeID string, pid uint32) uint64 {
	h := fnv.New64a()
	h.Write([]byte(nodeID))
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], pid)
	h.Write(buf[:])
	return h.Sum64()
}

// Package partition routes keys to replica sets.
//
// The keyspace is hashed onto 64 bits and divided into a fixed number of
// contiguous ranges. Each range is assigned a replica set by rendezvous
// hashing over the Alive node set, so all nodes derive the identical map
// from the identical membership view without coordination, and a membership
// change only moves the partitions the changed node participated in.
//
// Maps are immutable and generation-numbered. A request routed with an old
// generation is rejected with a StaleRouting error carrying the current
// generation, never silently re-routed.
package partition

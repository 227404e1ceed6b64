// Package cluster implements decentralized membership for keva nodes.
//
// Every node keeps a local registry of all known members and exchanges that
// knowledge with a small random subset of peers each gossip round. There is
// no coordinator: conflicting views converge because updates are totally
// ordered per node by (incarnation, logical clock), with the incarnation
// bumped on every process restart.
//
// Failure detection is local and staged. A peer that misses enough direct
// exchanges turns Suspect, and a Suspect peer that stays silent turns Dead.
// A node that learns it is suspected refutes the rumor by re-asserting
// itself Alive with a higher clock. Dead records linger as tombstones for a
// configurable period so the death outlives stale secondhand gossip.
package cluster

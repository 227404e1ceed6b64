// Package coordinator routes client operations onto partitions.
//
// The coordinator owns no consensus state itself: it resolves the partition
// of a key through the current map, rejects requests routed with an
// outdated map generation, and hands writes and linearizable reads to the
// partition's consensus node. Contacting the wrong node yields an explicit
// redirect, never a silent forward, so the client's routing knowledge
// converges instead of being papered over.
package coordinator

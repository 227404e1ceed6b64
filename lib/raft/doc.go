// Package raft replicates one partition's log across its replica set.
//
// Each partition runs an independent consensus group. All state of a group
// is owned by a single event-loop goroutine; peer messages, proposals,
// linearizable reads and timer ticks reach it through channels. Leaders are
// elected with randomized timeouts, votes are durable, and at most one
// leader can exist per (partition, term).
//
// Writes are acknowledged only after a majority has durably appended them.
// Linearizable reads never touch the log: the leader confirms it still
// holds a majority through a heartbeat round and serves from applied state.
// The log is compacted behind a durable state machine checkpoint.
package raft

// Package storage holds the applied state of one partition.
//
// Committed log entries are folded in strictly by index, and re-applying an
// already-applied entry is a no-op, so crash-replay is always safe. Every
// write produces an immutable version; a bounded number of versions per key
// is retained so reads at an older applied index keep working while the
// history is needed.
//
// Snapshot handles pin the versions they can see until released. The
// background garbage collector trims everything else down to the retention
// bound.
package storage

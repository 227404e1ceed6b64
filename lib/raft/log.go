package raft

import (
	"github.com/keva-db/keva/rpc/common"
)

// --------------------------------------------------------------------------
// In-Memory Log
// --------------------------------------------------------------------------

// raftLog is the in-memory replicated log of one partition. Indexes start
// at 1; index 0 is the empty-log sentinel with term 0. A compacted prefix
// is remembered only as (snapIndex, snapTerm).
type raftLog struct {
	entries []common.LogEntry
	// snapIndex/snapTerm describe the last entry compacted away.
	snapIndex uint64
	snapTerm  uint64
}

func newLog() *raftLog {
	return &raftLog{}
}

// lastIndex returns the index of the newest entry.
func (l *raftLog) lastIndex() uint64 {
	if len(l.entries) == 0 {
		return l.snapIndex
	}
	return l.entries[len(l.entries)-1].Index
}

// lastTerm returns the term of the newest entry.
func (l *raftLog) lastTerm() uint64 {
	if len(l.entries) == 0 {
		return l.snapTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// term returns the term of the entry at idx, or false if the entry is
// neither present nor the compaction sentinel.
func (l *raftLog) term(idx uint64) (uint64, bool) {
	if idx == l.snapIndex {
		return l.snapTerm, true
	}
	if idx < l.snapIndex || idx > l.lastIndex() {
		return 0, false
	}
	return l.entries[idx-l.snapIndex-1].Term, true
}

// entry returns the entry at idx.
func (l *raftLog) entry(idx uint64) (common.LogEntry, bool) {
	if idx <= l.snapIndex || idx > l.lastIndex() {
		return common.LogEntry{}, false
	}
	return l.entries[idx-l.snapIndex-1], true
}

// slice returns the entries in [from, lastIndex]. The result aliases the
// log, callers must not mutate it.
func (l *raftLog) slice(from uint64) []common.LogEntry {
	if from <= l.snapIndex {
		from = l.snapIndex + 1
	}
	if from > l.lastIndex() {
		return nil
	}
	return l.entries[from-l.snapIndex-1:]
}

// append adds entries at the tail. Entries must be contiguous.
func (l *raftLog) append(entries ...common.LogEntry) {
	l.entries = append(l.entries, entries...)
}

// truncateFrom drops the entry at idx and everything after it. A follower
// uses this to discard a conflicting suffix wholesale before appending the
// leader's entries.
func (l *raftLog) truncateFrom(idx uint64) {
	if idx <= l.snapIndex {
		idx = l.snapIndex + 1
	}
	if idx > l.lastIndex() {
		return
	}
	l.entries = l.entries[:idx-l.snapIndex-1]
}

// compactTo drops every entry up to and including idx, keeping the
// sentinel. idx must be durably applied.
func (l *raftLog) compactTo(idx uint64) {
	if idx <= l.snapIndex || idx > l.lastIndex() {
		return
	}
	term, _ := l.term(idx)
	l.entries = append([]common.LogEntry(nil), l.slice(idx+1)...)
	l.snapIndex = idx
	l.snapTerm = term
}

// matches reports whether the log contains an entry at prevIndex with
// prevTerm, the AppendEntries consistency check.
func (l *raftLog) matches(prevIndex, prevTerm uint64) bool {
	if prevIndex == 0 {
		return true
	}
	term, ok := l.term(prevIndex)
	return ok && term == prevTerm
}

// upToDate reports whether a candidate's log (by last term/index) is at
// least as complete as ours, the vote eligibility check.
func (l *raftLog) upToDate(lastIndex, lastTerm uint64) bool {
	if lastTerm != l.lastTerm() {
		return lastTerm > l.lastTerm()
	}
	return lastIndex >= l.lastIndex()
}

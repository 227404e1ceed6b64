package raft

import (
	"io"
	"testing"

	"github.com/keva-db/keva/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreFreshPartition(t *testing.T) {
	s, err := OpenStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer s.Close()

	log, err := s.Recover()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), log.lastIndex())
	assert.Equal(t, HardState{}, s.HardState())
}

func TestStoreHardStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenStore(dir, 3)
	require.NoError(t, err)
	_, err = s.Recover()
	require.NoError(t, err)

	require.NoError(t, s.SaveHardState(7, "node-a"))
	require.NoError(t, s.SaveApplied(42))
	require.NoError(t, s.Close())

	reopened, err := OpenStore(dir, 3)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.Recover()
	require.NoError(t, err)

	assert.Equal(t, HardState{Term: 7, VotedFor: "node-a", Applied: 42}, reopened.HardState())
}

func TestStoreLogRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenStore(dir, 0)
	require.NoError(t, err)
	_, err = s.Recover()
	require.NoError(t, err)

	entries := []common.LogEntry{
		{Partition: 0, Term: 1, Index: 1, Op: common.OpPut, Key: "a", Value: []byte("one"), Timestamp: 111},
		{Partition: 0, Term: 1, Index: 2, Op: common.OpDelete, Key: "a", Timestamp: 222},
		{Partition: 0, Term: 2, Index: 3, Op: common.OpNoOp, Timestamp: 333},
	}
	require.NoError(t, s.AppendEntries(entries[:2]))
	require.NoError(t, s.AppendEntries(entries[2:]))
	require.NoError(t, s.Close())

	reopened, err := OpenStore(dir, 0)
	require.NoError(t, err)
	defer reopened.Close()

	log, err := reopened.Recover()
	require.NoError(t, err)
	require.Equal(t, uint64(3), log.lastIndex())
	assert.Equal(t, entries, log.entries)
}

func TestStoreRewriteLogTruncates(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenStore(dir, 0)
	require.NoError(t, err)
	_, err = s.Recover()
	require.NoError(t, err)

	require.NoError(t, s.AppendEntries([]common.LogEntry{entry(1, 1), entry(1, 2), entry(1, 3)}))
	// Conflict resolution dropped entry 3 and replaced entry 2.
	require.NoError(t, s.RewriteLog(0, 0, []common.LogEntry{entry(1, 1), entry(2, 2)}))
	// Appends keep working on the rewritten file.
	require.NoError(t, s.AppendEntries([]common.LogEntry{entry(2, 3)}))
	require.NoError(t, s.Close())

	reopened, err := OpenStore(dir, 0)
	require.NoError(t, err)
	defer reopened.Close()

	log, err := reopened.Recover()
	require.NoError(t, err)
	require.Equal(t, uint64(3), log.lastIndex())

	term, ok := log.term(2)
	require.True(t, ok)
	assert.Equal(t, uint64(2), term)
}

func TestStoreRewriteLogKeepsSentinel(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenStore(dir, 0)
	require.NoError(t, err)
	_, err = s.Recover()
	require.NoError(t, err)

	require.NoError(t, s.RewriteLog(10, 4, []common.LogEntry{entry(5, 11)}))
	require.NoError(t, s.Close())

	reopened, err := OpenStore(dir, 0)
	require.NoError(t, err)
	defer reopened.Close()

	log, err := reopened.Recover()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), log.snapIndex)
	assert.Equal(t, uint64(4), log.snapTerm)
	assert.Equal(t, uint64(11), log.lastIndex())
}

func TestStoreCheckpointRoundTrip(t *testing.T) {
	s, err := OpenStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer s.Close()

	found, err := s.LoadCheckpoint(func(io.Reader) error { return nil })
	require.NoError(t, err)
	assert.False(t, found, "fresh partition must not have a checkpoint")

	payload := []byte("state machine payload")
	require.NoError(t, s.SaveCheckpoint(func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	}))

	var got []byte
	found, err = s.LoadCheckpoint(func(r io.Reader) error {
		got, err = io.ReadAll(r)
		return err
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload, got)
}

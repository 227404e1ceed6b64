package storage

import (
	"testing"
	"time"

	"github.com/keva-db/keva/rpc/common"
)

func testEngine() *Engine {
	return NewEngine(common.StorageConfig{
		RetentionVersions: 3,
		GCIntervalMillis:  10,
	})
}

func putEntry(idx uint64, key, value string) common.LogEntry {
	return common.LogEntry{Index: idx, Op: common.OpPut, Key: key, Value: []byte(value), Timestamp: time.Now().UnixMilli()}
}

func delEntry(idx uint64, key string) common.LogEntry {
	return common.LogEntry{Index: idx, Op: common.OpDelete, Key: key, Timestamp: time.Now().UnixMilli()}
}

func TestEngineApplyAndGet(t *testing.T) {
	e := testEngine()
	defer e.Close()

	if !e.Apply(putEntry(1, "a", "one")) {
		t.Fatal("fresh entry not applied")
	}
	if got := e.AppliedIndex(); got != 1 {
		t.Fatalf("applied index = %d, want 1", got)
	}

	value, ok := e.Get("a")
	if !ok || string(value) != "one" {
		t.Fatalf("Get(a) = %q,%v", value, ok)
	}

	if _, ok := e.Get("missing"); ok {
		t.Fatal("found a key that was never written")
	}
}

func TestEngineApplyIsIdempotent(t *testing.T) {
	e := testEngine()
	defer e.Close()

	e.Apply(putEntry(1, "a", "one"))
	e.Apply(putEntry(2, "a", "two"))

	// Replay of an old entry must not change anything.
	if e.Apply(putEntry(1, "a", "stale")) {
		t.Fatal("re-apply below applied index was not a no-op")
	}
	if e.Apply(putEntry(2, "a", "stale")) {
		t.Fatal("re-apply at applied index was not a no-op")
	}

	value, _ := e.Get("a")
	if string(value) != "two" {
		t.Fatalf("value corrupted by replay: %q", value)
	}
	if got := e.AppliedIndex(); got != 2 {
		t.Fatalf("applied index = %d, want 2", got)
	}
}

func TestEngineDeleteTombstone(t *testing.T) {
	e := testEngine()
	defer e.Close()

	e.Apply(putEntry(1, "a", "one"))
	e.Apply(delEntry(2, "a"))

	if _, ok := e.Get("a"); ok {
		t.Fatal("deleted key still readable at latest")
	}

	// The version before the tombstone stays readable by index.
	value, ok := e.GetAt("a", 1)
	if !ok || string(value) != "one" {
		t.Fatalf("GetAt(a,1) = %q,%v", value, ok)
	}
}

func TestEngineGetAtPicksNewestAtOrBelow(t *testing.T) {
	e := testEngine()
	defer e.Close()

	e.Apply(putEntry(2, "a", "v2"))
	e.Apply(putEntry(5, "a", "v5"))
	e.Apply(putEntry(9, "a", "v9"))

	tests := []struct {
		idx   uint64
		want  string
		found bool
	}{
		{1, "", false},
		{2, "v2", true},
		{4, "v2", true},
		{5, "v5", true},
		{8, "v5", true},
		{9, "v9", true},
		{100, "v9", true},
	}

	for _, tt := range tests {
		value, ok := e.GetAt("a", tt.idx)
		if ok != tt.found || string(value) != tt.want {
			t.Errorf("GetAt(a,%d) = %q,%v, want %q,%v", tt.idx, value, ok, tt.want, tt.found)
		}
	}
}

func TestEngineNoOpAdvancesIndexOnly(t *testing.T) {
	e := testEngine()
	defer e.Close()

	e.Apply(common.LogEntry{Index: 1, Op: common.OpNoOp})
	if got := e.AppliedIndex(); got != 1 {
		t.Fatalf("applied index = %d, want 1", got)
	}
	if e.Len() != 0 {
		t.Fatal("no-op must not create keys")
	}
}

func TestEngineRetentionTrimsOldVersions(t *testing.T) {
	e := testEngine()
	defer e.Close()

	for i := uint64(1); i <= 10; i++ {
		e.Apply(putEntry(i, "a", "v"))
	}

	e.collect()

	// Only the newest RetentionVersions survive, the latest counts
	// towards the bound.
	if _, ok := e.GetAt("a", 7); ok {
		t.Fatal("version below the retention bound not collected")
	}
	if value, ok := e.GetAt("a", 8); !ok || string(value) != "v" {
		t.Fatal("retained version lost")
	}
	if value, ok := e.GetAt("a", 10); !ok || string(value) != "v" {
		t.Fatal("latest version lost")
	}
	if _, ok := e.Get("a"); !ok {
		t.Fatal("head read broken after collection")
	}
}

func TestEngineSnapshotPinsVersions(t *testing.T) {
	e := testEngine()
	defer e.Close()

	e.Apply(putEntry(1, "a", "pinned"))
	snap := e.Snapshot()

	for i := uint64(2); i <= 10; i++ {
		e.Apply(putEntry(i, "a", "newer"))
	}

	e.collect()

	// The snapshot keeps reading the version it pinned.
	value, ok := snap.Get("a")
	if !ok || string(value) != "pinned" {
		t.Fatalf("snapshot read broken after GC: %q,%v", value, ok)
	}

	// After release the pinned version becomes collectable.
	snap.Release()
	e.collect()
	if _, ok := e.GetAt("a", 1); ok {
		t.Fatal("released snapshot still pins versions")
	}
}

func TestEngineSnapshotIsStable(t *testing.T) {
	e := testEngine()
	defer e.Close()

	e.Apply(putEntry(1, "a", "old"))
	snap := e.Snapshot()
	defer snap.Release()

	e.Apply(putEntry(2, "a", "new"))
	e.Apply(putEntry(3, "b", "born-later"))

	if value, _ := snap.Get("a"); string(value) != "old" {
		t.Fatalf("snapshot observed a later write: %q", value)
	}
	if _, ok := snap.Get("b"); ok {
		t.Fatal("snapshot observed a key created after it was taken")
	}
	if got := snap.Index(); got != 1 {
		t.Fatalf("snapshot index = %d, want 1", got)
	}
}

func TestEngineSnapshotRangePrefix(t *testing.T) {
	e := testEngine()
	defer e.Close()

	e.Apply(putEntry(1, "cfg/a", "1"))
	e.Apply(putEntry(2, "cfg/b", "2"))
	e.Apply(putEntry(3, "other", "3"))
	e.Apply(delEntry(4, "cfg/b"))

	snap := e.Snapshot()
	defer snap.Release()

	seen := map[string]string{}
	snap.RangePrefix("cfg/", func(key string, value []byte) bool {
		seen[key] = string(value)
		return true
	})

	if len(seen) != 1 || seen["cfg/a"] != "1" {
		t.Fatalf("unexpected prefix scan result: %v", seen)
	}
}

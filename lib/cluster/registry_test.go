package cluster

import (
	"testing"
	"time"

	"github.com/keva-db/keva/rpc/common"
)

func testIdentity(id, addr string, incarnation uint64) NodeIdentity {
	return NodeIdentity{ID: id, Addr: addr, Incarnation: incarnation}
}

func TestRegistrySeedsSelfAlive(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 1), time.Hour)

	snap := r.Snapshot()
	if len(snap.Alive) != 1 || snap.Alive[0] != "n1" {
		t.Fatalf("expected self to be the only alive member, got %v", snap.Alive)
	}
	if rec := snap.Members["n1"]; rec.Status != common.MemberAlive {
		t.Fatalf("expected self Alive, got %s", rec.Status)
	}
}

func TestRegistryMergeOrdering(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 1), time.Hour)

	// First contact: record adopted as-is.
	if !r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 3, Status: common.MemberAlive, Clock: 10}}) {
		t.Fatal("expected first merge to report a change")
	}

	// Same incarnation, lower clock: ignored.
	if r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 3, Status: common.MemberSuspect, Clock: 5}}) {
		t.Fatal("stale clock must not change the record")
	}
	if rec := r.Snapshot().Members["n2"]; rec.Status != common.MemberAlive {
		t.Fatalf("stale update applied, status is %s", rec.Status)
	}

	// Same incarnation, higher clock: applied.
	r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 3, Status: common.MemberSuspect, Clock: 11}})
	if rec := r.Snapshot().Members["n2"]; rec.Status != common.MemberSuspect {
		t.Fatalf("expected Suspect after newer clock, got %s", rec.Status)
	}

	// Lower incarnation with a huge clock: still stale.
	if r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 2, Status: common.MemberDead, Clock: 999}}) {
		t.Fatal("lower incarnation must lose regardless of clock")
	}

	// Higher incarnation with a tiny clock: replaces everything.
	r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7002", Incarnation: 4, Status: common.MemberAlive, Clock: 1}})
	rec := r.Snapshot().Members["n2"]
	if rec.Status != common.MemberAlive || rec.Identity.Incarnation != 4 || rec.Identity.Addr != "127.0.0.1:7002" {
		t.Fatalf("higher incarnation not adopted: %+v", rec)
	}
}

func TestRegistryRefutesSuspicionOfSelf(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 2), time.Hour)
	before := r.Snapshot().Members["n1"].Clock

	// Gossip claims we are dead with a higher clock than our own.
	r.Merge([]common.MemberState{{ID: "n1", Addr: "127.0.0.1:7000", Incarnation: 2, Status: common.MemberDead, Clock: before + 50}})

	rec := r.Snapshot().Members["n1"]
	if rec.Status != common.MemberAlive {
		t.Fatalf("self not refuted, status is %s", rec.Status)
	}
	if rec.Clock <= before+50 {
		t.Fatalf("refutation clock %d does not dominate the claim %d", rec.Clock, before+50)
	}
}

func TestRegistryIgnoresClaimsAboutPreviousLife(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 5), time.Hour)

	if r.Merge([]common.MemberState{{ID: "n1", Addr: "127.0.0.1:7000", Incarnation: 4, Status: common.MemberDead, Clock: 1000}}) {
		t.Fatal("claim about a previous incarnation must be a no-op")
	}
}

func TestRegistrySetStatusUsesLocalClock(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 1), time.Hour)
	r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 1, Status: common.MemberAlive, Clock: 3}})

	if !r.SetStatus("n2", common.MemberSuspect) {
		t.Fatal("expected SetStatus to apply")
	}
	if r.SetStatus("n2", common.MemberSuspect) {
		t.Fatal("repeated SetStatus must be a no-op")
	}

	rec := r.Snapshot().Members["n2"]
	if rec.Status != common.MemberSuspect {
		t.Fatalf("expected Suspect, got %s", rec.Status)
	}

	// A subsequent gossip claim with an older clock must not resurrect it.
	r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 1, Status: common.MemberAlive, Clock: 3}})
	if got := r.Snapshot().Members["n2"].Status; got != common.MemberSuspect {
		t.Fatalf("detector decision lost to stale gossip, status is %s", got)
	}
}

func TestRegistryTombstoneExpiry(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 1), 10*time.Millisecond)
	r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 1, Status: common.MemberAlive, Clock: 1}})
	r.SetStatus("n2", common.MemberDead)

	r.Expire()
	if _, ok := r.Snapshot().Members["n2"]; !ok {
		t.Fatal("tombstone expired too early")
	}

	time.Sleep(20 * time.Millisecond)
	r.Expire()
	if _, ok := r.Snapshot().Members["n2"]; ok {
		t.Fatal("tombstone not expired")
	}
}

func TestRegistrySnapshotAliveIsSorted(t *testing.T) {
	r := NewRegistry(testIdentity("n3", "127.0.0.1:7002", 1), time.Hour)
	r.Merge([]common.MemberState{
		{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 1, Status: common.MemberAlive, Clock: 1},
		{ID: "n1", Addr: "127.0.0.1:7000", Incarnation: 1, Status: common.MemberAlive, Clock: 1},
		{ID: "n4", Addr: "127.0.0.1:7003", Incarnation: 1, Status: common.MemberSuspect, Clock: 1},
	})

	snap := r.Snapshot()
	want := []string{"n1", "n2", "n3"}
	if len(snap.Alive) != len(want) {
		t.Fatalf("expected alive %v, got %v", want, snap.Alive)
	}
	for i := range want {
		if snap.Alive[i] != want[i] {
			t.Fatalf("expected alive %v, got %v", want, snap.Alive)
		}
	}
}

func TestRegistryOnChange(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 1), time.Hour)

	var versions []uint64
	r.OnChange(func(snap *Snapshot) { versions = append(versions, snap.Version) })

	r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 1, Status: common.MemberAlive, Clock: 1}})
	r.SetStatus("n2", common.MemberDead)

	if len(versions) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(versions))
	}
	if versions[1] <= versions[0] {
		t.Fatalf("snapshot versions not monotonic: %v", versions)
	}
}

package cluster

import (
	"testing"
	"time"

	"github.com/keva-db/keva/rpc/common"
)

func testDetectorConfig() common.GossipConfig {
	return common.GossipConfig{
		IntervalMillis:   5,
		FanOut:           3,
		SuspectAfter:     2,
		DeadAfterMillis:  30,
		TombstoneSeconds: 3600,
	}
}

func statusOf(t *testing.T, r *Registry, id string) common.MemberStatus {
	t.Helper()
	rec, ok := r.Snapshot().Members[id]
	if !ok {
		t.Fatalf("member %s missing from snapshot", id)
	}
	return rec.Status
}

func TestDetectorSuspectsAndKills(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 1), time.Hour)
	d := NewDetector(r, testDetectorConfig())

	r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 1, Status: common.MemberAlive, Clock: 1}})
	d.ObserveDirect("n2")

	// Within the suspect window the peer stays Alive.
	d.Tick()
	if got := statusOf(t, r, "n2"); got != common.MemberAlive {
		t.Fatalf("peer suspected too early: %s", got)
	}

	// Miss more than SuspectAfter heartbeat intervals.
	time.Sleep(15 * time.Millisecond)
	d.Tick()
	if got := statusOf(t, r, "n2"); got != common.MemberSuspect {
		t.Fatalf("expected Suspect after missed heartbeats, got %s", got)
	}

	// Stay silent through the dead timeout.
	time.Sleep(40 * time.Millisecond)
	d.Tick()
	if got := statusOf(t, r, "n2"); got != common.MemberDead {
		t.Fatalf("expected Dead after second timeout, got %s", got)
	}
}

func TestDetectorDirectContactRefutesSuspicion(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 1), time.Hour)
	d := NewDetector(r, testDetectorConfig())

	r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 1, Status: common.MemberAlive, Clock: 1}})
	d.ObserveDirect("n2")

	time.Sleep(15 * time.Millisecond)
	d.Tick()
	if got := statusOf(t, r, "n2"); got != common.MemberSuspect {
		t.Fatalf("expected Suspect, got %s", got)
	}

	// Direct contact flips the peer straight back to Alive.
	d.ObserveDirect("n2")
	if got := statusOf(t, r, "n2"); got != common.MemberAlive {
		t.Fatalf("direct contact did not refute suspicion, got %s", got)
	}

	// And the dead timer must have been discarded.
	time.Sleep(40 * time.Millisecond)
	d.Tick()
	if got := statusOf(t, r, "n2"); got == common.MemberDead {
		t.Fatal("stale suspicion timer killed a refuted peer")
	}
}

func TestDetectorAdoptsGossipSuspicionWithFreshTimer(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 1), time.Hour)
	d := NewDetector(r, testDetectorConfig())

	// Suspicion learned secondhand, never observed locally.
	r.Merge([]common.MemberState{{ID: "n2", Addr: "127.0.0.1:7001", Incarnation: 1, Status: common.MemberSuspect, Clock: 5}})

	// First tick only starts the local timer.
	d.Tick()
	if got := statusOf(t, r, "n2"); got != common.MemberSuspect {
		t.Fatalf("expected Suspect, got %s", got)
	}

	time.Sleep(40 * time.Millisecond)
	d.Tick()
	if got := statusOf(t, r, "n2"); got != common.MemberDead {
		t.Fatalf("expected Dead after adopted suspicion timed out, got %s", got)
	}
}

func TestDetectorNeverVotesOnSelf(t *testing.T) {
	r := NewRegistry(testIdentity("n1", "127.0.0.1:7000", 1), time.Hour)
	d := NewDetector(r, testDetectorConfig())

	time.Sleep(15 * time.Millisecond)
	d.Tick()
	if got := statusOf(t, r, "n1"); got != common.MemberAlive {
		t.Fatalf("detector must never suspect the local node, got %s", got)
	}
}

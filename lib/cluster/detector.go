package cluster

import (
	"sync"
	"time"

	"github.com/keva-db/keva/rpc/common"
)

// --------------------------------------------------------------------------
// Failure Detector
// --------------------------------------------------------------------------

// Detector drives the Alive -> Suspect -> Dead transitions for peers based
// on direct heartbeat observations. A peer is suspected only after several
// missed direct heartbeats, and declared dead only after a second timeout
// with no refutation from the peer itself, so one slow link cannot flap a
// healthy node's status.
type Detector struct {
	registry *Registry

	interval     time.Duration // expected heartbeat interval
	suspectAfter int           // missed direct heartbeats before Suspect
	deadAfter    time.Duration // time in Suspect before Dead

	mu          sync.Mutex
	lastDirect  map[string]time.Time // last direct contact per peer
	suspectedAt map[string]time.Time
}

// NewDetector creates a failure detector bound to a registry.
func NewDetector(registry *Registry, cfg common.GossipConfig) *Detector {
	return &Detector{
		registry:     registry,
		interval:     time.Duration(cfg.IntervalMillis) * time.Millisecond,
		suspectAfter: cfg.SuspectAfter,
		deadAfter:    time.Duration(cfg.DeadAfterMillis) * time.Millisecond,
		lastDirect:   make(map[string]time.Time),
		suspectedAt:  make(map[string]time.Time),
	}
}

// ObserveDirect records that a message was received directly from the peer.
// Direct contact refutes suspicion immediately.
func (d *Detector) ObserveDirect(id string) {
	if id == d.registry.Self().ID {
		return
	}

	d.mu.Lock()
	d.lastDirect[id] = time.Now()
	_, wasSuspect := d.suspectedAt[id]
	delete(d.suspectedAt, id)
	d.mu.Unlock()

	if wasSuspect {
		d.registry.SetStatus(id, common.MemberAlive)
	} else if snap := d.registry.Snapshot(); snap != nil {
		if rec, ok := snap.Members[id]; ok && rec.Status != common.MemberAlive {
			d.registry.SetStatus(id, common.MemberAlive)
		}
	}
}

// Tick evaluates all peers once. Called on every gossip round.
func (d *Detector) Tick() {
	snap := d.registry.Snapshot()
	now := time.Now()
	suspectTimeout := time.Duration(d.suspectAfter) * d.interval

	var toSuspect, toDead []string

	d.mu.Lock()
	for id, rec := range snap.Members {
		if id == d.registry.Self().ID {
			continue
		}

		switch rec.Status {
		case common.MemberAlive:
			last, seen := d.lastDirect[id]
			if !seen {
				// Known only through gossip so far, start the clock now.
				d.lastDirect[id] = now
				continue
			}
			if now.Sub(last) > suspectTimeout {
				d.suspectedAt[id] = now
				toSuspect = append(toSuspect, id)
			}

		case common.MemberSuspect:
			since, tracked := d.suspectedAt[id]
			if !tracked {
				// Suspicion learned from gossip, adopt it with a fresh timer.
				d.suspectedAt[id] = now
				continue
			}
			if now.Sub(since) > d.deadAfter {
				delete(d.suspectedAt, id)
				toDead = append(toDead, id)
			}
		}
	}
	d.mu.Unlock()

	for _, id := range toSuspect {
		d.registry.SetStatus(id, common.MemberSuspect)
	}
	for _, id := range toDead {
		d.registry.SetStatus(id, common.MemberDead)
	}
}

// Forget drops detector state for a removed peer.
func (d *Detector) Forget(id string) {
	d.mu.Lock()
	delete(d.lastDirect, id)
	delete(d.suspectedAt, id)
	d.mu.Unlock()
}

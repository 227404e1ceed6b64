package cluster

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/keva-db/keva/rpc/common"
)

var (
	logger = common.GetLogger("cluster")

	metricMergeTotal   = metrics.NewCounter("keva_membership_merges_total")
	metricRefutations  = metrics.NewCounter("keva_membership_refutations_total")
	metricTransitions = metrics.NewCounter("keva_membership_transitions_total")
)

// --------------------------------------------------------------------------
// Membership Records and Snapshots
// --------------------------------------------------------------------------

// MembershipRecord is the registry's view of one node. Records are merged
// from gossip and never centrally owned: the highest incarnation wins, and
// within one incarnation the highest logical clock wins.
type MembershipRecord struct {
	Identity NodeIdentity
	Status   common.MemberStatus
	Clock    uint64    // logical clock of the last accepted update
	deadAt   time.Time // local wall time the record turned Dead, for tombstone GC
}

// Snapshot is an immutable, versioned view of cluster membership. Readers
// always observe a complete view; the registry swaps snapshots atomically on
// every change.
type Snapshot struct {
	Version uint64
	Members map[string]MembershipRecord
	// Alive lists the ids of all Alive members in deterministic order. It
	// feeds the partition map, so the ordering must not depend on map
	// iteration.
	Alive []string
}

// AliveIdentities returns the identities of all Alive members.
func (s *Snapshot) AliveIdentities() []NodeIdentity {
	out := make([]NodeIdentity, 0, len(s.Alive))
	for _, id := range s.Alive {
		out = append(out, s.Members[id].Identity)
	}
	return out
}

// AddrOf resolves a member id to its network address.
func (s *Snapshot) AddrOf(id string) (string, bool) {
	rec, ok := s.Members[id]
	if !ok {
		return "", false
	}
	return rec.Identity.Addr, true
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// ChangeFunc is invoked after every membership change with the new snapshot.
// Callbacks run on the mutating goroutine and must not block.
type ChangeFunc func(snap *Snapshot)

// Registry maintains the eventually-consistent membership view of this node.
// Mutations happen in short critical sections; reads go through the atomic
// snapshot and never take the lock.
type Registry struct {
	self NodeIdentity

	mu        sync.Mutex
	records   map[string]*MembershipRecord
	clock     uint64 // local logical clock, bumped on every self update
	tombstone time.Duration

	snap      atomic.Pointer[Snapshot]
	version   atomic.Uint64
	callbacks []ChangeFunc
}

// NewRegistry creates a registry seeded with the local node as Alive.
func NewRegistry(self NodeIdentity, tombstone time.Duration) *Registry {
	r := &Registry{
		self:      self,
		records:   make(map[string]*MembershipRecord),
		tombstone: tombstone,
	}
	r.records[self.ID] = &MembershipRecord{
		Identity: self,
		Status:   common.MemberAlive,
		Clock:    1,
	}
	r.clock = 1
	r.publishLocked()
	return r
}

// Self returns the local node identity.
func (r *Registry) Self() NodeIdentity {
	return r.self
}

// Snapshot returns the current immutable membership view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// OnChange registers a callback invoked after each membership change.
// Must be called before the gossip loop starts.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.callbacks = append(r.callbacks, fn)
}

// --------------------------------------------------------------------------
// Gossip Integration
// --------------------------------------------------------------------------

// Digest returns the registry content in wire form, used as the payload of
// outgoing heartbeats (first- and second-hand knowledge alike).
func (r *Registry) Digest() []common.MemberState {
	snap := r.Snapshot()
	out := make([]common.MemberState, 0, len(snap.Members))
	for _, rec := range snap.Members {
		out = append(out, common.MemberState{
			ID:          rec.Identity.ID,
			Addr:        rec.Identity.Addr,
			Incarnation: rec.Identity.Incarnation,
			Status:      rec.Status,
			Clock:       rec.Clock,
		})
	}
	return out
}

// Merge folds remote membership knowledge into the registry. Returns true
// if anything changed. Claims about the local node that contradict Alive
// are refuted by bumping the local logical clock and re-asserting Alive;
// the refutation then spreads through subsequent gossip rounds.
func (r *Registry) Merge(states []common.MemberState) bool {
	r.mu.Lock()
	changed := false

	for _, s := range states {
		if s.ID == r.self.ID {
			if r.refuteLocked(s) {
				changed = true
			}
			continue
		}

		rec, exists := r.records[s.ID]
		if !exists {
			r.records[s.ID] = recordFromState(s)
			changed = true
			continue
		}

		if !supersedes(s, rec) {
			continue
		}

		// A higher incarnation replaces everything known about the node,
		// including knowledge gathered about its previous life.
		if s.Incarnation > rec.Identity.Incarnation {
			*rec = *recordFromState(s)
			changed = true
			continue
		}

		if rec.Status != s.Status && s.Status == common.MemberDead {
			rec.deadAt = time.Now()
		}
		rec.Status = s.Status
		rec.Clock = s.Clock
		rec.Identity.Addr = s.Addr
		changed = true
	}

	if changed {
		metricMergeTotal.Inc()
		r.publishLocked()
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return changed
}

// SetStatus applies a local failure detector decision for a peer. The local
// clock is used so the observation wins over older gossip.
func (r *Registry) SetStatus(id string, status common.MemberStatus) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || rec.Status == status {
		r.mu.Unlock()
		return false
	}

	r.clock++
	rec.Status = status
	rec.Clock = r.clock
	if status == common.MemberDead {
		rec.deadAt = time.Now()
	}
	metricTransitions.Inc()
	r.publishLocked()
	r.mu.Unlock()

	logger.Infof("member %s (%s) is now %s", id, rec.Identity.Addr, status)
	r.notify()
	return true
}

// Bump advances the local logical clock and refreshes the self record.
// Called once per gossip round so the node's liveness keeps spreading.
func (r *Registry) Bump() {
	r.mu.Lock()
	r.clock++
	self := r.records[r.self.ID]
	self.Clock = r.clock
	r.publishLocked()
	r.mu.Unlock()
}

// Expire drops Dead records whose tombstone period has passed. Tombstones
// are kept long enough that every peer learns about the death, otherwise a
// stale Alive record could be reintroduced by a slow gossiper.
func (r *Registry) Expire() {
	r.mu.Lock()
	changed := false
	for id, rec := range r.records {
		if rec.Status == common.MemberDead && !rec.deadAt.IsZero() && time.Since(rec.deadAt) > r.tombstone {
			delete(r.records, id)
			changed = true
		}
	}
	if changed {
		r.publishLocked()
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

// --------------------------------------------------------------------------
// Internal Helpers
// --------------------------------------------------------------------------

// refuteLocked handles gossip claims about the local node. Any claim that
// this node is Suspect or Dead is countered with a fresh Alive assertion.
func (r *Registry) refuteLocked(s common.MemberState) bool {
	self := r.records[r.self.ID]
	if s.Incarnation < self.Identity.Incarnation {
		return false // claim about a previous life, already superseded
	}
	if s.Status == common.MemberAlive {
		return false
	}

	r.clock++
	if s.Clock >= self.Clock {
		r.clock = s.Clock + 1
	}
	self.Clock = r.clock
	self.Status = common.MemberAlive
	metricRefutations.Inc()
	logger.Warnf("refuting gossip claiming this node is %s", s.Status)
	r.publishLocked()
	return true
}

// supersedes reports whether the remote state is newer than the local record.
func supersedes(s common.MemberState, rec *MembershipRecord) bool {
	if s.Incarnation != rec.Identity.Incarnation {
		return s.Incarnation > rec.Identity.Incarnation
	}
	return s.Clock > rec.Clock
}

func recordFromState(s common.MemberState) *MembershipRecord {
	rec := &MembershipRecord{
		Identity: NodeIdentity{
			ID:          s.ID,
			Addr:        s.Addr,
			Incarnation: s.Incarnation,
		},
		Status: s.Status,
		Clock:  s.Clock,
	}
	if s.Status == common.MemberDead {
		rec.deadAt = time.Now()
	}
	return rec
}

// publishLocked builds and swaps a new immutable snapshot. Caller holds mu.
func (r *Registry) publishLocked() {
	members := make(map[string]MembershipRecord, len(r.records))
	alive := make([]string, 0, len(r.records))
	for id, rec := range r.records {
		members[id] = *rec
		if rec.Status == common.MemberAlive {
			alive = append(alive, id)
		}
	}
	sort.Strings(alive)

	r.snap.Store(&Snapshot{
		Version: r.version.Add(1),
		Members: members,
		Alive:   alive,
	})
}

func (r *Registry) notify() {
	snap := r.Snapshot()
	for _, fn := range r.callbacks {
		fn(snap)
	}
}

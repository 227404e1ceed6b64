package cluster

import (
	"math/rand"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/keva-db/keva/rpc/common"
)

var (
	metricGossipRounds   = metrics.NewCounter("keva_gossip_rounds_total")
	metricGossipFailures = metrics.NewCounter("keva_gossip_send_failures_total")
)

// --------------------------------------------------------------------------
// Gossiper
// --------------------------------------------------------------------------

// SendFunc delivers a message to the peer at addr and returns its response.
// Implemented by the node runtime on top of the RPC transport.
type SendFunc func(addr string, msg *common.Message) (*common.Message, error)

// Gossiper periodically exchanges membership knowledge with a small random
// subset of peers. Each round carries the full local digest (first- and
// secondhand knowledge); receivers merge by incarnation and logical clock.
type Gossiper struct {
	registry *Registry
	detector *Detector
	cfg      common.GossipConfig
	send     SendFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGossiper wires a gossiper to registry, detector and transport.
func NewGossiper(registry *Registry, detector *Detector, cfg common.GossipConfig, send SendFunc) *Gossiper {
	return &Gossiper{
		registry: registry,
		detector: detector,
		cfg:      cfg,
		send:     send,
		stopCh:   make(chan struct{}),
	}
}

// Join performs an initial membership exchange with the seed addresses.
// Failure to reach a seed is not fatal: the node keeps gossiping and will
// be absorbed as soon as any seed answers.
func (g *Gossiper) Join(seeds []string) {
	self := g.registry.Self()
	for _, addr := range seeds {
		if addr == "" || addr == self.Addr {
			continue
		}
		resp, err := g.send(addr, common.NewHeartbeat(self.ID, g.registry.Digest()))
		if err != nil {
			logger.Warnf("seed %s unreachable: %v", addr, err)
			continue
		}
		if resp != nil && resp.MsgType == common.MsgTHeartbeat {
			g.registry.Merge(resp.Members)
			g.detector.ObserveDirect(resp.From)
		}
	}
}

// Start launches the gossip loop.
func (g *Gossiper) Start() {
	g.wg.Add(1)
	go g.loop()
}

// Stop terminates the gossip loop and waits for it to exit.
func (g *Gossiper) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// HandleHeartbeat processes an incoming gossip heartbeat and returns the
// local digest so every exchange is bidirectional.
func (g *Gossiper) HandleHeartbeat(msg *common.Message) *common.Message {
	g.registry.Merge(msg.Members)
	g.detector.ObserveDirect(msg.From)
	return common.NewHeartbeat(g.registry.Self().ID, g.registry.Digest())
}

// --------------------------------------------------------------------------
// Gossip Loop
// --------------------------------------------------------------------------

func (g *Gossiper) loop() {
	defer g.wg.Done()

	for {
		// Jitter the interval so rounds across the cluster do not align.
		base := time.Duration(g.cfg.IntervalMillis) * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(base)/2+1)) - base/4

		select {
		case <-g.stopCh:
			return
		case <-time.After(base + jitter):
		}

		g.round()
	}
}

// round performs one gossip round: refresh the self record, run the failure
// detector, expire tombstones and push the digest to a random fan-out set.
func (g *Gossiper) round() {
	metricGossipRounds.Inc()

	g.registry.Bump()
	g.detector.Tick()
	g.registry.Expire()

	targets := g.pickTargets()
	if len(targets) == 0 {
		return
	}

	self := g.registry.Self()
	digest := g.registry.Digest()

	for _, target := range targets {
		resp, err := g.send(target.Addr, common.NewHeartbeat(self.ID, digest))
		if err != nil {
			metricGossipFailures.Inc()
			logger.Debugf("gossip to %s (%s) failed: %v", target.ID, target.Addr, err)
			continue
		}
		if resp != nil && resp.MsgType == common.MsgTHeartbeat {
			g.registry.Merge(resp.Members)
			g.detector.ObserveDirect(resp.From)
		}
	}
}

// pickTargets selects up to FanOut random peers. Dead nodes are never
// gossiped to; Suspect nodes are included so they get a chance to refute
// their suspicion through direct contact.
func (g *Gossiper) pickTargets() []NodeIdentity {
	snap := g.registry.Snapshot()
	self := g.registry.Self()

	candidates := make([]NodeIdentity, 0, len(snap.Members))
	for id, rec := range snap.Members {
		if id == self.ID || rec.Status == common.MemberDead {
			continue
		}
		candidates = append(candidates, rec.Identity)
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if len(candidates) > g.cfg.FanOut {
		candidates = candidates[:g.cfg.FanOut]
	}
	return candidates
}

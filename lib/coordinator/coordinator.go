package coordinator

import (
	"context"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/keva-db/keva/lib/partition"
	"github.com/keva-db/keva/lib/raft"
	"github.com/keva-db/keva/lib/storage"
	"github.com/keva-db/keva/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	logger = common.GetLogger("coordinator")

	metricWrites       = metrics.NewCounter("keva_coordinator_writes_total")
	metricReads        = metrics.NewCounter("keva_coordinator_reads_total")
	metricRedirects    = metrics.NewCounter("keva_coordinator_redirects_total")
	metricStaleRouting = metrics.NewCounter("keva_coordinator_stale_routing_total")
)

// --------------------------------------------------------------------------
// Request Coordinator
// --------------------------------------------------------------------------

// Group bundles the consensus node and applied state of one partition this
// node replicates.
type Group struct {
	Node   *raft.Node
	Engine *storage.Engine
}

// ResolveFunc maps a node id to its advertised address, from the current
// membership snapshot.
type ResolveFunc func(id string) (string, bool)

// Coordinator routes client operations to the right partition. It never
// forwards silently: a request for a partition this node does not lead is
// answered with a redirect hint, a request routed with an outdated map
// with the current generation.
type Coordinator struct {
	self       string
	partitions *partition.Manager
	resolve    ResolveFunc
	timeout    time.Duration

	groups *xsync.MapOf[uint32, *Group]
}

// New creates a coordinator. Groups are registered as partitions are
// acquired and dropped on rebalance.
func New(self string, partitions *partition.Manager, resolve ResolveFunc, timeout time.Duration) *Coordinator {
	return &Coordinator{
		self:       self,
		partitions: partitions,
		resolve:    resolve,
		timeout:    timeout,
		groups:     xsync.NewMapOf[uint32, *Group](),
	}
}

// Register makes a partition's group available for client traffic.
func (c *Coordinator) Register(pid uint32, g *Group) {
	c.groups.Store(pid, g)
}

// Unregister removes a partition's group after a rebalance.
func (c *Coordinator) Unregister(pid uint32) {
	c.groups.Delete(pid)
}

// Group returns the registered group of a partition.
func (c *Coordinator) Group(pid uint32) (*Group, bool) {
	return c.groups.Load(pid)
}

// --------------------------------------------------------------------------
// Client Operations
// --------------------------------------------------------------------------

// HandleWrite commits a client mutation through the partition's log.
func (c *Coordinator) HandleWrite(ctx context.Context, msg *common.Message) *common.Message {
	metricWrites.Inc()

	group, errResp := c.route(msg)
	if errResp != nil {
		return errResp
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := group.Node.Propose(ctx, msg.Op, msg.Key, msg.Value); err != nil {
		return c.leaderError(err)
	}
	return common.NewSuccessResponse()
}

// HandleRead serves a client read. Linearizable reads confirm the leader's
// lease first; bounded-stale reads come straight from local applied state
// of any replica.
func (c *Coordinator) HandleRead(ctx context.Context, msg *common.Message) *common.Message {
	metricReads.Inc()

	group, errResp := c.route(msg)
	if errResp != nil {
		return errResp
	}

	if msg.ReadMode == common.ReadBoundedStale {
		value, found := group.Engine.Get(msg.Key)
		return common.NewReadResponse(value, found)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	idx, err := group.Node.LinearizableRead(ctx)
	if err != nil {
		return c.leaderError(err)
	}
	value, found := group.Engine.GetAt(msg.Key, idx)
	return common.NewReadResponse(value, found)
}

// --------------------------------------------------------------------------
// Routing
// --------------------------------------------------------------------------

// route resolves the partition of a request and checks that this node can
// serve it. Returns the group, or the response to send instead.
func (c *Coordinator) route(msg *common.Message) (*Group, *common.Message) {
	m := c.partitions.Current()
	if m == nil {
		return nil, common.NewErrorResponse(common.NewError(common.CodeUnavailable, "partition map not ready"))
	}

	// Generation 0 means the client has no routing knowledge yet.
	if msg.Generation != 0 && msg.Generation != m.Generation {
		metricStaleRouting.Inc()
		return nil, common.NewErrorResponse(common.NewStaleRouting(m.Generation))
	}

	pid := m.PartitionOf(msg.Key)
	group, ok := c.groups.Load(pid)
	if !ok {
		// Not a replica of this partition: hint at one that is.
		metricRedirects.Inc()
		for _, id := range m.Replicas(pid) {
			if addr, ok := c.resolve(id); ok {
				return nil, common.NewRedirect(addr, m.Generation)
			}
		}
		logger.Warnf("no resolvable replica for partition %d", pid)
		return nil, common.NewErrorResponse(common.NewError(common.CodeUnavailable, "no reachable replica"))
	}
	return group, nil
}

// leaderError converts a consensus error into the client-facing response.
// A NotLeader with a known leader becomes a redirect to its address.
func (c *Coordinator) leaderError(err error) *common.Message {
	if common.CodeOf(err) == common.CodeNotLeader {
		if hint := common.LeaderHintOf(err); hint != "" && hint != c.self {
			if addr, ok := c.resolve(hint); ok {
				metricRedirects.Inc()
				gen := uint64(0)
				if m := c.partitions.Current(); m != nil {
					gen = m.Generation
				}
				return common.NewRedirect(addr, gen)
			}
		}
	}
	return common.NewErrorResponse(err)
}

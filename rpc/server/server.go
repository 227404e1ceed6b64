package server

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/keva-db/keva/lib/cluster"
	"github.com/keva-db/keva/lib/coordinator"
	"github.com/keva-db/keva/lib/partition"
	"github.com/keva-db/keva/lib/raft"
	"github.com/keva-db/keva/lib/storage"
	"github.com/keva-db/keva/rpc/admin"
	"github.com/keva-db/keva/rpc/common"
	"github.com/keva-db/keva/rpc/serializer"
	"github.com/keva-db/keva/rpc/transport"
)

var logger = common.GetLogger("server")

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// group ties one hosted partition's consensus node to its storage engine.
// The replica set it was started with is kept for reconciliation.
type group struct {
	node     *raft.Node
	engine   *storage.Engine
	store    *raft.Store
	replicas []string
}

// RPCServer is the runtime of one cluster node. It owns the membership
// layer, the partition map, one consensus group per hosted partition and
// the request coordinator, and serves all of them over a single listener.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	peers      transport.IRPCClientTransport
	serializer serializer.IRPCSerializer

	identity    cluster.NodeIdentity
	registry    *cluster.Registry
	detector    *cluster.Detector
	gossiper    *cluster.Gossiper
	partitions  *partition.Manager
	coordinator *coordinator.Coordinator

	mu     sync.Mutex
	groups map[uint32]*group

	reconcileCh   chan *partition.Map
	reconcileStop chan struct{}
	reconcileWG   sync.WaitGroup
	stopOnce      sync.Once

	adminSrv *http.Server
}

// NewRPCServer creates a node runtime. Peer traffic is sent over the given
// client transport, which is used in targeted mode only.
//
// Usage:
//
//	s := server.NewRPCServer(
//		config,
//		tcp.NewTCPServerTransport(),
//		tcp.NewTCPClientTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	serverTransport transport.IRPCServerTransport,
	peerTransport transport.IRPCClientTransport,
	ser serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	return &RPCServer{
		config:        config,
		transport:     serverTransport,
		peers:         peerTransport,
		serializer:    ser,
		groups:        make(map[uint32]*group),
		reconcileCh:   make(chan *partition.Map, 1),
		reconcileStop: make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Initialization
// --------------------------------------------------------------------------

func (s *RPCServer) init() error {
	if err := common.InitLoggers(s.config); err != nil {
		return err
	}
	logger.Infof(s.config.String())

	advertise := s.config.AdvertiseAddr
	if advertise == "" {
		advertise = s.config.BindAddr
	}

	identity, err := cluster.LoadOrCreateIdentity(s.config.DataDir, advertise)
	if err != nil {
		return fmt.Errorf("failed to load node identity: %w", err)
	}
	s.identity = identity
	logger.Infof("node %s advertising %s", identity.ID, identity.Addr)

	// Peer transport in targeted mode, endpoints are dialed on first use.
	if err := s.peers.Connect(common.ClientConfig{
		TimeoutSecond: int(s.config.TimeoutSecond),
		MaxAttempts:   1,
		Transport:     s.config.Transport,
	}); err != nil {
		return fmt.Errorf("failed to initialize peer transport: %w", err)
	}

	tombstone := time.Duration(s.config.Gossip.TombstoneSeconds) * time.Second
	s.registry = cluster.NewRegistry(identity, tombstone)
	s.detector = cluster.NewDetector(s.registry, s.config.Gossip)
	s.gossiper = cluster.NewGossiper(s.registry, s.detector, s.config.Gossip, s.sendToAddr)

	s.partitions = partition.NewManager(uint32(s.config.PartitionCount), s.config.ReplicationFactor)
	s.partitions.OnChange(s.scheduleReconcile)
	s.registry.OnChange(func(snap *cluster.Snapshot) {
		s.partitions.Rebalance(snap.Alive)
	})

	s.reconcileWG.Add(1)
	go s.reconcileLoop()

	s.coordinator = coordinator.New(identity.ID, s.partitions, s.resolve,
		time.Duration(s.config.TimeoutSecond)*time.Second)

	// Seed the map with the boot view so a single node cluster is usable
	// before the first gossip round.
	s.partitions.Rebalance(s.registry.Snapshot().Alive)

	s.registerTransportHandler()
	return nil
}

// resolve maps a node id to its advertised address via the membership view.
func (s *RPCServer) resolve(id string) (string, bool) {
	return s.registry.Snapshot().AddrOf(id)
}

// --------------------------------------------------------------------------
// Peer Messaging
// --------------------------------------------------------------------------

// sendToAddr performs one request-response exchange with a peer address.
func (s *RPCServer) sendToAddr(addr string, msg *common.Message) (*common.Message, error) {
	raw, err := s.serializer.Serialize(*msg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.config.TimeoutSecond)*time.Second)
	defer cancel()

	rawResp, err := s.peers.SendTo(ctx, addr, raw)
	if err != nil {
		return nil, err
	}

	var resp common.Message
	if err := s.serializer.Deserialize(rawResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// sendToNode resolves a node id through the membership view and sends to it.
// Error responses are unwrapped into typed errors for the consensus layer.
func (s *RPCServer) sendToNode(to string, msg *common.Message) (*common.Message, error) {
	addr, ok := s.resolve(to)
	if !ok {
		return nil, common.NewErrorf(common.CodeUnavailable, "unknown node %s", to)
	}
	resp, err := s.sendToAddr(addr, msg)
	if err != nil {
		return nil, err
	}
	if respErr := resp.ResponseError(); respErr != nil {
		return nil, respErr
	}
	return resp, nil
}

// --------------------------------------------------------------------------
// Partition Group Lifecycle
// --------------------------------------------------------------------------

// scheduleReconcile hands a new partition map to the reconcile worker.
// Membership callbacks must not block and reconciliation does disk I/O, so
// the map is queued latest-wins: a pending stale map is dropped.
func (s *RPCServer) scheduleReconcile(m *partition.Map) {
	for {
		select {
		case s.reconcileCh <- m:
			return
		default:
		}
		select {
		case <-s.reconcileCh:
		default:
		}
	}
}

func (s *RPCServer) reconcileLoop() {
	defer s.reconcileWG.Done()
	for {
		select {
		case m := <-s.reconcileCh:
			s.reconcile(m)
		case <-s.reconcileStop:
			return
		}
	}
}

// reconcile aligns the hosted consensus groups with a new partition map.
// Newly owned partitions are started, disowned ones stopped, and groups
// whose replica set changed are restarted with the new set. Runs on the
// reconcile worker goroutine only.
func (s *RPCServer) reconcile(m *partition.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := make(map[uint32][]string)
	for _, pid := range m.OwnedBy(s.identity.ID) {
		owned[pid] = m.Replicas(pid)
	}

	for pid, g := range s.groups {
		replicas, keep := owned[pid]
		if keep && sameReplicas(g.replicas, replicas) {
			delete(owned, pid)
			continue
		}
		s.stopGroupLocked(pid, g)
	}

	for pid, replicas := range owned {
		if err := s.startGroupLocked(pid, replicas); err != nil {
			logger.Errorf("failed to start partition %d: %v", pid, err)
		}
	}
}

func (s *RPCServer) startGroupLocked(pid uint32, replicas []string) error {
	store, err := raft.OpenStore(s.config.DataDir, pid)
	if err != nil {
		return err
	}

	engine := storage.NewEngine(s.config.Storage)

	node, err := raft.NewNode(raft.Config{
		NodeID:         s.identity.ID,
		Partition:      pid,
		Replicas:       replicas,
		RTTMillisecond: s.config.RTTMillisecond,
		LogRetention:   s.config.LogRetention,
		Apply:          func(entry common.LogEntry) { engine.Apply(entry) },
		SaveState:      engine.Save,
		RestoreState:   engine.Load,
	}, store, s.sendToNode)
	if err != nil {
		_ = engine.Close()
		_ = store.Close()
		return err
	}
	node.Start()

	s.groups[pid] = &group{node: node, engine: engine, store: store, replicas: replicas}
	s.coordinator.Register(pid, &coordinator.Group{Node: node, Engine: engine})
	logger.Infof("hosting partition %d with replicas %v", pid, replicas)
	return nil
}

func (s *RPCServer) stopGroupLocked(pid uint32, g *group) {
	s.coordinator.Unregister(pid)
	delete(s.groups, pid)
	g.node.Stop()
	if err := g.engine.Close(); err != nil {
		logger.Warnf("failed to close engine for partition %d: %v", pid, err)
	}
	if err := g.store.Close(); err != nil {
		logger.Warnf("failed to close log store for partition %d: %v", pid, err)
	}
	logger.Infof("released partition %d", pid)
}

func (s *RPCServer) groupFor(pid uint32) *group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[pid]
}

func sameReplicas(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Request Dispatch
// --------------------------------------------------------------------------

func (s *RPCServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(req []byte) []byte {
		var msg common.Message
		var resp *common.Message

		if err := s.serializer.Deserialize(req, &msg); err != nil {
			resp = common.NewErrorResponse(common.NewErrorf(
				common.CodeProtocolMismatch, "failed to deserialize request: %s", err))
		} else if err := msg.Validate(); err != nil {
			resp = common.NewErrorResponse(err)
		} else {
			resp = s.handle(&msg)
		}

		raw, err := s.serializer.Serialize(*resp)
		if err != nil {
			logger.Errorf("failed to serialize response: %v", err)
			raw, _ = s.serializer.Serialize(*common.NewErrorResponse(
				common.NewError(common.CodeInternal, "failed to serialize response")))
		}
		return raw
	})
}

// handle dispatches one validated request to the owning subsystem.
func (s *RPCServer) handle(msg *common.Message) *common.Message {
	switch msg.MsgType {
	case common.MsgTHeartbeat:
		return s.gossiper.HandleHeartbeat(msg)

	case common.MsgTVoteRequest, common.MsgTAppendEntries:
		g := s.groupFor(msg.Partition)
		if g == nil {
			return common.NewErrorResponse(common.NewErrorf(
				common.CodeUnavailable, "partition %d not hosted", msg.Partition))
		}
		return g.node.HandleMessage(msg)

	case common.MsgTClientWrite:
		ctx, cancel := s.requestContext()
		defer cancel()
		return s.coordinator.HandleWrite(ctx, msg)

	case common.MsgTClientRead:
		ctx, cancel := s.requestContext()
		defer cancel()
		return s.coordinator.HandleRead(ctx, msg)

	default:
		return common.NewErrorResponse(common.NewErrorf(
			common.CodeProtocolMismatch, "unexpected request type %s", msg.MsgType))
	}
}

func (s *RPCServer) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(),
		time.Duration(s.config.TimeoutSecond)*time.Second)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Serve initializes the node, joins the cluster and blocks on the listener.
func (s *RPCServer) Serve() error {
	if err := s.init(); err != nil {
		return err
	}

	s.gossiper.Join(s.config.Seeds)
	s.gossiper.Start()

	if s.config.AdminEndpoint != "" {
		s.startAdmin()
	}

	logger.Infof("node setup completed, listening on %s", s.config.BindAddr)
	return s.transport.Listen(s.config)
}

// Close stops gossip, all partition groups and the listener.
func (s *RPCServer) Close() error {
	if s.gossiper != nil {
		s.gossiper.Stop()
	}

	s.stopOnce.Do(func() { close(s.reconcileStop) })
	s.reconcileWG.Wait()

	s.mu.Lock()
	pids := make([]uint32, 0, len(s.groups))
	for pid := range s.groups {
		pids = append(pids, pid)
	}
	for _, pid := range pids {
		s.stopGroupLocked(pid, s.groups[pid])
	}
	s.mu.Unlock()

	if s.adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.adminSrv.Shutdown(ctx)
	}
	if s.peers != nil {
		_ = s.peers.Close()
	}
	return s.transport.Close()
}

// Snapshots returns point-in-time read handles for all hosted partitions.
// Callers must release every returned snapshot.
func (s *RPCServer) Snapshots() []*storage.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.Snapshot, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.engine.Snapshot())
	}
	return out
}

// --------------------------------------------------------------------------
// Admin Surface
// --------------------------------------------------------------------------

func (s *RPCServer) startAdmin() {
	handler := admin.NewHandler(admin.Deps{
		Registry:   s.registry,
		Partitions: s.partitions,
		Groups:     s.groupStatuses,
	})
	s.adminSrv = &http.Server{Addr: s.config.AdminEndpoint, Handler: handler}

	go func() {
		logger.Infof("admin endpoint listening on %s", s.config.AdminEndpoint)
		if err := s.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("admin endpoint failed: %v", err)
		}
	}()
}

func (s *RPCServer) groupStatuses() []admin.GroupStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]admin.GroupStatus, 0, len(s.groups))
	for pid, g := range s.groups {
		out = append(out, admin.GroupStatus{
			Partition: pid,
			Role:      g.node.Role().String(),
			Term:      g.node.Term(),
			Leader:    g.node.LeaderHint(),
			Applied:   g.engine.AppliedIndex(),
			Replicas:  g.replicas,
		})
	}
	return out
}

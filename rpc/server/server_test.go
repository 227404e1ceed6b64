package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keva-db/keva/lib/partition"
	"github.com/keva-db/keva/rpc/client"
	"github.com/keva-db/keva/rpc/common"
	"github.com/keva-db/keva/rpc/serializer"
	"github.com/keva-db/keva/rpc/transport"
)

// --------------------------------------------------------------------------
// In-Memory Transport
// --------------------------------------------------------------------------

// memHub routes request frames between in-memory transports by address,
// standing in for the TCP layer in multi-node tests.
type memHub struct {
	mu       sync.Mutex
	handlers map[string]transport.ServerHandleFunc
}

func newMemHub() *memHub {
	return &memHub{handlers: make(map[string]transport.ServerHandleFunc)}
}

func (h *memHub) register(addr string, fn transport.ServerHandleFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[addr] = fn
}

func (h *memHub) unregister(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, addr)
}

func (h *memHub) call(addr string, req []byte) ([]byte, error) {
	h.mu.Lock()
	fn, ok := h.handlers[addr]
	h.mu.Unlock()
	if !ok {
		return nil, common.NewErrorf(common.CodeUnavailable, "no listener on %s", addr)
	}
	return fn(req), nil
}

type memServerTransport struct {
	hub     *memHub
	addr    string
	handler transport.ServerHandleFunc
	done    chan struct{}
	once    sync.Once
}

func newMemServerTransport(hub *memHub) *memServerTransport {
	return &memServerTransport{hub: hub, done: make(chan struct{})}
}

func (t *memServerTransport) RegisterHandler(fn transport.ServerHandleFunc) {
	t.handler = fn
}

func (t *memServerTransport) Listen(config common.ServerConfig) error {
	t.addr = config.BindAddr
	t.hub.register(t.addr, t.handler)
	<-t.done
	return nil
}

func (t *memServerTransport) Close() error {
	t.once.Do(func() {
		t.hub.unregister(t.addr)
		close(t.done)
	})
	return nil
}

type memClientTransport struct {
	hub       *memHub
	endpoints []string
}

func (t *memClientTransport) Connect(config common.ClientConfig) error {
	t.endpoints = config.Endpoints
	return nil
}

func (t *memClientTransport) Send(_ context.Context, req []byte) ([]byte, error) {
	return t.hub.call(t.endpoints[0], req)
}

func (t *memClientTransport) SendTo(_ context.Context, endpoint string, req []byte) ([]byte, error) {
	return t.hub.call(endpoint, req)
}

func (t *memClientTransport) Close() error { return nil }

// --------------------------------------------------------------------------
// Harness
// --------------------------------------------------------------------------

func testServerConfig(t *testing.T, addr string, seeds []string) common.ServerConfig {
	cfg := common.DefaultServerConfig()
	cfg.NodeName = addr
	cfg.BindAddr = addr
	cfg.DataDir = t.TempDir()
	cfg.Seeds = seeds
	cfg.PartitionCount = 4
	cfg.ReplicationFactor = 2
	cfg.RTTMillisecond = 10
	cfg.LogRetention = 64
	cfg.TimeoutSecond = 2
	cfg.Gossip = common.GossipConfig{
		IntervalMillis:   20,
		FanOut:           3,
		SuspectAfter:     3,
		DeadAfterMillis:  500,
		TombstoneSeconds: 60,
	}
	cfg.Storage = common.StorageConfig{RetentionVersions: 4, GCIntervalMillis: 20}
	cfg.LogLevel = "error"
	return cfg
}

func startTestServer(t *testing.T, hub *memHub, addr string, seeds []string) *RPCServer {
	s := NewRPCServer(
		testServerConfig(t, addr, seeds),
		newMemServerTransport(hub),
		&memClientTransport{hub: hub},
		serializer.NewBinarySerializer(),
	)
	go func() {
		if err := s.Serve(); err != nil {
			t.Errorf("server %s failed: %v", addr, err)
		}
	}()
	t.Cleanup(func() { _ = s.Close() })

	// the node is reachable once its listener is registered
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.handlers[addr]
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return s
}

func newHubClient(t *testing.T, hub *memHub, addr string) *client.Client {
	cl, err := client.New(common.ClientConfig{
		Endpoints:     []string{addr},
		TimeoutSecond: 2,
		MaxAttempts:   20,
	}, &memClientTransport{hub: hub}, serializer.NewBinarySerializer())
	require.NoError(t, err)
	return cl
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSingleNodeServesRequests(t *testing.T) {
	hub := newMemHub()
	startTestServer(t, hub, "node-0", nil)
	cl := newHubClient(t, hub, "node-0")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// leadership needs an election round, retries cover the gap
	require.Eventually(t, func() bool {
		return cl.Put(ctx, "alpha", []byte("1")) == nil
	}, 10*time.Second, 100*time.Millisecond)

	value, found, err := cl.Get(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), value)

	require.NoError(t, cl.Delete(ctx, "alpha"))
	_, found, err = cl.Get(ctx, "alpha")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMapChangeCallbackDoesNotBlock(t *testing.T) {
	hub := newMemHub()
	s := NewRPCServer(
		testServerConfig(t, "node-q", nil),
		newMemServerTransport(hub),
		&memClientTransport{hub: hub},
		serializer.NewBinarySerializer(),
	)

	maps := make([]*partition.Map, 0, 64)
	for gen := uint64(1); gen <= 64; gen++ {
		m, err := partition.Build(gen, 4, 2, []string{"node-q"})
		require.NoError(t, err)
		maps = append(maps, m)
	}

	// Nothing drains the queue here; a backed-up reconcile worker must
	// never stall the membership callback.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, m := range maps {
			s.scheduleReconcile(m)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("partition map callback blocked")
	}

	// The pending map is the newest one scheduled.
	m := <-s.reconcileCh
	require.Equal(t, uint64(64), m.Generation)
}

func TestClusterMembershipConverges(t *testing.T) {
	hub := newMemHub()
	s0 := startTestServer(t, hub, "node-0", nil)
	s1 := startTestServer(t, hub, "node-1", []string{"node-0"})
	s2 := startTestServer(t, hub, "node-2", []string{"node-0"})

	for _, s := range []*RPCServer{s0, s1, s2} {
		s := s
		require.Eventually(t, func() bool {
			return len(s.registry.Snapshot().Alive) == 3
		}, 15*time.Second, 50*time.Millisecond)
	}

	// all nodes agree on the same partition map generation inputs
	require.Eventually(t, func() bool {
		m0, m1, m2 := s0.partitions.Current(), s1.partitions.Current(), s2.partitions.Current()
		if m0 == nil || m1 == nil || m2 == nil {
			return false
		}
		for pid := uint32(0); pid < m0.PartitionCount; pid++ {
			if !sameReplicas(m0.Replicas(pid), m1.Replicas(pid)) ||
				!sameReplicas(m1.Replicas(pid), m2.Replicas(pid)) {
				return false
			}
		}
		return true
	}, 15*time.Second, 50*time.Millisecond)
}

func TestClusterServesAllPartitions(t *testing.T) {
	hub := newMemHub()
	s0 := startTestServer(t, hub, "node-0", nil)
	s1 := startTestServer(t, hub, "node-1", []string{"node-0"})
	s2 := startTestServer(t, hub, "node-2", []string{"node-0"})

	for _, s := range []*RPCServer{s0, s1, s2} {
		s := s
		require.Eventually(t, func() bool {
			return len(s.registry.Snapshot().Alive) == 3
		}, 15*time.Second, 50*time.Millisecond)
	}

	cl := newHubClient(t, hub, "node-1")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// enough keys to hit every partition, following redirects as needed
	for i := 0; i < 16; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := []byte(fmt.Sprintf("value-%d", i))
		require.Eventually(t, func() bool {
			return cl.Put(ctx, key, value) == nil
		}, 20*time.Second, 100*time.Millisecond, "put %s", key)
	}

	for i := 0; i < 16; i++ {
		key := fmt.Sprintf("key-%d", i)
		value, found, err := cl.Get(ctx, key)
		require.NoError(t, err, "get %s", key)
		require.True(t, found, "get %s", key)
		require.Equal(t, []byte(fmt.Sprintf("value-%d", i)), value)
	}
}

func TestBoundedStaleReadFromAnyReplica(t *testing.T) {
	hub := newMemHub()
	s0 := startTestServer(t, hub, "node-0", nil)
	s1 := startTestServer(t, hub, "node-1", []string{"node-0"})

	for _, s := range []*RPCServer{s0, s1} {
		s := s
		require.Eventually(t, func() bool {
			return len(s.registry.Snapshot().Alive) == 2
		}, 15*time.Second, 50*time.Millisecond)
	}

	cl := newHubClient(t, hub, "node-0")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		return cl.Put(ctx, "stale-key", []byte("v")) == nil
	}, 20*time.Second, 100*time.Millisecond)

	// replication to the contacted replica's applied state is asynchronous
	require.Eventually(t, func() bool {
		value, found, err := cl.Get(ctx, "stale-key", client.WithBoundedStale())
		return err == nil && found && string(value) == "v"
	}, 15*time.Second, 100*time.Millisecond)
}

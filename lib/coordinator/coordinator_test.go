package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/keva-db/keva/lib/partition"
	"github.com/keva-db/keva/lib/raft"
	"github.com/keva-db/keva/lib/storage"
	"github.com/keva-db/keva/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestGroup builds a single-replica consensus group so a local node is
// leader of every partition it owns.
func newTestGroup(t *testing.T, self string, pid uint32) *Group {
	t.Helper()

	engine := storage.NewEngine(common.StorageConfig{RetentionVersions: 4, GCIntervalMillis: 50})
	t.Cleanup(func() { engine.Close() })

	store, err := raft.OpenStore(t.TempDir(), pid)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	node, err := raft.NewNode(raft.Config{
		NodeID:         self,
		Partition:      pid,
		Replicas:       []string{self},
		RTTMillisecond: 5,
		LogRetention:   1024,
		Apply:          func(e common.LogEntry) { engine.Apply(e) },
		SaveState:      engine.Save,
		RestoreState:   engine.Load,
	}, store, func(string, *common.Message) (*common.Message, error) {
		return nil, errors.New("no peers")
	})
	require.NoError(t, err)
	node.Start()
	t.Cleanup(node.Stop)

	require.Eventually(t, func() bool {
		return node.Role() == raft.Leader
	}, 5*time.Second, 10*time.Millisecond)

	return &Group{Node: node, Engine: engine}
}

func newTestCoordinator(t *testing.T, self string, nodes []string) (*Coordinator, *partition.Manager) {
	t.Helper()

	mgr := partition.NewManager(4, 1)
	mgr.Rebalance(nodes)

	resolve := func(id string) (string, bool) {
		return "addr-of-" + id, true
	}
	c := New(self, mgr, resolve, 2*time.Second)

	m := mgr.Current()
	require.NotNil(t, m)
	for _, pid := range m.OwnedBy(self) {
		c.Register(pid, newTestGroup(t, self, pid))
	}
	return c, mgr
}

func TestCoordinatorWriteThenRead(t *testing.T) {
	c, mgr := newTestCoordinator(t, "n1", []string{"n1"})
	gen := mgr.Current().Generation
	ctx := context.Background()

	resp := c.HandleWrite(ctx, common.NewClientWrite("a", []byte("one"), common.OpPut, gen))
	require.Equal(t, common.MsgTSuccess, resp.MsgType, "write failed: %s", resp.Err)

	read := c.HandleRead(ctx, common.NewClientRead("a", common.ReadLinearizable, gen))
	require.Equal(t, common.MsgTSuccess, read.MsgType)
	assert.True(t, read.Found)
	assert.Equal(t, []byte("one"), read.Value)

	// Delete, then the key is gone.
	resp = c.HandleWrite(ctx, common.NewClientWrite("a", nil, common.OpDelete, gen))
	require.Equal(t, common.MsgTSuccess, resp.MsgType)

	read = c.HandleRead(ctx, common.NewClientRead("a", common.ReadLinearizable, gen))
	require.Equal(t, common.MsgTSuccess, read.MsgType)
	assert.False(t, read.Found)
}

func TestCoordinatorBoundedStaleRead(t *testing.T) {
	c, mgr := newTestCoordinator(t, "n1", []string{"n1"})
	gen := mgr.Current().Generation
	ctx := context.Background()

	c.HandleWrite(ctx, common.NewClientWrite("a", []byte("one"), common.OpPut, gen))

	read := c.HandleRead(ctx, common.NewClientRead("a", common.ReadBoundedStale, gen))
	require.Equal(t, common.MsgTSuccess, read.MsgType)
	assert.True(t, read.Found)
	assert.Equal(t, []byte("one"), read.Value)
}

func TestCoordinatorStaleGeneration(t *testing.T) {
	c, mgr := newTestCoordinator(t, "n1", []string{"n1"})
	gen := mgr.Current().Generation

	resp := c.HandleWrite(context.Background(), common.NewClientWrite("a", []byte("one"), common.OpPut, gen+10))
	require.Equal(t, common.MsgTError, resp.MsgType)

	err := resp.ResponseError()
	require.Error(t, err)
	assert.Equal(t, common.CodeStaleRouting, common.CodeOf(err))

	current, ok := common.GenerationOf(err)
	require.True(t, ok)
	assert.Equal(t, gen, current, "stale routing must carry the current generation")
}

func TestCoordinatorZeroGenerationAccepted(t *testing.T) {
	c, _ := newTestCoordinator(t, "n1", []string{"n1"})

	resp := c.HandleWrite(context.Background(), common.NewClientWrite("a", []byte("one"), common.OpPut, 0))
	assert.Equal(t, common.MsgTSuccess, resp.MsgType)
}

func TestCoordinatorRedirectsNonReplica(t *testing.T) {
	// Two nodes, rf=1: some partitions belong to n2 only. This node has no
	// group for them and must redirect.
	c, mgr := newTestCoordinator(t, "n1", []string{"n1", "n2"})
	m := mgr.Current()

	var foreignKey string
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("probe-%d", i)
		if !m.Owns("n1", m.PartitionOf(key)) {
			foreignKey = key
			break
		}
	}
	require.NotEmpty(t, foreignKey, "no foreign partition found")

	resp := c.HandleWrite(context.Background(), common.NewClientWrite(foreignKey, []byte("x"), common.OpPut, m.Generation))
	require.Equal(t, common.MsgTRedirect, resp.MsgType)
	assert.Equal(t, "addr-of-n2", resp.LeaderHint)
	assert.Equal(t, m.Generation, resp.Generation)
}

func TestCoordinatorUnavailableWithoutMap(t *testing.T) {
	mgr := partition.NewManager(4, 1)
	c := New("n1", mgr, func(string) (string, bool) { return "", false }, time.Second)

	resp := c.HandleWrite(context.Background(), common.NewClientWrite("a", []byte("x"), common.OpPut, 0))
	require.Equal(t, common.MsgTError, resp.MsgType)
	assert.Equal(t, common.CodeUnavailable, common.CodeOf(resp.ResponseError()))
}

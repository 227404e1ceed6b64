package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keva-db/keva/lib/cluster"
	"github.com/keva-db/keva/lib/partition"
)

func newTestHandler(t *testing.T) http.Handler {
	registry := cluster.NewRegistry(cluster.NodeIdentity{
		ID:          "node-a",
		Addr:        "10.0.0.1:7900",
		Incarnation: 1,
	}, 0)

	partitions := partition.NewManager(4, 2)
	partitions.Rebalance([]string{"node-a", "node-b"})

	return NewHandler(Deps{
		Registry:   registry,
		Partitions: partitions,
		Groups: func() []GroupStatus {
			return []GroupStatus{{
				Partition: 0,
				Role:      "leader",
				Term:      2,
				Leader:    "node-a",
				Applied:   17,
				Replicas:  []string{"node-a", "node-b"},
			}}
		},
	})
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, newTestHandler(t), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestMetricsExposition(t *testing.T) {
	rec := get(t, newTestHandler(t), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.String())
}

func TestClusterMembers(t *testing.T) {
	rec := get(t, newTestHandler(t), "/cluster/members")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp membersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Members, 1)
	require.Equal(t, "node-a", resp.Members[0].ID)
	require.Equal(t, "10.0.0.1:7900", resp.Members[0].Addr)
	require.Equal(t, "alive", resp.Members[0].Status)
}

func TestClusterPartitions(t *testing.T) {
	rec := get(t, newTestHandler(t), "/cluster/partitions")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp partitionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, uint64(1), resp.Generation)
	require.Len(t, resp.Partitions, 4)

	// hosted partition carries local consensus state
	p0 := resp.Partitions[0]
	require.Equal(t, "leader", p0.Role)
	require.Equal(t, uint64(2), p0.Term)
	require.Equal(t, uint64(17), p0.Applied)
	require.Len(t, p0.Replicas, 2)

	// partitions hosted elsewhere only show the replica set
	require.Empty(t, resp.Partitions[1].Role)
}

func TestPartitionsWithoutMap(t *testing.T) {
	registry := cluster.NewRegistry(cluster.NodeIdentity{ID: "node-a", Addr: "addr"}, 0)
	handler := NewHandler(Deps{
		Registry:   registry,
		Partitions: partition.NewManager(4, 2),
		Groups:     func() []GroupStatus { return nil },
	})

	rec := get(t, handler, "/cluster/partitions")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp partitionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Zero(t, resp.Generation)
	require.Empty(t, resp.Partitions)
}
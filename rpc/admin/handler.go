package admin

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"

	"github.com/keva-db/keva/lib/cluster"
	"github.com/keva-db/keva/lib/partition"
)

const contentTypeJSON = "application/json"

// --------------------------------------------------------------------------
// Dependencies
// --------------------------------------------------------------------------

// GroupStatus describes one partition hosted by the local node.
type GroupStatus struct {
	Partition uint32   `json:"partition"`
	Role      string   `json:"role"`
	Term      uint64   `json:"term"`
	Leader    string   `json:"leader,omitempty"`
	Applied   uint64   `json:"applied"`
	Replicas  []string `json:"replicas"`
}

// Deps are the node subsystems the admin surface reads from. All reads go
// through immutable snapshots, the handler never mutates node state.
type Deps struct {
	Registry   *cluster.Registry
	Partitions *partition.Manager
	Groups     func() []GroupStatus
}

// --------------------------------------------------------------------------
// Handler
// --------------------------------------------------------------------------

// NewHandler builds the admin HTTP surface: health, Prometheus metrics and
// read-only cluster introspection.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	r.Get("/cluster/members", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, membersView(deps.Registry.Snapshot()))
	})

	r.Get("/cluster/partitions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, partitionsView(deps.Partitions.Current(), deps.Groups()))
	})

	return r
}

// --------------------------------------------------------------------------
// Views
// --------------------------------------------------------------------------

type memberView struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	Status      string `json:"status"`
	Incarnation uint64 `json:"incarnation"`
}

type membersResponse struct {
	Version uint64       `json:"version"`
	Members []memberView `json:"members"`
}

func membersView(snap *cluster.Snapshot) membersResponse {
	out := membersResponse{Version: snap.Version}
	for _, rec := range snap.Members {
		out.Members = append(out.Members, memberView{
			ID:          rec.Identity.ID,
			Addr:        rec.Identity.Addr,
			Status:      rec.Status.String(),
			Incarnation: rec.Identity.Incarnation,
		})
	}
	sort.Slice(out.Members, func(i, j int) bool {
		return out.Members[i].ID < out.Members[j].ID
	})
	return out
}

type partitionView struct {
	Partition uint32   `json:"partition"`
	Replicas  []string `json:"replicas"`
	Role      string   `json:"role,omitempty"`
	Term      uint64   `json:"term,omitempty"`
	Leader    string   `json:"leader,omitempty"`
	Applied   uint64   `json:"applied,omitempty"`
}

type partitionsResponse struct {
	Generation uint64          `json:"generation"`
	Partitions []partitionView `json:"partitions"`
}

func partitionsView(m *partition.Map, groups []GroupStatus) partitionsResponse {
	if m == nil {
		return partitionsResponse{}
	}

	hosted := make(map[uint32]GroupStatus, len(groups))
	for _, g := range groups {
		hosted[g.Partition] = g
	}

	out := partitionsResponse{Generation: m.Generation}
	for pid := uint32(0); pid < m.PartitionCount; pid++ {
		view := partitionView{Partition: pid, Replicas: m.Replicas(pid)}
		if g, ok := hosted[pid]; ok {
			view.Role = g.Role
			view.Term = g.Term
			view.Leader = g.Leader
			view.Applied = g.Applied
		}
		out.Partitions = append(out.Partitions, view)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

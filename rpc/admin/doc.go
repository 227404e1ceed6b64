// Package admin exposes a read-only HTTP surface for operating a node. It
// serves liveness, Prometheus metrics and introspection of the membership
// view and partition map.
//
// Routes:
//   - GET /healthz             liveness probe
//   - GET /metrics             Prometheus exposition of all node metrics
//   - GET /cluster/members     membership view with gossip status per node
//   - GET /cluster/partitions  partition map plus local consensus state for
//     hosted partitions
//
// The surface is disabled unless an admin endpoint is configured. It never
// mutates node state, so it is safe to expose to monitoring systems.
package admin

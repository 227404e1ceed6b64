// Package server implements the runtime of one cluster node. It wires the
// membership layer, the partition map, per-partition consensus groups and
// the request coordinator together and serves them over a single framed
// listener.
//
// The package focuses on:
//   - Lifecycle: Serve initializes all subsystems, joins the cluster via
//     the configured seeds and blocks on the listener; Close tears down
//     gossip, all hosted partitions and the transports.
//   - Reconciliation: every partition map generation is diffed against the
//     hosted consensus groups. Newly owned partitions are started with
//     their durable log and storage engine, disowned ones stopped, and
//     groups whose replica set changed are restarted.
//   - Dispatch: one handler demultiplexes all inbound traffic by message
//     type. Gossip heartbeats go to the membership layer, consensus
//     messages to the owning partition group, client reads and writes to
//     the coordinator.
//
// Usage Example:
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
package server

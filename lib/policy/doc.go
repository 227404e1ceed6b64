// Package policy implements the optional advisory module. It observes the
// keyspace through read-only storage snapshots and proposes ordinary writes
// through the public client API.
//
// The advisor is deliberately unprivileged: it holds no hook into the
// consensus engine and no direct write path into storage. Everything it
// proposes is subject to the same routing, leadership and validation rules
// as any external caller's request, so a buggy or overeager evaluator can
// never violate the invariants of the replication core.
//
// The module is feature gated via PolicyConfig.Enabled and off by default.
package policy

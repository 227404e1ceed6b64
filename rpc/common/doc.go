// Package common contains the types shared by every RPC layer component:
// the versioned message envelope with its closed set of variants, the typed
// error taxonomy exchanged between nodes and clients, client and server
// configuration structures, and the logging factory.
//
// The Message envelope is deliberately a single flat struct. Every variant
// (gossip heartbeat, consensus traffic, client operations) uses a subset of
// its fields, selected by MsgType and checked by Validate. This keeps the
// serializers free of per-variant code and mirrors the frame layout on the
// wire, where one codec handles all inter-node traffic.
//
// Validation here is structural only: schema version, required fields and
// size bounds. Decoding a message with an unknown type or a mismatched
// schema version fails with CodeProtocolMismatch; there is no best-effort
// parsing. All business rules live in the consuming components.
package common

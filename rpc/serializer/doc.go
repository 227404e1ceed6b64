// Package serializer provides message serialization for the node-to-node
// and client-to-node RPC protocol. It defines a common interface and two
// implementations for encoding the shared message envelope.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations
//     must satisfy. Implementations reject messages larger than
//     common.MaxMessageSize and payloads carrying a schema version other
//     than common.SchemaVersion (CodeProtocolMismatch), so a node never
//     attempts best-effort parsing of traffic from an incompatible build.
//
//   - binarySerializerImpl: Custom binary format optimized for speed and
//     space. The encoding is a pair of header bytes (schema version and
//     message type) followed by tagged field records; absent fields cost
//     nothing on the wire.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging and for
//     inspecting captured traffic, at lower performance.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent
//	use across multiple goroutines without additional synchronization.
package serializer

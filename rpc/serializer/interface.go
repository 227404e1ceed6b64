package serializer

import "github.com/keva-db/keva/rpc/common"

// IRPCSerializer is the interface for all message serializers.
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array.
	// It returns the serialized byte array and an error if any.
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize deserializes a byte array into a Message.
	// Decoding a message with an unknown schema version or size beyond
	// common.MaxMessageSize fails with common.CodeProtocolMismatch.
	Deserialize(b []byte, msg *common.Message) error
}

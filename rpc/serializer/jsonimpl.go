package serializer

import (
	"encoding/json"

	"github.com/keva-db/keva/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding.
// Useful for debugging; the binary serializer is preferred in production.
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(b) > common.MaxMessageSize {
		return nil, common.NewErrorf(common.CodeProtocolMismatch, "message exceeds %d bytes", common.MaxMessageSize)
	}
	return b, nil
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	if len(b) > common.MaxMessageSize {
		return common.NewErrorf(common.CodeProtocolMismatch, "message exceeds %d bytes", common.MaxMessageSize)
	}
	if err := json.Unmarshal(b, msg); err != nil {
		return err
	}
	if msg.Version != common.SchemaVersion {
		return common.NewErrorf(common.CodeProtocolMismatch, "schema version %d, want %d", msg.Version, common.SchemaVersion)
	}
	return nil
}

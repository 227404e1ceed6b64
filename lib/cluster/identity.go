package cluster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Node Identity
// --------------------------------------------------------------------------

// NodeIdentity identifies one node instance. The ID is random and stable
// across restarts; the incarnation distinguishes successive lifetimes of the
// same node and is incremented by the node itself every time it boots, so
// peers can discard membership knowledge about its previous life.
type NodeIdentity struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	Incarnation uint64 `json:"incarnation"`
}

const identityFileName = "identity.json"

// LoadOrCreateIdentity restores the node identity from the data directory,
// bumping the incarnation, or creates a fresh identity on first boot. The
// bumped incarnation is persisted before the identity is used, so a crash
// during boot can never reuse a live incarnation number.
func LoadOrCreateIdentity(dataDir, advertiseAddr string) (NodeIdentity, error) {
	path := filepath.Join(dataDir, identityFileName)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id NodeIdentity
		if err := json.Unmarshal(raw, &id); err != nil {
			return NodeIdentity{}, fmt.Errorf("corrupt identity file %s: %w", path, err)
		}
		id.Incarnation++
		id.Addr = advertiseAddr
		if err := writeIdentity(path, id); err != nil {
			return NodeIdentity{}, err
		}
		return id, nil

	case os.IsNotExist(err):
		id := NodeIdentity{
			ID:          uuid.NewString(),
			Addr:        advertiseAddr,
			Incarnation: 1,
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return NodeIdentity{}, fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := writeIdentity(path, id); err != nil {
			return NodeIdentity{}, err
		}
		return id, nil

	default:
		return NodeIdentity{}, fmt.Errorf("failed to read identity file %s: %w", path, err)
	}
}

func writeIdentity(path string, id NodeIdentity) error {
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return os.Rename(tmp, path)
}

package model

import "encoding/json"

// ChangeKind classifies a server-pushed change event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is one server-pushed change to a shared entity. Version is the
// server-authoritative updated_at marker in unix milliseconds; events whose
// version is not newer than the cached row are dropped as replays.
type ChangeEvent struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Kind       ChangeKind             `json:"change_kind"`
	Version    int64                  `json:"version"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// CachedEntity is a locally cached row of a shared entity (post, comment,
// reading...). Fields holds the entity body as loosely-typed JSON; Version is
// the last applied server version, zero for rows that only exist locally.
type CachedEntity struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Version    int64                  `json:"version"`
	Fields     map[string]interface{} `json:"fields"`
	Stale      bool                   `json:"stale"`
}

// FieldsJSON encodes the entity body for storage.
func (c *CachedEntity) FieldsJSON() ([]byte, error) {
	return json.Marshal(c.Fields)
}

// ShadowRecord pairs a locally pending write (by client transaction id) with
// the server-confirmed row (by server id), so a later push referencing the
// server id is recognized as the confirmation of our own write.
type ShadowRecord struct {
	ClientTxID      string `json:"client_tx_id"`
	EntityType      string `json:"entity_type"`
	EntityID        string `json:"entity_id"`
	ServerID        string `json:"server_id"`
	ServerUpdatedAt int64  `json:"server_updated_at"`
}

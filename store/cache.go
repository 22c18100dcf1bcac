/*
Copyright 2025 GrowSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/model"
)

// UpsertEntityTx writes a cached entity row wholesale inside the caller's
// write scope.
func (s *Store) UpsertEntityTx(ctx context.Context, tx *sql.Tx, ent *model.CachedEntity) error {
	fields, err := ent.FieldsJSON()
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to marshal entity fields", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_id, version, fields, stale)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET version = $3, fields = $4, stale = $5
	`, ent.EntityType, ent.EntityID, ent.Version, string(fields), boolToInt(ent.Stale))
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to upsert cached entity", err)
	}
	return nil
}

// GetEntity retrieves a cached entity row.
func (s *Store) GetEntity(ctx context.Context, entityType, entityID string) (*model.CachedEntity, error) {
	return s.getEntity(ctx, s.Conn, entityType, entityID)
}

// GetEntityTx retrieves a cached entity row inside a write scope.
func (s *Store) GetEntityTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) (*model.CachedEntity, error) {
	return s.getEntity(ctx, tx, entityType, entityID)
}

func (s *Store) getEntity(ctx context.Context, q rowQuerier, entityType, entityID string) (*model.CachedEntity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, version, fields, stale FROM entities
		WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID)

	ent := &model.CachedEntity{}
	var fields string
	var stale int
	err := row.Scan(&ent.EntityType, &ent.EntityID, &ent.Version, &fields, &stale)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, syncerror.New(syncerror.ErrNotFound, fmt.Sprintf("Entity %s/%s not found in cache", entityType, entityID), nil)
		}
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to retrieve cached entity", err)
	}
	if err := json.Unmarshal([]byte(fields), &ent.Fields); err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to unmarshal entity fields", err)
	}
	ent.Stale = stale != 0
	return ent, nil
}

// DeleteEntityTx removes a cached entity row.
func (s *Store) DeleteEntityTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = $1 AND entity_id = $2`, entityType, entityID)
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to delete cached entity", err)
	}
	return nil
}

// MarkEntityStaleTx flags a cached row so the next pull refreshes it. Used
// when a cancelled entry leaves locally-optimistic values of unknown truth.
func (s *Store) MarkEntityStaleTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE entities SET stale = 1 WHERE entity_type = $1 AND entity_id = $2`, entityType, entityID)
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to mark cached entity stale", err)
	}
	return nil
}

// ListEntities returns all cached rows of one entity type.
func (s *Store) ListEntities(ctx context.Context, entityType string) ([]*model.CachedEntity, error) {
	rows, err := s.Conn.QueryContext(ctx, `
		SELECT entity_type, entity_id, version, fields, stale FROM entities WHERE entity_type = $1 ORDER BY entity_id
	`, entityType)
	if err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to list cached entities", err)
	}
	defer rows.Close()

	var ents []*model.CachedEntity
	for rows.Next() {
		ent := &model.CachedEntity{}
		var fields string
		var stale int
		if err := rows.Scan(&ent.EntityType, &ent.EntityID, &ent.Version, &fields, &stale); err != nil {
			return nil, syncerror.New(syncerror.ErrStorage, "Failed to scan cached entity", err)
		}
		if err := json.Unmarshal([]byte(fields), &ent.Fields); err != nil {
			return nil, syncerror.New(syncerror.ErrStorage, "Failed to unmarshal entity fields", err)
		}
		ent.Stale = stale != 0
		ents = append(ents, ent)
	}
	return ents, rows.Err()
}

// RecordShadowTx stores the client-tx-id to server-id pairing produced by a
// confirmed delivery.
func (s *Store) RecordShadowTx(ctx context.Context, tx *sql.Tx, rec *model.ShadowRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO shadow_records (client_tx_id, entity_type, entity_id, server_id, server_updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(client_tx_id) DO UPDATE SET server_id = $4, server_updated_at = $5
	`, rec.ClientTxID, rec.EntityType, rec.EntityID, rec.ServerID, rec.ServerUpdatedAt)
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to record shadow mapping", err)
	}
	return nil
}

// GetShadowByServerID resolves an incoming push's server id to the local
// write it confirms, if any.
func (s *Store) GetShadowByServerID(ctx context.Context, entityType, serverID string) (*model.ShadowRecord, error) {
	row := s.Conn.QueryRowContext(ctx, `
		SELECT client_tx_id, entity_type, entity_id, server_id, server_updated_at
		FROM shadow_records WHERE entity_type = $1 AND server_id = $2
	`, entityType, serverID)

	rec := &model.ShadowRecord{}
	err := row.Scan(&rec.ClientTxID, &rec.EntityType, &rec.EntityID, &rec.ServerID, &rec.ServerUpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to resolve shadow mapping", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

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

package growsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/internal/telemetry"
	"github.com/verdantlabs/growsync/model"
)

// Enqueue validates the payload, applies its optimistic local effect and
// records the outbox entry in one atomic write scope. It returns once the
// local write commits; remote delivery is the processor's separately
// scheduled task, not coupled to this call.
func (s *Sync) Enqueue(ctx context.Context, op model.Operation, payload model.Payload) (*model.OutboxEntry, error) {
	ctx, span := tracer.Start(ctx, "Queueing outbox entry")
	defer span.End()

	entry, err := buildEntry(op, payload)
	if err != nil {
		return nil, err
	}

	var out *model.OutboxEntry
	err = s.store.Write(ctx, func(tx *sql.Tx) error {
		if err := s.applyOptimisticTx(ctx, tx, payload); err != nil {
			return err
		}
		var werr error
		out, werr = s.store.EnqueueEntryTx(ctx, tx, entry)
		return werr
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	telemetry.EnqueueCounter.Inc()
	return out, nil
}

// EnqueueTx records an outbox entry inside the caller's existing write
// scope, for callers that must commit a sibling local mutation atomically
// with the enqueue. The optimistic effect is still applied.
func (s *Sync) EnqueueTx(ctx context.Context, tx *sql.Tx, op model.Operation, payload model.Payload) (*model.OutboxEntry, error) {
	entry, err := buildEntry(op, payload)
	if err != nil {
		return nil, err
	}
	if err := s.applyOptimisticTx(ctx, tx, payload); err != nil {
		return nil, err
	}
	out, err := s.store.EnqueueEntryTx(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	telemetry.EnqueueCounter.Inc()
	return out, nil
}

func buildEntry(op model.Operation, payload model.Payload) (*model.OutboxEntry, error) {
	if err := payload.Validate(); err != nil {
		return nil, syncerror.New(syncerror.ErrInvalidInput, "Payload failed validation", err)
	}
	tagged, err := model.OperationOf(payload)
	if err != nil {
		return nil, syncerror.New(syncerror.ErrInvalidInput, "Unknown payload type", err)
	}
	if tagged != op {
		return nil, syncerror.New(syncerror.ErrInvalidInput,
			fmt.Sprintf("Payload type belongs to %s, not %s", tagged, op), nil)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, syncerror.New(syncerror.ErrInvalidInput, "Failed to encode payload", err)
	}

	pair := model.NewCorrelationPair()
	return &model.OutboxEntry{
		EntryID:        model.GenerateUUIDWithSuffix("obx"),
		Operation:      op,
		Payload:        raw,
		ClientTxID:     pair.ClientTxID,
		IdempotencyKey: pair.IdempotencyKey,
		Stream:         payload.StreamKey(),
		Entity:         payload.EntityRef(),
		Status:         model.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// applyOptimisticTx merges the payload's optimistic mutation into the cached
// entity row, creating the row when the operation is the entity's origin.
// The version marker stays untouched: the fields are unconfirmed.
func (s *Sync) applyOptimisticTx(ctx context.Context, tx *sql.Tx, payload model.Payload) error {
	mutation := payload.OptimisticMutation()
	ref := payload.EntityRef()
	if len(mutation) == 0 || ref.ID == "" {
		return nil
	}

	ent, err := s.store.GetEntityTx(ctx, tx, ref.Type, ref.ID)
	if err != nil {
		if !syncerror.Is(err, syncerror.ErrNotFound) {
			return err
		}
		ent = &model.CachedEntity{EntityType: ref.Type, EntityID: ref.ID, Fields: map[string]interface{}{}}
	}
	for k, v := range mutation {
		ent.Fields[k] = v
	}
	return s.store.UpsertEntityTx(ctx, tx, ent)
}

// RetryEntry resubmits a failed or dead entry on explicit user request. The
// correlation pair is preserved so the retry stays safe against duplicate
// server-side application.
func (s *Sync) RetryEntry(ctx context.Context, entryID string) error {
	return s.store.ResetForRetry(ctx, entryID)
}

// CancelEntry permanently removes a pending, failed or dead entry. The
// entity it optimistically mutated is flagged stale so the next pull or push
// restores the server's truth; the locally-optimistic effect of a dead entry
// is otherwise kept until the user resolves it.
func (s *Sync) CancelEntry(ctx context.Context, entryID string) error {
	return s.store.Write(ctx, func(tx *sql.Tx) error {
		entry, err := s.store.DeleteEntryTx(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if entry.Entity.ID != "" {
			return s.store.MarkEntityStaleTx(ctx, tx, entry.Entity.Type, entry.Entity.ID)
		}
		return nil
	})
}

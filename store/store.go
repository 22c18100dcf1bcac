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
	"time"

	"github.com/verdantlabs/growsync/model"
)

type outboxRepository interface {
	EnqueueEntryTx(ctx context.Context, tx *sql.Tx, entry *model.OutboxEntry) (*model.OutboxEntry, error)
	GetEntry(ctx context.Context, entryID string) (*model.OutboxEntry, error)
	ListPending(ctx context.Context, limit int, now time.Time) ([]*model.OutboxEntry, error)
	ListEntries(ctx context.Context) ([]*model.OutboxEntry, error)
	PendingForEntity(ctx context.Context, entityType, entityID string) ([]*model.OutboxEntry, error)
	MarkInFlight(ctx context.Context, entryID string, now time.Time) error
	RequeueWithBackoff(ctx context.Context, entryID string, retries int, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, entryID string, lastError string) error
	MarkDead(ctx context.Context, entryID string, retries int, lastError string) error
	MarkSucceededTx(ctx context.Context, tx *sql.Tx, entryID string, now time.Time) error
	ResetForRetry(ctx context.Context, entryID string) error
	RequeueOrphaned(ctx context.Context, cutoff time.Time) (int, error)
	DeleteEntryTx(ctx context.Context, tx *sql.Tx, entryID string) (*model.OutboxEntry, error)
}

type entityCache interface {
	UpsertEntityTx(ctx context.Context, tx *sql.Tx, ent *model.CachedEntity) error
	GetEntity(ctx context.Context, entityType, entityID string) (*model.CachedEntity, error)
	GetEntityTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) (*model.CachedEntity, error)
	DeleteEntityTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) error
	MarkEntityStaleTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) error
	ListEntities(ctx context.Context, entityType string) ([]*model.CachedEntity, error)
	RecordShadowTx(ctx context.Context, tx *sql.Tx, rec *model.ShadowRecord) error
	GetShadowByServerID(ctx context.Context, entityType, serverID string) (*model.ShadowRecord, error)
}

type moderationRepository interface {
	CreateReport(ctx context.Context, report *model.Report) error
	GetReport(ctx context.Context, reportID string) (*model.Report, error)
	AddRelationship(ctx context.Context, rel *model.Relationship) error
	HasRelationship(ctx context.Context, userID, otherID string) (bool, error)
	GetLease(ctx context.Context, reportID string) (*model.ClaimLease, error)
	GetLeaseTx(ctx context.Context, tx *sql.Tx, reportID string) (*model.ClaimLease, error)
	PutLeaseTx(ctx context.Context, tx *sql.Tx, lease *model.ClaimLease) error
	DeleteLeaseTx(ctx context.Context, tx *sql.Tx, reportID string) error
	ResolveReportTx(ctx context.Context, tx *sql.Tx, reportID, moderatorID, notes string, now time.Time) error
}

type observation interface {
	ObserveOutbox(ctx context.Context) (<-chan []model.EntryView, func(), error)
	ObserveEntities(ctx context.Context, entityType string) (<-chan []*model.CachedEntity, func(), error)
}

// IStore is the durable local store consumed by the sync engine.
type IStore interface {
	outboxRepository
	entityCache
	moderationRepository
	observation
	Write(ctx context.Context, fn func(tx *sql.Tx) error) error
	Close() error
}

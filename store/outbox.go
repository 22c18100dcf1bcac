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
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/model"
)

const outboxColumns = `entry_id, operation, payload, client_tx_id, idempotency_key, stream, entity_type, entity_id, status, retries, last_error, created_at, last_attempt_at, next_attempt_at`

// EnqueueEntryTx inserts a new outbox entry inside the caller's write scope.
// A duplicate client transaction id collapses into the existing entry rather
// than queuing the same user gesture twice.
func (s *Store) EnqueueEntryTx(ctx context.Context, tx *sql.Tx, entry *model.OutboxEntry) (*model.OutboxEntry, error) {
	ctx, span := otel.Tracer("outbox.store").Start(ctx, "Saving outbox entry")
	defer span.End()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (`+outboxColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULL,NULL)
		 ON CONFLICT(client_tx_id) DO NOTHING`,
		entry.EntryID, entry.Operation, string(entry.Payload), entry.ClientTxID, entry.IdempotencyKey,
		entry.Stream, entry.Entity.Type, entry.Entity.ID, entry.Status, entry.Retries, entry.LastError, entry.CreatedAt,
	)
	if err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to record outbox entry", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to record outbox entry", err)
	}
	if rows == 0 {
		return s.getEntryTx(ctx, tx, `client_tx_id`, entry.ClientTxID)
	}
	return entry, nil
}

// GetEntry retrieves a live outbox entry by id.
func (s *Store) GetEntry(ctx context.Context, entryID string) (*model.OutboxEntry, error) {
	return s.getEntry(ctx, s.Conn, `entry_id`, entryID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) getEntry(ctx context.Context, q rowQuerier, column, value string) (*model.OutboxEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE `+column+` = $1`, value)
	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, syncerror.New(syncerror.ErrNotFound, fmt.Sprintf("Outbox entry with %s '%s' not found", column, value), nil)
		}
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to retrieve outbox entry", err)
	}
	return entry, nil
}

func (s *Store) getEntryTx(ctx context.Context, tx *sql.Tx, column, value string) (*model.OutboxEntry, error) {
	return s.getEntry(ctx, tx, column, value)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*model.OutboxEntry, error) {
	entry := &model.OutboxEntry{}
	var payload string
	var lastError sql.NullString
	var entityType, entityID sql.NullString
	var lastAttemptAt, nextAttemptAt sql.NullTime
	err := row.Scan(&entry.EntryID, &entry.Operation, &payload, &entry.ClientTxID, &entry.IdempotencyKey,
		&entry.Stream, &entityType, &entityID, &entry.Status, &entry.Retries, &lastError,
		&entry.CreatedAt, &lastAttemptAt, &nextAttemptAt)
	if err != nil {
		return nil, err
	}
	entry.Payload = []byte(payload)
	entry.Entity = model.EntityRef{Type: entityType.String, ID: entityID.String}
	entry.LastError = lastError.String
	entry.LastAttemptAt = lastAttemptAt.Time
	entry.NextAttemptAt = nextAttemptAt.Time
	return entry, nil
}

// ListPending returns up to limit entries ready for delivery, oldest first.
// An entry is ready when it is pending, its backoff schedule is due, and no
// older unresolved entry or in-flight attempt exists on its stream. The
// per-stream gate is what keeps delivery FIFO within a logical stream.
func (s *Store) ListPending(ctx context.Context, limit int, now time.Time) ([]*model.OutboxEntry, error) {
	ctx, span := otel.Tracer("outbox.store").Start(ctx, "Listing pending outbox entries")
	defer span.End()

	rows, err := s.Conn.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox o
		WHERE o.status = $1
		  AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= $2)
		  AND NOT EXISTS (
			SELECT 1 FROM outbox b
			WHERE b.stream = o.stream
			  AND (b.status = $3 OR (b.status = $1 AND b.created_at < o.created_at))
		  )
		ORDER BY o.created_at ASC
		LIMIT $4
	`, model.StatusPending, now, model.StatusInFlight, limit)
	if err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to list pending outbox entries", err)
	}
	defer rows.Close()

	var entries []*model.OutboxEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, syncerror.New(syncerror.ErrStorage, "Failed to scan outbox entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to list pending outbox entries", err)
	}
	return entries, nil
}

// ListEntries returns every live outbox entry, oldest first. This backs the
// status-observation surface.
func (s *Store) ListEntries(ctx context.Context) ([]*model.OutboxEntry, error) {
	rows, err := s.Conn.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox ORDER BY created_at ASC`)
	if err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to list outbox entries", err)
	}
	defer rows.Close()

	var entries []*model.OutboxEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, syncerror.New(syncerror.ErrStorage, "Failed to scan outbox entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to list outbox entries", err)
	}
	return entries, nil
}

// PendingForEntity returns unresolved entries (anything still live in the
// outbox) that optimistically mutate the given entity. The reconciliation
// adapter consults this before applying a push.
func (s *Store) PendingForEntity(ctx context.Context, entityType, entityID string) ([]*model.OutboxEntry, error) {
	rows, err := s.Conn.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
	`, entityType, entityID)
	if err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to query pending entries for entity", err)
	}
	defer rows.Close()

	var entries []*model.OutboxEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, syncerror.New(syncerror.ErrStorage, "Failed to scan outbox entry", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// transition moves an entry between statuses with the legality check done in
// the UPDATE itself: zero affected rows on an existing entry means the
// current status is not a legal predecessor.
func (s *Store) transition(ctx context.Context, entryID string, to model.Status, set string, args ...interface{}) error {
	var preds []string
	for _, p := range model.LegalPredecessors(to) {
		preds = append(preds, string(p))
	}
	if len(preds) == 0 {
		return syncerror.New(syncerror.ErrInvalidTransition, fmt.Sprintf("No transition to status %s", to), nil)
	}

	query := fmt.Sprintf(`UPDATE outbox SET status = ?, %s WHERE entry_id = ? AND status IN (%s)`, set, placeholders(len(preds)))
	params := []interface{}{string(to)}
	params = append(params, args...)
	params = append(params, entryID)
	for _, p := range preds {
		params = append(params, p)
	}

	res, err := s.Conn.ExecContext(ctx, query, params...)
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to update outbox entry status", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to update outbox entry status", err)
	}
	if rows == 0 {
		current, err := s.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		return syncerror.New(syncerror.ErrInvalidTransition,
			fmt.Sprintf("Illegal outbox transition %s -> %s for entry %s", current.Status, to, entryID), nil)
	}
	// Status changes are what the observation surface exists to show.
	s.notifyObservers(ctx)
	return nil
}

func placeholders(n int) string {
	s := "?"
	for i := 1; i < n; i++ {
		s += ",?"
	}
	return s
}

// MarkInFlight transitions a pending entry to in_flight and stamps the
// attempt time.
func (s *Store) MarkInFlight(ctx context.Context, entryID string, now time.Time) error {
	return s.transition(ctx, entryID, model.StatusInFlight, `last_attempt_at = ?`, now)
}

// RequeueWithBackoff returns an in-flight entry to pending after a retryable
// failure, recording the attempt and its next scheduled delivery time.
func (s *Store) RequeueWithBackoff(ctx context.Context, entryID string, retries int, nextAttemptAt time.Time, lastError string) error {
	return s.transition(ctx, entryID, model.StatusPending,
		`retries = ?, next_attempt_at = ?, last_error = ?`, retries, nextAttemptAt, lastError)
}

// MarkFailed transitions an in-flight entry to failed after a terminal
// rejection. The entry stays visible for manual retry or cancel.
func (s *Store) MarkFailed(ctx context.Context, entryID string, lastError string) error {
	return s.transition(ctx, entryID, model.StatusFailed, `last_error = ?`, lastError)
}

// MarkDead transitions an in-flight entry to dead once its retry budget is
// exhausted. Dead entries are never dropped silently.
func (s *Store) MarkDead(ctx context.Context, entryID string, retries int, lastError string) error {
	return s.transition(ctx, entryID, model.StatusDead, `retries = ?, last_error = ?`, retries, lastError)
}

// MarkSucceededTx archives a delivered entry inside the caller's write scope,
// so the archival commits atomically with any server-authoritative fields
// applied to the cached entity.
func (s *Store) MarkSucceededTx(ctx context.Context, tx *sql.Tx, entryID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_archive (entry_id, operation, payload, client_tx_id, idempotency_key, stream, retries, created_at, done_at)
		SELECT entry_id, operation, payload, client_tx_id, idempotency_key, stream, retries, created_at, $1
		FROM outbox WHERE entry_id = $2 AND status = $3
	`, now, entryID, model.StatusInFlight)
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to archive outbox entry", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to archive outbox entry", err)
	}
	if rows == 0 {
		return syncerror.New(syncerror.ErrInvalidTransition,
			fmt.Sprintf("Entry %s is not in flight, refusing to mark done", entryID), nil)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE entry_id = $1`, entryID); err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to remove delivered outbox entry", err)
	}
	return nil
}

// ResetForRetry returns a failed or dead entry to pending on explicit user
// request. Scheduling resets; the correlation pair and retry history are
// preserved, so the entry gets one more delivery attempt under the same
// idempotency key.
func (s *Store) ResetForRetry(ctx context.Context, entryID string) error {
	res, err := s.Conn.ExecContext(ctx, `
		UPDATE outbox SET status = $1, next_attempt_at = NULL
		WHERE entry_id = $2 AND status IN ($3, $4)
	`, model.StatusPending, entryID, model.StatusFailed, model.StatusDead)
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to reset outbox entry for retry", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to reset outbox entry for retry", err)
	}
	if rows == 0 {
		current, err := s.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		return syncerror.New(syncerror.ErrInvalidTransition,
			fmt.Sprintf("Entry %s is %s, only failed or dead entries can be retried", entryID, current.Status), nil)
	}
	s.notifyObservers(ctx)
	return nil
}

// RequeueOrphaned sweeps entries left in_flight by a crash back to pending.
// An attempt stamped at or before cutoff can no longer be running, so its
// entry would otherwise wedge forever and gate every younger entry on its
// stream. The idempotency key makes the renewed attempt safe even when the
// interrupted one reached the server. Returns the number of entries swept.
func (s *Store) RequeueOrphaned(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.Conn.ExecContext(ctx, `
		UPDATE outbox SET status = $1, next_attempt_at = NULL
		WHERE status = $2 AND (last_attempt_at IS NULL OR last_attempt_at <= $3)
	`, model.StatusPending, model.StatusInFlight, cutoff)
	if err != nil {
		return 0, syncerror.New(syncerror.ErrStorage, "Failed to requeue orphaned outbox entries", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, syncerror.New(syncerror.ErrStorage, "Failed to requeue orphaned outbox entries", err)
	}
	if rows > 0 {
		s.notifyObservers(ctx)
	}
	return int(rows), nil
}

// DeleteEntryTx cancels an entry inside the caller's write scope. In-flight
// entries refuse cancellation: the attempt must finish first so the remote
// side is never left in an unknown state with no local record.
func (s *Store) DeleteEntryTx(ctx context.Context, tx *sql.Tx, entryID string) (*model.OutboxEntry, error) {
	entry, err := s.getEntryTx(ctx, tx, `entry_id`, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status == model.StatusInFlight {
		return nil, syncerror.New(syncerror.ErrInvalidTransition,
			fmt.Sprintf("Entry %s is in flight and cannot be cancelled", entryID), nil)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE entry_id = $1`, entryID); err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to cancel outbox entry", err)
	}
	return entry, nil
}

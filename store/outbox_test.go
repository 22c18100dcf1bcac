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
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/growsync/config"
	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	config.MockConfig(&config.Configuration{Remote: config.RemoteConfig{BaseURL: "http://localhost:5001"}})
	s, err := ConnectStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(stream string, createdAt time.Time) *model.OutboxEntry {
	pair := model.NewCorrelationPair()
	payload, _ := json.Marshal(model.HideContentPayload{
		ContentType: "post", ContentID: "post_1", Hidden: true, ActorID: "usr_1",
	})
	return &model.OutboxEntry{
		EntryID:        model.GenerateUUIDWithSuffix("obx"),
		Operation:      model.OpHideContent,
		Payload:        payload,
		ClientTxID:     pair.ClientTxID,
		IdempotencyKey: pair.IdempotencyKey,
		Stream:         stream,
		Entity:         model.EntityRef{Type: "post", ID: "post_1"},
		Status:         model.StatusPending,
		CreatedAt:      createdAt,
	}
}

func enqueue(t *testing.T, s *Store, entry *model.OutboxEntry) *model.OutboxEntry {
	t.Helper()
	var out *model.OutboxEntry
	err := s.Write(context.Background(), func(tx *sql.Tx) error {
		var werr error
		out, werr = s.EnqueueEntryTx(context.Background(), tx, entry)
		return werr
	})
	require.NoError(t, err)
	return out
}

func TestEnqueueAndGetEntry(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, entry)

	got, err := s.GetEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, entry.ClientTxID, got.ClientTxID)
	assert.Equal(t, entry.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "post", got.Entity.Type)
	assert.Equal(t, "post_1", got.Entity.ID)
}

func TestEnqueueDuplicateClientTxCollapses(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	first := enqueue(t, s, entry)

	dup := testEntry("content:post_1", time.Now().UTC())
	dup.ClientTxID = entry.ClientTxID
	second := enqueue(t, s, dup)

	assert.Equal(t, first.EntryID, second.EntryID)

	entries, err := s.ListEntries(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetEntryNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetEntry(context.Background(), "obx_missing")
	assert.True(t, syncerror.Is(err, syncerror.ErrNotFound))
}

func TestListPendingGatesStreamFIFO(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Minute)

	older := testEntry("readings:res_1", base)
	newer := testEntry("readings:res_1", base.Add(time.Second))
	other := testEntry("readings:res_2", base.Add(2*time.Second))
	enqueue(t, s, older)
	enqueue(t, s, newer)
	enqueue(t, s, other)

	pending, err := s.ListPending(context.Background(), 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.EntryID, pending[0].EntryID)
	assert.Equal(t, other.EntryID, pending[1].EntryID)
}

func TestListPendingSkipsStreamWithInFlightEntry(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Minute)

	first := testEntry("readings:res_1", base)
	second := testEntry("readings:res_1", base.Add(time.Second))
	enqueue(t, s, first)
	enqueue(t, s, second)

	require.NoError(t, s.MarkInFlight(context.Background(), first.EntryID, time.Now().UTC()))

	pending, err := s.ListPending(context.Background(), 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListPendingHonorsBackoffSchedule(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	entry := testEntry("content:post_1", now.Add(-time.Minute))
	enqueue(t, s, entry)
	require.NoError(t, s.MarkInFlight(context.Background(), entry.EntryID, now))
	require.NoError(t, s.RequeueWithBackoff(context.Background(), entry.EntryID, 1, now.Add(time.Hour), "server timeout"))

	pending, err := s.ListPending(context.Background(), 10, now)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = s.ListPending(context.Background(), 10, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Retries)
	assert.Equal(t, "server timeout", pending[0].LastError)
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, entry)

	// failed is only reachable from in_flight
	err := s.MarkFailed(context.Background(), entry.EntryID, "rejected")
	assert.True(t, syncerror.Is(err, syncerror.ErrInvalidTransition))

	got, err := s.GetEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestMarkInFlightTwiceRejected(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, entry)

	require.NoError(t, s.MarkInFlight(context.Background(), entry.EntryID, time.Now().UTC()))
	err := s.MarkInFlight(context.Background(), entry.EntryID, time.Now().UTC())
	assert.True(t, syncerror.Is(err, syncerror.ErrInvalidTransition))
}

func TestMarkSucceededArchivesEntry(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, entry)
	require.NoError(t, s.MarkInFlight(context.Background(), entry.EntryID, time.Now().UTC()))

	err := s.Write(context.Background(), func(tx *sql.Tx) error {
		return s.MarkSucceededTx(context.Background(), tx, entry.EntryID, time.Now().UTC())
	})
	require.NoError(t, err)

	_, err = s.GetEntry(context.Background(), entry.EntryID)
	assert.True(t, syncerror.Is(err, syncerror.ErrNotFound))

	var count int
	require.NoError(t, s.Conn.QueryRow(`SELECT COUNT(*) FROM outbox_archive WHERE entry_id = $1`, entry.EntryID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMarkSucceededRequiresInFlight(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, entry)

	err := s.Write(context.Background(), func(tx *sql.Tx) error {
		return s.MarkSucceededTx(context.Background(), tx, entry.EntryID, time.Now().UTC())
	})
	assert.True(t, syncerror.Is(err, syncerror.ErrInvalidTransition))
}

func TestDeadEntryPreservedForInspection(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, entry)
	require.NoError(t, s.MarkInFlight(context.Background(), entry.EntryID, time.Now().UTC()))
	require.NoError(t, s.MarkDead(context.Background(), entry.EntryID, 6, "connect: network unreachable"))

	got, err := s.GetEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDead, got.Status)
	assert.Equal(t, 6, got.Retries)
	assert.Equal(t, "connect: network unreachable", got.LastError)
}

func TestResetForRetryPreservesCorrelation(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, entry)
	require.NoError(t, s.MarkInFlight(context.Background(), entry.EntryID, time.Now().UTC()))
	require.NoError(t, s.MarkDead(context.Background(), entry.EntryID, 6, "unreachable"))

	require.NoError(t, s.ResetForRetry(context.Background(), entry.EntryID))

	got, err := s.GetEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, entry.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, entry.ClientTxID, got.ClientTxID)
	assert.True(t, got.NextAttemptAt.IsZero())
}

func TestResetForRetryRejectsPendingEntry(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, entry)

	err := s.ResetForRetry(context.Background(), entry.EntryID)
	assert.True(t, syncerror.Is(err, syncerror.ErrInvalidTransition))
}

func TestRequeueOrphanedSweepsStuckInFlight(t *testing.T) {
	s := newTestStore(t)
	older := testEntry("content:post_1", time.Now().UTC().Add(-time.Minute))
	enqueue(t, s, older)
	younger := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, younger)

	// an attempt that never resolved gates the whole stream
	require.NoError(t, s.MarkInFlight(context.Background(), older.EntryID, time.Now().UTC().Add(-time.Hour)))
	due, err := s.ListPending(context.Background(), 10, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, due)

	n, err := s.RequeueOrphaned(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetEntry(context.Background(), older.EntryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, older.IdempotencyKey, got.IdempotencyKey)
	assert.True(t, got.NextAttemptAt.IsZero())

	// the stream drains again, oldest first
	due, err = s.ListPending(context.Background(), 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, older.EntryID, due[0].EntryID)
}

func TestRequeueOrphanedLeavesRecentAttemptsAlone(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, entry)
	require.NoError(t, s.MarkInFlight(context.Background(), entry.EntryID, time.Now().UTC()))

	n, err := s.RequeueOrphaned(context.Background(), time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.GetEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInFlight, got.Status)
}

func TestDeleteEntryRefusesInFlight(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())
	enqueue(t, s, entry)
	require.NoError(t, s.MarkInFlight(context.Background(), entry.EntryID, time.Now().UTC()))

	err := s.Write(context.Background(), func(tx *sql.Tx) error {
		_, derr := s.DeleteEntryTx(context.Background(), tx, entry.EntryID)
		return derr
	})
	assert.True(t, syncerror.Is(err, syncerror.ErrInvalidTransition))
}

func TestWriteScopeRollsBackAsUnit(t *testing.T) {
	s := newTestStore(t)
	entry := testEntry("content:post_1", time.Now().UTC())

	boom := errors.New("boom")
	err := s.Write(context.Background(), func(tx *sql.Tx) error {
		if _, werr := s.EnqueueEntryTx(context.Background(), tx, entry); werr != nil {
			return werr
		}
		return boom
	})
	assert.Equal(t, boom, err)

	entries, err := s.ListEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

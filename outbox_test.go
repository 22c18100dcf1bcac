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
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/model"
)

func hidePayload(contentID string) model.HideContentPayload {
	return model.HideContentPayload{
		ContentType: "post",
		ContentID:   contentID,
		Hidden:      true,
		ActorID:     gofakeit.UUID(),
	}
}

func TestEnqueueRecordsEntryAndOptimisticEffect(t *testing.T) {
	s, _ := newTestSync(t, newFakeTransport())
	payload := hidePayload("post_1")

	entry, err := s.Enqueue(context.Background(), model.OpHideContent, payload)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, entry.Status)
	assert.Contains(t, entry.ClientTxID, "ctx_")
	assert.Contains(t, entry.IdempotencyKey, "idk_")
	assert.Equal(t, "content:post_1", entry.Stream)

	// optimistic effect visible immediately, version untouched
	ent, err := s.store.GetEntity(context.Background(), "post", "post_1")
	require.NoError(t, err)
	assert.Equal(t, true, ent.Fields["hidden"])
	assert.Equal(t, int64(0), ent.Version)
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	s, _ := newTestSync(t, newFakeTransport())

	_, err := s.Enqueue(context.Background(), model.OpHideContent, model.HideContentPayload{
		ContentType: "post", // missing content id and actor
	})
	assert.True(t, syncerror.Is(err, syncerror.ErrInvalidInput))

	entries, err := s.Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnqueueRejectsMismatchedOperationTag(t *testing.T) {
	s, _ := newTestSync(t, newFakeTransport())

	_, err := s.Enqueue(context.Background(), model.OpCreateReading, hidePayload("post_1"))
	assert.True(t, syncerror.Is(err, syncerror.ErrInvalidInput))
}

func TestEnqueueReadingCarriesDecimalMeasurements(t *testing.T) {
	s, _ := newTestSync(t, newFakeTransport())

	payload := model.ReadingPayload{
		ReadingID:    model.GenerateUUIDWithSuffix("rdg"),
		ReservoirID:  "res_1",
		EC:           decimal.NewFromFloat(1.8),
		PH:           decimal.NewFromFloat(5.9),
		TemperatureC: decimal.NewFromFloat(19.5),
		TakenAt:      time.Now().UTC(),
	}
	entry, err := s.Enqueue(context.Background(), model.OpCreateReading, payload)
	require.NoError(t, err)
	assert.Equal(t, "readings:res_1", entry.Stream)

	decoded, err := entry.DecodePayload()
	require.NoError(t, err)
	reading, ok := decoded.(model.ReadingPayload)
	require.True(t, ok)
	assert.True(t, reading.PH.Equal(decimal.NewFromFloat(5.9)))
}

func TestEnqueueRejectsOutOfRangePH(t *testing.T) {
	s, _ := newTestSync(t, newFakeTransport())

	_, err := s.Enqueue(context.Background(), model.OpCreateReading, model.ReadingPayload{
		ReadingID:   "rdg_1",
		ReservoirID: "res_1",
		PH:          decimal.NewFromInt(15),
		TakenAt:     time.Now().UTC(),
	})
	assert.True(t, syncerror.Is(err, syncerror.ErrInvalidInput))
}

func TestCancelEntryMarksEntityStale(t *testing.T) {
	s, _ := newTestSync(t, newFakeTransport())

	entry, err := s.Enqueue(context.Background(), model.OpHideContent, hidePayload("post_1"))
	require.NoError(t, err)

	require.NoError(t, s.CancelEntry(context.Background(), entry.EntryID))

	_, err = s.store.GetEntry(context.Background(), entry.EntryID)
	assert.True(t, syncerror.Is(err, syncerror.ErrNotFound))

	ent, err := s.store.GetEntity(context.Background(), "post", "post_1")
	require.NoError(t, err)
	assert.True(t, ent.Stale)
}

func TestRetryEntryResubmitsDeadEntry(t *testing.T) {
	s, st := newTestSync(t, newFakeTransport())

	entry, err := s.Enqueue(context.Background(), model.OpHideContent, hidePayload("post_1"))
	require.NoError(t, err)
	require.NoError(t, st.MarkInFlight(context.Background(), entry.EntryID, time.Now().UTC()))
	require.NoError(t, st.MarkDead(context.Background(), entry.EntryID, 6, "unreachable"))

	require.NoError(t, s.RetryEntry(context.Background(), entry.EntryID))

	got, err := st.GetEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, entry.IdempotencyKey, got.IdempotencyKey)
}

func TestEntriesProjection(t *testing.T) {
	s, _ := newTestSync(t, newFakeTransport())

	first, err := s.Enqueue(context.Background(), model.OpHideContent, hidePayload("post_1"))
	require.NoError(t, err)
	_, err = s.Enqueue(context.Background(), model.OpSyncPullAck, model.PullAckPayload{Cursor: "cur_10"})
	require.NoError(t, err)

	views, err := s.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, first.EntryID, views[0].EntryID)
	assert.Equal(t, model.OpHideContent, views[0].Operation)
	assert.Equal(t, model.StatusPending, views[0].Status)
}

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/model"
)

// fakeStream feeds scripted change events to a reconciler.
type fakeStream struct {
	events chan model.ChangeEvent
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan model.ChangeEvent, 16)}
}

func (f *fakeStream) Events() <-chan model.ChangeEvent { return f.events }
func (f *fakeStream) Close() error {
	close(f.events)
	return nil
}

func TestApplyCreatesUncachedEntity(t *testing.T) {
	s, st := newTestSync(t, newFakeTransport())
	r := NewReconciler(s, newFakeStream())

	err := r.Apply(context.Background(), &model.ChangeEvent{
		EntityType: "post",
		EntityID:   "post_9",
		Kind:       model.ChangeInsert,
		Version:    100,
		Fields:     map[string]interface{}{"title": "Kratky jar update"},
	})
	require.NoError(t, err)

	ent, err := st.GetEntity(context.Background(), "post", "post_9")
	require.NoError(t, err)
	assert.Equal(t, int64(100), ent.Version)
	assert.Equal(t, "Kratky jar update", ent.Fields["title"])
}

func TestApplyProtectsOptimisticFields(t *testing.T) {
	s, st := newTestSync(t, newFakeTransport())
	r := NewReconciler(s, newFakeStream())

	// local hide is pending: its optimistic "hidden" field must survive
	_, err := s.Enqueue(context.Background(), model.OpHideContent, hidePayload("post_1"))
	require.NoError(t, err)

	err = r.Apply(context.Background(), &model.ChangeEvent{
		EntityType: "post",
		EntityID:   "post_1",
		Kind:       model.ChangeUpdate,
		Version:    50,
		Fields:     map[string]interface{}{"hidden": false, "title": "edited elsewhere"},
	})
	require.NoError(t, err)

	ent, err := st.GetEntity(context.Background(), "post", "post_1")
	require.NoError(t, err)
	assert.Equal(t, true, ent.Fields["hidden"])
	assert.Equal(t, "edited elsewhere", ent.Fields["title"])
	assert.Equal(t, int64(50), ent.Version)
}

func TestApplyDropsStaleVersion(t *testing.T) {
	s, st := newTestSync(t, newFakeTransport())
	r := NewReconciler(s, newFakeStream())

	seed := &model.ChangeEvent{
		EntityType: "post", EntityID: "post_1", Kind: model.ChangeUpdate,
		Version: 100, Fields: map[string]interface{}{"title": "current"},
	}
	require.NoError(t, r.Apply(context.Background(), seed))

	replay := &model.ChangeEvent{
		EntityType: "post", EntityID: "post_1", Kind: model.ChangeUpdate,
		Version: 80, Fields: map[string]interface{}{"title": "out of order"},
	}
	require.NoError(t, r.Apply(context.Background(), replay))

	ent, err := st.GetEntity(context.Background(), "post", "post_1")
	require.NoError(t, err)
	assert.Equal(t, "current", ent.Fields["title"])
	assert.Equal(t, int64(100), ent.Version)
}

func TestApplyDeleteRemovesEntity(t *testing.T) {
	s, st := newTestSync(t, newFakeTransport())
	r := NewReconciler(s, newFakeStream())

	require.NoError(t, r.Apply(context.Background(), &model.ChangeEvent{
		EntityType: "post", EntityID: "post_1", Kind: model.ChangeInsert,
		Version: 10, Fields: map[string]interface{}{"title": "short lived"},
	}))
	require.NoError(t, r.Apply(context.Background(), &model.ChangeEvent{
		EntityType: "post", EntityID: "post_1", Kind: model.ChangeDelete, Version: 20,
	}))

	_, err := st.GetEntity(context.Background(), "post", "post_1")
	assert.True(t, syncerror.Is(err, syncerror.ErrNotFound))
}

func TestApplyDropsStaleDelete(t *testing.T) {
	s, st := newTestSync(t, newFakeTransport())
	r := NewReconciler(s, newFakeStream())

	require.NoError(t, r.Apply(context.Background(), &model.ChangeEvent{
		EntityType: "post", EntityID: "post_1", Kind: model.ChangeInsert,
		Version: 100, Fields: map[string]interface{}{"title": "still here"},
	}))

	// an out-of-order delete older than the cached row must not remove it
	require.NoError(t, r.Apply(context.Background(), &model.ChangeEvent{
		EntityType: "post", EntityID: "post_1", Kind: model.ChangeDelete, Version: 80,
	}))

	ent, err := st.GetEntity(context.Background(), "post", "post_1")
	require.NoError(t, err)
	assert.Equal(t, "still here", ent.Fields["title"])
	assert.Equal(t, int64(100), ent.Version)
}

func TestApplyDeleteWithPendingWritesMarksStale(t *testing.T) {
	s, st := newTestSync(t, newFakeTransport())
	r := NewReconciler(s, newFakeStream())

	_, err := s.Enqueue(context.Background(), model.OpHideContent, hidePayload("post_1"))
	require.NoError(t, err)

	require.NoError(t, r.Apply(context.Background(), &model.ChangeEvent{
		EntityType: "post", EntityID: "post_1", Kind: model.ChangeDelete, Version: 20,
	}))

	ent, err := st.GetEntity(context.Background(), "post", "post_1")
	require.NoError(t, err)
	assert.True(t, ent.Stale)
}

func TestApplyFoldsEchoOfOwnWrite(t *testing.T) {
	s, st := newTestSync(t, newFakeTransport())
	r := NewReconciler(s, newFakeStream())

	// a confirmed delivery recorded the server id for our local row
	require.NoError(t, st.Write(context.Background(), func(tx *sql.Tx) error {
		if err := st.UpsertEntityTx(context.Background(), tx, &model.CachedEntity{
			EntityType: "reading", EntityID: "rdg_local", Version: 10,
			Fields: map[string]interface{}{"ph": "5.9"},
		}); err != nil {
			return err
		}
		return st.RecordShadowTx(context.Background(), tx, &model.ShadowRecord{
			ClientTxID: "ctx_1", EntityType: "reading", EntityID: "rdg_local",
			ServerID: "srv_55", ServerUpdatedAt: 10,
		})
	}))

	// the push echoes the server's row under its own id
	require.NoError(t, r.Apply(context.Background(), &model.ChangeEvent{
		EntityType: "reading", EntityID: "srv_55", Kind: model.ChangeUpdate,
		Version: 30, Fields: map[string]interface{}{"ph": "5.9", "verified": true},
	}))

	ent, err := st.GetEntity(context.Background(), "reading", "rdg_local")
	require.NoError(t, err)
	assert.Equal(t, int64(30), ent.Version)
	assert.Equal(t, true, ent.Fields["verified"])

	// no duplicate row under the server id
	_, err = st.GetEntity(context.Background(), "reading", "srv_55")
	assert.True(t, syncerror.Is(err, syncerror.ErrNotFound))
}

func TestReconcilerConsumesStream(t *testing.T) {
	s, st := newTestSync(t, newFakeTransport())
	stream := newFakeStream()
	r := NewReconciler(s, stream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	stream.events <- model.ChangeEvent{
		EntityType: "post", EntityID: "post_1", Kind: model.ChangeInsert,
		Version: 5, Fields: map[string]interface{}{"title": "pushed"},
	}

	require.Eventually(t, func() bool {
		ent, err := st.GetEntity(context.Background(), "post", "post_1")
		return err == nil && ent.Fields["title"] == "pushed"
	}, 2*time.Second, 10*time.Millisecond)
}

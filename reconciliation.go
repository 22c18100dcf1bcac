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
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/internal/telemetry"
	"github.com/verdantlabs/growsync/model"
	"github.com/verdantlabs/growsync/realtime"
)

// Reconciler folds server-pushed change events into the local entity cache
// without regressing optimistic local state: fields touched by a pending
// outbox entry are protected until that entry confirms, and events older
// than the cached version are dropped as replays.
type Reconciler struct {
	sync    *Sync
	stream  realtime.Stream
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewReconciler(s *Sync, stream realtime.Stream) *Reconciler {
	return &Reconciler{
		sync:   s,
		stream: stream,
		stopCh: make(chan struct{}),
	}
}

// Start consumes the realtime stream until Stop or context cancellation.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	logrus.Info("Reconciler started")
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logrus.Info("Reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case evt, ok := <-r.stream.Events():
			if !ok {
				logrus.Warn("Realtime stream closed, reconciler exiting")
				return
			}
			if err := r.Apply(ctx, &evt); err != nil {
				logrus.Errorf("failed to reconcile %s/%s: %v", evt.EntityType, evt.EntityID, err)
			}
		}
	}
}

// Apply folds one change event into the cache. It is exported so that pull
// responses replay through the same path as pushed events.
func (r *Reconciler) Apply(ctx context.Context, evt *model.ChangeEvent) error {
	ctx, span := tracer.Start(ctx, "Reconciling change event")
	defer span.End()

	localID := evt.EntityID
	shadow, err := r.sync.store.GetShadowByServerID(ctx, evt.EntityType, evt.EntityID)
	if err != nil {
		return err
	}
	if shadow != nil {
		// The event references a row the server created for one of our own
		// writes; fold it into the local row instead of creating a twin.
		localID = shadow.EntityID
	}

	protected, err := r.sync.protectedFields(ctx, evt.EntityType, localID, "")
	if err != nil {
		return err
	}

	return r.sync.store.Write(ctx, func(tx *sql.Tx) error {
		ent, err := r.sync.store.GetEntityTx(ctx, tx, evt.EntityType, localID)
		if err != nil {
			if !syncerror.Is(err, syncerror.ErrNotFound) {
				return err
			}
			ent = nil
		}

		if ent != nil && evt.Version <= ent.Version {
			// Replayed or out-of-order event; the cached row is already newer.
			telemetry.ReplayCounter.Inc()
			logrus.Debugf("dropping replayed event for %s/%s, version %d <= %d",
				evt.EntityType, localID, evt.Version, ent.Version)
			return nil
		}

		if evt.Kind == model.ChangeDelete {
			return r.applyDelete(ctx, tx, ent, len(protected) > 0)
		}

		if ent == nil {
			ent = &model.CachedEntity{
				EntityType: evt.EntityType,
				EntityID:   localID,
				Fields:     map[string]interface{}{},
			}
		}

		for key, value := range evt.Fields {
			if _, held := protected[key]; held {
				// A pending local write owns this field; the confirmation of
				// that write will settle it.
				continue
			}
			ent.Fields[key] = value
		}
		ent.Version = evt.Version
		ent.Stale = false

		telemetry.ReconcileCounter.Inc()
		return r.sync.store.UpsertEntityTx(ctx, tx, ent)
	})
}

func (r *Reconciler) applyDelete(ctx context.Context, tx *sql.Tx, ent *model.CachedEntity, hasPending bool) error {
	if ent == nil {
		return nil
	}
	if hasPending {
		// Local writes against the row are still queued; keep it visible but
		// stale until they resolve, then the user can cancel them.
		logrus.Warnf("server deleted %s/%s while local writes are pending, marking stale",
			ent.EntityType, ent.EntityID)
		return r.sync.store.MarkEntityStaleTx(ctx, tx, ent.EntityType, ent.EntityID)
	}
	telemetry.ReconcileCounter.Inc()
	return r.sync.store.DeleteEntityTx(ctx, tx, ent.EntityType, ent.EntityID)
}

// protectedFields collects the field names touched by optimistic mutations of
// entries still pending or in flight for the entity. excludeEntry skips one
// entry, used when that entry's own confirmation is the server write being
// applied.
func (s *Sync) protectedFields(ctx context.Context, entityType, entityID, excludeEntry string) (map[string]struct{}, error) {
	entries, err := s.store.PendingForEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	protected := make(map[string]struct{})
	for _, entry := range entries {
		if entry.EntryID == excludeEntry {
			continue
		}
		payload, err := entry.DecodePayload()
		if err != nil {
			logrus.Errorf("failed to decode payload of pending entry %s: %v", entry.EntryID, err)
			continue
		}
		for key := range payload.OptimisticMutation() {
			protected[key] = struct{}{}
		}
	}
	return protected, nil
}

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
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/verdantlabs/growsync/internal/syncerror"
	"github.com/verdantlabs/growsync/model"
)

// Observation streams re-emit a full snapshot of the matching row set after
// every committed write. Emissions are push-only; a slow consumer keeps only
// the latest snapshot, the writer is never blocked.

type outboxObserver struct {
	ch chan []model.EntryView
}

type entityObserver struct {
	ch         chan []*model.CachedEntity
	entityType string
}

type observerRegistry struct {
	mu       sync.Mutex
	nextID   int
	outbox   map[int]*outboxObserver
	entities map[int]*entityObserver
	closed   bool
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{
		outbox:   make(map[int]*outboxObserver),
		entities: make(map[int]*entityObserver),
	}
}

func (r *observerRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, o := range r.outbox {
		close(o.ch)
	}
	for _, o := range r.entities {
		close(o.ch)
	}
	r.outbox = map[int]*outboxObserver{}
	r.entities = map[int]*entityObserver{}
}

// ObserveOutbox registers a live view over outbox entry status. The returned
// cancel function must be called when the consumer is done. The current
// snapshot is emitted immediately.
func (s *Store) ObserveOutbox(ctx context.Context) (<-chan []model.EntryView, func(), error) {
	s.observers.mu.Lock()
	if s.observers.closed {
		s.observers.mu.Unlock()
		return nil, nil, syncerror.New(syncerror.ErrStorage, "Store is closed", nil)
	}
	id := s.observers.nextID
	s.observers.nextID++
	obs := &outboxObserver{ch: make(chan []model.EntryView, 1)}
	s.observers.outbox[id] = obs
	s.observers.mu.Unlock()

	cancel := func() {
		s.observers.mu.Lock()
		defer s.observers.mu.Unlock()
		if o, ok := s.observers.outbox[id]; ok {
			delete(s.observers.outbox, id)
			close(o.ch)
		}
	}

	snap, err := s.outboxSnapshot(ctx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	obs.ch <- snap
	return obs.ch, cancel, nil
}

// ObserveEntities registers a live view over the cached rows of one entity
// type.
func (s *Store) ObserveEntities(ctx context.Context, entityType string) (<-chan []*model.CachedEntity, func(), error) {
	s.observers.mu.Lock()
	if s.observers.closed {
		s.observers.mu.Unlock()
		return nil, nil, syncerror.New(syncerror.ErrStorage, "Store is closed", nil)
	}
	id := s.observers.nextID
	s.observers.nextID++
	obs := &entityObserver{ch: make(chan []*model.CachedEntity, 1), entityType: entityType}
	s.observers.entities[id] = obs
	s.observers.mu.Unlock()

	cancel := func() {
		s.observers.mu.Lock()
		defer s.observers.mu.Unlock()
		if o, ok := s.observers.entities[id]; ok {
			delete(s.observers.entities, id)
			close(o.ch)
		}
	}

	snap, err := s.ListEntities(ctx, entityType)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	obs.ch <- snap
	return obs.ch, cancel, nil
}

func (s *Store) outboxSnapshot(ctx context.Context) ([]model.EntryView, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]model.EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, e.View())
	}
	return views, nil
}

// notifyObservers re-queries and emits snapshots after a committed write.
func (s *Store) notifyObservers(ctx context.Context) {
	s.observers.mu.Lock()
	defer s.observers.mu.Unlock()
	if s.observers.closed {
		return
	}

	if len(s.observers.outbox) > 0 {
		snap, err := s.outboxSnapshot(ctx)
		if err != nil {
			logrus.Errorf("outbox observation snapshot failed: %v", err)
		} else {
			for _, o := range s.observers.outbox {
				emitLatest(o.ch, snap)
			}
		}
	}

	for _, o := range s.observers.entities {
		snap, err := s.ListEntities(ctx, o.entityType)
		if err != nil {
			logrus.Errorf("entity observation snapshot failed: %v", err)
			continue
		}
		emitLatest(o.ch, snap)
	}
}

// emitLatest delivers the snapshot without blocking: if the consumer has not
// drained the previous one, it is replaced.
func emitLatest[T any](ch chan T, snap T) {
	select {
	case ch <- snap:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

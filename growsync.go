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

// Package growsync is an offline-first outbox synchronization engine.
// Mutating user actions are durably queued in an embedded local store,
// delivered to the remote API exactly-once from the server's point of view,
// and reconciled against server push events arriving concurrently.
package growsync

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/verdantlabs/growsync/config"
	streamlock "github.com/verdantlabs/growsync/internal/lock"
	"github.com/verdantlabs/growsync/model"
	"github.com/verdantlabs/growsync/store"
	"github.com/verdantlabs/growsync/transport"
)

var tracer = otel.Tracer("outbox.engine")

// Sync is the engine facade. It is constructed once at process start and
// passed by reference to everything that needs it; there is no ambient
// engine singleton.
type Sync struct {
	store     store.IStore
	transport transport.Transport
	streams   *streamlock.Registry
}

// New initializes the engine with the provided store and transport. The
// configuration must be loaded before calling New.
func New(st store.IStore, tr transport.Transport) (*Sync, error) {
	if _, err := config.Fetch(); err != nil {
		return nil, err
	}
	return &Sync{
		store:     st,
		transport: tr,
		streams:   streamlock.NewRegistry(),
	}, nil
}

// Store exposes the underlying local store for callers composing their own
// write scopes.
func (s *Sync) Store() store.IStore {
	return s.store
}

// Entries returns the read-only status projection of every live outbox
// entry, for pending/failed badges.
func (s *Sync) Entries(ctx context.Context) ([]model.EntryView, error) {
	entries, err := s.store.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]model.EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, e.View())
	}
	return views, nil
}

// ObserveOutbox returns a live stream of outbox status snapshots.
func (s *Sync) ObserveOutbox(ctx context.Context) (<-chan []model.EntryView, func(), error) {
	return s.store.ObserveOutbox(ctx)
}

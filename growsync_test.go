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
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/growsync/config"
	"github.com/verdantlabs/growsync/store"
	"github.com/verdantlabs/growsync/transport"
)

// fakeTransport plays the remote API in tests. It deduplicates by
// idempotency key the way the real server does: a key that was already
// applied returns success without a second application.
type fakeTransport struct {
	mu            sync.Mutex
	applied       map[string]int
	deliveries    []string // request paths in delivery order
	failWith      []error  // consumed one per call before any success
	applyThenFail []error  // applied server-side, then the error is returned
	resp          *transport.Response
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{applied: map[string]int{}}
}

func (f *fakeTransport) Deliver(_ context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deliveries = append(f.deliveries, req.Path)

	if len(f.failWith) > 0 {
		err := f.failWith[0]
		f.failWith = f.failWith[1:]
		return nil, err
	}

	alreadyApplied := f.applied[req.IdempotencyKey] > 0
	if !alreadyApplied {
		f.applied[req.IdempotencyKey]++
	}

	if len(f.applyThenFail) > 0 {
		err := f.applyThenFail[0]
		f.applyThenFail = f.applyThenFail[1:]
		return nil, err
	}

	if f.resp != nil {
		return f.resp, nil
	}
	return &transport.Response{StatusCode: 200}, nil
}

func (f *fakeTransport) applications(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[key]
}

func (f *fakeTransport) deliveryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

func newTestSync(t *testing.T, tr transport.Transport) (*Sync, *store.Store) {
	t.Helper()
	config.MockConfig(&config.Configuration{Remote: config.RemoteConfig{BaseURL: "http://localhost:5001"}})

	st, err := store.ConnectStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s, err := New(st, tr)
	require.NoError(t, err)
	return s, st
}

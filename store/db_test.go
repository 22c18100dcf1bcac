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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/growsync/internal/syncerror"
)

// newMockStore backs the store with a stub driver for failure paths a real
// database file cannot produce.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{Conn: db, observers: newObserverRegistry()}, mock
}

func TestGetEntryWrapsDriverError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM outbox").
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.GetEntry(context.Background(), "obx_1")
	assert.True(t, syncerror.Is(err, syncerror.ErrStorage))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingWrapsDriverError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM outbox o").
		WillReturnError(errors.New("database is locked"))

	_, err := s.ListPending(context.Background(), 10, time.Now().UTC())
	assert.True(t, syncerror.Is(err, syncerror.ErrStorage))
}

func TestWriteRollsBackOnCallbackError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.Write(context.Background(), func(tx *sql.Tx) error { return boom })
	assert.Equal(t, boom, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteWrapsCommitError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err := s.Write(context.Background(), func(tx *sql.Tx) error { return nil })
	assert.True(t, syncerror.Is(err, syncerror.ErrStorage))
}

func TestWriteWrapsBeginError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection closed"))

	err := s.Write(context.Background(), func(tx *sql.Tx) error { return nil })
	assert.True(t, syncerror.Is(err, syncerror.ErrStorage))
}

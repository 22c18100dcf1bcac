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

package model

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an outbox entry. Transitions are monotonic:
// pending -> in_flight -> {pending (requeued), failed, dead, done}. done is
// recorded by archiving the entry; dead and done entries are never mutated
// again.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusInFlight Status = "IN_FLIGHT"
	StatusFailed   Status = "FAILED"
	StatusDead     Status = "DEAD"
	StatusDone     Status = "DONE"
)

// Operation tags the remote action kind of an outbox entry. Its payload type
// is statically determined by the tag; new kinds are added by extending this
// set, never by ad hoc fields.
type Operation string

const (
	OpModerateContent      Operation = "MODERATE_CONTENT"
	OpHideContent          Operation = "HIDE_CONTENT"
	OpCreateReading        Operation = "CREATE_READING"
	OpCreateReservoirEvent Operation = "CREATE_RESERVOIR_EVENT"
	OpSyncPullAck          Operation = "SYNC_PULL_ACK"
)

// OutboxEntry is a durably queued remote mutation.
type OutboxEntry struct {
	EntryID        string          `json:"entry_id"`
	Operation      Operation       `json:"operation"`
	Payload        json.RawMessage `json:"payload"`
	ClientTxID     string          `json:"client_tx_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Stream         string          `json:"stream"`
	Entity         EntityRef       `json:"entity,omitempty"`
	Status         Status          `json:"status"`
	Retries        int             `json:"retries"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at,omitempty"`
}

// legalPredecessors maps a target status to the statuses an entry may hold
// before moving there. Violations are programming errors surfaced as
// INVALID_TRANSITION, never applied.
var legalPredecessors = map[Status][]Status{
	StatusInFlight: {StatusPending},
	StatusPending:  {StatusInFlight, StatusFailed, StatusDead},
	StatusFailed:   {StatusInFlight},
	StatusDead:     {StatusInFlight},
	StatusDone:     {StatusInFlight},
}

// LegalPredecessors returns the statuses an entry may hold before moving to
// the target status.
func LegalPredecessors(to Status) []Status {
	return legalPredecessors[to]
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range legalPredecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDead || s == StatusDone
}

// DecodePayload unmarshals the entry's raw payload into the concrete type for
// its operation tag.
func (e *OutboxEntry) DecodePayload() (Payload, error) {
	return DecodePayload(e.Operation, e.Payload)
}

// EntryView is the read-only projection of an outbox entry exposed to the UI
// layer for pending/failed badges.
type EntryView struct {
	EntryID   string    `json:"entry_id"`
	Operation Operation `json:"operation"`
	Stream    string    `json:"stream"`
	Status    Status    `json:"status"`
	Retries   int       `json:"retries"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// View projects the entry for status observation.
func (e *OutboxEntry) View() EntryView {
	return EntryView{
		EntryID:   e.EntryID,
		Operation: e.Operation,
		Stream:    e.Stream,
		Status:    e.Status,
		Retries:   e.Retries,
		LastError: e.LastError,
		CreatedAt: e.CreatedAt,
	}
}

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
	"fmt"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// EntityRef identifies the cached entity a queued operation mutates.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Payload is the operation-specific data of an outbox entry. Each operation
// tag has exactly one payload type; the payload is sufficient to reconstruct
// the remote request deterministically.
type Payload interface {
	// Validate checks the payload at the enqueue boundary, before anything
	// is durably written.
	Validate() error
	// StreamKey names the logical stream the operation belongs to. Entries
	// sharing a stream are delivered in creation order, one at a time.
	StreamKey() string
	// EntityRef is the cached entity this operation optimistically mutates,
	// or a zero ref if it touches none.
	EntityRef() EntityRef
	// OptimisticMutation returns the cached-entity fields this operation
	// changes locally before server confirmation, keyed by field name.
	// Incoming pushes must not overwrite these while the entry is
	// unresolved; the engine applies them as the optimistic local effect.
	OptimisticMutation() map[string]interface{}
	// RequestPath and RequestMethod describe the remote call.
	RequestPath() string
	RequestMethod() string
}

// ModerateContentPayload records a moderation decision on reported content.
type ModerateContentPayload struct {
	ReportID    string `json:"report_id"`
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason,omitempty"`
	ModeratorID string `json:"moderator_id"`
}

func (p ModerateContentPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ReportID, validation.Required),
		validation.Field(&p.ContentType, validation.Required),
		validation.Field(&p.ContentID, validation.Required),
		validation.Field(&p.Decision, validation.Required, validation.In("approve", "remove", "escalate")),
		validation.Field(&p.ModeratorID, validation.Required),
	)
}

func (p ModerateContentPayload) StreamKey() string { return "moderation" }

func (p ModerateContentPayload) EntityRef() EntityRef {
	return EntityRef{Type: p.ContentType, ID: p.ContentID}
}

func (p ModerateContentPayload) OptimisticMutation() map[string]interface{} {
	return map[string]interface{}{
		"moderation_status": p.Decision,
		"moderated_by":      p.ModeratorID,
	}
}

func (p ModerateContentPayload) RequestPath() string { return "/moderation/actions" }
func (p ModerateContentPayload) RequestMethod() string { return http.MethodPost }

// HideContentPayload hides or unhides a piece of community content for the
// acting user.
type HideContentPayload struct {
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id"`
	Hidden      bool   `json:"hidden"`
	ActorID     string `json:"actor_id"`
}

func (p HideContentPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ContentType, validation.Required, validation.In("post", "comment")),
		validation.Field(&p.ContentID, validation.Required),
		validation.Field(&p.ActorID, validation.Required),
	)
}

func (p HideContentPayload) StreamKey() string {
	return fmt.Sprintf("content:%s", p.ContentID)
}

func (p HideContentPayload) EntityRef() EntityRef {
	return EntityRef{Type: p.ContentType, ID: p.ContentID}
}

func (p HideContentPayload) OptimisticMutation() map[string]interface{} {
	return map[string]interface{}{"hidden": p.Hidden}
}

func (p HideContentPayload) RequestPath() string { return "/content/visibility" }
func (p HideContentPayload) RequestMethod() string { return http.MethodPost }

// ReadingPayload logs a nutrient measurement taken from a reservoir.
type ReadingPayload struct {
	ReadingID    string          `json:"reading_id"`
	ReservoirID  string          `json:"reservoir_id"`
	EC           decimal.Decimal `json:"ec"`
	PH           decimal.Decimal `json:"ph"`
	TemperatureC decimal.Decimal `json:"temperature_c"`
	TakenAt      time.Time       `json:"taken_at"`
}

func (p ReadingPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ReadingID, validation.Required),
		validation.Field(&p.ReservoirID, validation.Required),
		validation.Field(&p.TakenAt, validation.Required),
		validation.Field(&p.PH, validation.By(phInRange)),
	)
}

func phInRange(value interface{}) error {
	ph, ok := value.(decimal.Decimal)
	if !ok {
		return fmt.Errorf("ph must be a decimal")
	}
	if ph.IsNegative() || ph.GreaterThan(decimal.NewFromInt(14)) {
		return fmt.Errorf("ph must be between 0 and 14")
	}
	return nil
}

func (p ReadingPayload) StreamKey() string {
	return fmt.Sprintf("readings:%s", p.ReservoirID)
}

func (p ReadingPayload) EntityRef() EntityRef {
	return EntityRef{Type: "reading", ID: p.ReadingID}
}

func (p ReadingPayload) OptimisticMutation() map[string]interface{} {
	return map[string]interface{}{
		"reservoir_id":  p.ReservoirID,
		"ec":            p.EC,
		"ph":            p.PH,
		"temperature_c": p.TemperatureC,
		"taken_at":      p.TakenAt,
	}
}

func (p ReadingPayload) RequestPath() string { return "/readings" }
func (p ReadingPayload) RequestMethod() string { return http.MethodPost }

// ReservoirEventPayload records a reservoir change (top-up, drain, dose).
type ReservoirEventPayload struct {
	EventID      string          `json:"event_id"`
	ReservoirID  string          `json:"reservoir_id"`
	EventType    string          `json:"event_type"`
	VolumeLiters decimal.Decimal `json:"volume_liters"`
	Note         string          `json:"note,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

func (p ReservoirEventPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.EventID, validation.Required),
		validation.Field(&p.ReservoirID, validation.Required),
		validation.Field(&p.EventType, validation.Required, validation.In("top_up", "drain", "dose", "refill")),
		validation.Field(&p.OccurredAt, validation.Required),
	)
}

func (p ReservoirEventPayload) StreamKey() string {
	return fmt.Sprintf("reservoir:%s", p.ReservoirID)
}

func (p ReservoirEventPayload) EntityRef() EntityRef {
	return EntityRef{Type: "reservoir_event", ID: p.EventID}
}

func (p ReservoirEventPayload) OptimisticMutation() map[string]interface{} {
	return map[string]interface{}{
		"reservoir_id":  p.ReservoirID,
		"event_type":    p.EventType,
		"volume_liters": p.VolumeLiters,
		"note":          p.Note,
		"occurred_at":   p.OccurredAt,
	}
}

func (p ReservoirEventPayload) RequestPath() string { return "/reservoir-events" }
func (p ReservoirEventPayload) RequestMethod() string { return http.MethodPost }

// PullAckPayload acknowledges a sync pull cursor to the server so it can
// prune its per-client change journal.
type PullAckPayload struct {
	Cursor string `json:"cursor"`
}

func (p PullAckPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Cursor, validation.Required),
	)
}

func (p PullAckPayload) StreamKey() string { return "sync" }
func (p PullAckPayload) EntityRef() EntityRef { return EntityRef{} }
func (p PullAckPayload) OptimisticMutation() map[string]interface{} { return nil }
func (p PullAckPayload) RequestPath() string { return "/sync/ack" }
func (p PullAckPayload) RequestMethod() string { return http.MethodPost }

// OperationOf returns the operation tag a payload type belongs to.
func OperationOf(p Payload) (Operation, error) {
	switch p.(type) {
	case ModerateContentPayload, *ModerateContentPayload:
		return OpModerateContent, nil
	case HideContentPayload, *HideContentPayload:
		return OpHideContent, nil
	case ReadingPayload, *ReadingPayload:
		return OpCreateReading, nil
	case ReservoirEventPayload, *ReservoirEventPayload:
		return OpCreateReservoirEvent, nil
	case PullAckPayload, *PullAckPayload:
		return OpSyncPullAck, nil
	default:
		return "", fmt.Errorf("unregistered payload type %T", p)
	}
}

// DecodePayload unmarshals raw payload data into the concrete type for the
// given operation tag. Unknown tags fail here, at the boundary, never at
// delivery time.
func DecodePayload(op Operation, raw json.RawMessage) (Payload, error) {
	switch op {
	case OpModerateContent:
		var p ModerateContentPayload
		return p, json.Unmarshal(raw, &p)
	case OpHideContent:
		var p HideContentPayload
		return p, json.Unmarshal(raw, &p)
	case OpCreateReading:
		var p ReadingPayload
		return p, json.Unmarshal(raw, &p)
	case OpCreateReservoirEvent:
		var p ReservoirEventPayload
		return p, json.Unmarshal(raw, &p)
	case OpSyncPullAck:
		var p PullAckPayload
		return p, json.Unmarshal(raw, &p)
	default:
		return nil, fmt.Errorf("unknown operation: %s", op)
	}
}

// Package envelope parses and normalizes incoming event envelopes.
//
// The validator enforces the required shape (non-empty text, known actor
// type, non-negative hop count), applies defaults for optional fields, and
// assigns server-side identity: a fresh eventId when the client did not
// supply one, and createdAt from the router's clock regardless of what the
// client sent.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crea8r/context-router/pkg/models"
)

// ValidationError reports why a body failed envelope validation, with
// per-field diagnostics. Surfaced to clients as HTTP 400.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return "invalid envelope: " + strings.Join(parts, "; ")
}

// rawEnvelope mirrors models.Envelope but keeps numeric fields as pointers
// so "absent" and "zero" can be told apart during validation.
type rawEnvelope struct {
	EventID          string        `json:"eventId"`
	TraceID          string        `json:"traceId"`
	SessionKey       string        `json:"sessionKey"`
	Source           models.Source `json:"source"`
	OriginActorType  string        `json:"originActorType"`
	OriginActorID    string        `json:"originActorId"`
	Text             string        `json:"text"`
	HopCount         *int          `json:"hopCount"`
	SeenAgents       []string      `json:"seenAgents"`
	EmittedByAgentID string        `json:"emittedByAgentId"`
	EmittedEventID   string        `json:"emittedEventId"`
}

// Parse decodes a JSON body into a normalized envelope. On success the
// returned envelope has eventId and createdAt assigned and all defaults
// applied. On failure it returns a *ValidationError.
func Parse(body []byte) (*models.Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ValidationError{Fields: map[string]string{
			"body": fmt.Sprintf("malformed JSON: %v", err),
		}}
	}

	fields := map[string]string{}
	if strings.TrimSpace(raw.TraceID) == "" {
		fields["traceId"] = "required"
	}
	if strings.TrimSpace(raw.SessionKey) == "" {
		fields["sessionKey"] = "required"
	}
	if raw.Text == "" {
		fields["text"] = "must be a non-empty string"
	}
	actorType := models.ActorType(raw.OriginActorType)
	if raw.OriginActorType == "" {
		fields["originActorType"] = "required"
	} else if !actorType.Valid() {
		fields["originActorType"] = fmt.Sprintf("must be one of human, agent, system (got %q)", raw.OriginActorType)
	}
	if strings.TrimSpace(raw.OriginActorID) == "" {
		fields["originActorId"] = "required"
	}
	hopCount := 0
	if raw.HopCount != nil {
		if *raw.HopCount < 0 {
			fields["hopCount"] = "must be a non-negative integer"
		} else {
			hopCount = *raw.HopCount
		}
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	evt := &models.Envelope{
		EventID:          raw.EventID,
		TraceID:          raw.TraceID,
		SessionKey:       raw.SessionKey,
		Source:           raw.Source,
		OriginActorType:  actorType,
		OriginActorID:    raw.OriginActorID,
		Text:             raw.Text,
		HopCount:         hopCount,
		SeenAgents:       raw.SeenAgents,
		EmittedByAgentID: raw.EmittedByAgentID,
		EmittedEventID:   raw.EmittedEventID,
	}
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}
	if evt.SeenAgents == nil {
		evt.SeenAgents = []string{}
	}
	evt.CreatedAt = time.Now().UnixMilli()
	return evt, nil
}

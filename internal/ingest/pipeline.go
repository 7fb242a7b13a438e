// Package ingest orchestrates the publish pipeline: validate → authorize →
// echo-check → classify → (maybe delay) → append → fan-out.
package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/crea8r/context-router/internal/audit"
	"github.com/crea8r/context-router/internal/delivery"
	"github.com/crea8r/context-router/internal/envelope"
	"github.com/crea8r/context-router/internal/loopguard"
	"github.com/crea8r/context-router/internal/session"
	"github.com/crea8r/context-router/internal/whitelist"
	"github.com/crea8r/context-router/pkg/models"
)

var tracer = otel.Tracer("context-router/ingest")

// loopWarningSuffix is appended to the outbound text of warn-class events.
// The exact format (two newlines, bracketed tag, confidence to two decimals)
// is part of the wire contract.
const loopWarningSuffix = "\n\n[LOOP_GUARD_NOTE] Possible error loop detected (confidence=%.2f). Please evaluate and stop if erroneous."

// PublishResponse is the body returned for an accepted publish.
type PublishResponse struct {
	Accepted bool            `json:"accepted"`
	Delayed  bool            `json:"delayed"`
	DelayMs  int64           `json:"delayMs"`
	Decision models.Decision `json:"decision"`
}

// RejectResponse is the body returned when a publish is not admitted.
type RejectResponse struct {
	Accepted bool              `json:"accepted"`
	Stopped  bool              `json:"stopped,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Decision *models.Decision  `json:"decision,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Pipeline wires the publish path together.
type Pipeline struct {
	sessions  *session.Store
	whitelist *whitelist.Whitelist
	guard     *loopguard.Guard
	engine    *delivery.Engine
	sink      audit.Sink
}

// New creates a publish pipeline.
func New(sessions *session.Store, wl *whitelist.Whitelist, guard *loopguard.Guard, engine *delivery.Engine, sink audit.Sink) *Pipeline {
	return &Pipeline{
		sessions:  sessions,
		whitelist: wl,
		guard:     guard,
		engine:    engine,
		sink:      sink,
	}
}

// Publish runs the ingest pipeline on a raw request body and returns the
// HTTP status and response body. The response never waits on deliveries:
// the append + fan-out closure runs inline for clean events and on a timer
// for delayed ones.
func (p *Pipeline) Publish(ctx context.Context, body []byte) (int, any) {
	ctx, span := tracer.Start(ctx, "ingest.publish")
	defer span.End()

	evt, err := envelope.Parse(body)
	if err != nil {
		verr, ok := err.(*envelope.ValidationError)
		if !ok {
			return http.StatusBadRequest, RejectResponse{Reason: err.Error()}
		}
		return http.StatusBadRequest, RejectResponse{
			Reason: "invalid envelope",
			Fields: verr.Fields,
		}
	}
	span.SetAttributes(
		attribute.String("router.event_id", evt.EventID),
		attribute.String("router.session_key", evt.SessionKey),
		attribute.String("router.trace_id", evt.TraceID),
	)

	if evt.OriginActorType == models.ActorAgent && !p.whitelist.CanAccess(evt.OriginActorID, evt.SessionKey) {
		log.Warn().
			Str("agent", evt.OriginActorID).
			Str("session", evt.SessionKey).
			Msg("Publish rejected: agent not approved for session")
		return http.StatusForbidden, RejectResponse{
			Reason: "agent not approved for this session",
		}
	}

	if evt.EmittedEventID != "" && !p.whitelist.MarkEmitted(evt.EmittedEventID) {
		log.Info().
			Str("emitted", evt.EmittedEventID).
			Str("agent", evt.OriginActorID).
			Msg("Publish rejected: duplicate emittedEventId")
		return http.StatusOK, RejectResponse{
			Reason: "self-echo duplicate emittedEventId blocked",
		}
	}

	delay, decision := p.guard.Classify(evt)
	action := actionFor(decision)

	if err := p.sink.RecordDecision(ctx, evt, decision, action); err != nil {
		log.Error().Err(err).Str("event", evt.EventID).Msg("Failed to audit loop decision")
	}

	if action == models.LoopActionStop {
		log.Warn().
			Str("event", evt.EventID).
			Str("trace", evt.TraceID).
			Float64("confidence", decision.Confidence).
			Msg("Publish stopped by loop guard")
		return http.StatusOK, RejectResponse{
			Stopped:  true,
			Decision: &decision,
		}
	}

	outbound := *evt
	if action == models.LoopActionWarn {
		outbound.Text = evt.Text + fmt.Sprintf(loopWarningSuffix, decision.Confidence)
	}

	run := func() { p.admit(&outbound) }
	if delay > 0 {
		time.AfterFunc(delay, run)
	} else {
		run()
	}

	return http.StatusOK, PublishResponse{
		Accepted: true,
		Delayed:  delay > 0,
		DelayMs:  delay.Milliseconds(),
		Decision: decision,
	}
}

// admit appends the event and fans it out. A duplicate eventId stops here:
// the dedupe set already admitted an event with the same id once.
func (p *Pipeline) admit(evt *models.Envelope) {
	if !p.sessions.Append(evt) {
		log.Info().Str("event", evt.EventID).Msg("Duplicate eventId, append suppressed")
		return
	}
	if err := p.sink.RecordEvent(context.Background(), evt); err != nil {
		log.Error().Err(err).Str("event", evt.EventID).Msg("Failed to audit event")
	}

	recipients := p.whitelist.RecipientsFor(evt.SessionKey)
	log.Info().
		Str("event", evt.EventID).
		Str("session", evt.SessionKey).
		Int("recipients", len(recipients)).
		Msg("Event appended, fanning out")
	p.engine.FanOut(evt, recipients)
}

// actionFor maps a decision's confidence onto the stop/warn/normal policy.
func actionFor(d models.Decision) models.LoopAction {
	switch {
	case d.IsErrorLoop && d.Confidence >= 0.95:
		return models.LoopActionStop
	case d.IsErrorLoop && d.Confidence > 0.7 && d.Confidence < 0.95:
		return models.LoopActionWarn
	default:
		return models.LoopActionNormal
	}
}

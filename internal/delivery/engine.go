// Package delivery pushes accepted events to approved agents via signed
// HTTP callbacks with exponential-backoff retries.
//
// Each (event, recipient) pair gets one delivery job with a stable
// deliveryId. A job performs at most one in-flight attempt at a time; a
// failed attempt audits a retry record and schedules the next attempt on a
// timer rather than sleeping. Jobs for different recipients run
// independently and may overlap. Publishers never wait on deliveries.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/crea8r/context-router/internal/audit"
	"github.com/crea8r/context-router/pkg/models"
)

var tracer = otel.Tracer("context-router/delivery")

// Config carries the engine's retry tunables.
type Config struct {
	MaxRetries  int
	BaseDelayMs int
	// RequestTimeout bounds each callback attempt. Zero means 30s.
	RequestTimeout time.Duration
}

// Engine fans out events to recipients.
type Engine struct {
	sink   audit.Sink
	client *http.Client
	cfg    Config
}

// NewEngine creates a delivery engine writing attempt records to sink.
func NewEngine(sink audit.Sink, cfg Config) *Engine {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		sink:   sink,
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
	}
}

// FanOut schedules one delivery job per recipient and returns immediately.
// Recipients matching the event's own agent origin are skipped so an agent
// never receives its own event back in the same hop.
func (e *Engine) FanOut(evt *models.Envelope, recipients []*models.Registration) {
	for _, reg := range recipients {
		if evt.OriginActorType == models.ActorAgent && evt.OriginActorID == reg.AgentID {
			log.Debug().
				Str("agent", reg.AgentID).
				Str("event", evt.EventID).
				Msg("Skipping self-delivery")
			continue
		}
		job, err := e.newJob(evt, reg)
		if err != nil {
			log.Error().Err(err).Str("agent", reg.AgentID).Str("event", evt.EventID).
				Msg("Failed to build delivery job")
			continue
		}
		go job.run(1)
	}
}

// job is one recipient's delivery of one event. The payload is serialized
// once so the HMAC signature covers the exact bytes of every attempt.
type job struct {
	engine      *Engine
	deliveryID  string
	eventID     string
	sessionKey  string
	agentID     string
	callbackURL string
	secret      string
	payload     []byte
}

func (e *Engine) newJob(evt *models.Envelope, reg *models.Registration) (*job, error) {
	deliveryID := uuid.New().String()
	payload, err := json.Marshal(models.CallbackPayload{
		Type:        "router.event",
		DeliveryID:  deliveryID,
		DeliveredAt: time.Now().UnixMilli(),
		Event:       evt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal callback payload: %w", err)
	}
	return &job{
		engine:      e,
		deliveryID:  deliveryID,
		eventID:     evt.EventID,
		sessionKey:  evt.SessionKey,
		agentID:     reg.AgentID,
		callbackURL: reg.CallbackURL,
		secret:      reg.CallbackSecret,
		payload:     payload,
	}, nil
}

// run performs one attempt and either finishes or schedules the next one.
func (j *job) run(attempt int) {
	err := j.post(attempt)
	if err == nil {
		j.audit(models.DeliverySuccess, attempt, "")
		log.Info().
			Str("agent", j.agentID).
			Str("event", j.eventID).
			Int("attempt", attempt).
			Msg("Callback delivered")
		return
	}

	if attempt >= j.engine.cfg.MaxRetries {
		j.audit(models.DeliveryFailed, attempt, err.Error())
		log.Warn().Err(err).
			Str("agent", j.agentID).
			Str("event", j.eventID).
			Int("attempt", attempt).
			Msg("Callback failed, retry budget exhausted")
		return
	}

	j.audit(models.DeliveryRetry, attempt, err.Error())
	backoff := time.Duration(j.engine.cfg.BaseDelayMs) * time.Millisecond << (attempt - 1)
	log.Debug().Err(err).
		Str("agent", j.agentID).
		Str("event", j.eventID).
		Int("attempt", attempt).
		Dur("backoff", backoff).
		Msg("Callback failed, retrying")
	time.AfterFunc(backoff, func() { j.run(attempt + 1) })
}

// post sends one callback attempt. Any non-2xx status or transport error
// (including timeout) is a failure.
func (j *job) post(attempt int) error {
	ctx, span := tracer.Start(context.Background(), "delivery.attempt")
	span.SetAttributes(
		attribute.String("router.event_id", j.eventID),
		attribute.String("router.target_agent", j.agentID),
		attribute.Int("router.attempt", attempt),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.callbackURL, bytes.NewReader(j.payload))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Router-Agent-Id", j.agentID)
	req.Header.Set("X-Router-Event-Id", j.eventID)
	req.Header.Set("X-Router-Attempt", strconv.Itoa(attempt))
	if j.secret != "" {
		mac := hmac.New(sha256.New, []byte(j.secret))
		mac.Write(j.payload)
		req.Header.Set("X-Router-Signature", hex.EncodeToString(mac.Sum(nil)))
		req.Header.Set("X-Router-Signature-Alg", "hmac-sha256")
	}

	resp, err := j.engine.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback HTTP %d from %s", resp.StatusCode, j.callbackURL)
	}
	return nil
}

func (j *job) audit(status models.DeliveryStatus, attempt int, errMsg string) {
	rec := &models.DeliveryRecord{
		DeliveryID:    j.deliveryID,
		EventID:       j.eventID,
		SessionKey:    j.sessionKey,
		TargetAgentID: j.agentID,
		Status:        status,
		Attempt:       attempt,
		Error:         errMsg,
		CreatedAt:     time.Now().UTC(),
	}
	if err := j.engine.sink.RecordDelivery(context.Background(), rec); err != nil {
		log.Error().Err(err).Str("delivery", j.deliveryID).Msg("Failed to audit delivery attempt")
	}
}

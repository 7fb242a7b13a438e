// Package audit provides the append-only durable log of router activity.
//
// Three streams are recorded: accepted events, loop-guard decisions, and
// delivery attempts. The admin reporting routes read aggregates back out.
// All inserts are idempotent under retry.
package audit

import (
	"context"
	"time"

	"github.com/crea8r/context-router/pkg/models"
)

// EventRecord is one accepted event as persisted to the audit log.
type EventRecord struct {
	EventID         string `json:"eventId" db:"event_id"`
	TraceID         string `json:"traceId" db:"trace_id"`
	SessionKey      string `json:"sessionKey" db:"session_key"`
	OriginActorType string `json:"originActorType" db:"origin_actor_type"`
	OriginActorID   string `json:"originActorId" db:"origin_actor_id"`
	Text            string `json:"text" db:"text"`
	CreatedAt       int64  `json:"createdAt" db:"created_at"`
}

// DecisionRecord is one loop-guard decision with the policy action the
// ingest pipeline derived from it.
type DecisionRecord struct {
	EventID     string  `json:"eventId" db:"event_id"`
	TraceID     string  `json:"traceId" db:"trace_id"`
	SessionKey  string  `json:"sessionKey" db:"session_key"`
	IsErrorLoop bool    `json:"isErrorLoop" db:"is_error_loop"`
	Reason      string  `json:"reason" db:"reason"`
	Confidence  float64 `json:"confidence" db:"confidence"`
	Action      string  `json:"action" db:"action"`
	CreatedAt   int64   `json:"createdAt" db:"created_at"`
}

// Metrics is the aggregate view served by /admin/api/metrics.
type Metrics struct {
	Events             int64            `json:"events"`
	DecisionsByAction  map[string]int64 `json:"decisionsByAction"`
	DeliveriesByStatus map[string]int64 `json:"deliveriesByStatus"`
}

// SessionSummary is one row of the per-session rollup.
type SessionSummary struct {
	SessionKey   string `json:"sessionKey" db:"session_key"`
	EventCount   int64  `json:"eventCount" db:"event_count"`
	LastActivity int64  `json:"lastActivity" db:"last_activity"`
}

// Sink is the audit log interface the router writes through. The concrete
// medium is owned exclusively by the sink.
type Sink interface {
	RecordEvent(ctx context.Context, evt *models.Envelope) error
	RecordDecision(ctx context.Context, evt *models.Envelope, decision models.Decision, action models.LoopAction) error
	RecordDelivery(ctx context.Context, rec *models.DeliveryRecord) error

	Metrics(ctx context.Context) (*Metrics, error)
	SessionRollup(ctx context.Context) ([]SessionSummary, error)
	RecentLoops(ctx context.Context, limit int) ([]DecisionRecord, error)
	RecentDeliveries(ctx context.Context, limit int) ([]models.DeliveryRecord, error)

	Close() error
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

func fromMilli(ms int64) time.Time {
	return time.UnixMilli(ms)
}

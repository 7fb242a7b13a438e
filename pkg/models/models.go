// Package models defines the shared domain types for the context router:
// the event envelope routed between agents, agent registrations and their
// session grants, loop-guard decisions, and delivery audit records.
package models

import "time"

// ── Event Envelope ───────────────────────────────────────────

// ActorType identifies who produced an event.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Valid reports whether the actor type is one of the known values.
func (a ActorType) Valid() bool {
	switch a {
	case ActorHuman, ActorAgent, ActorSystem:
		return true
	}
	return false
}

// Source records where an event originally came from (channel provenance).
type Source struct {
	Channel   string `json:"channel,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// Envelope is the unit of routing. Once appended to a session it is
// immutable. EventID is globally unique for the lifetime of the process;
// CreatedAt is assigned by the router and never trusted from the client.
type Envelope struct {
	EventID          string    `json:"eventId"`
	TraceID          string    `json:"traceId"`
	SessionKey       string    `json:"sessionKey"`
	Source           Source    `json:"source"`
	OriginActorType  ActorType `json:"originActorType"`
	OriginActorID    string    `json:"originActorId"`
	Text             string    `json:"text"`
	HopCount         int       `json:"hopCount"`
	SeenAgents       []string  `json:"seenAgents"`
	EmittedByAgentID string    `json:"emittedByAgentId,omitempty"`
	EmittedEventID   string    `json:"emittedEventId,omitempty"`
	CreatedAt        int64     `json:"createdAt"` // epoch milliseconds
}

// CreatedTime returns CreatedAt as a time.Time.
func (e *Envelope) CreatedTime() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// ── Agent Registration ───────────────────────────────────────

// RegistrationStatus is the lifecycle state of an agent registration.
type RegistrationStatus string

const (
	RegistrationPending  RegistrationStatus = "pending"
	RegistrationApproved RegistrationStatus = "approved"
	RegistrationRejected RegistrationStatus = "rejected"
)

// Registration is an agent's request to join the router. Created pending,
// then approved (with explicit session grants) or rejected by an admin.
type Registration struct {
	AgentID              string             `json:"agentId"`
	DisplayName          string             `json:"displayName,omitempty"`
	CallbackURL          string             `json:"callbackUrl"`
	CallbackSecret       string             `json:"callbackSecret,omitempty"`
	RequestedSessionKeys []string           `json:"requestedSessionKeys"`
	Status               RegistrationStatus `json:"status"`
	RegisteredAt         time.Time          `json:"registeredAt"`
}

// ── Loop Guard Decision ──────────────────────────────────────

// Decision is the loop guard's verdict on a candidate event.
type Decision struct {
	IsErrorLoop bool    `json:"isErrorLoop"`
	Reason      string  `json:"reason"`
	Confidence  float64 `json:"confidence"`
}

// LoopAction is the policy outcome the ingest pipeline derives from a
// Decision: stop (reject), warn (annotate + proceed), or normal.
type LoopAction string

const (
	LoopActionStop   LoopAction = "stop"
	LoopActionWarn   LoopAction = "warn"
	LoopActionNormal LoopAction = "normal"
)

// ── Delivery Record ──────────────────────────────────────────

// DeliveryStatus is the outcome of a single callback attempt.
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryRetry   DeliveryStatus = "retry"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryRecord is the audit trail of one callback attempt. Retries of the
// same (event, recipient) pair share DeliveryID and increment Attempt.
type DeliveryRecord struct {
	DeliveryID    string         `json:"deliveryId"`
	EventID       string         `json:"eventId"`
	SessionKey    string         `json:"sessionKey"`
	TargetAgentID string         `json:"targetAgentId"`
	Status        DeliveryStatus `json:"status"`
	Attempt       int            `json:"attempt"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// CallbackPayload is the body POSTed to an agent's callback URL.
type CallbackPayload struct {
	Type        string    `json:"type"` // always "router.event"
	DeliveryID  string    `json:"deliveryId"`
	DeliveredAt int64     `json:"deliveredAt"` // epoch milliseconds
	Event       *Envelope `json:"event"`
}

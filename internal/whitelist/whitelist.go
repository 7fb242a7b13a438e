// Package whitelist tracks agent registrations, their approval lifecycle,
// and per-agent session grants. It also owns the bounded set of
// agent-emitted event ids used to suppress self-echo duplicates.
package whitelist

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crea8r/context-router/pkg/models"
)

// minSecretLen is the minimum length for a callback secret when one is set.
const minSecretLen = 8

// emittedRetention is how long emitted event ids are guaranteed to be
// remembered. It matches the loop guard's trailing window, which is the
// minimum recall horizon the router promises.
const emittedRetention = 60 * time.Second

// emittedSweepThreshold is the set size above which expired emitted ids are
// swept out on insert.
const emittedSweepThreshold = 10_000

// ErrAgentNotFound is returned by Approve/Reject when no registration
// exists for the agent id. Surfaced to admins as HTTP 404.
type ErrAgentNotFound struct {
	AgentID string
}

func (e *ErrAgentNotFound) Error() string {
	return "agent not found: " + e.AgentID
}

// RegisterInput is the payload accepted from POST /agents/register.
type RegisterInput struct {
	AgentID              string   `json:"agentId"`
	DisplayName          string   `json:"displayName"`
	CallbackURL          string   `json:"callbackUrl"`
	CallbackSecret       string   `json:"callbackSecret"`
	RequestedSessionKeys []string `json:"requestedSessionKeys"`
}

// Whitelist is the thread-safe registration and grant state.
type Whitelist struct {
	mu              sync.RWMutex
	registrations   map[string]*models.Registration
	approved        map[string]struct{}
	sessionsByAgent map[string]map[string]struct{}
	emittedSeen     map[string]time.Time
}

// New creates an empty whitelist.
func New() *Whitelist {
	return &Whitelist{
		registrations:   make(map[string]*models.Registration),
		approved:        make(map[string]struct{}),
		sessionsByAgent: make(map[string]map[string]struct{}),
		emittedSeen:     make(map[string]time.Time),
	}
}

// Register upserts a pending registration. Re-registering an agent resets
// its status to pending without touching existing grants until the next
// approve/reject.
func (w *Whitelist) Register(in RegisterInput) (*models.Registration, error) {
	if strings.TrimSpace(in.AgentID) == "" {
		return nil, fmt.Errorf("agentId is required")
	}
	if strings.TrimSpace(in.CallbackURL) == "" {
		return nil, fmt.Errorf("callbackUrl is required")
	}
	if in.CallbackSecret != "" && len(in.CallbackSecret) < minSecretLen {
		return nil, fmt.Errorf("callbackSecret must be at least %d characters", minSecretLen)
	}

	reg := &models.Registration{
		AgentID:              in.AgentID,
		DisplayName:          in.DisplayName,
		CallbackURL:          in.CallbackURL,
		CallbackSecret:       in.CallbackSecret,
		RequestedSessionKeys: in.RequestedSessionKeys,
		Status:               models.RegistrationPending,
		RegisteredAt:         time.Now().UTC(),
	}
	if reg.RequestedSessionKeys == nil {
		reg.RequestedSessionKeys = []string{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.registrations[reg.AgentID] = reg
	return reg, nil
}

// Approve marks the agent approved and replaces its session grants with
// exactly sessionKeys.
func (w *Whitelist) Approve(agentID string, sessionKeys []string) (*models.Registration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	reg, ok := w.registrations[agentID]
	if !ok {
		return nil, &ErrAgentNotFound{AgentID: agentID}
	}
	reg.Status = models.RegistrationApproved
	w.approved[agentID] = struct{}{}

	grants := make(map[string]struct{}, len(sessionKeys))
	for _, key := range sessionKeys {
		grants[key] = struct{}{}
	}
	w.sessionsByAgent[agentID] = grants
	return reg, nil
}

// Reject marks the agent rejected and clears its approval and grants.
func (w *Whitelist) Reject(agentID string) (*models.Registration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	reg, ok := w.registrations[agentID]
	if !ok {
		return nil, &ErrAgentNotFound{AgentID: agentID}
	}
	reg.Status = models.RegistrationRejected
	delete(w.approved, agentID)
	delete(w.sessionsByAgent, agentID)
	return reg, nil
}

// CanAccess reports whether the agent is approved and granted the session.
func (w *Whitelist) CanAccess(agentID, sessionKey string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if _, ok := w.approved[agentID]; !ok {
		return false
	}
	grants, ok := w.sessionsByAgent[agentID]
	if !ok {
		return false
	}
	_, ok = grants[sessionKey]
	return ok
}

// RecipientsFor returns the approved registrations granted the session, in
// stable agent-id order. Registrations whose status is no longer approved
// are excluded even if stale grant membership exists.
func (w *Whitelist) RecipientsFor(sessionKey string) []*models.Registration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []*models.Registration
	for agentID := range w.approved {
		grants, ok := w.sessionsByAgent[agentID]
		if !ok {
			continue
		}
		if _, ok := grants[sessionKey]; !ok {
			continue
		}
		reg, ok := w.registrations[agentID]
		if !ok || reg.Status != models.RegistrationApproved {
			continue
		}
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Pending returns registrations awaiting review, oldest first.
func (w *Whitelist) Pending() []*models.Registration {
	return w.byStatus(models.RegistrationPending)
}

// Approved returns approved registrations, oldest first.
func (w *Whitelist) Approved() []*models.Registration {
	return w.byStatus(models.RegistrationApproved)
}

func (w *Whitelist) byStatus(status models.RegistrationStatus) []*models.Registration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []*models.Registration
	for _, reg := range w.registrations {
		if reg.Status == status {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// Grants returns a copy of the agent's granted session keys.
func (w *Whitelist) Grants(agentID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	grants := w.sessionsByAgent[agentID]
	out := make([]string, 0, len(grants))
	for key := range grants {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// MarkEmitted records an agent-emitted event id. It returns false when the
// id was already recorded, which blocks the duplicate publish. Exactly one
// concurrent caller per id observes true.
func (w *Whitelist) MarkEmitted(emittedEventID string) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.emittedSeen[emittedEventID]; dup {
		return false
	}
	if len(w.emittedSeen) >= emittedSweepThreshold {
		cutoff := now.Add(-emittedRetention)
		for id, seen := range w.emittedSeen {
			if seen.Before(cutoff) {
				delete(w.emittedSeen, id)
			}
		}
	}
	w.emittedSeen[emittedEventID] = now
	return true
}

// ApprovedCount returns the number of approved agents for the health endpoint.
func (w *Whitelist) ApprovedCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.approved)
}

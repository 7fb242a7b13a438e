// Package handlers implements the HTTP handlers for the context router:
// agent registration and admin lifecycle, event publish, the pull fallback,
// admin auth, and the reporting routes backed by the audit sink.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/crea8r/context-router/internal/admin"
	"github.com/crea8r/context-router/internal/audit"
	"github.com/crea8r/context-router/internal/ingest"
	"github.com/crea8r/context-router/internal/session"
	"github.com/crea8r/context-router/internal/whitelist"
	"github.com/crea8r/context-router/pkg/models"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Whitelist *whitelist.Whitelist
	Sessions  *session.Store
	Pipeline  *ingest.Pipeline
	Sink      audit.Sink
	Admin     *admin.Sessions
	Version   string
}

// New creates a Handlers instance with all dependencies.
func New(wl *whitelist.Whitelist, sessions *session.Store, pipeline *ingest.Pipeline, sink audit.Sink, adminSessions *admin.Sessions, version string) *Handlers {
	return &Handlers{
		Whitelist: wl,
		Sessions:  sessions,
		Pipeline:  pipeline,
		Sink:      sink,
		Admin:     adminSessions,
		Version:   version,
	}
}

// ── Agent Registration ───────────────────────────────────────

// registrationView is the registration as exposed over HTTP. The callback
// secret never leaves the process.
type registrationView struct {
	AgentID              string                    `json:"agentId"`
	DisplayName          string                    `json:"displayName,omitempty"`
	CallbackURL          string                    `json:"callbackUrl"`
	HasCallbackSecret    bool                      `json:"hasCallbackSecret"`
	RequestedSessionKeys []string                  `json:"requestedSessionKeys"`
	GrantedSessionKeys   []string                  `json:"grantedSessionKeys"`
	Status               models.RegistrationStatus `json:"status"`
	RegisteredAt         time.Time                 `json:"registeredAt"`
}

func (h *Handlers) view(reg *models.Registration) registrationView {
	return registrationView{
		AgentID:              reg.AgentID,
		DisplayName:          reg.DisplayName,
		CallbackURL:          reg.CallbackURL,
		HasCallbackSecret:    reg.CallbackSecret != "",
		RequestedSessionKeys: reg.RequestedSessionKeys,
		GrantedSessionKeys:   h.Whitelist.Grants(reg.AgentID),
		Status:               reg.Status,
		RegisteredAt:         reg.RegisteredAt,
	}
}

func (h *Handlers) views(regs []*models.Registration) []registrationView {
	out := make([]registrationView, 0, len(regs))
	for _, reg := range regs {
		out = append(out, h.view(reg))
	}
	return out
}

// RegisterAgent creates (or refreshes) a pending registration.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req whitelist.RegisterInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	reg, err := h.Whitelist.Register(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("agent", reg.AgentID).Str("callback", reg.CallbackURL).Msg("Agent registered, pending approval")
	respondJSON(w, http.StatusAccepted, h.view(reg))
}

// PendingAgents lists registrations awaiting review.
func (h *Handlers) PendingAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.views(h.Whitelist.Pending()))
}

// ApprovedAgents lists approved registrations.
func (h *Handlers) ApprovedAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.views(h.Whitelist.Approved()))
}

// ApproveAgent approves a registration and sets its session grants.
func (h *Handlers) ApproveAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID     string   `json:"agentId"`
		SessionKeys []string `json:"sessionKeys"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	reg, err := h.Whitelist.Approve(req.AgentID, req.SessionKeys)
	if err != nil {
		if _, ok := err.(*whitelist.ErrAgentNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Info().Str("agent", reg.AgentID).Strs("sessions", req.SessionKeys).Msg("Agent approved")
	respondJSON(w, http.StatusOK, h.view(reg))
}

// RejectAgent rejects a registration and clears its grants.
func (h *Handlers) RejectAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	reg, err := h.Whitelist.Reject(req.AgentID)
	if err != nil {
		if _, ok := err.(*whitelist.ErrAgentNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Info().Str("agent", reg.AgentID).Msg("Agent rejected")
	respondJSON(w, http.StatusOK, h.view(reg))
}

// ── Events ───────────────────────────────────────────────────

// PublishEvent ingests one event through the publish pipeline.
func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	status, resp := h.Pipeline.Publish(r.Context(), body)
	respondJSON(w, status, resp)
}

// SessionEvents is the pull fallback: the ordered event log of one session,
// available only to agents approved for it.
func (h *Handlers) SessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionKey := chi.URLParam(r, "sessionKey")
	agentID := r.URL.Query().Get("agentId")

	if !h.Whitelist.CanAccess(agentID, sessionKey) {
		respondError(w, http.StatusForbidden, "agent not approved for this session")
		return
	}

	events := h.Sessions.List(sessionKey)
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionKey": sessionKey,
		"events":     events,
	})
}

// Health reports liveness and small stats.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	sessions, events := h.Sessions.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.Version,
		"sessions":       sessions,
		"events":         events,
		"approvedAgents": h.Whitelist.ApprovedCount(),
	})
}

// ── Admin Auth ───────────────────────────────────────────────

// AdminLogin exchanges the shared password for a session cookie.
func (h *Handlers) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.Admin.Login(req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     admin.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

// AdminLogout revokes the current admin session.
func (h *Handlers) AdminLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(admin.CookieName); err == nil {
		h.Admin.Logout(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     admin.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	respondJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
}

// AdminSession reports whether the caller holds a live admin session.
func (h *Handlers) AdminSession(w http.ResponseWriter, r *http.Request) {
	authenticated := false
	if cookie, err := r.Cookie(admin.CookieName); err == nil {
		authenticated = h.Admin.Validate(cookie.Value)
	}
	respondJSON(w, http.StatusOK, map[string]bool{"authenticated": authenticated})
}

// ── Admin Reporting ──────────────────────────────────────────

// AdminMetrics serves audit stream totals.
func (h *Handlers) AdminMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.Sink.Metrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, metrics)
}

// AdminSessions serves the per-session event rollup.
func (h *Handlers) AdminSessions(w http.ResponseWriter, r *http.Request) {
	rollup, err := h.Sink.SessionRollup(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rollup == nil {
		rollup = []audit.SessionSummary{}
	}
	respondJSON(w, http.StatusOK, rollup)
}

// AdminLoops serves recent loop-guard decisions.
func (h *Handlers) AdminLoops(w http.ResponseWriter, r *http.Request) {
	loops, err := h.Sink.RecentLoops(r.Context(), queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if loops == nil {
		loops = []audit.DecisionRecord{}
	}
	respondJSON(w, http.StatusOK, loops)
}

// AdminDeliveries serves recent delivery attempts.
func (h *Handlers) AdminDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := h.Sink.RecentDeliveries(r.Context(), queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deliveries == nil {
		deliveries = []models.DeliveryRecord{}
	}
	respondJSON(w, http.StatusOK, deliveries)
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 50
}

// ── Response helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/crea8r/context-router/internal/audit"
	"github.com/crea8r/context-router/internal/delivery"
	"github.com/crea8r/context-router/internal/loopguard"
	"github.com/crea8r/context-router/internal/session"
	"github.com/crea8r/context-router/internal/whitelist"
	"github.com/crea8r/context-router/pkg/models"
)

type fixture struct {
	pipeline *Pipeline
	sessions *session.Store
	wl       *whitelist.Whitelist
	sink     *audit.MemorySink
}

func newFixture(t *testing.T, loop loopguard.Config) *fixture {
	t.Helper()
	sessions := session.NewStore()
	wl := whitelist.New()
	sink := audit.NewMemorySink()
	guard := loopguard.New(sessions, loop)
	engine := delivery.NewEngine(sink, delivery.Config{MaxRetries: 1, BaseDelayMs: 1})
	return &fixture{
		pipeline: New(sessions, wl, guard, engine, sink),
		sessions: sessions,
		wl:       wl,
		sink:     sink,
	}
}

func defaultLoop() loopguard.Config {
	return loopguard.Config{MaxPerMinute: 6, DefaultDelayMs: 20, BurstDelayMs: 20}
}

func (f *fixture) approve(t *testing.T, agentID string, sessionKeys ...string) {
	t.Helper()
	_, err := f.wl.Register(whitelist.RegisterInput{AgentID: agentID, CallbackURL: "http://127.0.0.1:1/cb"})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", agentID, err)
	}
	if _, err := f.wl.Approve(agentID, sessionKeys); err != nil {
		t.Fatalf("Approve(%s) error = %v", agentID, err)
	}
}

func publishBody(overrides map[string]any) []byte {
	body := map[string]any{
		"traceId":         "trace-1",
		"sessionKey":      "sess-1",
		"originActorType": "agent",
		"originActorId":   "agent-alpha",
		"text":            "hello",
	}
	for k, v := range overrides {
		body[k] = v
	}
	b, _ := json.Marshal(body)
	return b
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ─── Policy mapping ─────────────────────────────────────────

func TestActionFor(t *testing.T) {
	cases := []struct {
		isErrorLoop bool
		confidence  float64
		want        models.LoopAction
	}{
		{true, 0.95, models.LoopActionStop},
		{true, 0.99, models.LoopActionStop},
		{true, 0.94, models.LoopActionWarn},
		{true, 0.71, models.LoopActionWarn},
		{true, 0.70, models.LoopActionNormal},
		{true, 0.50, models.LoopActionNormal},
		{false, 0.99, models.LoopActionNormal},
		{false, 0.60, models.LoopActionNormal},
	}
	for _, tc := range cases {
		name := fmt.Sprintf("loop=%v conf=%.2f", tc.isErrorLoop, tc.confidence)
		t.Run(name, func(t *testing.T) {
			got := actionFor(models.Decision{IsErrorLoop: tc.isErrorLoop, Confidence: tc.confidence})
			if got != tc.want {
				t.Errorf("actionFor() = %q, want %q", got, tc.want)
			}
		})
	}
}

// ─── Validation & authorization ─────────────────────────────

func TestPublishInvalidEnvelope(t *testing.T) {
	f := newFixture(t, defaultLoop())

	status, resp := f.pipeline.Publish(context.Background(), []byte(`{"text":""}`))
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	reject, ok := resp.(RejectResponse)
	if !ok {
		t.Fatalf("response type = %T, want RejectResponse", resp)
	}
	if len(reject.Fields) == 0 {
		t.Error("RejectResponse.Fields empty, want field diagnostics")
	}
}

func TestPublishUnauthorizedAgent(t *testing.T) {
	f := newFixture(t, defaultLoop())
	f.approve(t, "agent-alpha", "sess-other")

	status, resp := f.pipeline.Publish(context.Background(), publishBody(nil))
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
	reject := resp.(RejectResponse)
	if reject.Reason != "agent not approved for this session" {
		t.Errorf("reason = %q", reject.Reason)
	}
	if got := len(f.sessions.List("sess-1")); got != 0 {
		t.Errorf("session has %d events after rejected publish, want 0", got)
	}
}

func TestPublishHumanNeedsNoApproval(t *testing.T) {
	f := newFixture(t, defaultLoop())

	status, resp := f.pipeline.Publish(context.Background(), publishBody(map[string]any{
		"originActorType": "human",
		"originActorId":   "user-7",
	}))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	accepted := resp.(PublishResponse)
	if !accepted.Accepted {
		t.Error("accepted = false for human publish, want true")
	}
	if got := len(f.sessions.List("sess-1")); got != 1 {
		t.Errorf("session has %d events, want 1", got)
	}
}

// ─── Self-echo suppression ──────────────────────────────────

func TestPublishDuplicateEmittedEventID(t *testing.T) {
	f := newFixture(t, defaultLoop())
	f.approve(t, "agent-alpha", "sess-1")

	body := publishBody(map[string]any{"emittedEventId": "emit-1"})

	status, resp := f.pipeline.Publish(context.Background(), body)
	if status != http.StatusOK || !resp.(PublishResponse).Accepted {
		t.Fatalf("first publish = (%d, %+v), want accepted", status, resp)
	}

	status, resp = f.pipeline.Publish(context.Background(), body)
	if status != http.StatusOK {
		t.Fatalf("second publish status = %d, want 200", status)
	}
	reject, ok := resp.(RejectResponse)
	if !ok {
		t.Fatalf("second publish response type = %T, want RejectResponse", resp)
	}
	if reject.Reason != "self-echo duplicate emittedEventId blocked" {
		t.Errorf("reason = %q", reject.Reason)
	}
	if got := len(f.sessions.List("sess-1")); got != 1 {
		t.Errorf("session has %d events, want 1", got)
	}
}

// ─── Duplicate eventId ──────────────────────────────────────

func TestPublishDuplicateEventID(t *testing.T) {
	f := newFixture(t, defaultLoop())
	f.approve(t, "agent-alpha", "sess-1")

	body := publishBody(map[string]any{"eventId": "evt-fixed"})
	f.pipeline.Publish(context.Background(), body)
	f.pipeline.Publish(context.Background(), body)

	if got := len(f.sessions.List("sess-1")); got != 1 {
		t.Errorf("session has %d events after duplicate eventId, want 1", got)
	}
}

// ─── Loop policy on the wire ────────────────────────────────

func TestPublishRateCapStops(t *testing.T) {
	f := newFixture(t, loopguard.Config{MaxPerMinute: 3, DefaultDelayMs: 20, BurstDelayMs: 20})
	f.approve(t, "agent-alpha", "sess-1")

	for i := 0; i < 3; i++ {
		status, resp := f.pipeline.Publish(context.Background(), publishBody(map[string]any{
			"text": fmt.Sprintf("message number %d with unique words %d", i, i),
		}))
		if status != http.StatusOK || !resp.(PublishResponse).Accepted {
			t.Fatalf("publish %d = (%d, %+v), want accepted", i, status, resp)
		}
	}

	status, resp := f.pipeline.Publish(context.Background(), publishBody(map[string]any{"text": "the fourth message"}))
	if status != http.StatusOK {
		t.Fatalf("4th publish status = %d, want 200", status)
	}
	reject, ok := resp.(RejectResponse)
	if !ok {
		t.Fatalf("4th publish response type = %T, want RejectResponse", resp)
	}
	if !reject.Stopped {
		t.Error("stopped = false, want true")
	}
	if reject.Decision == nil || reject.Decision.Confidence != 0.95 {
		t.Errorf("decision = %+v, want confidence 0.95", reject.Decision)
	}
	if got := len(f.sessions.List("sess-1")); got != 3 {
		t.Errorf("session has %d events after stop, want 3", got)
	}

	loops, _ := f.sink.RecentLoops(context.Background(), 10)
	foundStop := false
	for _, d := range loops {
		if d.Action == string(models.LoopActionStop) {
			foundStop = true
		}
	}
	if !foundStop {
		t.Error("no stop decision audited")
	}
}

func TestPublishRepetitionWarns(t *testing.T) {
	f := newFixture(t, defaultLoop())
	f.approve(t, "agent-alpha", "sess-1")

	for i := 0; i < 3; i++ {
		f.pipeline.Publish(context.Background(), publishBody(map[string]any{
			"eventId": fmt.Sprintf("rep-%d", i),
			"text":    "same repeated output",
		}))
	}

	status, resp := f.pipeline.Publish(context.Background(), publishBody(map[string]any{
		"eventId": "rep-final",
		"text":    "same repeated output",
	}))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	accepted, ok := resp.(PublishResponse)
	if !ok {
		t.Fatalf("response type = %T, want PublishResponse", resp)
	}
	if !accepted.Accepted || !accepted.Delayed {
		t.Errorf("response = %+v, want accepted and delayed", accepted)
	}
	if accepted.DelayMs != 20 {
		t.Errorf("delayMs = %d, want 20", accepted.DelayMs)
	}
	if accepted.Decision.Confidence != 0.8 {
		t.Errorf("decision.Confidence = %v, want 0.8", accepted.Decision.Confidence)
	}

	// The append happens after the configured delay.
	waitFor(t, 2*time.Second, func() bool { return len(f.sessions.List("sess-1")) == 4 })

	events := f.sessions.List("sess-1")
	last := events[len(events)-1]
	wantSuffix := "[LOOP_GUARD_NOTE] Possible error loop detected (confidence=0.80). Please evaluate and stop if erroneous."
	if !strings.HasSuffix(last.Text, wantSuffix) {
		t.Errorf("outbound text = %q, want suffix %q", last.Text, wantSuffix)
	}
	if !strings.Contains(last.Text, "same repeated output\n\n[LOOP_GUARD_NOTE]") {
		t.Errorf("warning not separated by exactly two newlines: %q", last.Text)
	}
}

func TestPublishCleanEvent(t *testing.T) {
	f := newFixture(t, defaultLoop())
	f.approve(t, "agent-alpha", "sess-1")

	status, resp := f.pipeline.Publish(context.Background(), publishBody(nil))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	accepted := resp.(PublishResponse)
	if !accepted.Accepted || accepted.Delayed || accepted.DelayMs != 0 {
		t.Errorf("response = %+v, want accepted with no delay", accepted)
	}
	if accepted.Decision.IsErrorLoop {
		t.Error("decision.IsErrorLoop = true, want false")
	}

	events := f.sessions.List("sess-1")
	if len(events) != 1 {
		t.Fatalf("session has %d events, want 1", len(events))
	}
	if strings.Contains(events[0].Text, "[LOOP_GUARD_NOTE]") {
		t.Error("clean event text carries loop warning")
	}

	metrics, _ := f.sink.Metrics(context.Background())
	if metrics.Events != 1 {
		t.Errorf("audited %d events, want 1", metrics.Events)
	}
}

package envelope_test

import (
	"testing"
	"time"

	"github.com/crea8r/context-router/internal/envelope"
	"github.com/crea8r/context-router/pkg/models"
)

func TestParseMinimal(t *testing.T) {
	body := []byte(`{
		"traceId": "trace-1",
		"sessionKey": "telegram:-100:topic-98",
		"originActorType": "human",
		"originActorId": "user-7",
		"text": "hello"
	}`)

	evt, err := envelope.Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if evt.EventID == "" {
		t.Error("EventID not assigned")
	}
	if evt.CreatedAt == 0 {
		t.Error("CreatedAt not assigned")
	}
	if drift := time.Since(time.UnixMilli(evt.CreatedAt)); drift > time.Minute || drift < -time.Minute {
		t.Errorf("CreatedAt drift = %v, want near now", drift)
	}
	if evt.HopCount != 0 {
		t.Errorf("HopCount = %d, want default 0", evt.HopCount)
	}
	if evt.SeenAgents == nil || len(evt.SeenAgents) != 0 {
		t.Errorf("SeenAgents = %v, want empty slice", evt.SeenAgents)
	}
	if evt.OriginActorType != models.ActorHuman {
		t.Errorf("OriginActorType = %q, want human", evt.OriginActorType)
	}
}

func TestParseKeepsClientEventID(t *testing.T) {
	body := []byte(`{
		"eventId": "client-chosen",
		"traceId": "trace-1",
		"sessionKey": "sess",
		"originActorType": "agent",
		"originActorId": "agent-a",
		"text": "hi"
	}`)

	evt, err := envelope.Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if evt.EventID != "client-chosen" {
		t.Errorf("EventID = %q, want client-chosen", evt.EventID)
	}
}

func TestParseIgnoresClientCreatedAt(t *testing.T) {
	body := []byte(`{
		"traceId": "trace-1",
		"sessionKey": "sess",
		"originActorType": "system",
		"originActorId": "sys",
		"text": "hi",
		"createdAt": 12345
	}`)

	evt, err := envelope.Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if evt.CreatedAt == 12345 {
		t.Error("CreatedAt taken from client, want server-assigned")
	}
}

func TestParseFieldDiagnostics(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"missing text", `{"traceId":"t","sessionKey":"s","originActorType":"human","originActorId":"u"}`, "text"},
		{"empty text", `{"traceId":"t","sessionKey":"s","originActorType":"human","originActorId":"u","text":""}`, "text"},
		{"missing traceId", `{"sessionKey":"s","originActorType":"human","originActorId":"u","text":"x"}`, "traceId"},
		{"missing sessionKey", `{"traceId":"t","originActorType":"human","originActorId":"u","text":"x"}`, "sessionKey"},
		{"bad actor type", `{"traceId":"t","sessionKey":"s","originActorType":"robot","originActorId":"u","text":"x"}`, "originActorType"},
		{"missing actor id", `{"traceId":"t","sessionKey":"s","originActorType":"human","text":"x"}`, "originActorId"},
		{"negative hopCount", `{"traceId":"t","sessionKey":"s","originActorType":"human","originActorId":"u","text":"x","hopCount":-1}`, "hopCount"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := envelope.Parse([]byte(tc.body))
			if err == nil {
				t.Fatal("Parse() error = nil, want validation error")
			}
			verr, ok := err.(*envelope.ValidationError)
			if !ok {
				t.Fatalf("Parse() error type = %T, want *ValidationError", err)
			}
			if _, present := verr.Fields[tc.field]; !present {
				t.Errorf("ValidationError.Fields missing %q: %v", tc.field, verr.Fields)
			}
		})
	}
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := envelope.Parse([]byte(`{not json`))
	if err == nil {
		t.Fatal("Parse() error = nil for malformed JSON, want error")
	}
	if _, ok := err.(*envelope.ValidationError); !ok {
		t.Errorf("Parse() error type = %T, want *ValidationError", err)
	}
}

func TestParsePreservesOptionalFields(t *testing.T) {
	body := []byte(`{
		"traceId": "trace-1",
		"sessionKey": "sess",
		"source": {"channel":"telegram","chatId":"-100","threadId":"98","messageId":"m1"},
		"originActorType": "agent",
		"originActorId": "agent-a",
		"text": "derived",
		"hopCount": 2,
		"seenAgents": ["agent-a","agent-b"],
		"emittedByAgentId": "agent-a",
		"emittedEventId": "emit-1"
	}`)

	evt, err := envelope.Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if evt.Source.Channel != "telegram" || evt.Source.MessageID != "m1" {
		t.Errorf("Source = %+v, want telegram provenance preserved", evt.Source)
	}
	if evt.HopCount != 2 {
		t.Errorf("HopCount = %d, want 2", evt.HopCount)
	}
	if len(evt.SeenAgents) != 2 {
		t.Errorf("SeenAgents = %v, want 2 entries", evt.SeenAgents)
	}
	if evt.EmittedByAgentID != "agent-a" || evt.EmittedEventID != "emit-1" {
		t.Errorf("emitted fields = (%q, %q), want (agent-a, emit-1)", evt.EmittedByAgentID, evt.EmittedEventID)
	}
}

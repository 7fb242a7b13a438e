package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/crea8r/context-router/pkg/models"
)

// MemorySink is a thread-safe in-memory Sink. It backs tests and can serve
// as a zero-configuration sink for ephemeral deployments.
type MemorySink struct {
	mu         sync.RWMutex
	events     map[string]EventRecord
	decisions  map[string]DecisionRecord
	deliveries map[deliveryKey]models.DeliveryRecord
	order      []deliveryKey
}

type deliveryKey struct {
	deliveryID string
	attempt    int
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		events:     make(map[string]EventRecord),
		decisions:  make(map[string]DecisionRecord),
		deliveries: make(map[deliveryKey]models.DeliveryRecord),
	}
}

func (s *MemorySink) Close() error { return nil }

func (s *MemorySink) RecordEvent(_ context.Context, evt *models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[evt.EventID] = EventRecord{
		EventID:         evt.EventID,
		TraceID:         evt.TraceID,
		SessionKey:      evt.SessionKey,
		OriginActorType: string(evt.OriginActorType),
		OriginActorID:   evt.OriginActorID,
		Text:            evt.Text,
		CreatedAt:       evt.CreatedAt,
	}
	return nil
}

func (s *MemorySink) RecordDecision(_ context.Context, evt *models.Envelope, decision models.Decision, action models.LoopAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[evt.EventID] = DecisionRecord{
		EventID:     evt.EventID,
		TraceID:     evt.TraceID,
		SessionKey:  evt.SessionKey,
		IsErrorLoop: decision.IsErrorLoop,
		Reason:      decision.Reason,
		Confidence:  decision.Confidence,
		Action:      string(action),
		CreatedAt:   nowMilli(),
	}
	return nil
}

func (s *MemorySink) RecordDelivery(_ context.Context, rec *models.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deliveryKey{deliveryID: rec.DeliveryID, attempt: rec.Attempt}
	if _, seen := s.deliveries[key]; !seen {
		s.order = append(s.order, key)
	}
	s.deliveries[key] = *rec
	return nil
}

func (s *MemorySink) Metrics(_ context.Context) (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &Metrics{
		Events:             int64(len(s.events)),
		DecisionsByAction:  map[string]int64{},
		DeliveriesByStatus: map[string]int64{},
	}
	for _, d := range s.decisions {
		m.DecisionsByAction[d.Action]++
	}
	for _, d := range s.deliveries {
		m.DeliveriesByStatus[string(d.Status)]++
	}
	return m, nil
}

func (s *MemorySink) SessionRollup(_ context.Context) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := map[string]*SessionSummary{}
	for _, evt := range s.events {
		sum, ok := byKey[evt.SessionKey]
		if !ok {
			sum = &SessionSummary{SessionKey: evt.SessionKey}
			byKey[evt.SessionKey] = sum
		}
		sum.EventCount++
		if evt.CreatedAt > sum.LastActivity {
			sum.LastActivity = evt.CreatedAt
		}
	}

	out := make([]SessionSummary, 0, len(byKey))
	for _, sum := range byKey {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity > out[j].LastActivity })
	return out, nil
}

func (s *MemorySink) RecentLoops(_ context.Context, limit int) ([]DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DecisionRecord, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemorySink) RecentDeliveries(_ context.Context, limit int) ([]models.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DeliveryRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.deliveries[s.order[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeliveriesFor returns audited attempts for one event in record order.
// Intended for tests and debugging.
func (s *MemorySink) DeliveriesFor(eventID string) []models.DeliveryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.DeliveryRecord
	for _, key := range s.order {
		rec := s.deliveries[key]
		if rec.EventID == eventID {
			out = append(out, rec)
		}
	}
	return out
}

var _ Sink = (*MemorySink)(nil)

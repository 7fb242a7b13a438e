// Package loopguard classifies candidate events for runaway ("error")
// loops, as distinct from intentional iterative dialogs.
//
// Two signals are checked against the candidate's trace history inside a
// 60-second sliding window, first match wins:
//  1. rate cap — too many events on one trace per minute
//  2. lexical repetition — near-identical text repeated across the tail
//
// The guard only classifies; the ingest pipeline maps the decision's
// confidence onto stop/warn/normal policy.
package loopguard

import (
	"fmt"
	"strings"
	"time"

	"github.com/crea8r/context-router/pkg/models"
)

// window is the trailing slice of trace history the guard inspects.
const window = 60 * time.Second

// repetitionTail is how many of the most recent trace events are compared
// lexically against the candidate.
const repetitionTail = 4

// similarityFloor is the Jaccard similarity at which two texts count as
// near-identical.
const similarityFloor = 0.95

// TraceHistory is the slice of the session store the guard depends on.
type TraceHistory interface {
	RecentByTrace(traceID string, within time.Duration) []*models.Envelope
}

// Config carries the guard's tunables.
type Config struct {
	MaxPerMinute   int
	DefaultDelayMs int
	BurstDelayMs   int
}

// Guard classifies events against their trace history.
type Guard struct {
	history TraceHistory
	cfg     Config
}

// New creates a guard reading history from the given store.
func New(history TraceHistory, cfg Config) *Guard {
	return &Guard{history: history, cfg: cfg}
}

// Classify returns the delay to impose before admitting the candidate and
// the loop decision. A zero delay with IsErrorLoop=false means the event is
// clean.
func (g *Guard) Classify(candidate *models.Envelope) (time.Duration, models.Decision) {
	recent := g.history.RecentByTrace(candidate.TraceID, window)

	if len(recent) >= g.cfg.MaxPerMinute {
		return time.Duration(g.cfg.BurstDelayMs) * time.Millisecond, models.Decision{
			IsErrorLoop: true,
			Reason:      fmt.Sprintf("max %d loop events per minute exceeded; delaying", g.cfg.MaxPerMinute),
			Confidence:  0.95,
		}
	}

	tail := recent
	if len(tail) > repetitionTail {
		tail = tail[len(tail)-repetitionTail:]
	}
	if len(tail) >= 3 {
		similar := 0
		for _, prev := range tail {
			if Jaccard(prev.Text, candidate.Text) >= similarityFloor {
				similar++
			}
		}
		if similar >= 2 {
			return time.Duration(g.cfg.DefaultDelayMs) * time.Millisecond, models.Decision{
				IsErrorLoop: true,
				Reason:      "near-identical repeated outputs detected; delayed for safety",
				Confidence:  0.8,
			}
		}
	}

	return 0, models.Decision{
		IsErrorLoop: false,
		Reason:      "accepted",
		Confidence:  0.6,
	}
}

// Jaccard computes token-set similarity between two texts: lowercased,
// whitespace-collapsed, space-split. Returns 0 when the union is empty.
func Jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	tokens := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

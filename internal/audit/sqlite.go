package audit

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/crea8r/context-router/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id          TEXT PRIMARY KEY,
	trace_id          TEXT NOT NULL DEFAULT '',
	session_key       TEXT NOT NULL DEFAULT '',
	origin_actor_type TEXT NOT NULL DEFAULT '',
	origin_actor_id   TEXT NOT NULL DEFAULT '',
	text              TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS loop_decisions (
	event_id      TEXT PRIMARY KEY,
	trace_id      TEXT NOT NULL DEFAULT '',
	session_key   TEXT NOT NULL DEFAULT '',
	is_error_loop INTEGER NOT NULL DEFAULT 0,
	reason        TEXT NOT NULL DEFAULT '',
	confidence    REAL NOT NULL DEFAULT 0,
	action        TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
	delivery_id     TEXT NOT NULL,
	attempt         INTEGER NOT NULL,
	event_id        TEXT NOT NULL DEFAULT '',
	session_key     TEXT NOT NULL DEFAULT '',
	target_agent_id TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	PRIMARY KEY (delivery_id, attempt)
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_key, created_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_created ON deliveries (created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON loop_decisions (created_at);
`

// SQLiteSink persists the three audit streams to a SQLite database.
// A single write connection serializes concurrent handler writes.
type SQLiteSink struct {
	db *sqlx.DB
}

// NewSQLiteSink opens (or creates) the audit database at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// RecordEvent appends one accepted event. Replays of the same event id
// overwrite the identical row.
func (s *SQLiteSink) RecordEvent(ctx context.Context, evt *models.Envelope) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO events
		(event_id, trace_id, session_key, origin_actor_type, origin_actor_id, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID, evt.TraceID, evt.SessionKey,
		string(evt.OriginActorType), evt.OriginActorID, evt.Text, evt.CreatedAt,
	)
	return err
}

// RecordDecision appends the loop-guard verdict for one event.
func (s *SQLiteSink) RecordDecision(ctx context.Context, evt *models.Envelope, decision models.Decision, action models.LoopAction) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO loop_decisions
		(event_id, trace_id, session_key, is_error_loop, reason, confidence, action, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID, evt.TraceID, evt.SessionKey,
		boolToInt(decision.IsErrorLoop), decision.Reason, decision.Confidence,
		string(action), nowMilli(),
	)
	return err
}

// RecordDelivery appends one delivery attempt, keyed by (deliveryId, attempt).
func (s *SQLiteSink) RecordDelivery(ctx context.Context, rec *models.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO deliveries
		(delivery_id, attempt, event_id, session_key, target_agent_id, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DeliveryID, rec.Attempt, rec.EventID, rec.SessionKey,
		rec.TargetAgentID, string(rec.Status), rec.Error, rec.CreatedAt.UnixMilli(),
	)
	return err
}

// Metrics returns stream totals for the admin dashboard.
func (s *SQLiteSink) Metrics(ctx context.Context) (*Metrics, error) {
	m := &Metrics{
		DecisionsByAction:  map[string]int64{},
		DeliveriesByStatus: map[string]int64{},
	}

	if err := s.db.GetContext(ctx, &m.Events, "SELECT COUNT(*) FROM events"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT action, COUNT(*) FROM loop_decisions GROUP BY action")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		m.DecisionsByAction[action] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	drows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM deliveries GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer drows.Close()
	for drows.Next() {
		var status string
		var count int64
		if err := drows.Scan(&status, &count); err != nil {
			return nil, err
		}
		m.DeliveriesByStatus[status] = count
	}
	return m, drows.Err()
}

// SessionRollup returns per-session event counts, most recently active first.
func (s *SQLiteSink) SessionRollup(ctx context.Context) ([]SessionSummary, error) {
	var out []SessionSummary
	err := s.db.SelectContext(ctx, &out, `SELECT session_key,
		COUNT(*) AS event_count, MAX(created_at) AS last_activity
		FROM events GROUP BY session_key ORDER BY last_activity DESC`)
	return out, err
}

// RecentLoops returns the latest loop decisions, newest first.
func (s *SQLiteSink) RecentLoops(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []DecisionRecord
	err := s.db.SelectContext(ctx, &out, `SELECT event_id, trace_id, session_key,
		is_error_loop, reason, confidence, action, created_at
		FROM loop_decisions ORDER BY created_at DESC LIMIT ?`, limit)
	return out, err
}

// RecentDeliveries returns the latest delivery attempts, newest first.
func (s *SQLiteSink) RecentDeliveries(ctx context.Context, limit int) ([]models.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT delivery_id, attempt, event_id,
		session_key, target_agent_id, status, error, created_at
		FROM deliveries ORDER BY created_at DESC, attempt DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeliveryRecord
	for rows.Next() {
		var rec models.DeliveryRecord
		var status string
		var createdAt int64
		if err := rows.Scan(&rec.DeliveryID, &rec.Attempt, &rec.EventID,
			&rec.SessionKey, &rec.TargetAgentID, &status, &rec.Error, &createdAt); err != nil {
			return nil, err
		}
		rec.Status = models.DeliveryStatus(status)
		rec.CreatedAt = fromMilli(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package store persists schedule transitions to Postgres and caches agent
// schedule contexts in Redis.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/agentfi/npcsched/internal/schedule"
)

// Limits on ListEvents.
const (
	DefaultEventLimit = 50
	MaxEventLimit     = 500
)

const schema = `
CREATE TABLE IF NOT EXISTS schedule_events (
	id          BIGSERIAL PRIMARY KEY,
	agent_id    UUID        NOT NULL,
	event_type  TEXT        NOT NULL,
	routine     TEXT        NOT NULL,
	step        INTEGER     NOT NULL DEFAULT 0,
	step_kind   TEXT,
	detail      TEXT,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS schedule_events_agent_time
	ON schedule_events (agent_id, occurred_at DESC);
`

// Store wraps the typed queries and provides transaction support.
type Store struct {
	pool DBTX
	*Queries
}

// NewStore creates a new Store wrapping the given connection pool.
func NewStore(pool DBTX) *Store {
	return &Store{
		pool:    pool,
		Queries: New(pool),
	}
}

// Migrate creates the event log schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Tx executes fn inside a database transaction. If fn returns an error the
// transaction is rolled back; otherwise it is committed.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	// A pool that cannot begin (already a tx) runs fn directly.
	beginner, ok := s.pool.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return fn(s.Queries)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendEvents writes a tick's worth of events atomically.
func (s *Store) AppendEvents(ctx context.Context, events []schedule.Event) error {
	if len(events) == 0 {
		return nil
	}
	params := make([]CreateScheduleEventParams, len(events))
	for i, e := range events {
		params[i] = eventParams(e)
	}
	err := s.Tx(ctx, func(q *Queries) error {
		return q.CreateScheduleEvents(ctx, params)
	})
	if err != nil {
		return fmt.Errorf("store: append events: %w", err)
	}
	return nil
}

// ListEvents returns an agent's most recent events, newest first.
func (s *Store) ListEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]schedule.Event, error) {
	rows, err := s.ListScheduleEvents(ctx, ListScheduleEventsParams{
		AgentID: agentID,
		Limit:   int32(clampLimit(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	out := make([]schedule.Event, len(rows))
	for i, r := range rows {
		out[i] = eventFromRow(r)
	}
	return out, nil
}

// PruneEvents deletes events older than retention.
func (s *Store) PruneEvents(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	n, err := s.DeleteScheduleEventsBefore(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	return n, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultEventLimit
	}
	return min(limit, MaxEventLimit)
}

func eventParams(e schedule.Event) CreateScheduleEventParams {
	return CreateScheduleEventParams{
		AgentID:    e.AgentID,
		EventType:  string(e.Type),
		Routine:    e.Routine,
		Step:       int32(e.Step),
		StepKind:   optionalText(e.StepKind),
		Detail:     optionalText(e.Detail),
		OccurredAt: e.At.UTC(),
	}
}

func eventFromRow(r ScheduleEvent) schedule.Event {
	return schedule.Event{
		AgentID:  r.AgentID,
		Type:     schedule.EventType(r.EventType),
		Routine:  r.Routine,
		Step:     int(r.Step),
		StepKind: r.StepKind.String,
		Detail:   r.Detail.String,
		At:       r.OccurredAt.UTC(),
	}
}

func optionalText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// ScheduleEvent is a row of schedule_events.
type ScheduleEvent struct {
	ID         int64       `json:"id"`
	AgentID    uuid.UUID   `json:"agent_id"`
	EventType  string      `json:"event_type"`
	Routine    string      `json:"routine"`
	Step       int32       `json:"step"`
	StepKind   pgtype.Text `json:"step_kind"`
	Detail     pgtype.Text `json:"detail"`
	OccurredAt time.Time   `json:"occurred_at"`
}

const createScheduleEvent = `-- name: CreateScheduleEvent :exec
INSERT INTO schedule_events (agent_id, event_type, routine, step, step_kind, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

type CreateScheduleEventParams struct {
	AgentID    uuid.UUID   `json:"agent_id"`
	EventType  string      `json:"event_type"`
	Routine    string      `json:"routine"`
	Step       int32       `json:"step"`
	StepKind   pgtype.Text `json:"step_kind"`
	Detail     pgtype.Text `json:"detail"`
	OccurredAt time.Time   `json:"occurred_at"`
}

func (q *Queries) CreateScheduleEvent(ctx context.Context, arg CreateScheduleEventParams) error {
	_, err := q.db.Exec(ctx, createScheduleEvent,
		arg.AgentID,
		arg.EventType,
		arg.Routine,
		arg.Step,
		arg.StepKind,
		arg.Detail,
		arg.OccurredAt,
	)
	return err
}

// CreateScheduleEvents queues one insert per row in a single round trip.
func (q *Queries) CreateScheduleEvents(ctx context.Context, args []CreateScheduleEventParams) error {
	batch := &pgx.Batch{}
	for _, arg := range args {
		batch.Queue(createScheduleEvent,
			arg.AgentID,
			arg.EventType,
			arg.Routine,
			arg.Step,
			arg.StepKind,
			arg.Detail,
			arg.OccurredAt,
		)
	}
	br := q.db.SendBatch(ctx, batch)
	defer br.Close()
	for range args {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return br.Close()
}

const listScheduleEvents = `-- name: ListScheduleEvents :many
SELECT id, agent_id, event_type, routine, step, step_kind, detail, occurred_at
FROM schedule_events
WHERE agent_id = $1
ORDER BY occurred_at DESC, id DESC
LIMIT $2
`

type ListScheduleEventsParams struct {
	AgentID uuid.UUID `json:"agent_id"`
	Limit   int32     `json:"limit"`
}

func (q *Queries) ListScheduleEvents(ctx context.Context, arg ListScheduleEventsParams) ([]ScheduleEvent, error) {
	rows, err := q.db.Query(ctx, listScheduleEvents, arg.AgentID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ScheduleEvent
	for rows.Next() {
		var i ScheduleEvent
		if err := rows.Scan(
			&i.ID,
			&i.AgentID,
			&i.EventType,
			&i.Routine,
			&i.Step,
			&i.StepKind,
			&i.Detail,
			&i.OccurredAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteScheduleEventsBefore = `-- name: DeleteScheduleEventsBefore :execrows
DELETE FROM schedule_events WHERE occurred_at < $1
`

func (q *Queries) DeleteScheduleEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := q.db.Exec(ctx, deleteScheduleEventsBefore, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

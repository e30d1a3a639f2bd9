// Package agent exposes schedule inspection and routine control for
// individual NPCs.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentfi/npcsched/internal/engine"
	"github.com/agentfi/npcsched/internal/schedule"
	"github.com/agentfi/npcsched/internal/world"
)

// Errors returned by the agent service.
var (
	ErrNotFound   = errors.New("agent: not found")
	ErrConflict   = errors.New("agent: routine rejected")
	ErrValidation = errors.New("agent: validation error")
)

// Controller is the slice of the engine the service drives.
type Controller interface {
	StartRoutine(ctx context.Context, agentID uuid.UUID, name string, force bool) error
	Agent(agentID uuid.UUID) (engine.AgentView, error)
}

// EventReader reads persisted schedule history.
type EventReader interface {
	ListEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]schedule.Event, error)
}

// StartRequest is the input for starting a routine on an agent.
type StartRequest struct {
	Routine string `json:"routine"`
	Force   bool   `json:"force"`
}

// RoutineView describes one running or suspended routine.
type RoutineView struct {
	Name      string    `json:"name"`
	Priority  int       `json:"priority"`
	Step      int       `json:"step"`
	StepID    string    `json:"step_id,omitempty"`
	StepKind  string    `json:"step_kind,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ScheduleResponse is the API-facing representation of an agent's schedule.
type ScheduleResponse struct {
	AgentID    uuid.UUID        `json:"agent_id"`
	State      world.AgentState `json:"state"`
	Current    *RoutineView     `json:"current"`
	Suspended  []RoutineView    `json:"suspended"`
	Intent     world.Intent     `json:"intent"`
	LastUpdate time.Time        `json:"last_update"`
}

// Service answers schedule queries and forwards control requests.
type Service struct {
	ctl    Controller
	events EventReader
}

// NewService creates a new agent service.
func NewService(ctl Controller, events EventReader) *Service {
	return &Service{ctl: ctl, events: events}
}

// Schedule returns the agent's state and schedule as of the last tick.
func (s *Service) Schedule(ctx context.Context, id uuid.UUID) (*ScheduleResponse, error) {
	view, err := s.ctl.Agent(id)
	if err != nil {
		return nil, mapEngineError(err)
	}
	resp := toResponse(view)
	return &resp, nil
}

// Start asks the engine to start a routine, then returns the resulting
// schedule.
func (s *Service) Start(ctx context.Context, id uuid.UUID, req StartRequest) (*ScheduleResponse, error) {
	if req.Routine == "" {
		return nil, fmt.Errorf("%w: routine is required", ErrValidation)
	}
	if err := s.ctl.StartRoutine(ctx, id, req.Routine, req.Force); err != nil {
		return nil, mapEngineError(err)
	}
	return s.Schedule(ctx, id)
}

// Events returns the most recent schedule events for the agent, newest first.
func (s *Service) Events(ctx context.Context, id uuid.UUID, limit int) ([]schedule.Event, error) {
	if s.events == nil {
		return []schedule.Event{}, nil
	}
	events, err := s.events.ListEvents(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("agent: list events: %w", err)
	}
	if events == nil {
		events = []schedule.Event{}
	}
	return events, nil
}

func mapEngineError(err error) error {
	switch {
	case errors.Is(err, engine.ErrUnknownAgent):
		return ErrNotFound
	case errors.Is(err, schedule.ErrUnknownRoutine):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.Is(err, schedule.ErrPriorityRejected), errors.Is(err, schedule.ErrSuspendDepth):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return fmt.Errorf("agent: %w", err)
	}
}

// toResponse converts an engine view to a ScheduleResponse.
func toResponse(v engine.AgentView) ScheduleResponse {
	ac := v.Schedule
	resp := ScheduleResponse{
		AgentID:    v.Agent.ID,
		State:      v.Agent,
		Suspended:  make([]RoutineView, 0, len(ac.Suspended)),
		Intent:     ac.Intent,
		LastUpdate: ac.LastUpdate,
	}
	if ac.Current != nil {
		cur := routineView(*ac.Current)
		resp.Current = &cur
	}
	// Most recently suspended first, matching resume order.
	for i := len(ac.Suspended) - 1; i >= 0; i-- {
		resp.Suspended = append(resp.Suspended, routineView(ac.Suspended[i]))
	}
	return resp
}

func routineView(inst schedule.Instance) RoutineView {
	rv := RoutineView{
		Name:      inst.TemplateName,
		Step:      inst.StepIndex,
		StartedAt: inst.StartedAt,
	}
	if inst.Template == nil {
		return rv
	}
	rv.Priority = inst.Priority()
	if step := inst.CurrentStep(); step != nil {
		rv.StepID = step.ID
		rv.StepKind = step.Kind.String()
	}
	return rv
}

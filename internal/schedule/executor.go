package schedule

import (
	"log/slog"
	"time"

	"github.com/agentfi/npcsched/internal/world"
)

// Update advances one agent's schedule by one tick. It must be called at most
// once per agent per tick, with that tick's view of the agent.
func (s *Scheduler) Update(agent world.AgentState) {
	now := s.clock.Now()
	ac := s.contextFor(agent.ID)
	defer func() { ac.LastUpdate = now }()

	if s.escalate(ac, agent, now) {
		return
	}

	inst := ac.Current
	if inst == nil {
		return
	}

	// Bounded by the step count: each pass either returns or moves to a
	// new instant step.
	for range len(inst.Template.Steps) + 1 {
		if inst.Done() {
			s.complete(ac, now)
			return
		}
		step := inst.CurrentStep()
		if inst.StepStartedAt.IsZero() {
			inst.StepStartedAt = now
		}

		if step.Timeout > 0 && now.Sub(inst.StepStartedAt) > step.Timeout {
			s.timeout(ac, step, now)
			return
		}

		if !requirementsMet(step.Requirements, agent) {
			s.log.Debug("schedule: step stalled on requirement",
				slog.String("agent_id", agent.ID.String()),
				slog.String("routine", inst.TemplateName),
				slog.String("step", step.ID),
			)
			return
		}

		done, jump := s.execute(ac, inst, step, agent)
		if !done {
			return
		}

		from := inst.StepIndex
		if jump >= 0 {
			inst.StepIndex = jump
			s.emit(Event{AgentID: ac.AgentID, Type: EventJumped, Routine: inst.TemplateName, Step: jump,
				StepKind: step.Kind.String(), Detail: step.ID + " -> " + step.JumpTo, At: now})
		} else {
			inst.StepIndex++
			s.emit(Event{AgentID: ac.AgentID, Type: EventAdvanced, Routine: inst.TemplateName, Step: inst.StepIndex,
				StepKind: step.Kind.String(), At: now})
		}
		inst.StepStartedAt = time.Time{}
		s.log.Debug("schedule: step complete",
			slog.String("agent_id", ac.AgentID.String()),
			slog.String("routine", inst.TemplateName),
			slog.Int("from", from),
			slog.Int("to", inst.StepIndex),
		)

		if inst.Done() {
			s.complete(ac, now)
			return
		}
		if !inst.CurrentStep().Kind.instant() {
			return
		}
	}
}

// escalate force-starts the escalation routine when the monitor fires and
// the agent is not already running a routine of that kind. It reports
// whether the tick was consumed; a failed start leaves the tick to the
// active routine.
func (s *Scheduler) escalate(ac *AgentContext, agent world.AgentState, now time.Time) bool {
	if s.cfg.Monitor == nil {
		return false
	}
	fire, reason := s.cfg.Monitor.Escalate(agent)
	if !fire {
		return false
	}
	t, ok := s.registry.Lookup(s.cfg.Escalation)
	if !ok {
		s.log.Error("schedule: escalation routine not registered",
			slog.String("routine", s.cfg.Escalation),
		)
		return false
	}
	if ac.Current != nil && ac.Current.Kind() == t.Kind {
		return false
	}

	s.emit(Event{AgentID: ac.AgentID, Type: EventEscalated, Routine: t.Name,
		Detail: reason, At: now})
	s.log.Info("schedule: escalation triggered",
		slog.String("agent_id", ac.AgentID.String()),
		slog.Float64("threat", agent.ThreatLevel),
		slog.Float64("risk_tolerance", agent.RiskTolerance),
		slog.String("reason", reason),
	)
	if err := s.Start(ac.AgentID, t.Name, true); err != nil {
		s.log.Warn("schedule: escalation start failed",
			slog.String("agent_id", ac.AgentID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// timeout applies the expired step's failure policy. Dwell steps complete
// instead.
func (s *Scheduler) timeout(ac *AgentContext, step *Step, now time.Time) {
	inst := ac.Current
	if step.Dwell {
		inst.StepIndex++
		inst.StepStartedAt = time.Time{}
		s.emit(Event{AgentID: ac.AgentID, Type: EventAdvanced, Routine: inst.TemplateName, Step: inst.StepIndex,
			StepKind: step.Kind.String(), Detail: "dwell elapsed", At: now})
		if inst.Done() {
			s.complete(ac, now)
		}
		return
	}

	s.emit(Event{AgentID: ac.AgentID, Type: EventTimeout, Routine: inst.TemplateName, Step: inst.StepIndex,
		StepKind: step.Kind.String(), Detail: step.OnFailure.String(), At: now})
	s.log.Info("schedule: step timed out",
		slog.String("agent_id", ac.AgentID.String()),
		slog.String("routine", inst.TemplateName),
		slog.String("step", step.ID),
		slog.String("policy", step.OnFailure.String()),
	)

	switch step.OnFailure {
	case Retry:
		inst.StepStartedAt = time.Time{}
		ac.Intent = world.Intent{}
	case Skip:
		inst.StepIndex++
		inst.StepStartedAt = time.Time{}
		if inst.Done() {
			s.complete(ac, now)
		}
	case AbortSchedule:
		s.abort(ac, now)
	}
}

// abort discards the active instance and resumes the most recently
// suspended one, if any.
func (s *Scheduler) abort(ac *AgentContext, now time.Time) {
	inst := ac.Current
	ac.Current = nil
	s.emit(Event{AgentID: ac.AgentID, Type: EventAborted, Routine: inst.TemplateName, Step: inst.StepIndex, At: now})
	s.log.Info("schedule: routine aborted",
		slog.String("agent_id", ac.AgentID.String()),
		slog.String("routine", inst.TemplateName),
		slog.Int("step", inst.StepIndex),
	)
	s.resume(ac, now)
}

// complete handles an instance whose step index reached the step count.
func (s *Scheduler) complete(ac *AgentContext, now time.Time) {
	inst := ac.Current
	if inst.Template.LoopOnComplete {
		inst.StepIndex = 0
		inst.StepStartedAt = time.Time{}
		inst.resetScratch()
		s.emit(Event{AgentID: ac.AgentID, Type: EventLooped, Routine: inst.TemplateName, At: now})
		s.log.Info("schedule: routine looped",
			slog.String("agent_id", ac.AgentID.String()),
			slog.String("routine", inst.TemplateName),
		)
		return
	}

	ac.Current = nil
	s.emit(Event{AgentID: ac.AgentID, Type: EventCompleted, Routine: inst.TemplateName,
		Step: inst.StepIndex, At: now})
	s.log.Info("schedule: routine completed",
		slog.String("agent_id", ac.AgentID.String()),
		slog.String("routine", inst.TemplateName),
	)
	s.resume(ac, now)
}

// resume reactivates the top of the suspension stack. The step clock
// restarts so time spent suspended does not count against the step.
func (s *Scheduler) resume(ac *AgentContext, now time.Time) {
	inst, ok := ac.pop()
	if !ok {
		return
	}
	inst.StepStartedAt = time.Time{}
	ac.Current = &inst
	ac.Intent = world.Intent{}
	s.emit(Event{AgentID: ac.AgentID, Type: EventResumed, Routine: inst.TemplateName, Step: inst.StepIndex, At: now})
	s.log.Info("schedule: routine resumed",
		slog.String("agent_id", ac.AgentID.String()),
		slog.String("routine", inst.TemplateName),
		slog.Int("step", inst.StepIndex),
		slog.Int("depth", len(ac.Suspended)),
	)
}

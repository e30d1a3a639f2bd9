package engine

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentfi/npcsched/internal/schedule"
	"github.com/agentfi/npcsched/internal/world"
)

type pendingIntent struct {
	agentID uuid.UUID
	intent  world.Intent
}

// shard owns one scheduler and the agents hashed to it. Its buffers are
// touched by one goroutine during a tick and by the engine between ticks.
type shard struct {
	id      int
	sched   *schedule.Scheduler
	seen    map[uuid.UUID]struct{}
	intents []pendingIntent
	events  []schedule.Event
}

// Emit buffers an intent until the tick ends.
func (sh *shard) Emit(agentID uuid.UUID, in world.Intent) {
	sh.intents = append(sh.intents, pendingIntent{agentID: agentID, intent: in})
}

// Observe buffers a schedule event until the tick ends.
func (sh *shard) Observe(e schedule.Event) {
	sh.events = append(sh.events, e)
}

func (sh *shard) run(catalog world.Catalog, agents []world.AgentState, defaultRoutine string) {
	sh.sched.SetCatalog(catalog)

	seen := make(map[uuid.UUID]struct{}, len(agents))
	for _, a := range agents {
		seen[a.ID] = struct{}{}
		sh.update(a, defaultRoutine)
	}
	for id := range sh.seen {
		if _, ok := seen[id]; !ok {
			sh.sched.Forget(id)
			slog.Info("engine: agent left", slog.String("agent_id", id.String()), slog.Int("shard", sh.id))
		}
	}
	sh.seen = seen
}

// update runs one agent. A panic is contained to that agent for this tick.
func (sh *shard) update(a world.AgentState, defaultRoutine string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine: agent update panic",
				slog.String("agent_id", a.ID.String()),
				slog.Int("shard", sh.id),
				slog.Any("panic", r),
			)
		}
	}()

	if defaultRoutine != "" {
		if ac := sh.sched.Context(a.ID); ac == nil || ac.Current == nil {
			if err := sh.sched.Start(a.ID, defaultRoutine, false); err != nil {
				slog.Warn("engine: default routine not started",
					slog.String("agent_id", a.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	sh.sched.Update(a)
}

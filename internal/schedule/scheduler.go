package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentfi/npcsched/internal/world"
)

// Errors returned by Start.
var (
	ErrUnknownRoutine   = errors.New("schedule: unknown routine")
	ErrPriorityRejected = errors.New("schedule: priority rejected")
	ErrSuspendDepth     = errors.New("schedule: suspension stack full")
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxSuspended   = 8
	DefaultProfitMargin   = 0.9
	DefaultMaxQuantity    = 100
	DefaultSafetyDistance = 50.0
)

// Monitor decides whether an agent must be forced into the escalation
// routine this tick, and why.
type Monitor interface {
	Escalate(agent world.AgentState) (bool, string)
}

// Config tunes a Scheduler.
type Config struct {
	// MaxSuspended bounds the suspension stack of every agent.
	MaxSuspended int
	// ProfitMargin is the buy bar as a fraction of a commodity's base price.
	ProfitMargin float64
	// MaxQuantity caps a single purchase.
	MaxQuantity int64
	// SafetyDistance is how close a fleeing agent must get to its refuge.
	SafetyDistance float64
	// Escalation is the template forced when Monitor fires. Defaults to Escape.
	Escalation string
	Monitor    Monitor
	Observer   Observer
	Logger     *slog.Logger
}

// Scheduler owns the schedule contexts of a set of agents. It is not safe for
// concurrent use; shard agents across schedulers instead.
type Scheduler struct {
	registry *Registry
	clock    world.Clock
	catalog  world.Catalog
	sink     world.IntentSink
	cfg      Config
	log      *slog.Logger

	contexts map[uuid.UUID]*AgentContext
}

// New creates a scheduler. catalog may be swapped between ticks with
// SetCatalog.
func New(reg *Registry, clock world.Clock, catalog world.Catalog, sink world.IntentSink, cfg Config) *Scheduler {
	if cfg.MaxSuspended <= 0 {
		cfg.MaxSuspended = DefaultMaxSuspended
	}
	if cfg.ProfitMargin <= 0 {
		cfg.ProfitMargin = DefaultProfitMargin
	}
	if cfg.MaxQuantity <= 0 {
		cfg.MaxQuantity = DefaultMaxQuantity
	}
	if cfg.SafetyDistance <= 0 {
		cfg.SafetyDistance = DefaultSafetyDistance
	}
	if cfg.Escalation == "" {
		cfg.Escalation = Escape
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		registry: reg,
		clock:    clock,
		catalog:  catalog,
		sink:     sink,
		cfg:      cfg,
		log:      log,
		contexts: make(map[uuid.UUID]*AgentContext),
	}
}

// SetCatalog replaces the world snapshot used by searches.
func (s *Scheduler) SetCatalog(c world.Catalog) { s.catalog = c }

// Context returns the live context of an agent, or nil. The pointer must not
// escape the scheduler's goroutine; use Snapshot for that.
func (s *Scheduler) Context(agentID uuid.UUID) *AgentContext {
	return s.contexts[agentID]
}

// Snapshot returns a deep copy of an agent's context.
func (s *Scheduler) Snapshot(agentID uuid.UUID) (AgentContext, bool) {
	ac, ok := s.contexts[agentID]
	if !ok {
		return AgentContext{AgentID: agentID}, false
	}
	return ac.Clone(), true
}

// Snapshots returns deep copies of every context.
func (s *Scheduler) Snapshots() []AgentContext {
	out := make([]AgentContext, 0, len(s.contexts))
	for _, ac := range s.contexts {
		out = append(out, ac.Clone())
	}
	return out
}

// Restore installs a previously snapshotted context, re-binding templates by
// name. It returns the number of instances dropped because their template is
// no longer registered.
func (s *Scheduler) Restore(ac AgentContext) int {
	c := ac.Clone()
	dropped := c.bind(s.registry)
	// The world behind a restored context has not seen any of its intents.
	c.Intent = world.Intent{}
	s.contexts[c.AgentID] = &c
	if dropped > 0 {
		s.log.Warn("schedule: restore dropped instances",
			slog.String("agent_id", c.AgentID.String()),
			slog.Int("dropped", dropped),
		)
	}
	return dropped
}

// Forget drops an agent's context.
func (s *Scheduler) Forget(agentID uuid.UUID) {
	delete(s.contexts, agentID)
}

// Len returns the number of agents with a context.
func (s *Scheduler) Len() int { return len(s.contexts) }

func (s *Scheduler) contextFor(agentID uuid.UUID) *AgentContext {
	ac, ok := s.contexts[agentID]
	if !ok {
		ac = &AgentContext{AgentID: agentID, Suspended: []Instance{}}
		s.contexts[agentID] = ac
	}
	return ac
}

// Start requests that agentID run the named routine.
//
// With no active routine the new one starts immediately. Otherwise it
// preempts the active routine only when it has strictly higher priority or
// force is set; a non-interruptible active routine yields only to force, and
// is then discarded instead of suspended. When the suspension stack is full a
// forced start discards the oldest suspended instance to make room. A failed
// Start changes nothing.
func (s *Scheduler) Start(agentID uuid.UUID, name string, force bool) error {
	now := s.clock.Now()
	t, ok := s.registry.Lookup(name)
	if !ok {
		s.emit(Event{AgentID: agentID, Type: EventRejected, Routine: name, Detail: "unknown routine", At: now})
		return fmt.Errorf("%w: %q", ErrUnknownRoutine, name)
	}

	ac := s.contexts[agentID]
	if ac == nil || ac.Current == nil {
		ac = s.contextFor(agentID)
		s.activate(ac, t, now)
		return nil
	}

	cur := ac.Current
	if !cur.Template.Interruptible && !force {
		s.reject(ac, t, now, "active routine is not interruptible")
		return fmt.Errorf("%w: %s is not interruptible", ErrPriorityRejected, cur.TemplateName)
	}
	if t.Priority <= cur.Priority() && !force {
		s.reject(ac, t, now, "priority not higher than active routine")
		return fmt.Errorf("%w: %s (%d) does not outrank %s (%d)",
			ErrPriorityRejected, t.Name, t.Priority, cur.TemplateName, cur.Priority())
	}

	if cur.Template.Interruptible {
		if len(ac.Suspended) >= s.cfg.MaxSuspended {
			if !force {
				s.reject(ac, t, now, "suspension stack full")
				return fmt.Errorf("%w: depth %d", ErrSuspendDepth, len(ac.Suspended))
			}
			s.evictOldest(ac, t, now)
		}
		ac.push(*cur)
		s.emit(Event{AgentID: agentID, Type: EventPreempted, Routine: cur.TemplateName, Step: cur.StepIndex,
			Detail: "suspended by " + t.Name, At: now})
		s.log.Info("schedule: routine suspended",
			slog.String("agent_id", agentID.String()),
			slog.String("routine", cur.TemplateName),
			slog.Int("step", cur.StepIndex),
			slog.String("by", t.Name),
			slog.Int("depth", len(ac.Suspended)),
		)
	} else {
		s.emit(Event{AgentID: agentID, Type: EventDiscarded, Routine: cur.TemplateName, Step: cur.StepIndex,
			Detail: "forced out by " + t.Name, At: now})
		s.log.Warn("schedule: non-interruptible routine discarded",
			slog.String("agent_id", agentID.String()),
			slog.String("routine", cur.TemplateName),
			slog.String("by", t.Name),
		)
	}

	s.activate(ac, t, now)
	return nil
}

// evictOldest drops the bottom of the suspension stack.
func (s *Scheduler) evictOldest(ac *AgentContext, by *Template, now time.Time) {
	old, ok := ac.dropBottom()
	if !ok {
		return
	}
	s.emit(Event{AgentID: ac.AgentID, Type: EventDiscarded, Routine: old.TemplateName, Step: old.StepIndex,
		Detail: "suspension stack full, evicted by " + by.Name, At: now})
	s.log.Warn("schedule: oldest suspended routine evicted",
		slog.String("agent_id", ac.AgentID.String()),
		slog.String("routine", old.TemplateName),
		slog.String("by", by.Name),
	)
}

func (s *Scheduler) activate(ac *AgentContext, t *Template, now time.Time) {
	ac.Current = newInstance(t, now)
	ac.Intent = world.Intent{}
	s.emit(Event{AgentID: ac.AgentID, Type: EventStarted, Routine: t.Name, At: now})
	s.log.Info("schedule: routine started",
		slog.String("agent_id", ac.AgentID.String()),
		slog.String("routine", t.Name),
		slog.Int("priority", t.Priority),
	)
}

func (s *Scheduler) reject(ac *AgentContext, t *Template, now time.Time, reason string) {
	s.emit(Event{AgentID: ac.AgentID, Type: EventRejected, Routine: t.Name, Detail: reason, At: now})
	s.log.Debug("schedule: start rejected",
		slog.String("agent_id", ac.AgentID.String()),
		slog.String("routine", t.Name),
		slog.String("active", ac.Current.TemplateName),
		slog.String("reason", reason),
	)
}

func (s *Scheduler) emit(e Event) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.Observe(e)
	}
}

// emitIntent forwards intent to the sink unless it equals the last one sent
// for the agent.
func (s *Scheduler) emitIntent(ac *AgentContext, intent world.Intent) {
	if ac.Intent == intent {
		return
	}
	ac.Intent = intent
	if s.sink != nil {
		s.sink.Emit(ac.AgentID, intent)
	}
}

// Package engine hosts the schedulers. It drives the world one tick at a
// time, shards agents across worker goroutines by identity, and serialises
// control requests between ticks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentfi/npcsched/internal/schedule"
	"github.com/agentfi/npcsched/internal/world"
)

// Defaults applied to zero Config fields.
const (
	DefaultTickInterval = time.Second
	DefaultShards       = 4
)

// Errors returned by the engine.
var (
	ErrUnknownAgent = errors.New("engine: unknown agent")
)

// --- Dependency interfaces ---

// World is the simulation the engine drives. All calls happen on the tick
// goroutine.
type World interface {
	world.IntentSink
	Catalog() world.Catalog
	Agents() []world.AgentState
	Advance(now time.Time)
}

// EventStore persists schedule transitions.
type EventStore interface {
	AppendEvents(ctx context.Context, events []schedule.Event) error
}

// SnapshotCache keeps agent contexts across restarts.
type SnapshotCache interface {
	SaveContexts(ctx context.Context, contexts []schedule.AgentContext) error
	LoadContexts(ctx context.Context) ([]schedule.AgentContext, error)
}

// Config tunes the engine.
type Config struct {
	TickInterval time.Duration
	Shards       int
	// SnapshotEvery saves every context to the cache each N ticks. Zero
	// saves only on shutdown.
	SnapshotEvery int
	// DefaultRoutine is started for agents with nothing to do. Empty leaves
	// idle agents alone.
	DefaultRoutine string
	Schedule       schedule.Config
}

// Engine runs schedulers over a World.
type Engine struct {
	world  World
	events EventStore
	cache  SnapshotCache
	clock  world.Clock
	cfg    Config

	// mu is held for a whole tick and for every control request, so requests
	// land between ticks.
	mu     sync.Mutex
	now    frozenClock
	shards []*shard
	agents map[uuid.UUID]world.AgentState
	ticks  int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewEngine creates an engine. events and cache may be nil.
func NewEngine(reg *schedule.Registry, w World, events EventStore, cache SnapshotCache, clock world.Clock, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if clock == nil {
		clock = world.SystemClock{}
	}
	e := &Engine{
		world:  w,
		events: events,
		cache:  cache,
		clock:  clock,
		cfg:    cfg,
		agents: make(map[uuid.UUID]world.AgentState),
		stopCh: make(chan struct{}),
	}
	e.now.t = clock.Now()

	base := cfg.Schedule.Logger
	if base == nil {
		base = slog.Default()
	}
	for i := range cfg.Shards {
		sh := &shard{id: i, seen: make(map[uuid.UUID]struct{})}
		sc := cfg.Schedule
		sc.Observer = sh
		sc.Logger = base.With(slog.Int("shard", i))
		sh.sched = schedule.New(reg, &e.now, w.Catalog(), sh, sc)
		e.shards = append(e.shards, sh)
	}
	return e
}

// frozenClock returns the time of the tick in progress. It is written only
// under Engine.mu before shard goroutines start.
type frozenClock struct{ t time.Time }

func (c *frozenClock) Now() time.Time { return c.t }

func (e *Engine) shardFor(id uuid.UUID) *shard {
	return e.shards[xxhash.Sum64(id[:])%uint64(len(e.shards))]
}

// Tick advances the world to now and updates every agent once.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	startedAt := time.Now()
	e.now.t = e.clock.Now()
	e.world.Advance(e.now.t)
	catalog := e.world.Catalog()
	agents := e.world.Agents()

	buckets := make(map[*shard][]world.AgentState, len(e.shards))
	e.agents = make(map[uuid.UUID]world.AgentState, len(agents))
	for _, a := range agents {
		sh := e.shardFor(a.ID)
		buckets[sh] = append(buckets[sh], a)
		e.agents[a.ID] = a
	}

	g, _ := errgroup.WithContext(ctx)
	for _, sh := range e.shards {
		g.Go(func() error {
			sh.run(catalog, buckets[sh], e.cfg.DefaultRoutine)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: tick: %w", err)
	}

	intents := e.flushIntents()
	e.persistEvents(ctx)
	e.ticks++

	if e.cfg.SnapshotEvery > 0 && e.ticks%int64(e.cfg.SnapshotEvery) == 0 {
		if err := e.saveSnapshots(ctx); err != nil {
			slog.Error("engine: snapshot failed", slog.String("error", err.Error()))
		}
	}

	slog.Debug("engine: tick",
		slog.Int64("tick", e.ticks),
		slog.Int("agents", len(agents)),
		slog.Int("intents", intents),
		slog.Int64("duration_us", time.Since(startedAt).Microseconds()),
	)
	return nil
}

// flushIntents hands buffered intents to the world in shard order.
func (e *Engine) flushIntents() int {
	n := 0
	for _, sh := range e.shards {
		for _, p := range sh.intents {
			e.world.Emit(p.agentID, p.intent)
		}
		n += len(sh.intents)
		sh.intents = sh.intents[:0]
	}
	return n
}

func (e *Engine) persistEvents(ctx context.Context) {
	var batch []schedule.Event
	for _, sh := range e.shards {
		batch = append(batch, sh.events...)
		sh.events = sh.events[:0]
	}
	if len(batch) == 0 || e.events == nil {
		return
	}
	if err := e.events.AppendEvents(ctx, batch); err != nil {
		slog.Error("engine: persist events failed",
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) saveSnapshots(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	var all []schedule.AgentContext
	for _, sh := range e.shards {
		all = append(all, sh.sched.Snapshots()...)
	}
	if len(all) == 0 {
		return nil
	}
	if err := e.cache.SaveContexts(ctx, all); err != nil {
		return fmt.Errorf("engine: save snapshots: %w", err)
	}
	slog.Debug("engine: snapshots saved", slog.Int("count", len(all)))
	return nil
}

// Restore loads cached contexts into their shards. Called once on startup,
// before the first tick.
func (e *Engine) Restore(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	contexts, err := e.cache.LoadContexts(ctx)
	if err != nil {
		return fmt.Errorf("engine: load snapshots: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := 0
	for _, ac := range contexts {
		sh := e.shardFor(ac.AgentID)
		dropped += sh.sched.Restore(ac)
		// Agents missing from the first tick are then forgotten.
		sh.seen[ac.AgentID] = struct{}{}
	}
	slog.Info("engine: contexts restored",
		slog.Int("count", len(contexts)),
		slog.Int("dropped_instances", dropped),
	)
	return nil
}

// StartRoutine asks the agent's scheduler to start the named routine.
func (e *Engine) StartRoutine(ctx context.Context, agentID uuid.UUID, name string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	e.now.t = e.clock.Now()
	err := e.shardFor(agentID).sched.Start(agentID, name, force)
	e.persistEvents(ctx)
	if err != nil {
		return fmt.Errorf("engine: start routine: %w", err)
	}
	return nil
}

// AgentView is an agent's last observed state and its schedule.
type AgentView struct {
	Agent    world.AgentState      `json:"agent"`
	Schedule schedule.AgentContext `json:"schedule"`
}

// Agent returns the agent as of the last tick.
func (e *Engine) Agent(agentID uuid.UUID) (AgentView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.agents[agentID]
	if !ok {
		return AgentView{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	ac, _ := e.shardFor(agentID).sched.Snapshot(agentID)
	return AgentView{Agent: a, Schedule: ac}, nil
}

// AgentCount returns the number of agents seen on the last tick.
func (e *Engine) AgentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.agents)
}

// Ticks returns the number of completed ticks.
func (e *Engine) Ticks() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks
}

// Run ticks until ctx is cancelled or Stop is called, then saves a final
// snapshot.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("engine: running",
		slog.Int("shards", len(e.shards)),
		slog.Duration("tick_interval", e.cfg.TickInterval),
	)

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(context.WithoutCancel(ctx))
		case <-e.stopCh:
			return e.shutdown(ctx)
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				slog.Error("engine: tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop makes Run return. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	slog.Info("engine: stopping", slog.Int64("ticks", e.ticks))
	return e.saveSnapshots(ctx)
}

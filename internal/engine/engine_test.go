package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentfi/npcsched/internal/schedule"
	"github.com/agentfi/npcsched/internal/trigger"
	"github.com/agentfi/npcsched/internal/world"
)

// --- Mock implementations ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeWorld struct {
	catalog  world.Catalog
	agents   []world.AgentState
	emitted  []pendingIntent
	advanced int
}

func (w *fakeWorld) Emit(id uuid.UUID, in world.Intent) {
	w.emitted = append(w.emitted, pendingIntent{agentID: id, intent: in})
}
func (w *fakeWorld) Catalog() world.Catalog { return w.catalog }
func (w *fakeWorld) Agents() []world.AgentState {
	return append([]world.AgentState(nil), w.agents...)
}
func (w *fakeWorld) Advance(time.Time) { w.advanced++ }

type fakeEventStore struct {
	events []schedule.Event
	err    error
}

func (s *fakeEventStore) AppendEvents(_ context.Context, events []schedule.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeEventStore) count(t schedule.EventType) int {
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fakeCache struct {
	saved map[uuid.UUID]schedule.AgentContext
	saves int
}

func newFakeCache() *fakeCache {
	return &fakeCache{saved: make(map[uuid.UUID]schedule.AgentContext)}
}

func (c *fakeCache) SaveContexts(_ context.Context, contexts []schedule.AgentContext) error {
	c.saves++
	for _, ac := range contexts {
		c.saved[ac.AgentID] = ac
	}
	return nil
}

func (c *fakeCache) LoadContexts(context.Context) ([]schedule.AgentContext, error) {
	out := make([]schedule.AgentContext, 0, len(c.saved))
	for _, ac := range c.saved {
		out = append(out, ac)
	}
	return out, nil
}

type panicMonitor struct{ victim uuid.UUID }

func (m panicMonitor) Escalate(a world.AgentState) (bool, string) {
	if a.ID == m.victim {
		panic("monitor exploded")
	}
	return false, ""
}

// --- Fixtures ---

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testStations() *world.Snapshot {
	return world.NewSnapshot(
		[]world.Station{
			{ID: "home", SystemID: "alpha"},
			{ID: "cheap", SystemID: "alpha", Coords: world.Vec3{X: 100}},
			{ID: "far", SystemID: "beta", Coords: world.Vec3{X: 1000}},
		},
		map[string][]string{"alpha": {"beta"}},
		map[string][]world.Listing{
			"cheap": {{Commodity: "electronics", Price: 70, BasePrice: 100}},
			"far":   {{Commodity: "electronics", Price: 130, BasePrice: 100}},
		},
	)
}

func dockedAgent() world.AgentState {
	return world.AgentState{
		ID:            uuid.New(),
		Position:      world.Position{SystemID: "alpha", StationID: "home"},
		Cargo:         map[world.Commodity]int64{},
		Credits:       10_000,
		RiskTolerance: 50,
	}
}

func testEngine(t *testing.T, w World, mutate ...func(*Config)) (*Engine, *fakeEventStore, *fakeCache, *fakeClock) {
	t.Helper()
	events := &fakeEventStore{}
	cache := newFakeCache()
	clock := newFakeClock()
	cfg := Config{
		Shards:         3,
		DefaultRoutine: schedule.TraderMain,
		Schedule: schedule.Config{
			Monitor: trigger.Default(),
			Logger:  quietLogger(),
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewEngine(schedule.NewDefaultRegistry(), w, events, cache, clock, cfg), events, cache, clock
}

func mustTick(t *testing.T, e *Engine, n int) {
	t.Helper()
	for range n {
		if err := e.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
}

// --- Tests ---

func TestTickStartsDefaultRoutine(t *testing.T) {
	w := &fakeWorld{catalog: testStations(), agents: []world.AgentState{dockedAgent(), dockedAgent()}}
	e, events, _, _ := testEngine(t, w)

	mustTick(t, e, 1)

	for _, a := range w.agents {
		v, err := e.Agent(a.ID)
		if err != nil {
			t.Fatalf("agent %s: %v", a.ID, err)
		}
		cur := v.Schedule.Current
		if cur == nil || cur.TemplateName != schedule.TraderMain || cur.StepIndex != 2 {
			t.Errorf("agent %s schedule = %+v", a.ID, cur)
		}
	}
	if events.count(schedule.EventStarted) != 2 {
		t.Errorf("started events = %d, want 2", events.count(schedule.EventStarted))
	}
	if w.advanced != 1 || e.Ticks() != 1 || e.AgentCount() != 2 {
		t.Errorf("advanced %d, ticks %d, agents %d", w.advanced, e.Ticks(), e.AgentCount())
	}
}

func TestTickFlushesIntentsToWorld(t *testing.T) {
	a := dockedAgent()
	w := &fakeWorld{catalog: testStations(), agents: []world.AgentState{a}}
	e, _, _, _ := testEngine(t, w)

	mustTick(t, e, 3)

	if len(w.emitted) != 1 {
		t.Fatalf("emitted = %+v, want one destination", w.emitted)
	}
	if got := w.emitted[0]; got.agentID != a.ID || got.intent != world.Destination("cheap") {
		t.Errorf("emitted = %+v", got)
	}
}

func TestIdleAgentsStayIdleWithoutDefault(t *testing.T) {
	a := dockedAgent()
	w := &fakeWorld{catalog: testStations(), agents: []world.AgentState{a}}
	e, _, _, _ := testEngine(t, w, func(c *Config) { c.DefaultRoutine = "" })

	mustTick(t, e, 2)

	v, err := e.Agent(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Schedule.Current != nil {
		t.Errorf("agent started %s on its own", v.Schedule.Current.TemplateName)
	}
}

func TestStartRoutine(t *testing.T) {
	a := dockedAgent()
	w := &fakeWorld{catalog: testStations(), agents: []world.AgentState{a}}
	e, events, _, _ := testEngine(t, w)
	ctx := context.Background()

	if err := e.StartRoutine(ctx, a.ID, schedule.Escape, false); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("before first tick: expected ErrUnknownAgent, got %v", err)
	}

	mustTick(t, e, 1)

	if err := e.StartRoutine(ctx, a.ID, schedule.Escape, false); err != nil {
		t.Fatalf("start escape: %v", err)
	}
	if err := e.StartRoutine(ctx, a.ID, schedule.TraderMain, false); !errors.Is(err, schedule.ErrPriorityRejected) {
		t.Errorf("expected ErrPriorityRejected, got %v", err)
	}
	if err := e.StartRoutine(ctx, a.ID, "mining", false); !errors.Is(err, schedule.ErrUnknownRoutine) {
		t.Errorf("expected ErrUnknownRoutine, got %v", err)
	}
	if err := e.StartRoutine(ctx, uuid.New(), schedule.Escape, true); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}

	v, _ := e.Agent(a.ID)
	if v.Schedule.Current.TemplateName != schedule.Escape || len(v.Schedule.Suspended) != 1 {
		t.Errorf("schedule = %+v", v.Schedule)
	}
	if events.count(schedule.EventPreempted) != 1 || events.count(schedule.EventRejected) != 2 {
		t.Errorf("preempted %d, rejected %d", events.count(schedule.EventPreempted), events.count(schedule.EventRejected))
	}
}

func TestAgentPanicIsContained(t *testing.T) {
	victim, bystander := dockedAgent(), dockedAgent()
	w := &fakeWorld{catalog: testStations(), agents: []world.AgentState{victim, bystander}}
	e, _, _, _ := testEngine(t, w, func(c *Config) {
		c.Schedule.Monitor = panicMonitor{victim: victim.ID}
	})

	mustTick(t, e, 2)

	v, err := e.Agent(bystander.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Schedule.Current == nil || v.Schedule.Current.StepIndex != 3 {
		t.Errorf("bystander did not progress: %+v", v.Schedule.Current)
	}
}

func TestDepartedAgentsAreForgotten(t *testing.T) {
	stay, leave := dockedAgent(), dockedAgent()
	w := &fakeWorld{catalog: testStations(), agents: []world.AgentState{stay, leave}}
	e, _, _, _ := testEngine(t, w)
	mustTick(t, e, 1)

	w.agents = []world.AgentState{stay}
	mustTick(t, e, 1)

	if _, err := e.Agent(leave.ID); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
	if e.shardFor(leave.ID).sched.Context(leave.ID) != nil {
		t.Error("departed agent kept its context")
	}
}

func TestPeriodicSnapshotsAndRestore(t *testing.T) {
	a, b := dockedAgent(), dockedAgent()
	w := &fakeWorld{catalog: testStations(), agents: []world.AgentState{a, b}}
	e, _, cache, _ := testEngine(t, w, func(c *Config) { c.SnapshotEvery = 2 })

	mustTick(t, e, 1)
	if cache.saves != 0 {
		t.Fatalf("saved after one tick")
	}
	mustTick(t, e, 1)
	if cache.saves != 1 || len(cache.saved) != 2 {
		t.Fatalf("saves %d, contexts %d", cache.saves, len(cache.saved))
	}

	restarted := NewEngine(schedule.NewDefaultRegistry(), w, nil, cache, newFakeClock(), Config{
		Shards:   5,
		Schedule: schedule.Config{Logger: quietLogger()},
	})
	if err := restarted.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	ac := restarted.shardFor(a.ID).sched.Context(a.ID)
	if ac == nil || ac.Current == nil || ac.Current.StepIndex != 3 || ac.Current.Trade.BuyStation != "cheap" {
		t.Fatalf("restored context = %+v", ac)
	}
}

func TestRunStopsAndSavesSnapshot(t *testing.T) {
	w := &fakeWorld{catalog: testStations(), agents: []world.AgentState{dockedAgent()}}
	e, _, cache, _ := testEngine(t, w, func(c *Config) { c.TickInterval = time.Millisecond })

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for e.Ticks() == 0 {
		select {
		case <-deadline:
			t.Fatal("engine never ticked")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	e.Stop()
	e.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after stop")
	}
	if cache.saves == 0 {
		t.Error("no snapshot on shutdown")
	}
}

func TestEventStoreFailureDoesNotStopTick(t *testing.T) {
	w := &fakeWorld{catalog: testStations(), agents: []world.AgentState{dockedAgent()}}
	e, events, _, _ := testEngine(t, w)
	events.err = errors.New("database down")

	mustTick(t, e, 2)
	if e.Ticks() != 2 {
		t.Errorf("ticks = %d, want 2", e.Ticks())
	}
}

package schedule

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentfi/npcsched/internal/world"
)

// --- Fakes ---

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type sentIntent struct {
	AgentID uuid.UUID
	Intent  world.Intent
}

type fakeSink struct{ sent []sentIntent }

func (s *fakeSink) Emit(agentID uuid.UUID, in world.Intent) {
	s.sent = append(s.sent, sentIntent{AgentID: agentID, Intent: in})
}

func (s *fakeSink) count(kind world.IntentKind) int {
	n := 0
	for _, x := range s.sent {
		if x.Intent.Kind == kind {
			n++
		}
	}
	return n
}

type recorder struct{ events []Event }

func (r *recorder) Observe(e Event) { r.events = append(r.events, e) }

func (r *recorder) count(t EventType) int {
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// thresholdMonitor fires when threat > high and tolerance < low.
type thresholdMonitor struct{ high, low float64 }

func (m thresholdMonitor) Escalate(a world.AgentState) (bool, string) {
	return a.ThreatLevel > m.high && a.RiskTolerance < m.low, "threshold crossed"
}

// --- Fixtures ---

// testCatalog has four stations: home, cheap and pricey in system "alpha",
// and far one gate away in "beta".
func testCatalog() *world.Snapshot {
	return world.NewSnapshot(
		[]world.Station{
			{ID: "home", SystemID: "alpha", Coords: world.Vec3{X: 0}},
			{ID: "cheap", SystemID: "alpha", Coords: world.Vec3{X: 100}},
			{ID: "pricey", SystemID: "alpha", Coords: world.Vec3{X: 200}},
			{ID: "far", SystemID: "beta", Coords: world.Vec3{X: 1000}},
		},
		map[string][]string{"alpha": {"beta"}},
		map[string][]world.Listing{
			"home":   {{Commodity: "electronics", Price: 50, BasePrice: 100}},
			"cheap":  {{Commodity: "electronics", Price: 70, BasePrice: 100}, {Commodity: "ore", Price: 38, BasePrice: 40}},
			"pricey": {{Commodity: "electronics", Price: 85, BasePrice: 100}},
			"far":    {{Commodity: "electronics", Price: 130, BasePrice: 100}},
		},
	)
}

type harness struct {
	t     *testing.T
	clock *fakeClock
	sink  *fakeSink
	rec   *recorder
	reg   *Registry
	sched *Scheduler
	agent world.AgentState
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: newFakeClock(),
		sink:  &fakeSink{},
		rec:   &recorder{},
		reg:   NewDefaultRegistry(),
	}
	cfg := Config{
		Monitor:  thresholdMonitor{high: 60, low: 40},
		Observer: h.rec,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.sched = New(h.reg, h.clock, testCatalog(), h.sink, cfg)
	h.agent = world.AgentState{
		ID:            uuid.New(),
		Position:      world.Position{SystemID: "alpha", StationID: "home"},
		Cargo:         map[world.Commodity]int64{},
		Credits:       10_000,
		RiskTolerance: 50,
	}
	return h
}

func (h *harness) start(name string, force bool) error {
	return h.sched.Start(h.agent.ID, name, force)
}

func (h *harness) update() { h.sched.Update(h.agent) }

func (h *harness) ctx() *AgentContext {
	h.t.Helper()
	ac := h.sched.Context(h.agent.ID)
	if ac == nil {
		h.t.Fatal("agent has no context")
	}
	return ac
}

func (h *harness) current() *Instance {
	h.t.Helper()
	cur := h.ctx().Current
	if cur == nil {
		h.t.Fatal("agent has no active routine")
	}
	return cur
}

func (h *harness) dockAt(id string) {
	st, _ := testCatalog().Station(id)
	h.agent.Position = world.Position{SystemID: st.SystemID, StationID: st.ID, Coords: st.Coords}
}

func (h *harness) mustStart(name string, force bool) {
	h.t.Helper()
	if err := h.start(name, force); err != nil {
		h.t.Fatalf("start %s: %v", name, err)
	}
}

package schedule

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/agentfi/npcsched/internal/world"
)

// registerRanked adds single-step trade routines named by their priority so
// arbitration can be exercised beyond the two defaults.
func registerRanked(t *testing.T, reg *Registry, names map[string]int) {
	t.Helper()
	for name, prio := range names {
		err := reg.Register(Template{
			Name:          name,
			Kind:          RoutineTrade,
			Priority:      prio,
			Interruptible: true,
			Steps:         []Step{{ID: "search_sell", Kind: StepSearchSell, Requirements: []Requirement{HasCargoAboveZero()}}},
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
}

func TestStartOnIdleAgent(t *testing.T) {
	h := newHarness(t)
	h.mustStart(TraderMain, false)

	cur := h.current()
	if cur.TemplateName != TraderMain || cur.StepIndex != 0 {
		t.Errorf("current = %s@%d, want trader_main@0", cur.TemplateName, cur.StepIndex)
	}
	if cur.Trade == nil || cur.Escape != nil {
		t.Error("trade routine should carry trade scratch only")
	}
	if !cur.StartedAt.Equal(h.clock.Now()) {
		t.Errorf("started at %v, want %v", cur.StartedAt, h.clock.Now())
	}
	if h.rec.count(EventStarted) != 1 {
		t.Errorf("started events = %d, want 1", h.rec.count(EventStarted))
	}
}

func TestStartUnknownRoutine(t *testing.T) {
	h := newHarness(t)

	err := h.start("mining", false)
	if !errors.Is(err, ErrUnknownRoutine) {
		t.Fatalf("expected ErrUnknownRoutine, got %v", err)
	}
	if h.sched.Context(h.agent.ID) != nil {
		t.Error("unknown routine must not create a context")
	}

	h.mustStart(TraderMain, false)
	before, _ := h.sched.Snapshot(h.agent.ID)
	if err := h.start("mining", true); !errors.Is(err, ErrUnknownRoutine) {
		t.Fatalf("forced unknown routine: %v", err)
	}
	after, _ := h.sched.Snapshot(h.agent.ID)
	if !reflect.DeepEqual(before, after) {
		t.Error("failed start changed the context")
	}
	if h.rec.count(EventRejected) != 2 {
		t.Errorf("rejected events = %d, want 2", h.rec.count(EventRejected))
	}
}

func TestStartPreemptsLowerPriority(t *testing.T) {
	h := newHarness(t)
	h.mustStart(TraderMain, false)
	h.update()
	h.update()
	traderStep := h.current().StepIndex

	h.mustStart(Escape, false)

	ac := h.ctx()
	if ac.Current.TemplateName != Escape {
		t.Fatalf("current = %s, want escape", ac.Current.TemplateName)
	}
	if len(ac.Suspended) != 1 || ac.Suspended[0].TemplateName != TraderMain {
		t.Fatalf("suspended = %+v, want [trader_main]", ac.Suspended)
	}
	if ac.Suspended[0].StepIndex != traderStep {
		t.Errorf("suspended trader at step %d, want %d", ac.Suspended[0].StepIndex, traderStep)
	}
	if ac.Suspended[0].Trade.BuyStation != "cheap" {
		t.Error("suspended routine lost its scratch data")
	}
	if h.rec.count(EventPreempted) != 1 {
		t.Errorf("preempted events = %d, want 1", h.rec.count(EventPreempted))
	}
}

func TestStartRejectsWhenNotInterruptible(t *testing.T) {
	h := newHarness(t)
	registerRanked(t, h.reg, map[string]int{"alarm": 20})
	h.mustStart(Escape, false)
	before, _ := h.sched.Snapshot(h.agent.ID)

	for _, name := range []string{TraderMain, "alarm"} {
		err := h.start(name, false)
		if !errors.Is(err, ErrPriorityRejected) {
			t.Errorf("start %s: expected ErrPriorityRejected, got %v", name, err)
		}
	}

	after, _ := h.sched.Snapshot(h.agent.ID)
	if !reflect.DeepEqual(before, after) {
		t.Error("rejected start changed the context")
	}
}

func TestStartRejectsEqualPriority(t *testing.T) {
	h := newHarness(t)
	registerRanked(t, h.reg, map[string]int{"peer": 5, "lesser": 2})
	h.mustStart(TraderMain, false)

	for _, name := range []string{TraderMain, "peer", "lesser"} {
		if err := h.start(name, false); !errors.Is(err, ErrPriorityRejected) {
			t.Errorf("start %s: expected ErrPriorityRejected, got %v", name, err)
		}
	}
	if len(h.ctx().Suspended) != 0 || h.current().TemplateName != TraderMain {
		t.Error("rejected starts changed the context")
	}
}

func TestForceSuspendsInterruptible(t *testing.T) {
	h := newHarness(t)
	registerRanked(t, h.reg, map[string]int{"lesser": 2})
	h.mustStart(TraderMain, false)

	h.mustStart("lesser", true)

	ac := h.ctx()
	if ac.Current.TemplateName != "lesser" || len(ac.Suspended) != 1 {
		t.Errorf("current %s, %d suspended", ac.Current.TemplateName, len(ac.Suspended))
	}
}

func TestForceDiscardsNonInterruptible(t *testing.T) {
	h := newHarness(t)
	h.mustStart(Escape, false)

	h.mustStart(TraderMain, true)

	ac := h.ctx()
	if ac.Current.TemplateName != TraderMain {
		t.Errorf("current = %s, want trader_main", ac.Current.TemplateName)
	}
	if len(ac.Suspended) != 0 {
		t.Errorf("discarded routine was suspended: %+v", ac.Suspended)
	}
	if h.rec.count(EventDiscarded) != 1 {
		t.Errorf("discarded events = %d, want 1", h.rec.count(EventDiscarded))
	}
}

func TestStartSuspendDepth(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxSuspended = 2 })
	registerRanked(t, h.reg, map[string]int{"p1": 1, "p2": 2, "p3": 3, "p4": 4})

	for _, name := range []string{"p1", "p2", "p3"} {
		h.mustStart(name, false)
	}
	err := h.start("p4", false)
	if !errors.Is(err, ErrSuspendDepth) {
		t.Fatalf("expected ErrSuspendDepth, got %v", err)
	}
	ac := h.ctx()
	if ac.Current.TemplateName != "p3" || len(ac.Suspended) != 2 {
		t.Errorf("current %s, %d suspended", ac.Current.TemplateName, len(ac.Suspended))
	}
}

func TestForcedStartEvictsOldestWhenStackFull(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxSuspended = 2 })
	registerRanked(t, h.reg, map[string]int{"p1": 1, "p2": 2, "p3": 3, "p4": 4})

	for _, name := range []string{"p1", "p2", "p3"} {
		h.mustStart(name, false)
	}
	h.mustStart("p4", true)

	ac := h.ctx()
	if ac.Current.TemplateName != "p4" {
		t.Fatalf("current = %s, want p4", ac.Current.TemplateName)
	}
	if len(ac.Suspended) != 2 || ac.Suspended[0].TemplateName != "p2" || ac.Suspended[1].TemplateName != "p3" {
		t.Errorf("suspended = %+v, want [p2 p3]", ac.Suspended)
	}
	var evicted []string
	for _, e := range h.rec.events {
		if e.Type == EventDiscarded {
			evicted = append(evicted, e.Routine)
		}
	}
	if len(evicted) != 1 || evicted[0] != "p1" {
		t.Errorf("discarded = %v, want [p1]", evicted)
	}
}

func TestRestoreClearsIntent(t *testing.T) {
	h := newHarness(t)
	h.mustStart(TraderMain, false)
	h.update()
	h.update()
	h.update()
	snap, _ := h.sched.Snapshot(h.agent.ID)
	if snap.Intent != world.Destination("cheap") {
		t.Fatalf("intent before restore = %+v", snap.Intent)
	}

	other := newHarness(t)
	other.agent = h.agent
	other.sched.Restore(snap)
	if other.ctx().Intent != (world.Intent{}) {
		t.Errorf("restored intent = %+v, want none", other.ctx().Intent)
	}
	other.update()
	if other.sink.count(world.IntentDestination) != 1 {
		t.Error("restored travel step did not resend its destination")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.mustStart(TraderMain, false)
	h.update()
	h.update()

	snap, ok := h.sched.Snapshot(h.agent.ID)
	if !ok {
		t.Fatal("no snapshot")
	}
	snap.Suspended = append(snap.Suspended, Instance{TemplateName: "retired", StepIndex: 1})

	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded AgentContext
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	other := newHarness(t)
	other.agent = h.agent
	if dropped := other.sched.Restore(decoded); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	cur := other.current()
	if cur.Template == nil || cur.Template.Name != TraderMain || cur.StepIndex != 3 {
		t.Fatalf("restored current = %+v", cur)
	}
	if cur.Trade.BuyStation != "cheap" || cur.Trade.Quantity != 100 {
		t.Errorf("restored scratch = %+v", cur.Trade)
	}
	if len(other.ctx().Suspended) != 0 {
		t.Errorf("retired instance survived restore")
	}

	other.update()
	if other.sink.count(world.IntentDestination) != 1 {
		t.Error("restored routine did not resume travelling")
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	h := newHarness(t)
	h.mustStart(TraderMain, false)
	h.update()
	h.update()

	snap, _ := h.sched.Snapshot(h.agent.ID)
	snap.Current.Trade.BuyStation = "elsewhere"
	snap.Current.StepIndex = 7

	if h.current().Trade.BuyStation != "cheap" || h.current().StepIndex != 3 {
		t.Error("editing a snapshot changed the live context")
	}
}

func TestForget(t *testing.T) {
	h := newHarness(t)
	h.mustStart(TraderMain, false)
	if h.sched.Len() != 1 {
		t.Fatalf("len = %d, want 1", h.sched.Len())
	}
	h.sched.Forget(h.agent.ID)
	if h.sched.Len() != 0 || h.sched.Context(h.agent.ID) != nil {
		t.Error("context survived Forget")
	}
	// Forgetting twice is harmless.
	h.sched.Forget(h.agent.ID)
}

func TestUpdateRecordsLastUpdate(t *testing.T) {
	h := newHarness(t)
	h.update()
	if got := h.ctx().LastUpdate; !got.Equal(h.clock.Now()) {
		t.Errorf("last update = %v, want %v", got, h.clock.Now())
	}
	h.clock.Advance(time.Second)
	h.update()
	if got := h.ctx().LastUpdate; !got.Equal(h.clock.Now()) {
		t.Errorf("last update = %v, want %v", got, h.clock.Now())
	}
	if h.ctx().Current != nil {
		t.Error("update on an idle agent started a routine")
	}
}

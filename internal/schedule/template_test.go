package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/agentfi/npcsched/internal/world"
)

func TestDefaultTemplates(t *testing.T) {
	reg := NewDefaultRegistry()

	trader, ok := reg.Lookup(TraderMain)
	if !ok {
		t.Fatal("trader_main not registered")
	}
	if trader.Priority != 5 || !trader.Interruptible || !trader.LoopOnComplete {
		t.Errorf("trader_main = prio %d interruptible %v loop %v", trader.Priority, trader.Interruptible, trader.LoopOnComplete)
	}
	wantKinds := []StepKind{
		StepCheckInventory, StepCheckInventory, StepSearchBuy, StepTravelToBuy,
		StepBuyCargo, StepSearchSell, StepTravelToSell, StepSellCargo,
	}
	if len(trader.Steps) != len(wantKinds) {
		t.Fatalf("trader_main has %d steps, want %d", len(trader.Steps), len(wantKinds))
	}
	for i, k := range wantKinds {
		if trader.Steps[i].Kind != k {
			t.Errorf("step %d kind = %s, want %s", i, trader.Steps[i].Kind, k)
		}
	}
	if trader.Steps[1].jump != 5 {
		t.Errorf("shortcut jump resolved to %d, want 5", trader.Steps[1].jump)
	}
	if trader.Steps[0].jump != noJump {
		t.Errorf("plain inventory check should not jump, got %d", trader.Steps[0].jump)
	}

	policies := map[string]FailurePolicy{
		"search_buy":     Skip,
		"travel_to_buy":  AbortSchedule,
		"buy_cargo":      Retry,
		"search_sell":    Skip,
		"travel_to_sell": AbortSchedule,
		"sell_cargo":     Retry,
	}
	for id, want := range policies {
		i, _ := trader.StepIndex(id)
		if got := trader.Steps[i].OnFailure; got != want {
			t.Errorf("%s on failure = %s, want %s", id, got, want)
		}
	}
	if i, _ := trader.StepIndex("search_sell"); len(trader.Steps[i].Requirements) != 0 {
		t.Errorf("search_sell requirements = %+v, want none", trader.Steps[i].Requirements)
	}

	esc, ok := reg.Lookup(Escape)
	if !ok {
		t.Fatal("escape not registered")
	}
	if esc.Priority != 10 || esc.Interruptible || esc.LoopOnComplete || len(esc.Steps) != 2 {
		t.Errorf("escape = %+v", esc)
	}
	if !esc.Steps[0].Dwell || esc.Steps[1].OnFailure != Retry {
		t.Error("escape should dwell then retry fleeing")
	}
}

func TestRegisterValidation(t *testing.T) {
	step := Step{ID: "s", Kind: StepSearchBuy}
	tests := []struct {
		name string
		tmpl Template
	}{
		{"empty name", Template{Kind: RoutineTrade, Steps: []Step{step}}},
		{"unknown routine kind", Template{Name: "x", Steps: []Step{step}}},
		{"no steps", Template{Name: "x", Kind: RoutineTrade}},
		{"unknown step kind", Template{Name: "x", Kind: RoutineTrade, Steps: []Step{{ID: "s", Kind: StepKind(99)}}}},
		{"duplicate step id", Template{Name: "x", Kind: RoutineTrade, Steps: []Step{step, step}}},
		{"timeout without policy", Template{Name: "x", Kind: RoutineTrade, Steps: []Step{
			{ID: "s", Kind: StepSearchBuy, Timeout: time.Second},
		}}},
		{"dwell without timeout", Template{Name: "x", Kind: RoutineEscape, Steps: []Step{
			{ID: "s", Kind: StepAssessThreat, Dwell: true},
		}}},
		{"missing jump target", Template{Name: "x", Kind: RoutineTrade, Steps: []Step{
			{ID: "s", Kind: StepCheckInventory, JumpTo: "nowhere"},
		}}},
		{"jump on wrong kind", Template{Name: "x", Kind: RoutineTrade, Steps: []Step{
			{ID: "a", Kind: StepSearchBuy, JumpTo: "b"}, {ID: "b", Kind: StepSellCargo},
		}}},
		{"unknown requirement", Template{Name: "x", Kind: RoutineTrade, Steps: []Step{
			{ID: "s", Kind: StepSearchBuy, Requirements: []Requirement{{Kind: RequirementKind(42)}}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.tmpl)
			if !errors.Is(err, ErrInvalidTemplate) {
				t.Errorf("expected ErrInvalidTemplate, got %v", err)
			}
		})
	}
}

func TestRegisterCopiesSteps(t *testing.T) {
	reg := NewRegistry()
	steps := []Step{{ID: "check", Kind: StepCheckInventory}}
	if err := reg.Register(Template{Name: "mine", Kind: RoutineTrade, Priority: 1, Steps: steps}); err != nil {
		t.Fatalf("register: %v", err)
	}
	steps[0].Kind = StepSellCargo

	got, _ := reg.Lookup("mine")
	if got.Steps[0].Kind != StepCheckInventory {
		t.Error("registered template changed after caller edited its slice")
	}

	// Overwrite is idempotent by name.
	if err := reg.Register(Template{Name: "mine", Kind: RoutineTrade, Priority: 3, Steps: steps}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	got, _ = reg.Lookup("mine")
	if got.Priority != 3 || len(reg.Names()) != 1 {
		t.Errorf("overwrite: priority %d, %d names", got.Priority, len(reg.Names()))
	}
}

func TestRequirements(t *testing.T) {
	docked := world.AgentState{
		Position:    world.Position{StationID: "home"},
		Cargo:       map[world.Commodity]int64{"ore": 2},
		Credits:     100,
		ThreatLevel: 20,
	}
	flying := world.AgentState{Cargo: map[world.Commodity]int64{"ore": 0}}

	tests := []struct {
		name  string
		req   Requirement
		agent world.AgentState
		want  bool
	}{
		{"credits greater", HasCredits(Greater, 0), docked, true},
		{"credits greater broke", HasCredits(Greater, 0), flying, false},
		{"credits at least", HasCredits(GreaterOrEqual, 100), docked, true},
		{"credits less", HasCredits(Less, 50), docked, false},
		{"credits equal", HasCredits(Equal, 100), docked, true},
		{"cargo above zero", HasCargoAboveZero(), docked, true},
		{"cargo empty", HasCargoAboveZero(), flying, false},
		{"at station", AtStation(true), docked, true},
		{"in flight", AtStation(false), flying, true},
		{"not docked", AtStation(true), flying, false},
		{"threat below", ThreatBelow(50), docked, true},
		{"threat not below", ThreatBelow(20), docked, false},
		{"unknown kind", Requirement{Kind: 77}, docked, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.Met(tt.agent); got != tt.want {
				t.Errorf("%s.Met = %v, want %v", tt.req, got, tt.want)
			}
		})
	}
}

// Package schedule implements the routine scheduler that drives non-player
// agents through multi-step routines. Each agent owns at most one active
// routine instance plus a stack of suspended ones; a higher-priority routine
// may preempt the active one, which then resumes where it left off.
//
// The scheduler is tick driven and single threaded per agent: Update never
// blocks, and waiting on travel or a trade is represented as a step that
// reports "not complete" until the observed agent state says otherwise.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Template names registered by DefaultTemplates.
const (
	TraderMain = "trader_main"
	Escape     = "escape"
)

// RoutineKind selects the scratch workspace a routine carries.
type RoutineKind uint8

const (
	RoutineTrade RoutineKind = iota + 1
	RoutineEscape
)

func (k RoutineKind) String() string {
	switch k {
	case RoutineTrade:
		return "trade"
	case RoutineEscape:
		return "escape"
	default:
		return fmt.Sprintf("routine(%d)", uint8(k))
	}
}

// MarshalText renders the kind by name.
func (k RoutineKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// StepKind selects the handler that acts for a step and decides when it is
// complete.
type StepKind uint8

const (
	StepCheckInventory StepKind = iota + 1
	StepSearchBuy
	StepTravelToBuy
	StepBuyCargo
	StepSearchSell
	StepTravelToSell
	StepSellCargo
	StepAssessThreat
	StepFleeToSafety
)

var stepKindNames = map[StepKind]string{
	StepCheckInventory: "check_inventory",
	StepSearchBuy:      "search_buy_opportunity",
	StepTravelToBuy:    "travel_to_buy",
	StepBuyCargo:       "buy_cargo",
	StepSearchSell:     "search_sell_opportunity",
	StepTravelToSell:   "travel_to_sell",
	StepSellCargo:      "sell_cargo",
	StepAssessThreat:   "assess_threat",
	StepFleeToSafety:   "flee_to_safety",
}

func (k StepKind) String() string {
	if n, ok := stepKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("step(%d)", uint8(k))
}

// MarshalText renders the kind by name.
func (k StepKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k StepKind) valid() bool {
	_, ok := stepKindNames[k]
	return ok
}

// instant steps only read agent state, so the executor keeps going when one
// becomes current within the same tick.
func (k StepKind) instant() bool { return k == StepCheckInventory }

// FailurePolicy is applied once when a step's timeout expires.
type FailurePolicy uint8

const (
	// Retry re-enters the step with a fresh start time.
	Retry FailurePolicy = iota + 1
	// Skip advances past the step without meeting its goal.
	Skip
	// AbortSchedule discards the routine and resumes the one beneath it.
	AbortSchedule
)

func (p FailurePolicy) String() string {
	switch p {
	case Retry:
		return "retry"
	case Skip:
		return "skip"
	case AbortSchedule:
		return "abort_schedule"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// MarshalText renders the policy by name.
func (p FailurePolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Step is one unit of work in a routine. The step kind determines both the
// action taken and the completion condition.
type Step struct {
	ID           string
	Kind         StepKind
	Description  string
	Requirements []Requirement
	// Timeout of zero means the step never times out.
	Timeout   time.Duration
	OnFailure FailurePolicy
	// Dwell steps complete when their timeout expires instead of failing.
	Dwell bool
	// JumpTo names the step to continue at when a check_inventory step finds
	// cargo already in the hold.
	JumpTo string

	jump int
}

// Template is an immutable routine definition.
type Template struct {
	Name           string
	Kind           RoutineKind
	Priority       int
	Interruptible  bool
	LoopOnComplete bool
	Steps          []Step
}

// StepIndex returns the position of the step with the given id.
func (t *Template) StepIndex(id string) (int, bool) {
	for i, s := range t.Steps {
		if s.ID == id {
			return i, true
		}
	}
	return 0, false
}

// Errors returned by template registration.
var (
	ErrInvalidTemplate = errors.New("schedule: invalid template")
)

// Registry is the catalog of routine templates, keyed by name. Templates are
// copied on registration so later edits by the caller have no effect.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// NewDefaultRegistry creates a registry holding DefaultTemplates.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range DefaultTemplates() {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register validates and stores t, replacing any template of the same name.
func (r *Registry) Register(t Template) error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTemplate)
	}
	if t.Kind != RoutineTrade && t.Kind != RoutineEscape {
		return fmt.Errorf("%w: %s: unknown routine kind %d", ErrInvalidTemplate, t.Name, t.Kind)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("%w: %s: no steps", ErrInvalidTemplate, t.Name)
	}

	steps := make([]Step, len(t.Steps))
	copy(steps, t.Steps)
	t.Steps = steps

	seen := make(map[string]bool, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: %s: step %d has no id", ErrInvalidTemplate, t.Name, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s: duplicate step id %q", ErrInvalidTemplate, t.Name, s.ID)
		}
		seen[s.ID] = true
		if !s.Kind.valid() {
			return fmt.Errorf("%w: %s/%s: unknown step kind %d", ErrInvalidTemplate, t.Name, s.ID, s.Kind)
		}
		if s.Timeout > 0 && !s.Dwell && (s.OnFailure < Retry || s.OnFailure > AbortSchedule) {
			return fmt.Errorf("%w: %s/%s: timeout without failure policy", ErrInvalidTemplate, t.Name, s.ID)
		}
		if s.Dwell && s.Timeout <= 0 {
			return fmt.Errorf("%w: %s/%s: dwell step needs a timeout", ErrInvalidTemplate, t.Name, s.ID)
		}
		s.Requirements = append([]Requirement(nil), s.Requirements...)
		for _, req := range s.Requirements {
			if err := req.validate(); err != nil {
				return fmt.Errorf("%w: %s/%s: %v", ErrInvalidTemplate, t.Name, s.ID, err)
			}
		}
	}

	for i := range steps {
		s := &steps[i]
		s.jump = -1
		if s.JumpTo == "" {
			continue
		}
		if s.Kind != StepCheckInventory {
			return fmt.Errorf("%w: %s/%s: only check_inventory steps may jump", ErrInvalidTemplate, t.Name, s.ID)
		}
		idx, ok := t.StepIndex(s.JumpTo)
		if !ok {
			return fmt.Errorf("%w: %s/%s: jump target %q not found", ErrInvalidTemplate, t.Name, s.ID, s.JumpTo)
		}
		s.jump = idx
	}

	r.mu.Lock()
	r.templates[t.Name] = &t
	r.mu.Unlock()
	return nil
}

// Lookup returns the template registered under name.
func (r *Registry) Lookup(name string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// Names lists the registered template names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultTemplates returns the trade loop and the escape routine.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:           TraderMain,
			Kind:           RoutineTrade,
			Priority:       5,
			Interruptible:  true,
			LoopOnComplete: true,
			Steps: []Step{
				{
					ID:          "check_inventory",
					Kind:        StepCheckInventory,
					Description: "Check cargo hold",
				},
				{
					ID:          "check_cargo_to_sell",
					Kind:        StepCheckInventory,
					Description: "Go straight to selling when the hold is not empty",
					JumpTo:      "search_sell",
				},
				{
					ID:          "search_buy",
					Kind:        StepSearchBuy,
					Description: "Find the cheapest profitable commodity nearby",
					Timeout:     30 * time.Second,
					OnFailure:   Skip,
				},
				{
					ID:           "travel_to_buy",
					Kind:         StepTravelToBuy,
					Description:  "Fly to the buy station",
					Requirements: []Requirement{HasCredits(Greater, 0)},
					Timeout:      5 * time.Minute,
					OnFailure:    AbortSchedule,
				},
				{
					ID:           "buy_cargo",
					Kind:         StepBuyCargo,
					Description:  "Buy the target commodity",
					Requirements: []Requirement{AtStation(true), HasCredits(Greater, 0)},
					Timeout:      30 * time.Second,
					OnFailure:    Retry,
				},
				{
					ID:          "search_sell",
					Kind:        StepSearchSell,
					Description: "Find the best price for the cargo",
					Timeout:     30 * time.Second,
					OnFailure:   Skip,
				},
				{
					ID:          "travel_to_sell",
					Kind:        StepTravelToSell,
					Description: "Fly to the sell station",
					Timeout:     5 * time.Minute,
					OnFailure:   AbortSchedule,
				},
				{
					ID:           "sell_cargo",
					Kind:         StepSellCargo,
					Description:  "Sell the whole hold",
					Requirements: []Requirement{AtStation(true)},
					Timeout:      30 * time.Second,
					OnFailure:    Retry,
				},
			},
		},
		{
			Name:           Escape,
			Kind:           RoutineEscape,
			Priority:       10,
			Interruptible:  false,
			LoopOnComplete: false,
			Steps: []Step{
				{
					ID:          "assess_threat",
					Kind:        StepAssessThreat,
					Description: "Pause briefly to assess the threat",
					Timeout:     2 * time.Second,
					Dwell:       true,
				},
				{
					ID:          "flee",
					Kind:        StepFleeToSafety,
					Description: "Run to the most distant known station",
					Timeout:     2 * time.Minute,
					OnFailure:   Retry,
				},
			},
		},
	}
}

package schedule

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentfi/npcsched/internal/world"
)

// TradeWorkingSet is the scratch data the trade routine passes between its
// steps. It is reset to the zero value whenever the loop restarts.
type TradeWorkingSet struct {
	Commodity     world.Commodity `json:"commodity,omitempty"`
	BuyStation    string          `json:"buy_station,omitempty"`
	BuyPrice      int64           `json:"buy_price,omitempty"`
	Quantity      int64           `json:"quantity,omitempty"`
	SellCommodity world.Commodity `json:"sell_commodity,omitempty"`
	SellStation   string          `json:"sell_station,omitempty"`
	SellPrice     int64           `json:"sell_price,omitempty"`
}

// EscapeWorkingSet is the scratch data of the escape routine.
type EscapeWorkingSet struct {
	SafeStation string     `json:"safe_station,omitempty"`
	SafeCoords  world.Vec3 `json:"safe_coords"`
}

// Instance is a template running for one agent.
type Instance struct {
	Template     *Template `json:"-"`
	TemplateName string    `json:"template"`
	StepIndex    int       `json:"step_index"`
	StartedAt    time.Time `json:"started_at"`
	// StepStartedAt is zero until the current step is first processed.
	StepStartedAt time.Time         `json:"step_started_at"`
	Trade         *TradeWorkingSet  `json:"trade,omitempty"`
	Escape        *EscapeWorkingSet `json:"escape,omitempty"`
}

func newInstance(t *Template, now time.Time) *Instance {
	inst := &Instance{
		Template:     t,
		TemplateName: t.Name,
		StartedAt:    now,
	}
	inst.resetScratch()
	return inst
}

func (i *Instance) resetScratch() {
	i.Trade, i.Escape = nil, nil
	switch i.Template.Kind {
	case RoutineTrade:
		i.Trade = &TradeWorkingSet{}
	case RoutineEscape:
		i.Escape = &EscapeWorkingSet{}
	}
}

// Kind is the routine kind of the instance's template.
func (i *Instance) Kind() RoutineKind { return i.Template.Kind }

// Priority is the priority of the instance's template.
func (i *Instance) Priority() int { return i.Template.Priority }

// Done reports whether every step has completed.
func (i *Instance) Done() bool { return i.StepIndex >= len(i.Template.Steps) }

// CurrentStep returns the step at StepIndex, or nil when done.
func (i *Instance) CurrentStep() *Step {
	if i.Done() || i.StepIndex < 0 {
		return nil
	}
	return &i.Template.Steps[i.StepIndex]
}

func (i Instance) clone() Instance {
	if i.Trade != nil {
		ws := *i.Trade
		i.Trade = &ws
	}
	if i.Escape != nil {
		ws := *i.Escape
		i.Escape = &ws
	}
	return i
}

// AgentContext is the scheduling state owned by one agent.
type AgentContext struct {
	AgentID   uuid.UUID  `json:"agent_id"`
	Current   *Instance  `json:"current,omitempty"`
	Suspended []Instance `json:"suspended"`
	// Intent is the last intent emitted for the agent. It is cleared whenever
	// a step is entered afresh so that step sends its intent again.
	Intent     world.Intent `json:"intent"`
	LastUpdate time.Time    `json:"last_update"`
}

func (c *AgentContext) push(inst Instance) {
	c.Suspended = append(c.Suspended, inst)
}

func (c *AgentContext) pop() (Instance, bool) {
	n := len(c.Suspended)
	if n == 0 {
		return Instance{}, false
	}
	inst := c.Suspended[n-1]
	c.Suspended[n-1] = Instance{}
	c.Suspended = c.Suspended[:n-1]
	return inst, true
}

// dropBottom removes the oldest suspended instance.
func (c *AgentContext) dropBottom() (Instance, bool) {
	if len(c.Suspended) == 0 {
		return Instance{}, false
	}
	inst := c.Suspended[0]
	c.Suspended = append(c.Suspended[:0], c.Suspended[1:]...)
	return inst, true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *AgentContext) Clone() AgentContext {
	out := AgentContext{
		AgentID:    c.AgentID,
		Intent:     c.Intent,
		LastUpdate: c.LastUpdate,
		Suspended:  make([]Instance, len(c.Suspended)),
	}
	if c.Current != nil {
		cur := c.Current.clone()
		out.Current = &cur
	}
	for i, s := range c.Suspended {
		out.Suspended[i] = s.clone()
	}
	return out
}

// bind re-attaches templates after a context has been decoded. Instances
// whose template is no longer registered are dropped.
func (c *AgentContext) bind(reg *Registry) (dropped int) {
	if c.Current != nil {
		if t, ok := reg.Lookup(c.Current.TemplateName); ok && c.Current.StepIndex >= 0 && c.Current.StepIndex <= len(t.Steps) {
			c.Current.Template = t
			c.Current.fillScratch()
		} else {
			c.Current = nil
			dropped++
		}
	}
	kept := c.Suspended[:0]
	for _, inst := range c.Suspended {
		t, ok := reg.Lookup(inst.TemplateName)
		if !ok || inst.StepIndex < 0 || inst.StepIndex > len(t.Steps) {
			dropped++
			continue
		}
		inst.Template = t
		inst.fillScratch()
		kept = append(kept, inst)
	}
	c.Suspended = kept
	return dropped
}

func (i *Instance) fillScratch() {
	switch i.Template.Kind {
	case RoutineTrade:
		if i.Trade == nil {
			i.Trade = &TradeWorkingSet{}
		}
		i.Escape = nil
	case RoutineEscape:
		if i.Escape == nil {
			i.Escape = &EscapeWorkingSet{}
		}
		i.Trade = nil
	}
}

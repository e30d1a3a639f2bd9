package trigger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentfi/npcsched/internal/world"
)

// Default thresholds: an agent escapes when threat is above DefaultHighThreat
// and its risk tolerance is below DefaultLowTolerance.
const (
	DefaultHighThreat   = 60
	DefaultLowTolerance = 40
)

// DefaultExpressions is the default rule set in expression form.
var DefaultExpressions = []string{
	"threat > " + strconv.Itoa(DefaultHighThreat),
	"tolerance < " + strconv.Itoa(DefaultLowTolerance),
}

// Decision is the outcome of evaluating a Monitor against one agent.
type Decision struct {
	Escalate bool     `json:"escalate"`
	Reason   string   `json:"reason"`
	Held     []string `json:"held"`
}

// Monitor escalates when every one of its conditions holds. A Monitor with no
// conditions never escalates.
type Monitor struct {
	conditions []Condition
}

// NewMonitor creates a monitor over conds.
func NewMonitor(conds ...Condition) *Monitor {
	return &Monitor{conditions: append([]Condition(nil), conds...)}
}

// FromExpressions parses exprs into a monitor.
func FromExpressions(exprs []string) (*Monitor, error) {
	conds, err := ParseAll(exprs)
	if err != nil {
		return nil, fmt.Errorf("trigger: build monitor: %w", err)
	}
	return NewMonitor(conds...), nil
}

// Default returns the threat/tolerance monitor.
func Default() *Monitor {
	return NewMonitor(
		Condition{Metric: MetricThreat, Operator: ">", Threshold: DefaultHighThreat},
		Condition{Metric: MetricTolerance, Operator: "<", Threshold: DefaultLowTolerance},
	)
}

// Conditions returns a copy of the monitor's conditions.
func (m *Monitor) Conditions() []Condition {
	return append([]Condition(nil), m.conditions...)
}

// Evaluate runs the conditions in order. The first one that does not hold
// ends the chain and becomes the reason.
func (m *Monitor) Evaluate(a world.AgentState) Decision {
	if len(m.conditions) == 0 {
		return Decision{Reason: "no conditions"}
	}
	d := Decision{Escalate: true}
	for _, c := range m.conditions {
		if !c.Holds(a) {
			d.Escalate = false
			d.Reason = fmt.Sprintf("%s not met: %s is %s", c, c.Metric,
				strconv.FormatFloat(value(c.Metric, a), 'f', -1, 64))
			return d
		}
		d.Held = append(d.Held, c.String())
	}
	d.Reason = strings.Join(d.Held, " and ")
	return d
}

// Escalate reports whether a must be forced into the escalation routine,
// with the reason from Evaluate.
func (m *Monitor) Escalate(a world.AgentState) (bool, string) {
	d := m.Evaluate(a)
	return d.Escalate, d.Reason
}

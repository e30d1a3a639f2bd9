// Package trigger decides when an agent must drop what it is doing and run
// the escalation routine. Thresholds are written as short expressions such as
// "threat > 60" so operators can tune them from configuration.
package trigger

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentfi/npcsched/internal/world"
)

// ErrInvalidCondition is returned for expressions that do not parse.
var ErrInvalidCondition = errors.New("trigger: invalid condition")

// Metric names an agent attribute a condition reads.
type Metric string

const (
	MetricThreat    Metric = "threat"
	MetricTolerance Metric = "tolerance"
	MetricCredits   Metric = "credits"
	MetricCargo     Metric = "cargo"
)

// conditionPattern matches "threat > 60", "Tolerance<40.5", "cargo >= 1".
// Group 1: metric, Group 2: operator, Group 3: number.
var conditionPattern = regexp.MustCompile(
	`(?i)^\s*(threat|tolerance|credits|cargo)\s*(<=|>=|==|<|>)\s*(-?\d+(?:\.\d+)?)\s*$`,
)

// Condition is one parsed threshold comparison.
type Condition struct {
	Metric    Metric  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
}

// Parse reads a single expression.
func Parse(expr string) (Condition, error) {
	m := conditionPattern.FindStringSubmatch(expr)
	if m == nil {
		return Condition{}, fmt.Errorf("%w: %q", ErrInvalidCondition, expr)
	}
	threshold, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return Condition{}, fmt.Errorf("%w: %q: %v", ErrInvalidCondition, expr, err)
	}
	return Condition{
		Metric:    Metric(strings.ToLower(m[1])),
		Operator:  m[2],
		Threshold: threshold,
	}, nil
}

// ParseAll reads every expression, failing on the first bad one.
func ParseAll(exprs []string) ([]Condition, error) {
	out := make([]Condition, 0, len(exprs))
	for _, e := range exprs {
		c, err := Parse(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Holds evaluates the condition against a.
func (c Condition) Holds(a world.AgentState) bool {
	return compare(value(c.Metric, a), c.Operator, c.Threshold)
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Metric, c.Operator, strconv.FormatFloat(c.Threshold, 'f', -1, 64))
}

func value(m Metric, a world.AgentState) float64 {
	switch m {
	case MetricThreat:
		return a.ThreatLevel
	case MetricTolerance:
		return a.RiskTolerance
	case MetricCredits:
		return float64(a.Credits)
	case MetricCargo:
		return float64(a.CargoTotal())
	default:
		return 0
	}
}

// compare applies the operator to lhs and rhs.
func compare(lhs float64, op string, rhs float64) bool {
	switch op {
	case "<":
		return lhs < rhs
	case ">":
		return lhs > rhs
	case "<=":
		return lhs <= rhs
	case ">=":
		return lhs >= rhs
	case "==":
		return lhs == rhs
	default:
		return false
	}
}

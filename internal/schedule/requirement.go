package schedule

import (
	"fmt"

	"github.com/agentfi/npcsched/internal/world"
)

// RequirementKind tags a Requirement variant.
type RequirementKind uint8

const (
	ReqHasCredits RequirementKind = iota + 1
	ReqHasCargoAboveZero
	ReqAtStation
	ReqThreatBelow
)

func (k RequirementKind) String() string {
	switch k {
	case ReqHasCredits:
		return "has_credits"
	case ReqHasCargoAboveZero:
		return "has_cargo_above_zero"
	case ReqAtStation:
		return "at_station"
	case ReqThreatBelow:
		return "threat_below"
	default:
		return fmt.Sprintf("requirement(%d)", uint8(k))
	}
}

// Comparison is the operator used by HasCredits.
type Comparison uint8

const (
	Greater Comparison = iota + 1
	GreaterOrEqual
	Less
	LessOrEqual
	Equal
)

func (c Comparison) apply(lhs, rhs float64) bool {
	switch c {
	case Greater:
		return lhs > rhs
	case GreaterOrEqual:
		return lhs >= rhs
	case Less:
		return lhs < rhs
	case LessOrEqual:
		return lhs <= rhs
	case Equal:
		return lhs == rhs
	default:
		return false
	}
}

// Requirement is a predicate over agent state that gates a step. Build one
// with the constructors below.
type Requirement struct {
	Kind   RequirementKind
	Cmp    Comparison
	Value  float64
	Docked bool
}

// HasCredits holds when credits compare to value with cmp.
func HasCredits(cmp Comparison, value int64) Requirement {
	return Requirement{Kind: ReqHasCredits, Cmp: cmp, Value: float64(value)}
}

// HasCargoAboveZero holds when the hold is not empty.
func HasCargoAboveZero() Requirement {
	return Requirement{Kind: ReqHasCargoAboveZero}
}

// AtStation holds when the agent's docked state equals docked.
func AtStation(docked bool) Requirement {
	return Requirement{Kind: ReqAtStation, Docked: docked}
}

// ThreatBelow holds when the threat level is strictly below value.
func ThreatBelow(value float64) Requirement {
	return Requirement{Kind: ReqThreatBelow, Value: value}
}

// Met evaluates the requirement against a.
func (r Requirement) Met(a world.AgentState) bool {
	switch r.Kind {
	case ReqHasCredits:
		return r.Cmp.apply(float64(a.Credits), r.Value)
	case ReqHasCargoAboveZero:
		return a.CargoTotal() > 0
	case ReqAtStation:
		return a.Position.Docked() == r.Docked
	case ReqThreatBelow:
		return a.ThreatLevel < r.Value
	default:
		return false
	}
}

func (r Requirement) String() string {
	switch r.Kind {
	case ReqHasCredits:
		return fmt.Sprintf("has_credits(%d, %g)", r.Cmp, r.Value)
	case ReqAtStation:
		return fmt.Sprintf("at_station(%t)", r.Docked)
	case ReqThreatBelow:
		return fmt.Sprintf("threat_below(%g)", r.Value)
	default:
		return r.Kind.String()
	}
}

func (r Requirement) validate() error {
	switch r.Kind {
	case ReqHasCredits:
		if r.Cmp < Greater || r.Cmp > Equal {
			return fmt.Errorf("has_credits: unknown comparison %d", r.Cmp)
		}
		return nil
	case ReqHasCargoAboveZero, ReqAtStation, ReqThreatBelow:
		return nil
	default:
		return fmt.Errorf("unknown requirement kind %d", r.Kind)
	}
}

// requirementsMet reports whether every requirement holds.
func requirementsMet(reqs []Requirement, a world.AgentState) bool {
	for _, r := range reqs {
		if !r.Met(a) {
			return false
		}
	}
	return true
}

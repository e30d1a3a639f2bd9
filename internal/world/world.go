// Package world defines the collaborators the routine scheduler consumes:
// a time source, read-only agent state, the station directory, market
// listings, and the intent sink through which agents ask the surrounding
// simulation to move or trade on their behalf.
package world

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Commodity identifies a tradable good.
type Commodity string

// Vec3 is a position in sector space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Distance returns the euclidean distance between v and o.
func (v Vec3) Distance(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Position locates an agent. StationID is empty while the agent is in flight.
type Position struct {
	SystemID  string `json:"system_id"`
	StationID string `json:"station_id,omitempty"`
	Coords    Vec3   `json:"coords"`
}

// Docked reports whether the agent is currently at a station.
func (p Position) Docked() bool { return p.StationID != "" }

// AgentState is a read-only view of one agent for a single tick.
type AgentState struct {
	ID            uuid.UUID           `json:"id"`
	Position      Position            `json:"position"`
	Cargo         map[Commodity]int64 `json:"cargo"`
	CargoCapacity int64               `json:"cargo_capacity"`
	Credits       int64               `json:"credits"`
	ThreatLevel   float64             `json:"threat_level"`
	RiskTolerance float64             `json:"risk_tolerance"`
}

// CargoTotal sums all positive cargo holdings.
func (a AgentState) CargoTotal() int64 {
	var total int64
	for _, q := range a.Cargo {
		if q > 0 {
			total += q
		}
	}
	return total
}

// Station is a dockable location inside a system.
type Station struct {
	ID       string `json:"id"`
	SystemID string `json:"system_id"`
	Name     string `json:"name"`
	Coords   Vec3   `json:"coords"`
}

// Listing is one commodity quote at a station. Prices are in credits per unit.
type Listing struct {
	Commodity Commodity `json:"commodity"`
	Price     int64     `json:"price"`
	BasePrice int64     `json:"base_price"`
}

// Clock is the monotonic time source used for step bookkeeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Directory resolves stations reachable from a system.
type Directory interface {
	Station(id string) (Station, bool)
	Reachable(systemID string) []Station
}

// Market exposes the current quotes at a station.
type Market interface {
	Listings(stationID string) []Listing
}

// Catalog is the read-only world data the scheduler searches.
type Catalog interface {
	Directory
	Market
}

// IntentKind tags what an Intent asks the simulation to do.
type IntentKind uint8

const (
	IntentNone IntentKind = iota
	IntentDestination
	IntentPurchase
	IntentSellAll
)

func (k IntentKind) String() string {
	switch k {
	case IntentDestination:
		return "destination"
	case IntentPurchase:
		return "purchase"
	case IntentSellAll:
		return "sell_all"
	default:
		return "none"
	}
}

// MarshalText renders the kind by name.
func (k IntentKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses a kind name.
func (k *IntentKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "destination":
		*k = IntentDestination
	case "purchase":
		*k = IntentPurchase
	case "sell_all":
		*k = IntentSellAll
	default:
		*k = IntentNone
	}
	return nil
}

// Intent is a request the scheduler emits for an external subsystem to
// fulfil. Completion is observed through later agent state, never returned.
type Intent struct {
	Kind      IntentKind `json:"kind"`
	StationID string     `json:"station_id,omitempty"`
	Commodity Commodity  `json:"commodity,omitempty"`
	Quantity  int64      `json:"quantity,omitempty"`
}

// Destination asks the movement subsystem to fly to a station.
func Destination(stationID string) Intent {
	return Intent{Kind: IntentDestination, StationID: stationID}
}

// Purchase asks the trading subsystem to buy qty units of c at a station.
func Purchase(stationID string, c Commodity, qty int64) Intent {
	return Intent{Kind: IntentPurchase, StationID: stationID, Commodity: c, Quantity: qty}
}

// SellAll asks the trading subsystem to sell the whole hold at a station.
func SellAll(stationID string) Intent {
	return Intent{Kind: IntentSellAll, StationID: stationID}
}

// IntentSink receives intents. Implementations must not call back into the
// scheduler.
type IntentSink interface {
	Emit(agentID uuid.UUID, intent Intent)
}

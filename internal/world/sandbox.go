package world

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Sandbox is a minimal movement and trading simulation that fulfils intents
// so the scheduler can run end to end outside a game host. It is driven from
// a single goroutine: Advance, Agents and Emit must not be called concurrently.
type Sandbox struct {
	snap    *Snapshot
	danger  map[string]float64
	speed   float64
	agents  map[uuid.UUID]*sandboxAgent
	order   []uuid.UUID
	lastNow time.Time

	driftEvery time.Duration
	spread     float64
	rng        *rand.Rand
	lastDrift  time.Time
}

type sandboxAgent struct {
	state   AgentState
	target  string
	pending []Intent
}

// NewSandbox creates a sandbox over snap. speed is in units per second;
// danger maps a system to the threat level agents feel while flying into it.
func NewSandbox(snap *Snapshot, danger map[string]float64, speed float64) *Sandbox {
	if speed <= 0 {
		speed = 100
	}
	return &Sandbox{
		snap:   snap,
		danger: danger,
		speed:  speed,
		agents: make(map[uuid.UUID]*sandboxAgent),
	}
}

// AddAgent places an agent in the sandbox.
func (s *Sandbox) AddAgent(a AgentState) {
	if a.Cargo == nil {
		a.Cargo = make(map[Commodity]int64)
	}
	if _, exists := s.agents[a.ID]; !exists {
		s.order = append(s.order, a.ID)
	}
	s.agents[a.ID] = &sandboxAgent{state: a}
}

// SetListings swaps the market for the next tick.
func (s *Sandbox) SetListings(listings map[string][]Listing) {
	s.snap = s.snap.WithListings(listings)
}

// SetDrift makes Advance reprice the market once per interval, drawing each
// price within spread of its base price. A zero interval or spread turns
// drift off. rng is owned by the sandbox from then on.
func (s *Sandbox) SetDrift(interval time.Duration, spread float64, rng *rand.Rand) {
	s.driftEvery, s.spread, s.rng = interval, spread, rng
	s.lastDrift = time.Time{}
}

func (s *Sandbox) drift() {
	listings := make(map[string][]Listing)
	for _, st := range s.snap.Stations() {
		ls := s.snap.Listings(st.ID)
		if len(ls) == 0 {
			continue
		}
		next := make([]Listing, len(ls))
		for i, l := range ls {
			f := 1 + s.spread*(2*s.rng.Float64()-1)
			l.Price = max(1, int64(math.Round(float64(l.BasePrice)*f)))
			next[i] = l
		}
		listings[st.ID] = next
	}
	s.SetListings(listings)
}

// Catalog returns the current immutable snapshot.
func (s *Sandbox) Catalog() Catalog { return s.snap }

// Agents returns a copy of every agent's state in insertion order.
func (s *Sandbox) Agents() []AgentState {
	out := make([]AgentState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneState(s.agents[id].state))
	}
	return out
}

// Emit queues an intent for fulfilment on the next Advance.
func (s *Sandbox) Emit(agentID uuid.UUID, intent Intent) {
	a, ok := s.agents[agentID]
	if !ok {
		return
	}
	a.pending = append(a.pending, intent)
}

// Advance moves time forward to now, applying queued intents and movement.
func (s *Sandbox) Advance(now time.Time) {
	dt := 0.0
	if !s.lastNow.IsZero() {
		dt = now.Sub(s.lastNow).Seconds()
	}
	s.lastNow = now

	for _, id := range s.order {
		a := s.agents[id]
		for _, in := range a.pending {
			s.apply(a, in)
		}
		a.pending = a.pending[:0]
		s.move(a, dt)
	}

	if s.driftEvery <= 0 || s.spread <= 0 || s.rng == nil {
		return
	}
	switch {
	case s.lastDrift.IsZero():
		s.lastDrift = now
	case now.Sub(s.lastDrift) >= s.driftEvery:
		s.drift()
		s.lastDrift = now
	}
}

func (s *Sandbox) apply(a *sandboxAgent, in Intent) {
	switch in.Kind {
	case IntentDestination:
		if in.StationID == a.state.Position.StationID {
			a.target = ""
			return
		}
		if _, ok := s.snap.Station(in.StationID); ok {
			a.target = in.StationID
		}
	case IntentPurchase:
		if a.state.Position.StationID != in.StationID {
			return
		}
		l, ok := s.snap.Quote(in.StationID, in.Commodity)
		if !ok || l.Price <= 0 {
			return
		}
		qty := in.Quantity - a.state.Cargo[in.Commodity]
		if afford := a.state.Credits / l.Price; qty > afford {
			qty = afford
		}
		if a.state.CargoCapacity > 0 {
			if free := a.state.CargoCapacity - a.state.CargoTotal(); qty > free {
				qty = free
			}
		}
		if qty <= 0 {
			return
		}
		a.state.Cargo[in.Commodity] += qty
		a.state.Credits -= qty * l.Price
	case IntentSellAll:
		if a.state.Position.StationID != in.StationID {
			return
		}
		for c, q := range a.state.Cargo {
			if q <= 0 {
				continue
			}
			price := int64(0)
			if l, ok := s.snap.Quote(in.StationID, c); ok {
				price = l.Price
			}
			a.state.Credits += q * price
			delete(a.state.Cargo, c)
		}
	}
}

func (s *Sandbox) move(a *sandboxAgent, dt float64) {
	if a.target == "" {
		a.state.ThreatLevel = 0
		return
	}
	dest, ok := s.snap.Station(a.target)
	if !ok {
		a.target = ""
		return
	}
	a.state.Position.StationID = ""
	a.state.ThreatLevel = s.danger[dest.SystemID]

	step := s.speed * dt
	remaining := a.state.Position.Coords.Distance(dest.Coords)
	if remaining <= step {
		a.state.Position = Position{SystemID: dest.SystemID, StationID: dest.ID, Coords: dest.Coords}
		a.state.ThreatLevel = 0
		a.target = ""
		return
	}
	frac := step / remaining
	c := a.state.Position.Coords
	a.state.Position.Coords = Vec3{
		X: c.X + (dest.Coords.X-c.X)*frac,
		Y: c.Y + (dest.Coords.Y-c.Y)*frac,
		Z: c.Z + (dest.Coords.Z-c.Z)*frac,
	}
}

func cloneState(a AgentState) AgentState {
	cargo := make(map[Commodity]int64, len(a.Cargo))
	for c, q := range a.Cargo {
		cargo[c] = q
	}
	a.Cargo = cargo
	return a
}

// DemoGalaxy returns a small three-system galaxy with one hazardous system,
// and a sandbox seeded with traders docked at the home station.
func DemoGalaxy(traders int, speed float64) *Sandbox {
	stations := []Station{
		{ID: "sol-prime", SystemID: "sol", Name: "Sol Prime", Coords: Vec3{X: 0}},
		{ID: "sol-outpost", SystemID: "sol", Name: "Sol Outpost", Coords: Vec3{X: 300}},
		{ID: "kepler-forge", SystemID: "kepler", Name: "Kepler Forge", Coords: Vec3{X: 1000, Y: 200}},
		{ID: "kepler-dock", SystemID: "kepler", Name: "Kepler Dock", Coords: Vec3{X: 1200, Y: -100}},
		{ID: "vega-rim", SystemID: "vega", Name: "Vega Rim", Coords: Vec3{X: 2000}},
	}
	gates := map[string][]string{
		"sol":    {"kepler"},
		"kepler": {"vega"},
	}
	listings := map[string][]Listing{
		"sol-prime":    {{Commodity: "electronics", Price: 120, BasePrice: 100}, {Commodity: "food", Price: 15, BasePrice: 20}},
		"sol-outpost":  {{Commodity: "ore", Price: 50, BasePrice: 40}, {Commodity: "food", Price: 22, BasePrice: 20}},
		"kepler-forge": {{Commodity: "electronics", Price: 80, BasePrice: 100}, {Commodity: "ore", Price: 30, BasePrice: 40}},
		"kepler-dock":  {{Commodity: "food", Price: 28, BasePrice: 20}, {Commodity: "electronics", Price: 105, BasePrice: 100}},
		"vega-rim":     {{Commodity: "ore", Price: 65, BasePrice: 40}, {Commodity: "electronics", Price: 140, BasePrice: 100}},
	}
	sb := NewSandbox(NewSnapshot(stations, gates, listings), map[string]float64{"vega": 75}, speed)

	home := stations[0]
	ids := make([]uuid.UUID, traders)
	for i := range ids {
		ids[i] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("npcsched-trader-%d", i)))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for i, id := range ids {
		sb.AddAgent(AgentState{
			ID:            id,
			Position:      Position{SystemID: home.SystemID, StationID: home.ID, Coords: home.Coords},
			CargoCapacity: 200,
			Credits:       10_000,
			RiskTolerance: float64(20 + (i*15)%70),
		})
	}
	return sb
}

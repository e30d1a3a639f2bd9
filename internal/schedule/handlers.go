package schedule

import (
	"log/slog"
	"math"

	"github.com/agentfi/npcsched/internal/world"
)

const noJump = -1

// execute runs the handler for step and reports whether the step is
// complete, plus a jump target when the step redirects the routine.
// Handlers are idempotent: calling one again before it completes emits no
// new intent and leaves already recorded scratch data alone.
func (s *Scheduler) execute(ac *AgentContext, inst *Instance, step *Step, agent world.AgentState) (bool, int) {
	switch step.Kind {
	case StepCheckInventory:
		return s.checkInventory(step, agent)
	case StepSearchBuy:
		return s.searchBuy(inst.Trade, agent), noJump
	case StepTravelToBuy:
		return s.travelTo(ac, inst.Trade.BuyStation, agent), noJump
	case StepBuyCargo:
		return s.buyCargo(ac, inst.Trade, agent), noJump
	case StepSearchSell:
		return s.searchSell(inst.Trade, agent), noJump
	case StepTravelToSell:
		return s.travelTo(ac, inst.Trade.SellStation, agent), noJump
	case StepSellCargo:
		return s.sellCargo(ac, inst.Trade, agent), noJump
	case StepAssessThreat:
		return false, noJump
	case StepFleeToSafety:
		return s.flee(ac, inst.Escape, agent), noJump
	default:
		s.log.Error("schedule: no handler for step kind",
			slog.String("routine", inst.TemplateName),
			slog.String("step_kind", step.Kind.String()),
		)
		return false, noJump
	}
}

func (s *Scheduler) checkInventory(step *Step, agent world.AgentState) (bool, int) {
	if step.jump >= 0 && agent.CargoTotal() > 0 {
		return true, step.jump
	}
	return true, noJump
}

// searchBuy records the cheapest listing priced under the profitability
// bar at any reachable station other than the current one.
func (s *Scheduler) searchBuy(ws *TradeWorkingSet, agent world.AgentState) bool {
	if ws.BuyStation != "" {
		return true
	}
	if s.catalog == nil {
		return false
	}

	var (
		best     world.Listing
		bestAt   string
		bestQty  int64
		found    bool
		freeHold = int64(math.MaxInt64)
	)
	if agent.CargoCapacity > 0 {
		freeHold = agent.CargoCapacity - agent.CargoTotal()
	}

	for _, st := range s.catalog.Reachable(agent.Position.SystemID) {
		if st.ID == agent.Position.StationID {
			continue
		}
		for _, l := range s.catalog.Listings(st.ID) {
			if l.Price <= 0 || float64(l.Price) >= float64(l.BasePrice)*s.cfg.ProfitMargin {
				continue
			}
			qty := min(s.cfg.MaxQuantity, agent.Credits/l.Price, freeHold)
			if qty <= 0 {
				continue
			}
			if !found || l.Price < best.Price {
				best, bestAt, bestQty, found = l, st.ID, qty, true
			}
		}
	}
	if !found {
		return false
	}

	ws.Commodity = best.Commodity
	ws.BuyStation = bestAt
	ws.BuyPrice = best.Price
	ws.Quantity = bestQty
	s.log.Debug("schedule: buy opportunity found",
		slog.String("agent_id", agent.ID.String()),
		slog.String("commodity", string(best.Commodity)),
		slog.String("station", bestAt),
		slog.Int64("price", best.Price),
		slog.Int64("quantity", bestQty),
	)
	return true
}

// travelTo steers the agent to station and completes on arrival. With no
// recorded station there is nowhere to go and the step waits for its
// timeout.
func (s *Scheduler) travelTo(ac *AgentContext, station string, agent world.AgentState) bool {
	if station == "" {
		return false
	}
	if agent.Position.StationID == station {
		return true
	}
	s.emitIntent(ac, world.Destination(station))
	return false
}

func (s *Scheduler) buyCargo(ac *AgentContext, ws *TradeWorkingSet, agent world.AgentState) bool {
	if ws.BuyStation == "" || agent.Position.StationID != ws.BuyStation {
		return false
	}
	if agent.Cargo[ws.Commodity] >= ws.Quantity {
		return true
	}
	s.emitIntent(ac, world.Purchase(ws.BuyStation, ws.Commodity, ws.Quantity))
	return false
}

// searchSell records the highest price offered for any held commodity at a
// reachable station other than the current one.
func (s *Scheduler) searchSell(ws *TradeWorkingSet, agent world.AgentState) bool {
	if ws.SellStation != "" {
		return true
	}
	if s.catalog == nil {
		return false
	}

	var (
		best   world.Listing
		bestAt string
		found  bool
	)
	for _, st := range s.catalog.Reachable(agent.Position.SystemID) {
		if st.ID == agent.Position.StationID {
			continue
		}
		for _, l := range s.catalog.Listings(st.ID) {
			if agent.Cargo[l.Commodity] <= 0 || l.Price <= 0 {
				continue
			}
			if !found || l.Price > best.Price {
				best, bestAt, found = l, st.ID, true
			}
		}
	}
	if !found {
		return false
	}

	ws.SellCommodity = best.Commodity
	ws.SellStation = bestAt
	ws.SellPrice = best.Price
	s.log.Debug("schedule: sell opportunity found",
		slog.String("agent_id", agent.ID.String()),
		slog.String("commodity", string(best.Commodity)),
		slog.String("station", bestAt),
		slog.Int64("price", best.Price),
	)
	return true
}

func (s *Scheduler) sellCargo(ac *AgentContext, ws *TradeWorkingSet, agent world.AgentState) bool {
	if ws.SellStation == "" || agent.Position.StationID != ws.SellStation {
		return false
	}
	if agent.CargoTotal() == 0 {
		return true
	}
	s.emitIntent(ac, world.SellAll(ws.SellStation))
	return false
}

// flee picks the known station farthest from the agent once, steers there,
// and completes inside the safety distance.
func (s *Scheduler) flee(ac *AgentContext, ws *EscapeWorkingSet, agent world.AgentState) bool {
	if ws.SafeStation == "" {
		if s.catalog == nil {
			return false
		}
		far := -1.0
		for _, st := range s.catalog.Reachable(agent.Position.SystemID) {
			if d := agent.Position.Coords.Distance(st.Coords); d > far {
				far = d
				ws.SafeStation = st.ID
				ws.SafeCoords = st.Coords
			}
		}
		if ws.SafeStation == "" {
			return false
		}
		s.log.Info("schedule: fleeing",
			slog.String("agent_id", agent.ID.String()),
			slog.String("refuge", ws.SafeStation),
			slog.Float64("distance", far),
		)
	}

	if agent.Position.Coords.Distance(ws.SafeCoords) < s.cfg.SafetyDistance {
		return true
	}
	s.emitIntent(ac, world.Destination(ws.SafeStation))
	return false
}

package world

import "sort"

// Snapshot is an immutable station directory and market. A new snapshot is
// built whenever prices change; readers never observe a partial update.
type Snapshot struct {
	stations map[string]Station
	bySystem map[string][]Station
	gates    map[string][]string
	listings map[string][]Listing
}

// NewSnapshot builds a snapshot. gates maps a system to the systems one jump
// away; links are treated as bidirectional.
func NewSnapshot(stations []Station, gates map[string][]string, listings map[string][]Listing) *Snapshot {
	s := &Snapshot{
		stations: make(map[string]Station, len(stations)),
		bySystem: make(map[string][]Station),
		gates:    make(map[string][]string),
		listings: make(map[string][]Listing, len(listings)),
	}
	for _, st := range stations {
		s.stations[st.ID] = st
		s.bySystem[st.SystemID] = append(s.bySystem[st.SystemID], st)
	}
	for sys := range s.bySystem {
		sort.Slice(s.bySystem[sys], func(i, j int) bool {
			return s.bySystem[sys][i].ID < s.bySystem[sys][j].ID
		})
	}
	for from, tos := range gates {
		for _, to := range tos {
			s.gates[from] = appendUnique(s.gates[from], to)
			s.gates[to] = appendUnique(s.gates[to], from)
		}
	}
	for id, ls := range listings {
		s.listings[id] = append([]Listing(nil), ls...)
	}
	return s
}

// WithListings returns a copy of s with its market replaced.
func (s *Snapshot) WithListings(listings map[string][]Listing) *Snapshot {
	next := &Snapshot{
		stations: s.stations,
		bySystem: s.bySystem,
		gates:    s.gates,
		listings: make(map[string][]Listing, len(listings)),
	}
	for id, ls := range listings {
		next.listings[id] = append([]Listing(nil), ls...)
	}
	return next
}

// Station looks up a station by id.
func (s *Snapshot) Station(id string) (Station, bool) {
	st, ok := s.stations[id]
	return st, ok
}

// Stations returns every station ordered by id.
func (s *Snapshot) Stations() []Station {
	out := make([]Station, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reachable returns the stations in systemID and in systems one gate away,
// ordered by system then station id.
func (s *Snapshot) Reachable(systemID string) []Station {
	systems := append([]string{systemID}, s.gates[systemID]...)
	sort.Strings(systems[1:])
	var out []Station
	for _, sys := range systems {
		out = append(out, s.bySystem[sys]...)
	}
	return out
}

// Listings returns the quotes at a station.
func (s *Snapshot) Listings(stationID string) []Listing {
	return s.listings[stationID]
}

// Quote returns the listing for one commodity at a station.
func (s *Snapshot) Quote(stationID string, c Commodity) (Listing, bool) {
	for _, l := range s.listings[stationID] {
		if l.Commodity == c {
			return l, true
		}
	}
	return Listing{}, false
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

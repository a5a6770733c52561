package mockup

import (
	"slices"
	"strings"
)

// entry is one stored fingerprint. The fingerprint of the simulation is
// the concatenation of the part's identifiers.
type entry struct {
	Fingerprint string
	PartID      string
	BatchID     string
	PartType    string
}

func newEntry(partID, batchID, partType string) entry {
	return entry{
		Fingerprint: partID + batchID + partType,
		PartID:      partID,
		BatchID:     batchID,
		PartType:    partType,
	}
}

type database struct {
	name    string
	entries []entry
}

func (d *database) add(e entry) {
	if !slices.Contains(d.entries, e) {
		d.entries = append(d.entries, e)
	}
}

func (d *database) remove(e entry) {
	if i := slices.Index(d.entries, e); i >= 0 {
		d.entries = slices.Delete(d.entries, i, i+1)
	}
}

// store keeps the databases in creation order. Not safe for concurrent
// use; the backend serializes access.
type store struct {
	order  []*database
	byName map[string]*database
}

func newStore(names ...string) *store {
	s := &store{byName: make(map[string]*database)}
	for _, n := range names {
		if n != "" {
			s.ensure(n)
		}
	}
	return s
}

func (s *store) get(name string) (*database, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// ensure returns the named database, creating it if missing.
func (s *store) ensure(name string) *database {
	if d, ok := s.byName[name]; ok {
		return d
	}
	d := &database{name: name}
	s.byName[name] = d
	s.order = append(s.order, d)
	return d
}

func (s *store) names() []string {
	out := make([]string, len(s.order))
	for i, d := range s.order {
		out[i] = d.name
	}
	return out
}

func (s *store) counts() map[string]int {
	out := make(map[string]int, len(s.order))
	for _, d := range s.order {
		out[d.name] = len(d.entries)
	}
	return out
}

// duplicates returns entries across all databases whose part ID or
// fingerprint equal e's, depending on the checks requested.
func (s *store) duplicates(e entry, checkID, checkFP bool) (byID, byFP []entry) {
	for _, d := range s.order {
		for _, x := range d.entries {
			if checkID && x.PartID == e.PartID {
				byID = append(byID, x)
			}
			if checkFP && x.Fingerprint == e.Fingerprint {
				byFP = append(byFP, x)
			}
		}
	}
	return byID, byFP
}

// traceQuery is a parsed trace_part request.
type traceQuery struct {
	target    string
	refs      []string
	traceAll  bool
	batches   []string
	batchwise bool
	types     []string
	typewise  bool
}

// splitList splits a ";" separated list. The empty string is an empty list.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ";")
}

// searchOrder is the reference list, then the target, then, if requested,
// every other database in creation order.
func (s *store) searchOrder(q traceQuery) []string {
	order := slices.Clone(q.refs)
	if !slices.Contains(order, q.target) {
		order = append(order, q.target)
	}
	if q.traceAll {
		for _, n := range s.names() {
			if !slices.Contains(order, n) {
				order = append(order, n)
			}
		}
	}
	return order
}

func (q traceQuery) matches(e entry) bool {
	if q.batchwise && !slices.Contains(q.batches, e.BatchID) {
		return false
	}
	if q.typewise && !slices.Contains(q.types, e.PartType) {
		return false
	}
	return true
}

// trace finds the candidates of the first database in search order that
// has any. pick chooses among them. The chosen entry is moved to the
// target database.
func (s *store) trace(q traceQuery, pick func(n int) int) (entry, string, bool) {
	for _, name := range s.searchOrder(q) {
		d, ok := s.get(name)
		if !ok {
			continue
		}
		var candidates []entry
		for _, e := range d.entries {
			if q.matches(e) {
				candidates = append(candidates, e)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		found := candidates[pick(len(candidates))]
		d.remove(found)
		s.ensure(q.target).add(found)
		return found, name, true
	}
	return entry{}, "", false
}

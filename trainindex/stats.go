package trainindex

import (
	"sort"
	"strings"
)

// StationCount is a station code with the number of indexes it appears in.
type StationCount struct {
	Code  string
	Count int
}

// Stats accumulates resolution results over a set of raw indexes.
type Stats struct {
	Total   int
	Valid   int
	Invalid int
	Empty   int

	formation   map[string]int
	destination map[string]int
	examples    []string
	seen        map[string]struct{}
	invalid     []string
}

func NewStats() *Stats {
	return &Stats{
		formation:   map[string]int{},
		destination: map[string]int{},
		seen:        map[string]struct{}{},
	}
}

// Add records one raw index.
func (s *Stats) Add(raw string) {
	s.Total++
	raw = strings.TrimSpace(raw)
	if raw == "" {
		s.Empty++
		return
	}
	idx, err := Parse(raw)
	if err != nil {
		s.Invalid++
		s.invalid = append(s.invalid, raw)
		return
	}
	s.Valid++
	s.formation[idx.FormationStationCode]++
	s.destination[idx.DestinationStationCode]++
	key := idx.Normalized()
	if _, ok := s.seen[key]; !ok {
		s.seen[key] = struct{}{}
		s.examples = append(s.examples, key)
	}
}

func (s *Stats) TopFormationStations(n int) []StationCount {
	return top(s.formation, n)
}

func (s *Stats) TopDestinationStations(n int) []StationCount {
	return top(s.destination, n)
}

// Examples returns up to n distinct normalized indexes in first-seen order.
func (s *Stats) Examples(n int) []string {
	return head(s.examples, n)
}

// InvalidIndexes returns up to n rejected raw indexes in input order.
func (s *Stats) InvalidIndexes(n int) []string {
	return head(s.invalid, n)
}

func top(counts map[string]int, n int) []StationCount {
	out := make([]StationCount, 0, len(counts))
	for code, c := range counts {
		out = append(out, StationCount{Code: code, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func head(items []string, n int) []string {
	if n < 0 || n >= len(items) {
		return append([]string(nil), items...)
	}
	return append([]string(nil), items[:n]...)
}

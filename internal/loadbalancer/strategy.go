package loadbalancer

import (
	"math/rand"
	"time"
)

// Candidate is the minimal view of an ApiKey a selection strategy needs.
// keymanager builds these from its own ApiKey rows so this package stays
// free of any persistence or quota concerns.
type Candidate struct {
	ID       string
	LastUsed *time.Time
}

// Select dispatches to the named strategy over a non-empty slice of
// already-filtered, usable candidates (spec.md §4.3). An unrecognized name
// falls back to round-robin.
func Select(strategy string, candidates []Candidate, conns *Connections) Candidate {
	switch strategy {
	case "random":
		return Random(candidates)
	case "least-connections":
		return LeastConnections(candidates, conns)
	default:
		return RoundRobin(candidates)
	}
}

// RoundRobin returns the candidate with the oldest LastUsed, with a nil
// (never used) LastUsed ordered before any instant.
func RoundRobin(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, cand := range candidates[1:] {
		if lastUsedBefore(cand.LastUsed, best.LastUsed) {
			best = cand
		}
	}
	return best
}

// lastUsedBefore reports whether a should be preferred over b under the
// "nil before any instant, else earlier first" ordering.
func lastUsedBefore(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}

// Random returns a uniformly random candidate.
func Random(candidates []Candidate) Candidate {
	return candidates[rand.Intn(len(candidates))]
}

// LeastConnections returns the candidate with the smallest active-connection
// count, ties broken by input order.
func LeastConnections(candidates []Candidate, conns *Connections) Candidate {
	best := candidates[0]
	bestCount := conns.Get(best.ID)
	for _, cand := range candidates[1:] {
		count := conns.Get(cand.ID)
		if count < bestCount {
			best = cand
			bestCount = count
		}
	}
	return best
}

// Package selector implements the weighted-random upstream endpoint choice
// (the spec's component C5): filter by weight, sample proportionally, and
// retry without replacement on upstream failure.
package selector

import (
	"fmt"
	"math/rand"

	"github.com/Egham-7/adaptive-proxy/internal/domain"
)

// ErrNoCandidates is returned when no configured endpoint has a positive
// weight (or, for Next, when every candidate has already been tried).
var ErrNoCandidates = fmt.Errorf("no eligible upstream endpoint")

// Selection is one weighted draw: the chosen endpoint plus the set of
// candidates still eligible for a later exclusive retry.
type Selection struct {
	Endpoint   domain.Endpoint
	candidates []domain.Endpoint
}

// Select filters endpoints to weight > 0 and draws one proportional to
// weight. Endpoints with weight 0 are excluded from the draw but remain
// valid cache-version sources for reads elsewhere in the dispatch path.
func Select(endpoints []domain.Endpoint) (Selection, error) {
	var eligible []domain.Endpoint
	for _, e := range endpoints {
		if e.Weight > 0 {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return Selection{}, ErrNoCandidates
	}
	chosen, rest := drawOne(eligible)
	return Selection{Endpoint: chosen, candidates: rest}, nil
}

// Next draws an exclusive next candidate from the endpoints that were not
// already tried in this selection, for retry on upstream failure.
func (s Selection) Next() (Selection, error) {
	if len(s.candidates) == 0 {
		return Selection{}, ErrNoCandidates
	}
	chosen, rest := drawOne(s.candidates)
	return Selection{Endpoint: chosen, candidates: rest}, nil
}

// drawOne samples one endpoint proportional to weight and returns it along
// with the remaining candidates (weight-proportional without replacement
// is achieved simply by removing the chosen candidate from the pool; the
// relative weights of the survivors are unchanged by its removal).
func drawOne(candidates []domain.Endpoint) (domain.Endpoint, []domain.Endpoint) {
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	total := 0
	for _, c := range candidates {
		total += c.Weight
	}
	if total <= 0 {
		return candidates[0], append([]domain.Endpoint{}, candidates[1:]...)
	}

	draw := rand.Intn(total)
	cumulative := 0
	for i, c := range candidates {
		cumulative += c.Weight
		if draw < cumulative {
			rest := make([]domain.Endpoint, 0, len(candidates)-1)
			rest = append(rest, candidates[:i]...)
			rest = append(rest, candidates[i+1:]...)
			return c, rest
		}
	}
	// Unreachable given draw < total, kept for defensive completeness.
	return candidates[len(candidates)-1], candidates[:len(candidates)-1]
}

package session

import (
	"math/rand/v2"

	"github.com/ernie/belltest/internal/domain"
)

// scheduler owns one team's coverage bookkeeping: how often each ordered
// item combination has been played, against a per-combination target and
// an overall round budget. Counts survive reactivation by rehydrating
// from the store.
type scheduler struct {
	target int
	budget int
	combos [][2]domain.Symbol
	counts map[[2]domain.Symbol]int
	rng    *rand.Rand
}

// comboSpace returns the ordered item combinations reachable under a
// mode, in fixed scan order. Role-restricted mode deals slot 1 from the
// first alphabet half and slot 2 from the second, so only cross pairs
// are reachable.
func comboSpace(mode domain.AssignmentMode) [][2]domain.Symbol {
	var combos [][2]domain.Symbol
	for _, a := range domain.Symbols {
		if mode == domain.ModeRoleRestricted && !a.FirstHalf() {
			continue
		}
		for _, b := range domain.Symbols {
			if mode == domain.ModeRoleRestricted && b.FirstHalf() {
				continue
			}
			combos = append(combos, [2]domain.Symbol{a, b})
		}
	}
	return combos
}

// newScheduler builds a scheduler for one team. A budget of 0 defaults to
// combinations x target, the smallest budget that can cover the space.
// counts may be nil or carry history from the store; combinations outside
// the current mode's space are ignored.
func newScheduler(mode domain.AssignmentMode, target, budget int, counts map[[2]domain.Symbol]int, rng *rand.Rand) *scheduler {
	combos := comboSpace(mode)
	if target < 1 {
		target = 1
	}
	if budget <= 0 {
		budget = len(combos) * target
	}
	s := &scheduler{
		target: target,
		budget: budget,
		combos: combos,
		counts: make(map[[2]domain.Symbol]int, len(combos)),
		rng:    rng,
	}
	for k, v := range counts {
		s.counts[k] = v
	}
	return s
}

// played returns the completed rounds countable against the budget.
func (s *scheduler) played() int {
	total := 0
	for _, c := range s.combos {
		total += s.counts[c]
	}
	return total
}

// remaining returns the rounds left in the budget.
func (s *scheduler) remaining() int {
	return s.budget - s.played()
}

// draw picks the next item pair, or reports false once the budget is
// exhausted.
//
// While the remaining budget can still absorb every coverage deficit,
// the pick is uniform among the least-played combinations; each draw
// lifts a minimum, so counts never spread more than one apart and a
// budget of combinations x target closes coverage exactly. Only when the
// budget has fallen below the total deficit (short budgets, counts
// rehydrated after a mode change) does the draw switch to a
// deterministic sweep of below-target combinations.
func (s *scheduler) draw() ([2]domain.Symbol, bool) {
	remaining := s.remaining()
	if remaining <= 0 {
		return [2]domain.Symbol{}, false
	}

	deficit := 0
	for _, c := range s.combos {
		if d := s.target - s.counts[c]; d > 0 {
			deficit += d
		}
	}
	if remaining < deficit {
		for _, c := range s.combos {
			if s.counts[c] < s.target {
				return c, true
			}
		}
	}

	low := s.counts[s.combos[0]]
	for _, c := range s.combos[1:] {
		if s.counts[c] < low {
			low = s.counts[c]
		}
	}
	candidates := make([][2]domain.Symbol, 0, len(s.combos))
	for _, c := range s.combos {
		if s.counts[c] == low {
			candidates = append(candidates, c)
		}
	}
	return candidates[s.rng.IntN(len(candidates))], true
}

// recordCompleted counts a finished round toward coverage.
func (s *scheduler) recordCompleted(items [2]domain.Symbol) {
	s.counts[items]++
}

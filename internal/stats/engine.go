// Package stats derives correlation statistics from completed-round
// histories. Everything here is pure computation over an immutable
// snapshot; the session layer decides when to recompute and the cache
// layer decides when to reuse.
package stats

import (
	"encoding/json"
	"math"

	"github.com/ernie/belltest/internal/domain"
)

// Bounds on the CHSH correlation sum. No classical strategy can exceed
// ClassicalBound in expectation; no quantum strategy can exceed
// QuantumBound (the Tsirelson bound, 2*sqrt(2)). The raw sum is reported
// unscaled against both.
const (
	ClassicalBound = 2.0
	QuantumBound   = 2 * math.Sqrt2
)

// Stat is a scalar derived from N rounds together with its Poisson-style
// sampling uncertainty 1/sqrt(N). With N == 0 the value is undefined:
// Value is zero and Err is +Inf.
type Stat struct {
	Value float64 `json:"value"`
	Err   float64 `json:"err"`
	N     int     `json:"n"`
}

// MarshalJSON emits null for an infinite uncertainty so undefined stats
// survive JSON encoding.
func (s Stat) MarshalJSON() ([]byte, error) {
	type wire struct {
		Value float64  `json:"value"`
		Err   *float64 `json:"err"`
		N     int      `json:"n"`
	}
	w := wire{Value: s.Value, N: s.N}
	if !math.IsInf(s.Err, 1) {
		w.Err = &s.Err
	}
	return json.Marshal(w)
}

// Defined reports whether the stat could be computed. Undefined stats
// carry an infinite uncertainty, including a CHSH score still missing one
// of its four item pairs.
func (s Stat) Defined() bool {
	return !math.IsInf(s.Err, 1)
}

// Report is the derived statistics bundle for one team.
type Report struct {
	Rounds         int              `json:"rounds"`
	Items          [4]domain.Symbol `json:"items"`
	Table          [4][4]Stat       `json:"table"` // [slot1 item][slot2 item]
	CHSH           Stat             `json:"chsh"`
	ClassicalBound float64          `json:"classical_bound"`
	QuantumBound   float64          `json:"quantum_bound"`
	Success        Stat             `json:"success"`
	Bias           Stat             `json:"bias"`
	Balance        Stat             `json:"balance"`
}

// chshTerms are the four item pairs entering the CHSH sum. Orderings are
// merged per pair, so the sum is well defined in both assignment modes.
var chshTerms = [4]struct {
	a, b domain.Symbol
	sign float64
}{
	{domain.SymbolA1, domain.SymbolB1, 1},
	{domain.SymbolA1, domain.SymbolB2, 1},
	{domain.SymbolA2, domain.SymbolB1, 1},
	{domain.SymbolA2, domain.SymbolB2, -1},
}

// Compute derives the full report from a team's completed-round history.
// A nil or empty history yields a report of undefined stats, never a
// panic or NaN.
func Compute(history []domain.CompletedRound) Report {
	var (
		n     [4][4]int // rounds per ordered item pair
		agree [4][4]int

		cross, crossWins          int // rounds with a (first-half, second-half) deal
		diag, diagAgree, diagTrue int // same-item rounds and their true answers
	)

	for _, r := range history {
		i := domain.SymbolIndex(r.Items[0])
		j := domain.SymbolIndex(r.Items[1])
		if i < 0 || j < 0 {
			continue
		}
		n[i][j]++
		if r.Agree() {
			agree[i][j]++
		}

		if r.Items[0].FirstHalf() && !r.Items[1].FirstHalf() {
			cross++
			// The (A2, B2) deal is won by differing answers, every
			// other cross deal by matching ones.
			wantMatch := !(r.Items[0] == domain.SymbolA2 && r.Items[1] == domain.SymbolB2)
			if r.Agree() == wantMatch {
				crossWins++
			}
		}

		if i == j {
			diag++
			if r.Agree() {
				diagAgree++
			}
			if r.Values[0] {
				diagTrue++
			}
			if r.Values[1] {
				diagTrue++
			}
		}
	}

	report := Report{
		Rounds:         len(history),
		Items:          domain.Symbols,
		CHSH:           chshScore(n, agree),
		ClassicalBound: ClassicalBound,
		QuantumBound:   QuantumBound,
		Success:        successScore(crossWins, cross),
		Bias:           biasScore(diagTrue, diag),
	}
	for i := range report.Table {
		for j := range report.Table[i] {
			report.Table[i][j] = correlation(agree[i][j], n[i][j])
		}
	}
	report.Balance = balanceScore(diagAgree, diag, report.Bias)
	return report
}

// correlation is (agreements - disagreements) / n, in [-1, 1].
func correlation(agree, n int) Stat {
	if n == 0 {
		return undefined(0)
	}
	return Stat{
		Value: float64(2*agree-n) / float64(n),
		Err:   1 / math.Sqrt(float64(n)),
		N:     n,
	}
}

// chshScore sums the four merged-ordering correlations with the canonical
// signs. The uncertainty is the quadrature sum of the per-term errors. If
// any term has no rounds yet the whole score is undefined.
func chshScore(n, agree [4][4]int) Stat {
	var value, variance float64
	var total int
	complete := true
	for _, t := range chshTerms {
		i, j := domain.SymbolIndex(t.a), domain.SymbolIndex(t.b)
		tn := n[i][j] + n[j][i]
		ta := agree[i][j] + agree[j][i]
		total += tn
		if tn == 0 {
			complete = false
			continue
		}
		value += t.sign * float64(2*ta-tn) / float64(tn)
		variance += 1 / float64(tn)
	}
	if !complete {
		return undefined(total)
	}
	return Stat{Value: value, Err: math.Sqrt(variance), N: total}
}

// successScore is the win-minus-loss rate for the restricted game, in
// [-1, 1]. Only cross-category deals play the game; in role-restricted
// mode that is every round.
func successScore(wins, total int) Stat {
	if total == 0 {
		return undefined(0)
	}
	return Stat{
		Value: float64(2*wins-total) / float64(total),
		Err:   1 / math.Sqrt(float64(total)),
		N:     total,
	}
}

// biasScore measures how far the pooled answers on same-item deals drift
// from an even true/false split: 0 is perfectly balanced, 1 is all one
// answer.
func biasScore(trues, rounds int) Stat {
	if rounds == 0 {
		return undefined(0)
	}
	mean := float64(trues) / float64(2*rounds)
	return Stat{
		Value: math.Abs(mean-0.5) * 2,
		Err:   1 / math.Sqrt(float64(rounds)),
		N:     rounds,
	}
}

// balanceScore is the same-item agreement discounted by answer bias, so
// teams that trivially always answer true stop looking coordinated.
func balanceScore(agree, rounds int, bias Stat) Stat {
	if rounds == 0 || !bias.Defined() {
		return undefined(0)
	}
	diagCorr := float64(2*agree-rounds) / float64(rounds)
	return Stat{
		Value: diagCorr * (1 - bias.Value),
		Err:   1 / math.Sqrt(float64(rounds)),
		N:     rounds,
	}
}

func undefined(n int) Stat {
	return Stat{Err: math.Inf(1), N: n}
}

// GameSuccess reports whether a single completed cross-category round wins
// the restricted game. The second return is false when the deal is not a
// cross-category pair.
func GameSuccess(r domain.CompletedRound) (win, ok bool) {
	if !r.Items[0].FirstHalf() || r.Items[1].FirstHalf() {
		return false, false
	}
	wantMatch := !(r.Items[0] == domain.SymbolA2 && r.Items[1] == domain.SymbolB2)
	return r.Agree() == wantMatch, true
}

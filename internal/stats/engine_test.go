package stats

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/belltest/internal/domain"
)

// repeat builds a history of n identical completed rounds.
func repeat(n int, a, b domain.Symbol, va, vb bool) []domain.CompletedRound {
	history := make([]domain.CompletedRound, n)
	for i := range history {
		history[i] = domain.CompletedRound{
			Seq:    i + 1,
			Items:  [2]domain.Symbol{a, b},
			Values: [2]bool{va, vb},
		}
	}
	return history
}

func TestBounds(t *testing.T) {
	assert.Equal(t, 2.0, ClassicalBound)
	assert.InDelta(t, 2.828427, QuantumBound, 1e-6)
}

func TestComputeEmptyHistory(t *testing.T) {
	report := Compute(nil)

	assert.Equal(t, 0, report.Rounds)
	assert.False(t, report.CHSH.Defined())
	assert.False(t, report.Success.Defined())
	assert.False(t, report.Bias.Defined())
	assert.False(t, report.Balance.Defined())
	for i := range report.Table {
		for j := range report.Table[i] {
			assert.False(t, report.Table[i][j].Defined(), "table[%d][%d]", i, j)
			assert.Equal(t, 0, report.Table[i][j].N)
		}
	}
}

func TestCorrelationTable(t *testing.T) {
	// 3 agreements and 1 disagreement on (A1, B1): E = (3-1)/4 = 0.5
	history := repeat(3, domain.SymbolA1, domain.SymbolB1, true, true)
	history = append(history, domain.CompletedRound{
		Seq:    4,
		Items:  [2]domain.Symbol{domain.SymbolA1, domain.SymbolB1},
		Values: [2]bool{true, false},
	})

	report := Compute(history)
	cell := report.Table[0][2] // A1 row, B1 column

	require.True(t, cell.Defined())
	assert.InDelta(t, 0.5, cell.Value, 1e-9)
	assert.InDelta(t, 0.5, cell.Err, 1e-9) // 1/sqrt(4)
	assert.Equal(t, 4, cell.N)
}

func TestCHSHRequiresAllFourPairs(t *testing.T) {
	// Three of the four pairs played: the score stays undefined.
	var history []domain.CompletedRound
	history = append(history, repeat(2, domain.SymbolA1, domain.SymbolB1, true, true)...)
	history = append(history, repeat(2, domain.SymbolA1, domain.SymbolB2, true, true)...)
	history = append(history, repeat(2, domain.SymbolA2, domain.SymbolB1, true, true)...)

	report := Compute(history)
	assert.False(t, report.CHSH.Defined())
	assert.Equal(t, 6, report.CHSH.N)
}

func TestCHSHDeterministicStrategy(t *testing.T) {
	// Both players always answer true: every correlation is +1, so
	// S = 1 + 1 + 1 - 1 = 2, right at the classical bound.
	var history []domain.CompletedRound
	history = append(history, repeat(4, domain.SymbolA1, domain.SymbolB1, true, true)...)
	history = append(history, repeat(4, domain.SymbolA1, domain.SymbolB2, true, true)...)
	history = append(history, repeat(4, domain.SymbolA2, domain.SymbolB1, true, true)...)
	history = append(history, repeat(4, domain.SymbolA2, domain.SymbolB2, true, true)...)

	report := Compute(history)
	require.True(t, report.CHSH.Defined())
	assert.InDelta(t, 2.0, report.CHSH.Value, 1e-9)
	assert.InDelta(t, 1.0, report.CHSH.Err, 1e-9) // sqrt(4 * 1/4)
	assert.Equal(t, 16, report.CHSH.N)
}

func TestCHSHMergesOrderings(t *testing.T) {
	// The same item pair dealt in both slot orders feeds one term.
	// (A1, B1) agreeing twice and (B1, A1) disagreeing twice average to
	// E(A1,B1) = 0.
	var history []domain.CompletedRound
	history = append(history, repeat(2, domain.SymbolA1, domain.SymbolB1, true, true)...)
	history = append(history, repeat(2, domain.SymbolB1, domain.SymbolA1, true, false)...)
	history = append(history, repeat(1, domain.SymbolA1, domain.SymbolB2, true, true)...)
	history = append(history, repeat(1, domain.SymbolA2, domain.SymbolB1, true, true)...)
	history = append(history, repeat(1, domain.SymbolA2, domain.SymbolB2, true, true)...)

	report := Compute(history)
	require.True(t, report.CHSH.Defined())
	// 0 + 1 + 1 - 1 = 1
	assert.InDelta(t, 1.0, report.CHSH.Value, 1e-9)
}

func TestSuccessRate(t *testing.T) {
	// Three won cross deals, one lost: value = (2*3-4)/4 = 0.5.
	var history []domain.CompletedRound
	history = append(history, repeat(2, domain.SymbolA1, domain.SymbolB1, true, true)...)  // matching wins
	history = append(history, repeat(1, domain.SymbolA2, domain.SymbolB2, true, false)...) // differing wins
	history = append(history, repeat(1, domain.SymbolA2, domain.SymbolB2, true, true)...)  // matching loses
	// Same-half deals never enter the game.
	history = append(history, repeat(3, domain.SymbolA1, domain.SymbolA1, true, true)...)

	report := Compute(history)
	require.True(t, report.Success.Defined())
	assert.InDelta(t, 0.5, report.Success.Value, 1e-9)
	assert.Equal(t, 4, report.Success.N)
}

func TestBiasAndBalance(t *testing.T) {
	t.Run("all true answers", func(t *testing.T) {
		history := repeat(4, domain.SymbolA1, domain.SymbolA1, true, true)
		report := Compute(history)

		require.True(t, report.Bias.Defined())
		assert.InDelta(t, 1.0, report.Bias.Value, 1e-9)
		// Perfect agreement, fully biased: balance collapses to zero.
		require.True(t, report.Balance.Defined())
		assert.InDelta(t, 0.0, report.Balance.Value, 1e-9)
	})

	t.Run("balanced coordination", func(t *testing.T) {
		var history []domain.CompletedRound
		history = append(history, repeat(2, domain.SymbolB2, domain.SymbolB2, true, true)...)
		history = append(history, repeat(2, domain.SymbolB2, domain.SymbolB2, false, false)...)
		report := Compute(history)

		require.True(t, report.Bias.Defined())
		assert.InDelta(t, 0.0, report.Bias.Value, 1e-9)
		// Agreement survives the discount untouched.
		require.True(t, report.Balance.Defined())
		assert.InDelta(t, 1.0, report.Balance.Value, 1e-9)
	})

	t.Run("no same-item rounds", func(t *testing.T) {
		history := repeat(4, domain.SymbolA1, domain.SymbolB1, true, true)
		report := Compute(history)
		assert.False(t, report.Bias.Defined())
		assert.False(t, report.Balance.Defined())
	})
}

func TestComputeIgnoresUnknownSymbols(t *testing.T) {
	history := []domain.CompletedRound{
		{Seq: 1, Items: [2]domain.Symbol{"Z9", domain.SymbolB1}, Values: [2]bool{true, true}},
	}
	report := Compute(history)
	assert.Equal(t, 1, report.Rounds)
	for i := range report.Table {
		for j := range report.Table[i] {
			assert.Equal(t, 0, report.Table[i][j].N)
		}
	}
}

func TestGameSuccess(t *testing.T) {
	tests := []struct {
		name    string
		round   domain.CompletedRound
		win, ok bool
	}{
		{
			name:  "matching answers win ordinary deal",
			round: domain.CompletedRound{Items: [2]domain.Symbol{domain.SymbolA1, domain.SymbolB1}, Values: [2]bool{true, true}},
			win:   true, ok: true,
		},
		{
			name:  "differing answers lose ordinary deal",
			round: domain.CompletedRound{Items: [2]domain.Symbol{domain.SymbolA1, domain.SymbolB2}, Values: [2]bool{true, false}},
			win:   false, ok: true,
		},
		{
			name:  "differing answers win the flipped deal",
			round: domain.CompletedRound{Items: [2]domain.Symbol{domain.SymbolA2, domain.SymbolB2}, Values: [2]bool{true, false}},
			win:   true, ok: true,
		},
		{
			name:  "matching answers lose the flipped deal",
			round: domain.CompletedRound{Items: [2]domain.Symbol{domain.SymbolA2, domain.SymbolB2}, Values: [2]bool{false, false}},
			win:   false, ok: true,
		},
		{
			name:  "same-half deal is not a game round",
			round: domain.CompletedRound{Items: [2]domain.Symbol{domain.SymbolA1, domain.SymbolA2}, Values: [2]bool{true, true}},
			win:   false, ok: false,
		},
		{
			name:  "reversed halves are not a game round",
			round: domain.CompletedRound{Items: [2]domain.Symbol{domain.SymbolB1, domain.SymbolA1}, Values: [2]bool{true, true}},
			win:   false, ok: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			win, ok := GameSuccess(tt.round)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.win, win)
		})
	}
}

func TestStatMarshalJSON(t *testing.T) {
	t.Run("defined", func(t *testing.T) {
		data, err := json.Marshal(Stat{Value: 0.5, Err: 0.25, N: 16})
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":0.5,"err":0.25,"n":16}`, string(data))
	})

	t.Run("undefined emits null err", func(t *testing.T) {
		data, err := json.Marshal(Stat{Err: math.Inf(1), N: 0})
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":0,"err":null,"n":0}`, string(data))
	})
}

func TestReportMarshalRoundTrip(t *testing.T) {
	report := Compute(repeat(4, domain.SymbolA1, domain.SymbolB1, true, true))
	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(4), decoded["rounds"])
	assert.Equal(t, ClassicalBound, decoded["classical_bound"])

	// The incomplete CHSH score must survive encoding as a null margin.
	chsh, ok := decoded["chsh"].(map[string]interface{})
	require.True(t, ok)
	assert.Nil(t, chsh["err"])
}

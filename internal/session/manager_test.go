package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/belltest/internal/bus"
	"github.com/ernie/belltest/internal/config"
	"github.com/ernie/belltest/internal/domain"
	"github.com/ernie/belltest/internal/storage"
)

// newTestManager wires a manager to a fresh in-memory store and embedded
// bus. Role-restricted mode with a single target repeat keeps the round
// budget at 4, small enough to play out in full.
func newTestManager(t *testing.T, mutate func(*config.Config)) (*Manager, *storage.Store, *bus.Bus) {
	t.Helper()

	cfg := config.Default()
	cfg.Game.AssignmentMode = string(domain.ModeRoleRestricted)
	cfg.Game.TargetRepeats = 1
	if mutate != nil {
		mutate(cfg)
	}

	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b, err := bus.New()
	require.NoError(t, err)
	t.Cleanup(b.Close)

	m, err := New(cfg, store, b)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m, store, b
}

func teamIDByName(t *testing.T, m *Manager, name string) int64 {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[name]
	require.True(t, ok, "no live team named %q", name)
	return id
}

// currentRound returns a copy of the team's in-flight round, or nil when
// the team is between rounds.
func currentRound(t *testing.T, m *Manager, teamID int64) *roundState {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.teams[teamID]
	require.True(t, ok, "no live team %d", teamID)
	if ts.current == nil {
		return nil
	}
	cp := *ts.current
	return &cp
}

// pairTeam creates a team with two fresh connections. When the session is
// running the first round is dealt before this returns.
func pairTeam(t *testing.T, m *Manager, name string) (x, y string, id int64) {
	t.Helper()
	ctx := context.Background()
	x = m.Connect("")
	y = m.Connect("")
	require.NoError(t, m.CreateTeam(ctx, x, name))
	reconnected, err := m.JoinTeam(ctx, y, name)
	require.NoError(t, err)
	require.False(t, reconnected)
	return x, y, teamIDByName(t, m, name)
}

// playRound answers the current round from both slots and returns its seq.
// Completion schedules the next round synchronously while budget remains.
func playRound(t *testing.T, m *Manager, teamID int64, conns [2]string, values [2]bool) int {
	t.Helper()
	ctx := context.Background()
	cur := currentRound(t, m, teamID)
	require.NotNil(t, cur, "no round in flight")
	require.NoError(t, m.SubmitResponse(ctx, conns[0], cur.id, values[0]))
	require.NoError(t, m.SubmitResponse(ctx, conns[1], cur.id, values[1]))
	return cur.seq
}

func collectEvents(t *testing.T, b *bus.Bus, subject string) <-chan domain.Event {
	t.Helper()
	ch := make(chan domain.Event, 64)
	_, err := b.Subscribe(subject, func(_ string, data []byte) {
		var evt domain.Event
		if json.Unmarshal(data, &evt) != nil {
			return
		}
		select {
		case ch <- evt:
		default:
		}
	})
	require.NoError(t, err)
	return ch
}

func waitEvent(t *testing.T, ch <-chan domain.Event, eventType string) domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func eventData(t *testing.T, evt domain.Event) map[string]interface{} {
	t.Helper()
	data, ok := evt.Data.(map[string]interface{})
	require.True(t, ok, "event %s carries no object payload", evt.Type)
	return data
}

func TestNewRejectsUnknownMode(t *testing.T) {
	cfg := config.Default()
	cfg.Game.AssignmentMode = "telepathic"
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestConnectIdentity(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	t.Run("fresh id on empty proposal", func(t *testing.T) {
		id := m.Connect("")
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	})

	t.Run("valid proposal is kept", func(t *testing.T) {
		proposed := uuid.NewString()
		assert.Equal(t, proposed, m.Connect(proposed))
	})

	t.Run("live duplicate gets a fresh id", func(t *testing.T) {
		id := m.Connect("")
		other := m.Connect(id)
		assert.NotEqual(t, id, other)
	})

	t.Run("malformed proposal gets a fresh id", func(t *testing.T) {
		id := m.Connect("not-a-uuid")
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	})
}

func TestCreateTeam(t *testing.T) {
	m, store, b := newTestManager(t, nil)
	ctx := context.Background()
	events := collectEvents(t, b, bus.SubjectTeamAll)

	t.Run("unknown connection", func(t *testing.T) {
		err := m.CreateTeam(ctx, uuid.NewString(), "ghosts")
		assert.ErrorIs(t, err, domain.ErrNotInTeam)
	})

	x := m.Connect("")
	require.NoError(t, m.CreateTeam(ctx, x, "alpha"))

	t.Run("persists and announces", func(t *testing.T) {
		id := teamIDByName(t, m, "alpha")
		row, err := store.GetTeamByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TeamWaiting, row.Status)

		evt := waitEvent(t, events, domain.EventTeamStatus)
		data := eventData(t, evt)
		assert.Equal(t, domain.CauseCreate, data["cause"])
	})

	t.Run("creator is already in a team", func(t *testing.T) {
		err := m.CreateTeam(ctx, x, "beta")
		assert.ErrorIs(t, err, domain.ErrAlreadyInTeam)
	})

	t.Run("live name collision", func(t *testing.T) {
		y := m.Connect("")
		err := m.CreateTeam(ctx, y, "alpha")
		assert.ErrorIs(t, err, domain.ErrDuplicateName)
	})
}

func TestJoinTeamPairsAndDeals(t *testing.T) {
	m, store, b := newTestManager(t, nil)
	ctx := context.Background()

	x := m.Connect("")
	y := m.Connect("")
	chX := collectEvents(t, b, bus.PlayerSubject(x))
	chY := collectEvents(t, b, bus.PlayerSubject(y))
	teamEvents := collectEvents(t, b, bus.SubjectTeamAll)

	require.NoError(t, m.CreateTeam(ctx, x, "alpha"))
	reconnected, err := m.JoinTeam(ctx, y, "alpha")
	require.NoError(t, err)
	assert.False(t, reconnected)

	id := teamIDByName(t, m, "alpha")
	row, err := store.GetTeamByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TeamActive, row.Status)
	assert.ElementsMatch(t, []string{x, y}, m.TeamMembers(id))

	evt := waitEvent(t, teamEvents, domain.EventTeamStatus)
	for eventData(t, evt)["cause"] != domain.CauseJoin {
		evt = waitEvent(t, teamEvents, domain.EventTeamStatus)
	}

	// Pairing deals the first round: each slot gets its own item from
	// its own alphabet half, privately.
	cur := currentRound(t, m, id)
	require.NotNil(t, cur)
	assert.Equal(t, 1, cur.seq)
	assert.True(t, cur.items[0].FirstHalf())
	assert.False(t, cur.items[1].FirstHalf())

	stimX := eventData(t, waitEvent(t, chX, domain.EventNextStimulus))
	stimY := eventData(t, waitEvent(t, chY, domain.EventNextStimulus))
	assert.Equal(t, string(cur.items[0]), stimX["item"])
	assert.Equal(t, string(cur.items[1]), stimY["item"])
}

func TestJoinTeamErrors(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	t.Run("unknown team", func(t *testing.T) {
		z := m.Connect("")
		_, err := m.JoinTeam(ctx, z, "nowhere")
		assert.ErrorIs(t, err, domain.ErrTeamNotFound)
	})

	t.Run("full team", func(t *testing.T) {
		pairTeam(t, m, "alpha")
		z := m.Connect("")
		_, err := m.JoinTeam(ctx, z, "alpha")
		assert.ErrorIs(t, err, domain.ErrTeamFull)
	})

	t.Run("already in a team", func(t *testing.T) {
		x, _, _ := pairTeam(t, m, "beta")
		_, err := m.JoinTeam(ctx, x, "beta")
		assert.ErrorIs(t, err, domain.ErrAlreadyInTeam)
	})
}

func TestLeaveTeam(t *testing.T) {
	m, store, _ := newTestManager(t, nil)
	ctx := context.Background()

	t.Run("not in a team", func(t *testing.T) {
		z := m.Connect("")
		assert.ErrorIs(t, m.LeaveTeam(z), domain.ErrNotInTeam)
	})

	x, y, id := pairTeam(t, m, "alpha")

	require.NoError(t, m.LeaveTeam(y))
	row, err := store.GetTeamByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TeamWaiting, row.Status)
	assert.Equal(t, []string{x}, m.TeamMembers(id))

	// Last member out parks the team and frees the name.
	require.NoError(t, m.LeaveTeam(x))
	row, err = store.GetTeamByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TeamInactive, row.Status)
	assert.Equal(t, 0, m.Summary().LiveTeams)

	z := m.Connect("")
	assert.NoError(t, m.CreateTeam(ctx, z, "alpha"))
}

func TestDisconnectReconnect(t *testing.T) {
	m, _, b := newTestManager(t, nil)
	ctx := context.Background()

	x, y, id := pairTeam(t, m, "alpha")
	dealt := currentRound(t, m, id)
	require.NotNil(t, dealt)

	m.Disconnect(y)
	assert.Equal(t, []string{x}, m.TeamMembers(id))

	// The same identity coming back inside the window resumes its
	// original slot and gets the unanswered stimulus again.
	assert.Equal(t, y, m.Connect(y))
	chY := collectEvents(t, b, bus.PlayerSubject(y))

	reconnected, err := m.JoinTeam(ctx, y, "alpha")
	require.NoError(t, err)
	assert.True(t, reconnected)
	assert.ElementsMatch(t, []string{x, y}, m.TeamMembers(id))

	cur := currentRound(t, m, id)
	require.NotNil(t, cur)
	assert.Equal(t, dealt.id, cur.id, "reconnection must not deal a new round")

	stim := eventData(t, waitEvent(t, chY, domain.EventNextStimulus))
	assert.Equal(t, string(dealt.items[1]), stim["item"])
}

func TestForeignJoinClaimsSlot(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, y, _ := pairTeam(t, m, "alpha")
	m.Disconnect(y)

	// A different identity is an ordinary joiner even though a token is
	// pending for the slot.
	z := m.Connect("")
	reconnected, err := m.JoinTeam(ctx, z, "alpha")
	require.NoError(t, err)
	assert.False(t, reconnected)

	// The displaced token is gone: the original occupant finds the team
	// full.
	assert.Equal(t, y, m.Connect(y))
	_, err = m.JoinTeam(ctx, y, "alpha")
	assert.ErrorIs(t, err, domain.ErrTeamFull)
}

func TestDisconnectIdempotent(t *testing.T) {
	m, store, _ := newTestManager(t, nil)
	ctx := context.Background()

	x, y, id := pairTeam(t, m, "alpha")

	m.Disconnect(y)
	m.Disconnect(y)

	// The duplicate disconnect must not vacate the remaining slot.
	assert.Equal(t, []string{x}, m.TeamMembers(id))
	assert.Equal(t, 1, m.Summary().LiveTeams)
	row, err := store.GetTeamByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TeamWaiting, row.Status)

	// And the single issued token still works.
	assert.Equal(t, y, m.Connect(y))
	reconnected, err := m.JoinTeam(ctx, y, "alpha")
	require.NoError(t, err)
	assert.True(t, reconnected)
}

func TestReconnectTeamForeignTokenDegrades(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, y, _ := pairTeam(t, m, "alpha")
	m.Disconnect(y)

	// Presenting someone else's token is an ordinary join, not an error
	// and not a reconnection.
	z := m.Connect("")
	reconnected, err := m.ReconnectTeam(ctx, z, "alpha", y)
	require.NoError(t, err)
	assert.False(t, reconnected)
}

func TestReactivateTeam(t *testing.T) {
	m, store, _ := newTestManager(t, nil)
	ctx := context.Background()

	x, y, id := pairTeam(t, m, "alpha")
	playRound(t, m, id, [2]string{x, y}, [2]bool{true, true})
	playRound(t, m, id, [2]string{x, y}, [2]bool{true, false})

	// Round 3 was dealt by the second completion and is abandoned by the
	// disconnects below; its sequence number is burned.
	require.NotNil(t, currentRound(t, m, id))

	m.Disconnect(y)
	m.Disconnect(x)
	row, err := store.GetTeamByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TeamInactive, row.Status)

	t.Run("unknown name", func(t *testing.T) {
		p := m.Connect("")
		err := m.ReactivateTeam(ctx, p, "nowhere")
		assert.ErrorIs(t, err, domain.ErrTeamNotFound)
	})

	p := m.Connect("")
	q := m.Connect("")
	require.NoError(t, m.ReactivateTeam(ctx, p, "alpha"))

	t.Run("live name is not reactivatable", func(t *testing.T) {
		r := m.Connect("")
		err := m.ReactivateTeam(ctx, r, "alpha")
		assert.ErrorIs(t, err, domain.ErrTeamNotInactive)
	})

	teams, err := m.ListTeams(ctx)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, 2, teams[0].RoundsPlayed, "history must survive reactivation")

	reconnected, err := m.JoinTeam(ctx, q, "alpha")
	require.NoError(t, err)
	assert.False(t, reconnected, "reactivation joins are not reconnections")

	// Sequence numbers continue past the abandoned round.
	cur := currentRound(t, m, id)
	require.NotNil(t, cur)
	assert.Equal(t, 4, cur.seq)

	// Rehydrated coverage leaves exactly two rounds in the budget.
	playRound(t, m, id, [2]string{p, q}, [2]bool{true, true})
	playRound(t, m, id, [2]string{p, q}, [2]bool{false, false})
	assert.Nil(t, currentRound(t, m, id))

	m.mu.Lock()
	finished := m.teams[id].finished
	m.mu.Unlock()
	assert.True(t, finished)
}

func TestScheduleRoundGuards(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	t.Run("unknown team", func(t *testing.T) {
		assert.ErrorIs(t, m.ScheduleRound(ctx, 99), domain.ErrTeamNotFound)
	})

	t.Run("incomplete team", func(t *testing.T) {
		x := m.Connect("")
		require.NoError(t, m.CreateTeam(ctx, x, "alpha"))
		id := teamIDByName(t, m, "alpha")
		assert.ErrorIs(t, m.ScheduleRound(ctx, id), domain.ErrTeamIncomplete)
	})

	t.Run("round in flight is a no-op", func(t *testing.T) {
		_, _, id := pairTeam(t, m, "beta")
		before := currentRound(t, m, id)
		require.NotNil(t, before)
		require.NoError(t, m.ScheduleRound(ctx, id))
		after := currentRound(t, m, id)
		require.NotNil(t, after)
		assert.Equal(t, before.id, after.id)
	})
}

func TestSubmitResponseValidation(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	t.Run("not in a team", func(t *testing.T) {
		z := m.Connect("")
		err := m.SubmitResponse(ctx, z, 1, true)
		assert.ErrorIs(t, err, domain.ErrNotInTeam)
	})

	t.Run("no round in flight", func(t *testing.T) {
		x := m.Connect("")
		require.NoError(t, m.CreateTeam(ctx, x, "solo"))
		err := m.SubmitResponse(ctx, x, 1, true)
		assert.ErrorIs(t, err, domain.ErrRoundNotFound)
	})

	x, _, id := pairTeam(t, m, "alpha")
	cur := currentRound(t, m, id)
	require.NotNil(t, cur)

	t.Run("stale round id", func(t *testing.T) {
		err := m.SubmitResponse(ctx, x, cur.id+100, true)
		assert.ErrorIs(t, err, domain.ErrStaleRound)
	})

	t.Run("duplicate answer", func(t *testing.T) {
		require.NoError(t, m.SubmitResponse(ctx, x, cur.id, true))
		err := m.SubmitResponse(ctx, x, cur.id, false)
		assert.ErrorIs(t, err, domain.ErrDuplicateAnswer)
	})
}

func TestRoundCompletion(t *testing.T) {
	m, store, b := newTestManager(t, nil)
	ctx := context.Background()

	x, y, id := pairTeam(t, m, "alpha")
	events := collectEvents(t, b, bus.TeamSubject(id))

	seq := playRound(t, m, id, [2]string{x, y}, [2]bool{true, false})
	assert.Equal(t, 1, seq)

	evt := waitEvent(t, events, domain.EventRoundCompleted)
	data := eventData(t, evt)
	assert.Equal(t, float64(1), data["seq"])
	// Every role-restricted deal is a game round, so the outcome is
	// always reported.
	_, present := data["success"]
	assert.True(t, present)

	history, err := store.GetCompletedRounds(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, [2]bool{true, false}, history[0].Values)

	// Completion dealt the next round.
	cur := currentRound(t, m, id)
	require.NotNil(t, cur)
	assert.Equal(t, 2, cur.seq)
	assert.Equal(t, 1, m.Summary().RoundsPlayed)
}

func TestTeamCompletedAfterBudget(t *testing.T) {
	m, _, b := newTestManager(t, nil)

	x, y, id := pairTeam(t, m, "alpha")
	events := collectEvents(t, b, bus.TeamSubject(id))

	for i := 0; i < 4; i++ {
		playRound(t, m, id, [2]string{x, y}, [2]bool{true, true})
	}

	evt := waitEvent(t, events, domain.EventTeamCompleted)
	data := eventData(t, evt)
	assert.Equal(t, float64(4), data["rounds_played"])
	assert.Nil(t, currentRound(t, m, id))

	// Nothing left to answer.
	err := m.SubmitResponse(context.Background(), x, 999, true)
	assert.ErrorIs(t, err, domain.ErrRoundNotFound)
}

func TestPauseAndResume(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	m.Pause()
	state, _ := m.State()
	assert.Equal(t, domain.SessionPaused, state)

	// Pairing while paused holds the deal back.
	_, _, id := pairTeam(t, m, "alpha")
	assert.Nil(t, currentRound(t, m, id))

	m.Resume(ctx)
	state, _ = m.State()
	assert.Equal(t, domain.SessionRunning, state)
	assert.NotNil(t, currentRound(t, m, id))
}

func TestPauseLetsInFlightRoundFinish(t *testing.T) {
	m, store, _ := newTestManager(t, nil)
	ctx := context.Background()

	x, y, id := pairTeam(t, m, "alpha")
	m.Pause()

	playRound(t, m, id, [2]string{x, y}, [2]bool{true, true})
	history, err := store.GetCompletedRounds(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// But the next deal waits for the resume.
	assert.Nil(t, currentRound(t, m, id))
	m.Resume(ctx)
	assert.NotNil(t, currentRound(t, m, id))
}

func TestToggleMode(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	x, y, id := pairTeam(t, m, "alpha")
	playRound(t, m, id, [2]string{x, y}, [2]bool{true, true})

	newMode := m.ToggleMode(ctx)
	assert.Equal(t, domain.ModeUnrestricted, newMode)
	_, mode := m.State()
	assert.Equal(t, domain.ModeUnrestricted, mode)

	// Coverage restarts under the new mode; the played round no longer
	// counts against the fresh scheduler.
	m.mu.Lock()
	played := m.teams[id].sched.played()
	m.mu.Unlock()
	assert.Equal(t, 0, played)

	assert.Equal(t, domain.ModeRoleRestricted, m.ToggleMode(ctx))
}

func TestToggleModeRevivesFinishedTeams(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	x, y, id := pairTeam(t, m, "alpha")
	for i := 0; i < 4; i++ {
		playRound(t, m, id, [2]string{x, y}, [2]bool{true, true})
	}
	assert.Nil(t, currentRound(t, m, id))

	m.ToggleMode(ctx)

	// The finished flag is cleared and a new round dealt immediately.
	cur := currentRound(t, m, id)
	require.NotNil(t, cur)
	assert.Equal(t, 5, cur.seq)
}

func TestReset(t *testing.T) {
	m, store, _ := newTestManager(t, nil)
	ctx := context.Background()

	x, y, id := pairTeam(t, m, "alpha")
	playRound(t, m, id, [2]string{x, y}, [2]bool{true, true})

	m.Reset(ctx)

	summary := m.Summary()
	assert.Equal(t, 0, summary.LiveTeams)
	assert.Equal(t, 2, summary.Players, "connections survive a reset")

	row, err := store.GetTeamByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TeamInactive, row.Status)
	assert.Equal(t, 1, row.RoundsPlayed, "history survives a reset")

	// Unbound connections can start over without reconnecting.
	require.NoError(t, m.CreateTeam(ctx, x, "alpha"))
}

func TestSummaryAndRoster(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	pairTeam(t, m, "alpha")
	x2 := m.Connect("")
	require.NoError(t, m.CreateTeam(context.Background(), x2, "beta"))

	summary := m.Summary()
	assert.Equal(t, domain.SessionRunning, summary.State)
	assert.Equal(t, 3, summary.Players)
	assert.Equal(t, 2, summary.LiveTeams)
	assert.Equal(t, 1, summary.ActiveTeams)

	roster := m.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, "alpha", roster[0].Name)
	assert.Equal(t, domain.TeamActive, roster[0].Status)
	assert.Equal(t, "beta", roster[1].Name)
	assert.Equal(t, domain.TeamWaiting, roster[1].Status)
}

func TestGetTeamOverlay(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, _, id := pairTeam(t, m, "alpha")

	team, err := m.GetTeam(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TeamActive, team.Status)
	assert.Equal(t, 2, team.SlotsFilled)

	_, err = m.GetTeam(ctx, id+50)
	assert.ErrorIs(t, err, domain.ErrTeamNotFound)
}

func TestTeamStatsCaching(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	x, y, id := pairTeam(t, m, "alpha")
	playRound(t, m, id, [2]string{x, y}, [2]bool{true, true})

	first, err := m.TeamStats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Rounds)

	// Unchanged history is served from cache.
	second, err := m.TeamStats(ctx, id)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// A completed round invalidates and forces a recompute.
	playRound(t, m, id, [2]string{x, y}, [2]bool{true, true})
	third, err := m.TeamStats(ctx, id)
	require.NoError(t, err)
	assert.NotSame(t, second, third)
	assert.Equal(t, 2, third.Rounds)
}

// TestFullSessionScenario walks one team through its whole budget with
// both players always answering true, then checks the derived report. In
// role-restricted mode the budget covers each cross pair exactly once, so
// the report is deterministic regardless of deal order.
func TestFullSessionScenario(t *testing.T) {
	m, _, b := newTestManager(t, nil)
	ctx := context.Background()

	x := m.Connect("")
	y := m.Connect("")
	teamEvents := collectEvents(t, b, bus.SubjectTeamAll)

	require.NoError(t, m.CreateTeam(ctx, x, "bravo"))
	_, err := m.JoinTeam(ctx, y, "bravo")
	require.NoError(t, err)
	id := teamIDByName(t, m, "bravo")

	for i := 0; i < 4; i++ {
		playRound(t, m, id, [2]string{x, y}, [2]bool{true, true})
	}
	waitEvent(t, teamEvents, domain.EventTeamCompleted)

	report, err := m.TeamStats(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Rounds)

	// Every cross cell was played once with agreement: E = +1.
	for _, cell := range [][2]int{{0, 2}, {0, 3}, {1, 2}, {1, 3}} {
		st := report.Table[cell[0]][cell[1]]
		require.True(t, st.Defined(), "cell %v", cell)
		assert.InDelta(t, 1.0, st.Value, 1e-9)
		assert.Equal(t, 1, st.N)
	}

	// S = 1 + 1 + 1 - 1 = 2: a deterministic strategy sits exactly on
	// the classical bound.
	require.True(t, report.CHSH.Defined())
	assert.InDelta(t, 2.0, report.CHSH.Value, 1e-9)

	// Always agreeing wins three of the four deals.
	require.True(t, report.Success.Defined())
	assert.InDelta(t, 0.5, report.Success.Value, 1e-9)
	assert.Equal(t, 4, report.Success.N)

	// No same-item deals exist under role restriction.
	assert.False(t, report.Bias.Defined())
	assert.False(t, report.Balance.Defined())
}

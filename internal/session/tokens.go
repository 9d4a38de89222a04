package session

import "time"

// token grants the original occupant of a slot one chance to resume it
// after a disconnect from a fully paired team. The secret is the original
// connection identity: both the implicit join path and the explicit
// reconnect path require the joining connection to hold it as its own id,
// so a different player presenting a leaked token is never treated as a
// reconnection.
type token struct {
	teamID  int64
	slot    int
	secret  string
	expires time.Time
}

// tokenBook indexes pending reconnection tokens by team and slot. Owned
// by the Manager, guarded by its mutex.
type tokenBook struct {
	byTeam map[int64]map[int]token
}

func newTokenBook() *tokenBook {
	return &tokenBook{byTeam: make(map[int64]map[int]token)}
}

// issue records a single pending token for the slot, replacing any
// earlier one.
func (b *tokenBook) issue(teamID int64, slot int, connID string, ttl time.Duration) token {
	t := token{
		teamID:  teamID,
		slot:    slot,
		secret:  connID,
		expires: time.Now().Add(ttl),
	}
	slots := b.byTeam[teamID]
	if slots == nil {
		slots = make(map[int]token)
		b.byTeam[teamID] = slots
	}
	slots[slot] = t
	return t
}

// redeem consumes the team's pending token whose secret matches connID,
// returning the slot it restores. Expired tokens are dropped on sight and
// never redeemed.
func (b *tokenBook) redeem(teamID int64, connID string, now time.Time) (token, bool) {
	slots := b.byTeam[teamID]
	for slot, t := range slots {
		if now.After(t.expires) {
			delete(slots, slot)
			continue
		}
		if t.secret == connID {
			delete(slots, slot)
			if len(slots) == 0 {
				delete(b.byTeam, teamID)
			}
			return t, true
		}
	}
	return token{}, false
}

// restore puts a redeemed token back, used when the store write that
// followed redemption fails and the join is rolled back.
func (b *tokenBook) restore(t token) {
	slots := b.byTeam[t.teamID]
	if slots == nil {
		slots = make(map[int]token)
		b.byTeam[t.teamID] = slots
	}
	slots[t.slot] = t
}

// discardSlot drops the pending token for a slot, used when an ordinary
// join claims the slot out from under the original occupant.
func (b *tokenBook) discardSlot(teamID int64, slot int) {
	slots := b.byTeam[teamID]
	if slots == nil {
		return
	}
	delete(slots, slot)
	if len(slots) == 0 {
		delete(b.byTeam, teamID)
	}
}

// discardTeam drops every pending token for a team, used when the team
// empties out or the session resets.
func (b *tokenBook) discardTeam(teamID int64) {
	delete(b.byTeam, teamID)
}

// purge drops every expired token.
func (b *tokenBook) purge(now time.Time) {
	for teamID, slots := range b.byTeam {
		for slot, t := range slots {
			if now.After(t.expires) {
				delete(slots, slot)
			}
		}
		if len(slots) == 0 {
			delete(b.byTeam, teamID)
		}
	}
}

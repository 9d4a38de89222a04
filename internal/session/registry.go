package session

// binding records which team slot a connection occupies.
type binding struct {
	teamID int64
	slot   int // 1 or 2
}

// registry tracks live connection ids and their team bindings. It is
// owned by the Manager and must only be touched under the Manager's
// mutex.
type registry struct {
	conns map[string]*binding // key present = live; nil value = unbound
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*binding)}
}

// register marks a connection live. It reports false if the id is
// already taken by a live connection.
func (r *registry) register(connID string) bool {
	if _, ok := r.conns[connID]; ok {
		return false
	}
	r.conns[connID] = nil
	return true
}

// unregister forgets a connection entirely. Safe to call for unknown
// ids.
func (r *registry) unregister(connID string) {
	delete(r.conns, connID)
}

// bind assigns a live connection to a team slot.
func (r *registry) bind(connID string, teamID int64, slot int) {
	if _, ok := r.conns[connID]; !ok {
		return
	}
	r.conns[connID] = &binding{teamID: teamID, slot: slot}
}

// unbind clears a connection's team assignment but keeps it live.
func (r *registry) unbind(connID string) {
	if _, ok := r.conns[connID]; ok {
		r.conns[connID] = nil
	}
}

// lookup returns the team binding for a live connection.
func (r *registry) lookup(connID string) (teamID int64, slot int, ok bool) {
	b, live := r.conns[connID]
	if !live || b == nil {
		return 0, 0, false
	}
	return b.teamID, b.slot, true
}

// isLive reports whether the connection id belongs to a live socket.
func (r *registry) isLive(connID string) bool {
	_, ok := r.conns[connID]
	return ok
}

// count returns the number of live connections.
func (r *registry) count() int {
	return len(r.conns)
}

package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ernie/belltest/internal/bus"
	"github.com/ernie/belltest/internal/domain"
	"github.com/ernie/belltest/internal/metrics"
	"github.com/ernie/belltest/internal/session"
	"github.com/ernie/belltest/internal/stats"
)

// observerClient is one dashboard socket. wantDetail is owned by the hub
// loop and must not be touched elsewhere.
type observerClient struct {
	hub        *DashboardHub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	wantDetail bool
}

// observerCommand is an inbound preference change or refresh request,
// serialized through the hub loop.
type observerCommand struct {
	client     *observerClient
	refresh    bool
	wantDetail *bool
}

// teamDetail pairs a team with its statistics report. StatsUnavailable
// marks a team whose report could not be computed this push; other teams
// are unaffected.
type teamDetail struct {
	Team             domain.Team   `json:"team"`
	Stats            *stats.Report `json:"stats,omitempty"`
	StatsUnavailable bool          `json:"stats_unavailable,omitempty"`
}

// observerUpdate is the dashboard payload: session summary and roster on
// every push, per-team statistics only on detail pushes.
type observerUpdate struct {
	Summary session.Summary `json:"summary"`
	Teams   []domain.Team   `json:"teams"`
	Detail  []teamDetail    `json:"detail,omitempty"`
}

// DashboardHub pushes throttled roster and statistics updates to observer
// sockets. Roster updates go to everyone on the roster interval; the
// heavier detail updates go only to observers who opted in, at most once
// per detail interval. Payloads computed inside an interval are reused
// verbatim for late joiners; an explicit refresh bypasses the reuse.
type DashboardHub struct {
	manager        *session.Manager
	rosterInterval time.Duration
	detailInterval time.Duration

	clients    map[*observerClient]bool
	register   chan *observerClient
	unregister chan *observerClient
	inbound    chan observerCommand
	wake       chan struct{}

	lastRoster   []byte
	lastRosterAt time.Time
	lastDetail   []byte
	lastDetailAt time.Time
}

// NewDashboardHub creates the observer hub.
func NewDashboardHub(manager *session.Manager, rosterInterval, detailInterval time.Duration) *DashboardHub {
	if rosterInterval <= 0 {
		rosterInterval = time.Second
	}
	if detailInterval <= 0 {
		detailInterval = 5 * time.Second
	}
	return &DashboardHub{
		manager:        manager,
		rosterInterval: rosterInterval,
		detailInterval: detailInterval,
		clients:        make(map[*observerClient]bool),
		register:       make(chan *observerClient),
		unregister:     make(chan *observerClient),
		inbound:        make(chan observerCommand, 64),
		wake:           make(chan struct{}, 1),
	}
}

// Start launches the hub loop and wires it to the event bus. Bus traffic
// only nudges the loop; the push cadence stays throttled.
func (h *DashboardHub) Start(b *bus.Bus) error {
	go h.Run()

	nudge := func(string, []byte) {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
	if _, err := b.Subscribe(bus.SubjectTeamAll, nudge); err != nil {
		return err
	}
	if _, err := b.Subscribe(bus.SubjectSession, nudge); err != nil {
		return err
	}
	return nil
}

// Run starts the hub's main loop
func (h *DashboardHub) Run() {
	roster := time.NewTicker(h.rosterInterval)
	detail := time.NewTicker(h.detailInterval)
	defer func() {
		roster.Stop()
		detail.Stop()
	}()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			metrics.UpdateObserverConnections(len(h.clients))
			log.Printf("Observer connected from %s (%d total)", client.remoteAddr, len(h.clients))
			// New observers get the current roster without waiting a tick.
			h.push(client, h.rosterPayload(time.Now(), false))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			metrics.UpdateObserverConnections(len(h.clients))
			log.Printf("Observer disconnected from %s (%d total)", client.remoteAddr, len(h.clients))

		case cmd := <-h.inbound:
			if !h.clients[cmd.client] {
				continue
			}
			if cmd.wantDetail != nil {
				enabled := *cmd.wantDetail && !cmd.client.wantDetail
				cmd.client.wantDetail = *cmd.wantDetail
				if enabled {
					h.push(cmd.client, h.detailPayload(time.Now(), false))
				}
			}
			if cmd.refresh {
				if cmd.client.wantDetail {
					h.push(cmd.client, h.detailPayload(time.Now(), true))
				} else {
					h.push(cmd.client, h.rosterPayload(time.Now(), true))
				}
			}

		case <-roster.C:
			if len(h.clients) == 0 {
				continue
			}
			payload := h.rosterPayload(time.Now(), false)
			for client := range h.clients {
				h.push(client, payload)
			}
			metrics.RecordBroadcastTick()

		case <-detail.C:
			var subscribers []*observerClient
			for client := range h.clients {
				if client.wantDetail {
					subscribers = append(subscribers, client)
				}
			}
			if len(subscribers) == 0 {
				continue
			}
			payload := h.detailPayload(time.Now(), false)
			for _, client := range subscribers {
				h.push(client, payload)
			}

		case <-h.wake:
			// Something changed. Push early only if the roster window has
			// already elapsed; otherwise the next tick carries it.
			if len(h.clients) == 0 || time.Since(h.lastRosterAt) < h.rosterInterval {
				continue
			}
			payload := h.rosterPayload(time.Now(), false)
			for client := range h.clients {
				h.push(client, payload)
			}
		}
	}
}

// push queues a payload for one observer, evicting it when its buffer is
// full.
func (h *DashboardHub) push(client *observerClient, payload []byte) {
	if payload == nil {
		return
	}
	select {
	case client.send <- payload:
	default:
		delete(h.clients, client)
		close(client.send)
		metrics.UpdateObserverConnections(len(h.clients))
	}
}

// rosterPayload returns the roster update, reusing the bytes computed
// within the current roster interval unless force is set.
func (h *DashboardHub) rosterPayload(now time.Time, force bool) []byte {
	if !force && h.lastRoster != nil && now.Sub(h.lastRosterAt) < h.rosterInterval {
		return h.lastRoster
	}
	payload := h.marshalUpdate(observerUpdate{
		Summary: h.manager.Summary(),
		Teams:   h.manager.Roster(),
	}, now)
	if payload != nil {
		h.lastRoster, h.lastRosterAt = payload, now
	}
	return payload
}

// detailPayload returns the detail update, reusing the bytes computed
// within the current detail interval unless force is set. A team whose
// statistics cannot be computed is marked unavailable rather than
// poisoning the whole push.
func (h *DashboardHub) detailPayload(now time.Time, force bool) []byte {
	if !force && h.lastDetail != nil && now.Sub(h.lastDetailAt) < h.detailInterval {
		return h.lastDetail
	}
	teams := h.manager.Roster()
	details := make([]teamDetail, 0, len(teams))
	for _, team := range teams {
		d := teamDetail{Team: team}
		report, err := h.manager.TeamStats(context.Background(), team.ID)
		if err != nil {
			log.Printf("Dashboard: stats for team %d unavailable: %v", team.ID, err)
			d.StatsUnavailable = true
		} else {
			d.Stats = report
		}
		details = append(details, d)
	}
	payload := h.marshalUpdate(observerUpdate{
		Summary: h.manager.Summary(),
		Teams:   teams,
		Detail:  details,
	}, now)
	if payload != nil {
		h.lastDetail, h.lastDetailAt = payload, now
	}
	return payload
}

func (h *DashboardHub) marshalUpdate(update observerUpdate, now time.Time) []byte {
	payload, err := json.Marshal(domain.Event{
		Type:      domain.EventObserverUpdate,
		Timestamp: now.UTC(),
		Data:      update,
	})
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return nil
	}
	return payload
}

// handleDashboardSocket upgrades an observer connection. Observers are
// anonymous: they hold no slot and submit no responses.
func (r *Router) handleDashboardSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &observerClient{
		hub:        r.dashboard,
		conn:       conn,
		send:       make(chan []byte, 64),
		remoteAddr: getClientIP(req),
	}
	r.dashboard.register <- client

	go writeLoop(conn, client.send)
	go client.readPump()
}

// readPump consumes observer preference messages until the socket closes.
func (c *observerClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg domain.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case domain.MsgSetPreferences:
			if msg.WantDetail != nil {
				c.hub.inbound <- observerCommand{client: c, wantDetail: msg.WantDetail}
			}
		case domain.MsgRequestRefresh:
			c.hub.inbound <- observerCommand{client: c, refresh: true}
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ernie/belltest/internal/bus"
	"github.com/ernie/belltest/internal/domain"
	"github.com/ernie/belltest/internal/session"
)

// getClientIP extracts the real client IP, checking proxy headers first
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (may contain multiple IPs, first is the client)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr (strip port if present)
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// playerClient is one participant's socket, keyed by the connection
// identity the session manager issued.
type playerClient struct {
	hub        *PlayerHub
	conn       *websocket.Conn
	send       chan []byte
	id         string
	remoteAddr string
}

// delivery is a routed outbound payload. An empty connID addresses every
// connected player.
type delivery struct {
	connID string
	data   []byte
}

// PlayerHub owns the participant sockets. All access to the client map
// happens on the Run goroutine; bus callbacks and handlers only feed its
// channels.
type PlayerHub struct {
	manager    *session.Manager
	clients    map[string]*playerClient
	register   chan *playerClient
	unregister chan *playerClient
	deliver    chan delivery
}

// NewPlayerHub creates the participant hub.
func NewPlayerHub(manager *session.Manager) *PlayerHub {
	return &PlayerHub{
		manager:    manager,
		clients:    make(map[string]*playerClient),
		register:   make(chan *playerClient),
		unregister: make(chan *playerClient),
		deliver:    make(chan delivery, 256),
	}
}

// Start launches the hub loop and wires it to the event bus.
func (h *PlayerHub) Start(b *bus.Bus) error {
	go h.Run()

	if _, err := b.Subscribe(bus.SubjectPlayerAll, h.onPlayerEvent); err != nil {
		return err
	}
	if _, err := b.Subscribe(bus.SubjectTeamAll, h.onTeamEvent); err != nil {
		return err
	}
	if _, err := b.Subscribe(bus.SubjectSession, h.onSessionEvent); err != nil {
		return err
	}
	return nil
}

// Run starts the hub's main loop
func (h *PlayerHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client.id] = client
			log.Printf("Player %s connected from %s (%d total)", client.id, client.remoteAddr, len(h.clients))

		case client := <-h.unregister:
			if cur, ok := h.clients[client.id]; ok && cur == client {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.manager.Disconnect(client.id)
			log.Printf("Player %s disconnected (%d total)", client.id, len(h.clients))

		case d := <-h.deliver:
			if d.connID != "" {
				if client, ok := h.clients[d.connID]; ok {
					h.push(client, d.data)
				}
				continue
			}
			for _, client := range h.clients {
				h.push(client, d.data)
			}
		}
	}
}

// push queues data for one client, evicting it when its buffer is full.
func (h *PlayerHub) push(client *playerClient, data []byte) {
	select {
	case client.send <- data:
	default:
		delete(h.clients, client.id)
		close(client.send)
	}
}

func (h *PlayerHub) onPlayerEvent(subject string, data []byte) {
	h.route(delivery{connID: bus.PlayerFromSubject(subject), data: data})
}

func (h *PlayerHub) onTeamEvent(subject string, data []byte) {
	teamID, err := bus.TeamFromSubject(subject)
	if err != nil {
		return
	}
	for _, connID := range h.manager.TeamMembers(teamID) {
		h.route(delivery{connID: connID, data: data})
	}
}

func (h *PlayerHub) onSessionEvent(subject string, data []byte) {
	h.route(delivery{data: data})
}

func (h *PlayerHub) route(d delivery) {
	select {
	case h.deliver <- d:
	default:
		log.Printf("Player hub delivery queue full, dropping event")
	}
}

// handlePlayerSocket upgrades HTTP to WebSocket and manages the connection.
// The client may present its previous identity via ?client_id= to keep it
// across transport drops.
func (r *Router) handlePlayerSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	id := r.manager.Connect(req.URL.Query().Get("client_id"))
	client := &playerClient{
		hub:        r.players,
		conn:       conn,
		send:       make(chan []byte, 256),
		id:         id,
		remoteAddr: getClientIP(req),
	}

	// Welcome goes into the buffer before the pumps start so it is always
	// the first message the client sees.
	client.queueEvent(domain.EventWelcome, 0, domain.WelcomeEvent{ConnID: id})
	r.players.register <- client

	go writeLoop(conn, client.send)
	go client.readPump()
}

// queueEvent marshals an event straight into the client's send buffer.
// Only safe before the client is registered or from the hub loop.
func (c *playerClient) queueEvent(eventType string, teamID int64, data interface{}) {
	evt := domain.Event{
		Type:      eventType,
		TeamID:    teamID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// sendError reports a rejected request back to this connection only. It
// routes through the hub loop so it cannot race the client's eviction.
func (c *playerClient) sendError(code, message string) {
	evt := domain.Event{
		Type:      domain.EventError,
		Timestamp: time.Now().UTC(),
		Data:      domain.ErrorEvent{Code: code, Message: message},
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return
	}
	c.hub.route(delivery{connID: c.id, data: payload})
}

// handleMessage dispatches one inbound envelope to the session manager.
func (c *playerClient) handleMessage(data []byte) {
	var msg domain.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(domain.CodeBadRequest, "malformed message")
		return
	}

	ctx := context.Background()
	var err error
	switch msg.Type {
	case domain.MsgCreateTeam:
		name, ok := normalizeTeamName(msg.Name)
		if !ok {
			c.sendError(domain.CodeBadRequest, "invalid team name")
			return
		}
		err = c.hub.manager.CreateTeam(ctx, c.id, name)
	case domain.MsgJoinTeam:
		name, ok := normalizeTeamName(msg.Name)
		if !ok {
			c.sendError(domain.CodeBadRequest, "invalid team name")
			return
		}
		_, err = c.hub.manager.JoinTeam(ctx, c.id, name)
	case domain.MsgReconnectTeam:
		name, ok := normalizeTeamName(msg.Name)
		if !ok {
			c.sendError(domain.CodeBadRequest, "invalid team name")
			return
		}
		_, err = c.hub.manager.ReconnectTeam(ctx, c.id, name, msg.Token)
	case domain.MsgReactivateTeam:
		name, ok := normalizeTeamName(msg.Name)
		if !ok {
			c.sendError(domain.CodeBadRequest, "invalid team name")
			return
		}
		err = c.hub.manager.ReactivateTeam(ctx, c.id, name)
	case domain.MsgLeaveTeam:
		err = c.hub.manager.LeaveTeam(c.id)
	case domain.MsgSubmitResponse:
		if msg.Value == nil {
			c.sendError(domain.CodeBadRequest, "value is required")
			return
		}
		err = c.hub.manager.SubmitResponse(ctx, c.id, msg.RoundID, *msg.Value)
	default:
		c.sendError(domain.CodeBadRequest, "unknown message type")
		return
	}

	if err != nil {
		c.sendError(domain.ErrorCode(err), err.Error())
	}
}

// readPump reads messages from the WebSocket (and handles close)
func (c *playerClient) readPump() {
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
		c.handleMessage(data)
	}
}

// writeLoop drains a send channel into the WebSocket with ping keepalive.
// Shared by the player and observer sockets.
func writeLoop(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain queued messages into this write
			n := len(send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

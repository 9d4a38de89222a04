// Package bus runs an embedded NATS server for in-process event fan-out.
// The session engine publishes domain events; the player hub and the
// dashboard subscribe. Nothing listens on a network socket.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/ernie/belltest/internal/domain"
)

// Subjects. Player subjects carry events private to one connection, team
// subjects carry events for both members, and SubjectSession carries
// global announcements.
const (
	SubjectSession   = "session.events"
	SubjectTeamAll   = "team.*"
	SubjectPlayerAll = "player.*"
	startupDeadline  = 5 * time.Second
)

// PlayerSubject returns the private subject for a connection.
func PlayerSubject(connID string) string {
	return "player." + connID
}

// TeamSubject returns the shared subject for a team.
func TeamSubject(teamID int64) string {
	return fmt.Sprintf("team.%d", teamID)
}

// PlayerFromSubject extracts the connection id from a player subject.
func PlayerFromSubject(subject string) string {
	return strings.TrimPrefix(subject, "player.")
}

// TeamFromSubject extracts the team id from a team subject.
func TeamFromSubject(subject string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(subject, "team."), 10, 64)
}

// Bus couples an embedded NATS server with one in-process client
// connection.
type Bus struct {
	srv  *server.Server
	conn *nats.Conn
}

// New starts the embedded server and connects to it. The server never
// binds a port; clients reach it through the in-process pipe only.
func New() (*Bus, error) {
	srv, err := server.NewServer(&server.Options{
		ServerName: "belltest-bus",
		DontListen: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bus server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(startupDeadline) {
		srv.Shutdown()
		return nil, fmt.Errorf("bus server not ready after %s", startupDeadline)
	}

	conn, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}
	return &Bus{srv: srv, conn: conn}, nil
}

// Publish encodes the event as JSON and publishes it on subject.
func (b *Bus) Publish(subject string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Subscribe delivers raw event payloads for subject, wildcards allowed.
// The handler runs on the subscription's dispatch goroutine and must not
// block.
func (b *Bus) Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains the client connection and stops the embedded server.
func (b *Bus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			log.Printf("Bus: drain failed: %v", err)
		}
	}
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
	}
}

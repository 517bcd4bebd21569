package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/phenolab/streamnotify/internal/domain"
	"github.com/phenolab/streamnotify/internal/metrics"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

// broadcasterCmd is the command interface for the Broadcaster actor.
type broadcasterCmd interface{ isBroadcasterCmd() }

type baseBroadcasterCmd struct{}

func (baseBroadcasterCmd) isBroadcasterCmd() {}

type registerCmd struct {
	baseBroadcasterCmd
	connection   *websocket.Conn
	replyChannel chan registerReply
}

type registerReply struct {
	id  uuid.UUID
	err error
}

type unregisterCmd struct {
	baseBroadcasterCmd
	id uuid.UUID
}

type publishCmd struct {
	baseBroadcasterCmd
	data []byte
}

type sendCmd struct {
	baseBroadcasterCmd
	id   uuid.UUID
	data []byte
}

type clientCountCmd struct {
	baseBroadcasterCmd
	replyChannel chan int
}

type stopCmd struct {
	baseBroadcasterCmd
}

// Broadcaster owns the set of connected clients and fans published events
// out to all of them. Delivery is best-effort and at-most-once: a failing
// or slow connection is evicted without affecting the others, and an event
// published with zero connections is silently discarded.
type Broadcaster struct {
	cmdCh          chan broadcasterCmd
	clock          clockwork.Clock
	clients        map[uuid.UUID]*clientWriter
	maxConnections int
	done           chan struct{}
	stopTimeout    time.Duration
}

// NewBroadcaster creates and starts a broadcaster accepting at most
// maxConnections concurrent clients.
func NewBroadcaster(clock clockwork.Clock, maxConnections int) *Broadcaster {
	b := &Broadcaster{
		cmdCh:          make(chan broadcasterCmd, 256),
		clock:          clock,
		clients:        make(map[uuid.UUID]*clientWriter),
		maxConnections: maxConnections,
		done:           make(chan struct{}),
		stopTimeout:    stopTimeout,
	}
	go b.run()
	return b
}

// enqueue hands a command to the actor. Returns false once the actor has
// exited, so callers after Stop drop their command instead of blocking on
// a full buffer nobody drains.
func (b *Broadcaster) enqueue(cmd broadcasterCmd) bool {
	select {
	case b.cmdCh <- cmd:
		return true
	case <-b.done:
		return false
	}
}

// Register adds a connection and returns its fresh connection ID. IDs are
// never reused within the process lifetime, so a reconnect is always
// distinguishable from the connection it replaces.
func (b *Broadcaster) Register(conn *websocket.Conn) (uuid.UUID, error) {
	replyCh := make(chan registerReply, 1)
	if !b.enqueue(registerCmd{connection: conn, replyChannel: replyCh}) {
		conn.Close()
		return uuid.Nil, fmt.Errorf("broadcaster is stopped")
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply.id, reply.err
	case <-timer.Chan():
		return uuid.Nil, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a connection. Unknown IDs are a no-op, which makes
// double teardown on racing close paths harmless.
func (b *Broadcaster) Unregister(id uuid.UUID) {
	b.enqueue(unregisterCmd{id: id})
}

// Publish delivers the event to every currently registered connection.
// Failures only ever affect the offending connection; they never reach the
// caller.
func (b *Broadcaster) Publish(_ context.Context, event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal event", "kind", event.Kind, "seq", event.Seq, "error", err)
		return
	}
	b.enqueue(publishCmd{data: data})
}

// Send delivers data to a single connection. Unknown IDs are a no-op.
func (b *Broadcaster) Send(id uuid.UUID, data []byte) {
	b.enqueue(sendCmd{id: id, data: data})
}

// ClientCount returns the number of currently registered connections.
// Returns -1 if the command times out, 0 after Stop.
func (b *Broadcaster) ClientCount() int {
	replyCh := make(chan int, 1)
	if !b.enqueue(clientCountCmd{replyChannel: replyCh}) {
		return 0
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every client connection with a close frame and shuts the
// actor down. Blocks until the goroutine has exited or the stop timeout is
// reached.
func (b *Broadcaster) Stop() {
	if !b.enqueue(stopCmd{}) {
		return
	}

	timeout := b.clock.NewTimer(b.stopTimeout)
	defer timeout.Stop()

	select {
	case <-b.done:
		slog.Info("Broadcaster stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Broadcaster stop timeout exceeded", "timeout", b.stopTimeout)
		metrics.BroadcasterStopTimeoutsTotal.Inc()
	}
}

func (b *Broadcaster) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcaster panic recovered", "panic", r)
			metrics.BroadcasterPanicsTotal.Inc()
			b.closeAllClients("broadcaster panic")
			close(b.done)
		}
	}()

	for cmd := range b.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			b.handleRegister(c)
		case unregisterCmd:
			b.handleUnregister(c.id)
		case publishCmd:
			b.handlePublish(c.data)
		case sendCmd:
			b.handleSend(c)
		case clientCountCmd:
			c.replyChannel <- len(b.clients)
		case stopCmd:
			b.handleStop()
			close(b.done)
			return
		default:
			slog.Warn("Broadcaster received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (b *Broadcaster) handleRegister(c registerCmd) {
	if len(b.clients) >= b.maxConnections {
		slog.Warn("Rejecting client: connection cap reached", "max_connections", b.maxConnections)
		metrics.BroadcasterRejectedConnections.Inc()
		c.connection.Close()
		c.replyChannel <- registerReply{err: fmt.Errorf("max connections (%d) reached", b.maxConnections)}
		return
	}

	id := uuid.New()
	b.clients[id] = newClientWriter(c.connection, b.clock)

	metrics.BroadcasterConnectedClients.Set(float64(len(b.clients)))
	slog.Debug("Client registered", "connection_id", id.String(), "total_clients", len(b.clients))
	c.replyChannel <- registerReply{id: id}
}

func (b *Broadcaster) handleUnregister(id uuid.UUID) {
	cw, exists := b.clients[id]
	if !exists {
		return
	}

	cw.stop()
	delete(b.clients, id)

	metrics.BroadcasterConnectedClients.Set(float64(len(b.clients)))
	slog.Debug("Client unregistered", "connection_id", id.String(), "remaining_clients", len(b.clients))
}

func (b *Broadcaster) handlePublish(data []byte) {
	var slow []uuid.UUID
	for id, cw := range b.clients {
		select {
		case cw.sendChannel <- data:
		default:
			slow = append(slow, id)
		}
	}

	for _, id := range slow {
		slog.Warn("Disconnecting slow client", "connection_id", id.String())
		metrics.BroadcasterSlowClientsEvicted.Inc()
		b.handleUnregister(id)
	}
}

func (b *Broadcaster) handleSend(c sendCmd) {
	cw, exists := b.clients[c.id]
	if !exists {
		return
	}
	select {
	case cw.sendChannel <- c.data:
	default:
		slog.Warn("Disconnecting slow client", "connection_id", c.id.String())
		metrics.BroadcasterSlowClientsEvicted.Inc()
		b.handleUnregister(c.id)
	}
}

func (b *Broadcaster) handleStop() {
	total := len(b.clients)
	slog.Info("Broadcaster shutting down", "clients", total)
	b.closeAllClients("Server shutting down")
	slog.Info("Broadcaster shutdown complete", "disconnected_clients", total)
}

func (b *Broadcaster) closeAllClients(reason string) {
	for id, cw := range b.clients {
		cw.stopGraceful(reason)
		delete(b.clients, id)
	}
	metrics.BroadcasterConnectedClients.Set(0)
}

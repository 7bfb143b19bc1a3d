// Package bridge carries text commands from websocket clients to the command
// interpreter and streams the interpreter's output back to the client that
// issued the command.
package bridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/duckap/internal/domain"
	"github.com/koltyakov/duckap/internal/metrics"
)

// Interpreter parses one command line and reports output through print.
// Parse runs to completion on the control loop.
type Interpreter interface {
	Parse(line string, print func(string))
}

// InterpreterFunc adapts a function to Interpreter.
type InterpreterFunc func(line string, print func(string))

func (f InterpreterFunc) Parse(line string, print func(string)) { f(line, print) }

// Command is one inbound event for the control loop: a text line from a
// connection, or notice that the connection went away.
type Command struct {
	Conn   uint64
	Line   string
	Closed bool
}

const (
	commandQueueSize = 32
	pingInterval     = 30 * time.Second
	writeTimeout     = 5 * time.Second
)

type client struct {
	pump *Pump
	conn *websocket.Conn
}

// Bridge is the websocket endpoint plus the loop-side dispatcher.
type Bridge struct {
	interp   Interpreter
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	commands chan Command
	done     chan struct{}
	doneOnce sync.Once
	nextID   atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]client

	// active is owned by the control loop.
	active uint64
}

func New(interp Interpreter, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		interp:  interp,
		log:     logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		commands: make(chan Command, commandQueueSize),
		done:     make(chan struct{}),
		conns:    make(map[uint64]client),
	}
}

// Commands is the queue the control loop drains with [Bridge.Dispatch].
func (b *Bridge) Commands() <-chan Command { return b.commands }

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	id := b.nextID.Add(1)
	pump := NewPump(conn, writeTimeout, 2, 64)
	if !b.register(id, client{pump: pump, conn: conn}) {
		pump.Close()
		_ = conn.Close()
		return
	}
	b.metrics.BridgeConnected(1)
	b.log.Info("WS client connected", "conn", id, "remote", r.RemoteAddr)

	conn.SetPongHandler(func(string) error {
		b.log.Debug("PONG", "conn", id)
		return nil
	})

	stopPing := make(chan struct{})
	go b.keepAlive(pump, stopPing)

	b.readLoop(id, conn)

	close(stopPing)
	b.unregister(id)
	pump.Close()
	_ = conn.Close()
	b.metrics.BridgeConnected(-1)
	b.log.Info("WS client disconnected", "conn", id)
	b.submit(Command{Conn: id, Closed: true})
}

func (b *Bridge) readLoop(id uint64, conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug("websocket read ended", "conn", id, "err", err)
			}
			return
		}
		switch mt {
		case websocket.TextMessage:
			if !b.submit(Command{Conn: id, Line: string(data)}) {
				return
			}
		default:
			b.log.Warn("dropping non-text websocket frame", "conn", id, "type", mt, "bytes", len(data))
		}
	}
}

func (b *Bridge) keepAlive(pump *Pump, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := pump.Ping(); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) submit(cmd Command) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.commands <- cmd:
		return true
	case <-b.done:
		return false
	}
}

// Dispatch runs one command on the loop. Output produced while the
// interpreter parses the line goes to the connection that sent it.
func (b *Bridge) Dispatch(cmd Command) {
	if cmd.Closed {
		b.Disconnected(cmd.Conn)
		return
	}
	line := strings.TrimSuffix(cmd.Line, "\x00")

	b.active = cmd.Conn
	b.metrics.CommandDispatched()
	b.interp.Parse(line, b.print)
	b.active = 0
}

// Disconnected invalidates a binding to a closed connection.
func (b *Bridge) Disconnected(id uint64) {
	if b.active == id {
		b.active = 0
	}
}

// Active reports the connection output is currently routed to, or 0.
func (b *Bridge) Active() uint64 { return b.active }

// Connections reports the number of open websocket clients.
func (b *Bridge) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close stops accepting commands and closes every connection.
func (b *Bridge) Close() {
	b.doneOnce.Do(func() { close(b.done) })
	b.mu.Lock()
	clients := make([]client, 0, len(b.conns))
	for _, c := range b.conns {
		clients = append(clients, c)
	}
	b.conns = map[uint64]client{}
	b.mu.Unlock()
	for _, c := range clients {
		c.pump.Close()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

func (b *Bridge) print(text string) {
	if b.active == 0 {
		b.log.Debug("dropping output with no active connection", "bytes", len(text))
		return
	}
	pump := b.lookup(b.active)
	if pump == nil {
		b.log.Debug("dropping output", "conn", b.active, "err", domain.ErrSessionGone)
		return
	}
	if err := pump.Send(text); err != nil {
		b.log.Warn("websocket send failed", "conn", b.active, "err", fmt.Errorf("%w: %w", domain.ErrSessionGone, err))
	}
}

func (b *Bridge) register(id uint64, c client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return false
	default:
	}
	b.conns[id] = c
	return true
}

func (b *Bridge) unregister(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, id)
}

func (b *Bridge) lookup(id uint64) *Pump {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[id].pump
}

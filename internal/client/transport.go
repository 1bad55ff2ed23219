// Package client is the Go client for the chat server: a websocket transport
// with reconnect, a REST client for history and media, and the Session
// controller that drives one conversation screen.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/agrilink/chat-app/internal/protocol"
)

// ErrNotConnected is returned by Emit while the transport has no live
// connection.
var ErrNotConnected = errors.New("client: not connected")

// ConnState is the transport's connection state.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
)

// Status is the transport state exposed to the UI. Attempt is the current
// reconnect attempt, starting at 1, while reconnecting.
type Status struct {
	State   ConnState
	Attempt int
}

// TransportConfig holds the websocket URL and the reconnect policy.
type TransportConfig struct {
	URL         string        // ws://host:port/ws
	MaxAttempts int           // reconnect attempts before giving up
	BaseDelay   time.Duration // delay before the first attempt, doubled after each
	MaxDelay    time.Duration // cap on the delay between attempts
	DialTimeout time.Duration
}

// DefaultTransportConfig returns the reconnect policy the mobile client used:
// 5 attempts starting at 1s.
func DefaultTransportConfig(url string) TransportConfig {
	return TransportConfig{
		URL:         url,
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		DialTimeout: 10 * time.Second,
	}
}

// backoff returns the delay before the given attempt (1-based).
func (c TransportConfig) backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Transport is a websocket connection to the chat server. It dispatches
// incoming frames to subscribers by type, reconnects after a connection loss
// and re-issues the last join once reconnected.
type Transport struct {
	config TransportConfig

	writeMu sync.Mutex // serializes frames on conn
	conn    net.Conn

	mu           sync.Mutex
	status       Status
	userID       string
	role         string
	connectionID string
	handlers     map[string]map[uint64]func(json.RawMessage)
	statusFns    map[uint64]func(Status)
	nextID       uint64

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server. Only the initial connection fails fast;
// later losses are handled by reconnecting.
func Dial(ctx context.Context, config TransportConfig) (*Transport, error) {
	t := &Transport{
		config:    config,
		handlers:  make(map[string]map[uint64]func(json.RawMessage)),
		statusFns: make(map[uint64]func(Status)),
		done:      make(chan struct{}),
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	t.status = Status{State: StateConnected}

	go t.readLoop(conn)
	return t, nil
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	if t.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.DialTimeout)
		defer cancel()
	}
	conn, br, _, err := ws.Dial(ctx, t.config.URL)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", t.config.URL, err)
	}
	// The server greets immediately, so the handshake reader may already
	// hold the first frame.
	if br != nil {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn reads through the handshake reader.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// On subscribes handler to a server frame type and returns a function that
// removes the subscription. Handlers run on the read goroutine.
func (t *Transport) On(msgType string, handler func(json.RawMessage)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	if t.handlers[msgType] == nil {
		t.handlers[msgType] = make(map[uint64]func(json.RawMessage))
	}
	t.handlers[msgType][id] = handler
	return func() {
		t.mu.Lock()
		delete(t.handlers[msgType], id)
		t.mu.Unlock()
	}
}

// OnStatus subscribes to connection status changes.
func (t *Transport) OnStatus(fn func(Status)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.statusFns[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.statusFns, id)
		t.mu.Unlock()
	}
}

// Status returns the current connection status.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ConnectionID returns the id the server assigned to the current connection.
func (t *Transport) ConnectionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectionID
}

// Emit sends one client frame.
func (t *Transport) Emit(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	if err := wsutil.WriteClientMessage(t.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: emit %s: %w", msgType, err)
	}
	return nil
}

// Join registers userID with the server's presence registry. The join is
// remembered and repeated after every reconnect.
func (t *Transport) Join(userID, role string) error {
	t.mu.Lock()
	t.userID, t.role = userID, role
	t.mu.Unlock()
	return t.Emit(protocol.TypeJoin, protocol.JoinMsg{UserID: userID, Role: role})
}

// Close stops reconnecting and closes the connection. It is safe to call
// multiple times.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		if t.conn != nil {
			err = t.conn.Close()
			t.conn = nil
		}
		t.writeMu.Unlock()
		t.setStatus(Status{State: StateDisconnected})
	})
	return err
}

func (t *Transport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// readLoop reads frames from conn until it fails, then hands over to
// reconnect. Control frames are answered under the write lock so a pong
// never interleaves with an application frame.
func (t *Transport) readLoop(conn net.Conn) {
	rd := &wsutil.Reader{Source: conn, State: ws.StateClientSide, CheckUTF8: true}
	control := wsutil.ControlFrameHandler(conn, ws.StateClientSide)

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			t.connectionLost(conn, err)
			return
		}
		if hdr.OpCode.IsControl() {
			t.writeMu.Lock()
			err = control(hdr, rd)
			t.writeMu.Unlock()
			if err != nil {
				t.connectionLost(conn, err)
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				t.connectionLost(conn, err)
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			t.connectionLost(conn, err)
			return
		}
		t.dispatch(data)
	}
}

func (t *Transport) dispatch(data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("[client] bad frame: %v", err)
		return
	}

	if m, ok := msg.(protocol.ConnectedMsg); ok {
		t.mu.Lock()
		t.connectionID = m.ConnectionID
		t.mu.Unlock()
	}

	t.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(t.handlers[msgType]))
	for _, fn := range t.handlers[msgType] {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(json.RawMessage(data))
	}
}

func (t *Transport) connectionLost(conn net.Conn, cause error) {
	t.writeMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.writeMu.Unlock()
	conn.Close()

	if t.closed() {
		return
	}
	log.Printf("[client] connection lost: %v", cause)
	t.reconnect()
}

// reconnect retries with exponential backoff. On success it restores the
// join and starts a new read loop.
func (t *Transport) reconnect() {
	for attempt := 1; attempt <= t.config.MaxAttempts; attempt++ {
		t.setStatus(Status{State: StateReconnecting, Attempt: attempt})

		select {
		case <-t.done:
			return
		case <-time.After(t.config.backoff(attempt)):
		}

		conn, err := t.dial(context.Background())
		if err != nil {
			log.Printf("[client] reconnect attempt %d/%d: %v", attempt, t.config.MaxAttempts, err)
			continue
		}

		t.writeMu.Lock()
		if t.closed() {
			t.writeMu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.writeMu.Unlock()

		go t.readLoop(conn)
		t.setStatus(Status{State: StateConnected})
		log.Printf("[client] reconnected after %d attempt(s)", attempt)

		t.mu.Lock()
		userID, role := t.userID, t.role
		t.mu.Unlock()
		if userID != "" {
			if err := t.Emit(protocol.TypeJoin, protocol.JoinMsg{UserID: userID, Role: role}); err != nil {
				log.Printf("[client] re-join %s: %v", userID, err)
			}
		}
		return
	}

	log.Printf("[client] giving up after %d reconnect attempts", t.config.MaxAttempts)
	t.setStatus(Status{State: StateDisconnected})
}

func (t *Transport) setStatus(s Status) {
	t.mu.Lock()
	if t.status == s {
		t.mu.Unlock()
		return
	}
	t.status = s
	fns := make([]func(Status), 0, len(t.statusFns))
	for _, fn := range t.statusFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

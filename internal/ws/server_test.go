package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/agrilink/chat-app/internal/protocol"
)

// startServer runs a Server on a loopback listener and returns its address.
func startServer(t *testing.T, d *MessageDispatcher, setup ...func(*Server)) (*Server, string) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("integration test relies on the epoll event loop")
	}

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat = HeartbeatConfig{Interval: time.Hour, Timeout: time.Hour}

	s := NewServer(cfg, nil, d.Dispatch)
	for _, fn := range setup {
		fn(s)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		if err := s.Serve(ln); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() { s.Shutdown() })

	// Wait for the listener to accept.
	addr := ln.Addr().String()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	return s, addr
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if br != nil {
		// The connected frame may already sit in the handshake buffer.
		return &bufferedConn{Conn: conn, r: br}
	}
	return conn
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func readClientFrame(t *testing.T, conn net.Conn) (string, interface{}) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msgType, msg
}

func TestServer_ConnectedAndPing(t *testing.T) {
	_, addr := startServer(t, NewMessageDispatcher())
	conn := dial(t, addr)

	msgType, msg := readClientFrame(t, conn)
	if msgType != protocol.TypeConnected {
		t.Fatalf("expected connected frame first, got %q", msgType)
	}
	if msg.(protocol.ConnectedMsg).ConnectionID == "" {
		t.Error("connected frame should carry a connection id")
	}

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msgType, _ := readClientFrame(t, conn); msgType != protocol.TypePong {
		t.Fatalf("expected pong, got %q", msgType)
	}
}

func TestServer_HandlerPanicKeepsConnection(t *testing.T) {
	d := NewMessageDispatcher()
	d.Register(protocol.TypeJoin, func(conn *Connection, msg interface{}) {
		panic("boom")
	})
	_, addr := startServer(t, d)
	conn := dial(t, addr)
	readClientFrame(t, conn) // connected

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"join","userId":"A"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msgType, _ := readClientFrame(t, conn); msgType != protocol.TypePong {
		t.Fatalf("expected pong after recovered panic, got %q", msgType)
	}
}

func TestServer_DisconnectCallback(t *testing.T) {
	gone := make(chan string, 1)
	_, addr := startServer(t, NewMessageDispatcher(), func(s *Server) {
		s.SetOnDisconnect(func(c *Connection) { gone <- c.ID })
	})

	conn := dial(t, addr)
	_, msg := readClientFrame(t, conn)
	id := msg.(protocol.ConnectedMsg).ConnectionID

	conn.Close()

	select {
	case got := <-gone:
		if got != id {
			t.Errorf("disconnect reported %q, want %q", got, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
}

func TestServer_HealthChecks(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	s.SetStats(func() map[string]int { return map[string]int{"online_users": 3} })
	s.AddHealthCheck("store", func(context.Context) error { return nil })
	var redisDown atomic.Bool
	s.AddHealthCheck("redis", func(context.Context) error {
		if redisDown.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	srv := httpTestServer(t, s)
	resp, body := get(t, srv+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var health struct {
		Status string            `json:"status"`
		Stats  map[string]int    `json:"stats"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Stats["online_users"] != 3 || health.Checks["store"] != "ok" {
		t.Errorf("unexpected health body: %+v", health)
	}

	redisDown.Store(true)
	resp, _ = get(t, srv+"/health")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with a failing check, got %d", resp.StatusCode)
	}
}

func TestServer_MountedRoutes(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	s.Handle("/api/ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "api")
	}))
	s.HandlePrefix("/uploads/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.Path)
	}))

	srv := httpTestServer(t, s)
	if _, body := get(t, srv+"/api/ping"); string(body) != "api" {
		t.Errorf("expected mounted handler, got %q", body)
	}
	if _, body := get(t, srv+"/uploads/images/a.png"); string(body) != "/uploads/images/a.png" {
		t.Errorf("expected prefix handler, got %q", body)
	}
}

func httpTestServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hs := &http.Server{Handler: s.router}
	go hs.Serve(ln)
	t.Cleanup(func() { hs.Close() })
	return "http://" + ln.Addr().String()
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

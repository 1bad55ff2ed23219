package ws

import (
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/agrilink/chat-app/internal/protocol"
)

// pipeConnection returns a server-side Connection over an in-memory pipe and
// the client end of the pipe.
func pipeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &Connection{
		ID:           "conn-test",
		Conn:         server,
		Fd:           -1,
		CreatedAt:    time.Now(),
		LastPing:     time.Now(),
		WriteTimeout: time.Second,
	}
	return c, client
}

// readFrame reads one server frame from the client side of the pipe.
func readFrame(t *testing.T, client net.Conn) map[string]interface{} {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(client)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return m
}

// dispatchAsync runs Dispatch in the background; net.Pipe writes block until
// the other side reads.
func dispatchAsync(d *MessageDispatcher, c *Connection, data string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Dispatch(c, []byte(data))
	}()
	return done
}

func TestDispatch_Ping(t *testing.T) {
	c, client := pipeConnection(t)
	d := NewMessageDispatcher()

	done := dispatchAsync(d, c, `{"type":"ping"}`)
	frame := readFrame(t, client)
	<-done

	if frame["type"] != protocol.TypePong {
		t.Fatalf("expected pong, got %v", frame["type"])
	}
}

func TestDispatch_ParseError(t *testing.T) {
	c, client := pipeConnection(t)
	d := NewMessageDispatcher()

	done := dispatchAsync(d, c, `{not json`)
	frame := readFrame(t, client)
	<-done

	if frame["type"] != protocol.TypeError {
		t.Fatalf("expected error frame, got %v", frame["type"])
	}
	if frame["code"] != ErrCodeParse {
		t.Errorf("expected code %q, got %v", ErrCodeParse, frame["code"])
	}
}

func TestDispatch_Unregistered(t *testing.T) {
	c, client := pipeConnection(t)
	d := NewMessageDispatcher()

	done := dispatchAsync(d, c, `{"type":"join","userId":"A"}`)
	frame := readFrame(t, client)
	<-done

	if frame["code"] != ErrCodeUnsupported {
		t.Errorf("expected code %q, got %v", ErrCodeUnsupported, frame["code"])
	}
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	c, _ := pipeConnection(t)
	d := NewMessageDispatcher()

	var got protocol.JoinMsg
	d.Register(protocol.TypeJoin, func(conn *Connection, msg interface{}) {
		got = msg.(protocol.JoinMsg)
	})

	d.Dispatch(c, []byte(`{"type":"join","userId":"A","role":"expert"}`))
	if got.UserID != "A" || got.Role != "expert" {
		t.Fatalf("handler received %+v", got)
	}
}

func TestConnectionSendAfterClose(t *testing.T) {
	c, _ := pipeConnection(t)
	c.Close()

	if err := c.Send([]byte(`{}`)); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if err := c.WritePing(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed from ping, got %v", err)
	}
}

func TestConnectionSendWriteTimeout(t *testing.T) {
	c, _ := pipeConnection(t)
	c.WriteTimeout = 50 * time.Millisecond

	// Nobody reads the client end, so the write must hit the deadline.
	err := c.Send([]byte(`{"type":"pong"}`))
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected a timeout, got %v", err)
	}
}

func TestConnectionPingWriteTimeout(t *testing.T) {
	c, _ := pipeConnection(t)
	c.WriteTimeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.WritePing() }()

	select {
	case err := <-done:
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Fatalf("expected a timeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WritePing blocked on a peer that never reads")
	}
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a, _ := pipeConnection(t)
	a.ID, a.Fd = "a", 10
	b, _ := pipeConnection(t)
	b.ID, b.Fd = "b", 11

	cm.Add(a)
	cm.Add(b)
	if cm.Count() != 2 {
		t.Fatalf("expected 2 connections, got %d", cm.Count())
	}
	if cm.Get("a") != a || cm.GetByFd(11) != b {
		t.Fatal("lookup by id or fd returned the wrong connection")
	}

	if !cm.Remove("a") {
		t.Fatal("first remove should succeed")
	}
	if cm.Remove("a") {
		t.Fatal("second remove should report false")
	}
	if got := cm.RemoveByFd(11); got != b {
		t.Fatalf("RemoveByFd returned %v", got)
	}
	if cm.Count() != 0 {
		t.Errorf("expected empty manager, got %d", cm.Count())
	}
}

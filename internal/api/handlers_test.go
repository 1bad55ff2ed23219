package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/media"
	"github.com/agrilink/chat-app/internal/presence"
	"github.com/agrilink/chat-app/internal/ratelimit"
	"github.com/agrilink/chat-app/internal/session"
	"github.com/agrilink/chat-app/internal/store"
	"github.com/agrilink/chat-app/internal/ws"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (p *recordingPublisher) PublishMessageCreated(m chat.Message, server string) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) published() []chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Message(nil), p.msgs...)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }
func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 42 * time.Second
}

type panickingStore struct{ store.Store }

func (panickingStore) Query(context.Context, chat.UserID, chat.UserID) ([]chat.Message, error) {
	panic("query exploded")
}

type testEnv struct {
	server    *httptest.Server
	registry  *presence.Registry
	publisher *recordingPublisher
	handler   *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ing, err := media.NewIngestor(media.Config{Dir: t.TempDir(), MaxBytes: media.DefaultMaxBytes})
	if err != nil {
		t.Fatalf("NewIngestor() error: %v", err)
	}
	reg := presence.NewRegistry()
	pub := &recordingPublisher{}
	h := NewHandler(store.NewMemoryStore(), ing, reg)
	h.SetPublisher(pub, "chat-test")

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, registry: reg, publisher: pub, handler: h}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// multipartBody builds a form with a "file" part of the given content type.
func multipartBody(t *testing.T, fields map[string]string, contentType, filename string, payload io.Reader) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := io.Copy(part, payload); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestCreateTextThenList(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/messages/text", CreateMessageRequest{
		SenderID:    "A",
		ReceiverID:  "B",
		MessageType: "text",
		Content:     "Check my wheat crop",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created chat.Message
	decode(t, resp, &created)
	if created.ID == "" || created.Content.Text != "Check my wheat crop" || created.State != "" {
		t.Errorf("unexpected created message: %+v", created)
	}

	for _, path := range []string{"/api/messages/A/B", "/api/messages/B/A"} {
		resp, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
		var msgs []chat.Message
		decode(t, resp, &msgs)
		if len(msgs) != 1 || msgs[0].ID != created.ID {
			t.Errorf("GET %s returned %+v", path, msgs)
		}
	}

	if pub := env.publisher.published(); len(pub) != 1 || pub[0].ID != created.ID {
		t.Errorf("expected one published event for %s, got %+v", created.ID, pub)
	}
}

func TestListEmptyHistoryIsArray(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/api/messages/A/B")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("expected an empty JSON array, got %s", body)
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body interface{}
		path string
		want int
	}{
		{"missing receiver", CreateMessageRequest{SenderID: "A", Content: "hi"}, "/api/messages/text", http.StatusBadRequest},
		{"missing text", CreateMessageRequest{SenderID: "A", ReceiverID: "B"}, "/api/messages/text", http.StatusBadRequest},
		{"media type on text endpoint", CreateMessageRequest{SenderID: "A", ReceiverID: "B", MessageType: "image", Content: "x"}, "/api/messages/text", http.StatusBadRequest},
		{"unknown type", CreateMessageRequest{SenderID: "A", ReceiverID: "B", MessageType: "video", Content: "x"}, "/api/messages", http.StatusBadRequest},
		{"image without path", CreateMessageRequest{SenderID: "A", ReceiverID: "B", MessageType: "image"}, "/api/messages", http.StatusBadRequest},
		{"image path traversal", CreateMessageRequest{SenderID: "A", ReceiverID: "B", MessageType: "image", Content: "uploads/images/../../etc/passwd"}, "/api/messages", http.StatusBadRequest},
		{"image absolute url", CreateMessageRequest{SenderID: "A", ReceiverID: "B", MessageType: "image", Content: "https://example.com/leaf.png"}, "/api/messages", http.StatusBadRequest},
		{"audio path in images dir", CreateMessageRequest{SenderID: "A", ReceiverID: "B", MessageType: "audio", Content: "uploads/images/1-a.png"}, "/api/messages", http.StatusBadRequest},
		{"invalid json", "not an object", "/api/messages/text", http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, env.server.URL+tc.path, tc.body)
			var errResp ErrorResponse
			decode(t, resp, &errResp)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, resp.StatusCode, errResp.Message)
			}
			if errResp.Message == "" {
				t.Error("error responses must carry a message")
			}
		})
	}

	resp, err := http.Get(env.server.URL + "/api/messages/A/not%20valid")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed id in query: expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadThenCreate(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartBody(t, nil, "image/png", "leaf.png", bytes.NewReader(make([]byte, 50*1024)))
	resp, err := http.Post(env.server.URL+"/api/uploads", ct, body)
	if err != nil {
		t.Fatalf("POST upload: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var ref media.Ref
	decode(t, resp, &ref)
	if !strings.HasPrefix(ref.Path, "uploads/images/") {
		t.Fatalf("expected an image path, got %q", ref.Path)
	}

	resp = postJSON(t, env.server.URL+"/api/messages", CreateMessageRequest{
		SenderID:    "A",
		ReceiverID:  "B",
		MessageType: "image",
		Content:     ref.Path,
		ContentType: ref.ContentType,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var m chat.Message
	decode(t, resp, &m)
	if m.Type != chat.TypeImage || m.Content.Media == nil || m.Content.Media.Path != ref.Path {
		t.Errorf("unexpected message: %+v", m)
	}
}

func TestCreateMediaOneShot(t *testing.T) {
	env := newTestEnv(t)

	fields := map[string]string{"senderId": "A", "receiverId": "B", "messageType": "audio"}
	body, ct := multipartBody(t, fields, "audio/webm", "voice.webm", strings.NewReader("OGGDATA"))
	resp, err := http.Post(env.server.URL+"/api/messages/media", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var m chat.Message
	decode(t, resp, &m)
	if m.Type != chat.TypeAudio || m.Content.Media == nil || !strings.HasPrefix(m.Content.Media.Path, "uploads/audio/") {
		t.Errorf("unexpected message: %+v", m)
	}
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name        string
		contentType string
		size        int64
		want        int
	}{
		{"unsupported", "application/pdf", 1024, http.StatusUnsupportedMediaType},
		{"too large", "image/png", 15 << 20, http.StatusRequestEntityTooLarge},
	}

	// Served in-process so the oversized body never has to cross a socket
	// the server stopped reading from.
	router := env.handler.Router()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, ct := multipartBody(t, nil, tc.contentType, "f", io.LimitReader(zeros{}, tc.size))
			req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	resp, err := http.Post(env.server.URL+"/api/uploads", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-multipart upload: expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.handler.SetLimiter(denyLimiter{})

	body, ct := multipartBody(t, nil, "image/png", "a.png", strings.NewReader("x"))
	resp, err := http.Post(env.server.URL+"/api/uploads?senderId=A", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "42" {
		t.Errorf("expected Retry-After 42, got %q", got)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Join("expert-1", fakeHandle{})

	cases := []struct {
		userID string
		online bool
	}{
		{"expert-1", true},
		{"farmer-1", false},
	}
	for _, tc := range cases {
		resp, err := http.Get(env.server.URL + "/api/presence/" + tc.userID)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var pr PresenceResponse
		decode(t, resp, &pr)
		if pr.UserID != tc.userID || pr.Online != tc.online {
			t.Errorf("presence(%s) = %+v, want online=%v", tc.userID, pr, tc.online)
		}
	}
}

var (
	_ SessionReader    = (*session.Store)(nil)
	_ connectionHandle = (*ws.Connection)(nil)
)

type connHandle struct{ id string }

func (*connHandle) Send([]byte) error      { return nil }
func (c *connHandle) ConnectionID() string { return c.id }

type fakeSessions struct {
	mu      sync.Mutex
	records map[string]*session.Session
	err     error
}

func (f *fakeSessions) Get(_ context.Context, connID string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.records[connID], nil
}

func TestPresenceReportsJoinedRole(t *testing.T) {
	env := newTestEnv(t)
	sessions := &fakeSessions{records: map[string]*session.Session{
		"conn-1": {ID: "conn-1", Status: session.StatusJoined, UserID: "expert-1", Role: "expert", Server: "chat-1", LastActive: 1700000000},
		"conn-2": {ID: "conn-2", Status: session.StatusJoined, UserID: "someone-else", Role: "farmer", Server: "chat-1"},
	}}
	env.handler.SetSessions(sessions)

	env.registry.Join("expert-1", &connHandle{id: "conn-1"})
	env.registry.Join("farmer-1", &connHandle{id: "conn-2"})
	env.registry.Join("farmer-2", &connHandle{id: "conn-missing"})
	env.registry.Join("farmer-3", fakeHandle{})

	get := func(userID string) PresenceResponse {
		t.Helper()
		resp, err := http.Get(env.server.URL + "/api/presence/" + userID)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var pr PresenceResponse
		decode(t, resp, &pr)
		return pr
	}

	want := PresenceResponse{UserID: "expert-1", Online: true, Role: "expert", Server: "chat-1", LastActive: 1700000000}
	if got := get("expert-1"); got != want {
		t.Errorf("presence(expert-1) = %+v, want %+v", got, want)
	}

	// A record owned by another user, a missing record and a handle without
	// a connection id all report online without details.
	for _, userID := range []string{"farmer-1", "farmer-2", "farmer-3"} {
		if got := get(userID); got != (PresenceResponse{UserID: userID, Online: true}) {
			t.Errorf("presence(%s) = %+v, want online without role", userID, got)
		}
	}

	sessions.mu.Lock()
	sessions.err = errors.New("redis down")
	sessions.mu.Unlock()
	if got := get("expert-1"); got != (PresenceResponse{UserID: "expert-1", Online: true}) {
		t.Errorf("presence with failing records = %+v, want online without role", got)
	}
}

func TestPanicRecovered(t *testing.T) {
	ing, _ := media.NewIngestor(media.Config{Dir: t.TempDir()})
	h := NewHandler(panickingStore{store.NewMemoryStore()}, ing, nil)

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages/A/B", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil || errResp.Message == "" {
		t.Errorf("expected a JSON error body, got %q", rec.Body.String())
	}
}

type fakeHandle struct{}

func (fakeHandle) Send([]byte) error { return nil }

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/client"
	"github.com/agrilink/chat-app/internal/protocol"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// e2eEnv is shared by the scenarios: a connected farmer/expert pair with
// fresh ids so reruns against the same store do not see old history.
type e2eEnv struct {
	server   string
	api      *client.APIClient
	farmerID string
	expertID string
	farmer   *client.Transport
	expert   *client.Transport
	inbox    chan protocol.ReceiveMessageMsg
	typing   chan string
}

// runE2E validates the user journey against a running server and exits
// non-zero if a required scenario fails.
func runE2E(args []string) {
	fs := flag.NewFlagSet("e2e", flag.ExitOnError)
	server := fs.String("server", "http://localhost:5000", "Chat server base URL")
	timeout := fs.Duration("timeout", 60*time.Second, "Global test timeout")
	fs.Parse(args)

	fmt.Println("=== Chat E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *server)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	suffix := uuid.New().String()[:8]
	env := &e2eEnv{
		server:   strings.TrimRight(*server, "/"),
		api:      client.NewAPIClient(*server),
		farmerID: "e2e-farmer-" + suffix,
		expertID: "e2e-expert-" + suffix,
		inbox:    make(chan protocol.ReceiveMessageMsg, 16),
		typing:   make(chan string, 16),
	}
	defer env.close()

	results := []scenarioResult{
		scenarioHealth(ctx, env),
		scenarioJoin(ctx, env),
	}
	if results[1].kind == resultPass {
		results = append(results,
			scenarioPresence(ctx, env),
			scenarioTextRelay(ctx, env),
			scenarioTyping(ctx, env),
			scenarioMediaRelay(ctx, env),
			scenarioOfflineReceiver(ctx, env),
		)
	}

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		env.close()
		os.Exit(1)
	}
}

func (e *e2eEnv) close() {
	if e.farmer != nil {
		e.farmer.Close()
	}
	if e.expert != nil {
		e.expert.Close()
	}
}

func scenarioHealth(ctx context.Context, env *e2eEnv) scenarioResult {
	name := "Health check"

	body, err := httpGetBody(ctx, env.server+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("invalid JSON: %v", err)}
	}
	if health.Status != "ok" {
		return scenarioResult{name, resultFail, "status " + health.Status}
	}
	return scenarioResult{name, resultPass, ""}
}

func scenarioJoin(ctx context.Context, env *e2eEnv) scenarioResult {
	name := "Connect and join"
	url := wsURL(env.server)

	var (
		latency time.Duration
		err     error
	)
	env.farmer, latency, err = connectAndJoin(ctx, url, env.farmerID, string(chat.RoleFarmer))
	if err != nil {
		return scenarioResult{name, resultFail, "farmer: " + err.Error()}
	}
	env.expert, _, err = connectAndJoin(ctx, url, env.expertID, string(chat.RoleExpert))
	if err != nil {
		return scenarioResult{name, resultFail, "expert: " + err.Error()}
	}

	env.expert.On(protocol.TypeReceiveMessage, func(raw json.RawMessage) {
		var m protocol.ReceiveMessageMsg
		if json.Unmarshal(raw, &m) == nil {
			env.inbox <- m
		}
	})
	for _, typ := range []string{protocol.TypeUserTyping, protocol.TypeUserStoppedTyping} {
		env.expert.On(typ, func(json.RawMessage) { env.typing <- typ })
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("farmer joined in %s", latency.Round(time.Millisecond))}
}

func scenarioPresence(ctx context.Context, env *e2eEnv) scenarioResult {
	name := "Presence"

	p, err := env.api.Presence(ctx, env.expertID)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if !p.Online {
		return scenarioResult{name, resultFail, "joined expert reported offline"}
	}
	// The role is only known when the server keeps connection records.
	if p.Role != "" && p.Role != string(chat.RoleExpert) {
		return scenarioResult{name, resultFail, fmt.Sprintf("expert reported with role %q", p.Role)}
	}
	online, err := env.api.Online(ctx, "e2e-nobody-"+uuid.New().String()[:8])
	if err != nil || online {
		return scenarioResult{name, resultFail, fmt.Sprintf("unknown user: online=%v err=%v", online, err)}
	}
	detail := "role not recorded"
	if p.Role != "" {
		detail = fmt.Sprintf("role=%s server=%s", p.Role, p.Server)
	}
	return scenarioResult{name, resultPass, detail}
}

func scenarioTextRelay(ctx context.Context, env *e2eEnv) scenarioResult {
	name := "Text message stored and relayed"

	m, err := env.api.CreateText(ctx, env.farmerID, env.expertID, "My maize leaves have yellow streaks")
	if err != nil {
		return scenarioResult{name, resultFail, "create: " + err.Error()}
	}
	if err := relay(env.farmer, m); err != nil {
		return scenarioResult{name, resultFail, "relay: " + err.Error()}
	}
	got, err := waitInbox(ctx, env.inbox)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if got.SenderID != env.farmerID || got.Message != m.Content.Text || got.MessageType != "text" {
		return scenarioResult{name, resultFail, fmt.Sprintf("received %+v", got)}
	}

	history, err := env.api.History(ctx, env.expertID, env.farmerID)
	if err != nil {
		return scenarioResult{name, resultFail, "history: " + err.Error()}
	}
	if len(history) == 0 || history[len(history)-1].ID != m.ID {
		return scenarioResult{name, resultFail, "message missing from history"}
	}
	return scenarioResult{name, resultPass, ""}
}

func scenarioTyping(ctx context.Context, env *e2eEnv) scenarioResult {
	name := "Typing indicators"

	payload := protocol.TypingMsg{SenderID: env.farmerID, ReceiverID: env.expertID}
	for _, step := range []struct{ send, want string }{
		{protocol.TypeTyping, protocol.TypeUserTyping},
		{protocol.TypeStopTyping, protocol.TypeUserStoppedTyping},
	} {
		if err := env.farmer.Emit(step.send, payload); err != nil {
			return scenarioResult{name, resultFail, err.Error()}
		}
		select {
		case got := <-env.typing:
			if got != step.want {
				return scenarioResult{name, resultFail, fmt.Sprintf("got %s, want %s", got, step.want)}
			}
		case <-time.After(5 * time.Second):
			return scenarioResult{name, resultFail, "no " + step.want}
		case <-ctx.Done():
			return scenarioResult{name, resultFail, ctx.Err().Error()}
		}
	}
	return scenarioResult{name, resultPass, ""}
}

// tinyPNG is a 1x1 transparent PNG.
var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func scenarioMediaRelay(ctx context.Context, env *e2eEnv) scenarioResult {
	name := "Image upload, store and relay"

	ref, err := env.api.Upload(ctx, env.farmerID, bytes.NewReader(tinyPNG), "image/png", "leaf.png")
	if err != nil {
		return scenarioResult{name, resultFail, "upload: " + err.Error()}
	}
	m, err := env.api.CreateMedia(ctx, env.farmerID, env.expertID, chat.TypeImage, ref)
	if err != nil {
		return scenarioResult{name, resultFail, "create: " + err.Error()}
	}
	if err := relay(env.farmer, m); err != nil {
		return scenarioResult{name, resultFail, "relay: " + err.Error()}
	}
	got, err := waitInbox(ctx, env.inbox)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if got.MessageType != "image" || got.Message != ref.Path {
		return scenarioResult{name, resultFail, fmt.Sprintf("received %+v", got)}
	}

	body, err := httpGetBody(ctx, env.server+"/"+ref.Path)
	if err != nil {
		return scenarioResult{name, resultFail, "fetch: " + err.Error()}
	}
	if !bytes.Equal(body, tinyPNG) {
		return scenarioResult{name, resultFail, "served file differs from upload"}
	}
	return scenarioResult{name, resultPass, ref.Path}
}

// scenarioOfflineReceiver sends to a user that never joined: the relay drops
// it silently and history still has it.
func scenarioOfflineReceiver(ctx context.Context, env *e2eEnv) scenarioResult {
	name := "Offline receiver"
	offlineID := "e2e-offline-" + uuid.New().String()[:8]

	m, err := env.api.CreateText(ctx, env.farmerID, offlineID, "Are you there?")
	if err != nil {
		return scenarioResult{name, resultFail, "create: " + err.Error()}
	}

	errs := make(chan string, 1)
	unsubscribe := env.farmer.On(protocol.TypeError, func(raw json.RawMessage) {
		var e protocol.ErrorMsg
		json.Unmarshal(raw, &e)
		select {
		case errs <- e.Code:
		default:
		}
	})
	defer unsubscribe()

	if err := relay(env.farmer, m); err != nil {
		return scenarioResult{name, resultFail, "relay: " + err.Error()}
	}
	select {
	case code := <-errs:
		return scenarioResult{name, resultFail, "sender got error " + code}
	case <-time.After(500 * time.Millisecond):
	}

	history, err := env.api.History(ctx, offlineID, env.farmerID)
	if err != nil {
		return scenarioResult{name, resultFail, "history: " + err.Error()}
	}
	if len(history) != 1 {
		return scenarioResult{name, resultFail, fmt.Sprintf("history has %d messages", len(history))}
	}
	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func relay(tr *client.Transport, m chat.Message) error {
	return tr.Emit(protocol.TypeSendMessage, protocol.SendMessageMsg{
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Message:     m.Content.Wire(),
		MessageType: string(m.Type),
		ContentType: m.Content.ContentType(),
	})
}

func waitInbox(ctx context.Context, inbox <-chan protocol.ReceiveMessageMsg) (protocol.ReceiveMessageMsg, error) {
	select {
	case m := <-inbox:
		return m, nil
	case <-time.After(5 * time.Second):
		return protocol.ReceiveMessageMsg{}, fmt.Errorf("no receiveMessage within 5s")
	case <-ctx.Done():
		return protocol.ReceiveMessageMsg{}, ctx.Err()
	}
}

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/client"
)

const chatHelp = `Type a line and press enter to send it.
  /image <file>   send a photo
  /audio <file>   send a voice note
  /retry <n>      retry failed message number n
  /reload         reload the conversation
  /quit           leave`

// runChat opens an interactive conversation between -user and -peer.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	server := fs.String("server", "http://localhost:5000", "Chat server base URL")
	user := fs.String("user", "", "Your user id (required)")
	peer := fs.String("peer", "", "The other user's id (required)")
	role := fs.String("role", "", "Your role: farmer or expert (optional)")
	fs.Parse(args)

	if *user == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "chat: -user and -peer are required")
		fs.Usage()
		os.Exit(2)
	}
	r, err := chat.ParseRole(*role)
	if err != nil && *role != "" {
		log.Fatalf("chat: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := client.Dial(ctx, client.DefaultTransportConfig(wsURL(*server)))
	if err != nil {
		log.Fatalf("chat: %v", err)
	}
	defer tr.Close()

	session := client.NewSession(client.SessionConfig{
		CurrentUser: *user,
		OtherUser:   *peer,
		Role:        r,
	}, client.NewAPIClient(*server), tr)
	defer session.Close()

	view := &chatView{printed: make(map[string]chat.State)}
	session.OnChange(view.render)

	if r != "" {
		fmt.Printf("Chatting with %s (%s) as %s\n%s\n\n", *peer, r.Peer(), *user, chatHelp)
	} else {
		fmt.Printf("Chatting with %s as %s\n%s\n\n", *peer, *user, chatHelp)
	}
	if err := session.Open(ctx); err != nil {
		fmt.Printf("Could not load the conversation: %v (use /reload)\n", err)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, session, line) {
				return
			}
		}
	}
}

// handleLine runs one input line and reports whether to keep going.
func handleLine(ctx context.Context, session *client.Session, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return false
	case "/reload":
		if err := session.Reload(ctx); err != nil {
			fmt.Printf("! reload failed: %v\n", err)
		}
	case "/image":
		sendFile(ctx, session, chat.TypeImage, arg, "image/jpeg")
	case "/audio":
		sendFile(ctx, session, chat.TypeAudio, arg, "audio/m4a")
	case "/retry":
		retry(session, arg)
	default:
		session.SetInput(line)
		if _, err := session.SendText(ctx); err != nil {
			fmt.Printf("! not sent: %v\n", err)
		}
	}
	return true
}

func sendFile(ctx context.Context, session *client.Session, t chat.MessageType, name, fallback string) {
	if name == "" {
		fmt.Printf("! usage: /%s <file>\n", t)
		return
	}
	f, err := os.Open(name)
	if err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = fallback
	}
	if _, err := session.SendMedia(ctx, t, f, contentType, filepath.Base(name)); err != nil {
		fmt.Printf("! not sent: %v\n", err)
	}
}

// retry resolves n against the failed messages, numbered from 1 in timeline
// order as the view prints them.
func retry(session *client.Session, arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		fmt.Println("! usage: /retry <n>")
		return
	}
	var failed []chat.Message
	for _, m := range session.Snapshot().Timeline {
		if m.State == chat.StateFailed {
			failed = append(failed, m)
		}
	}
	if n > len(failed) {
		fmt.Printf("! there are %d failed messages\n", len(failed))
		return
	}

	action, err := session.Retry(failed[n-1].ID)
	if err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	switch action {
	case client.RetryEdit:
		fmt.Printf("  text restored, press enter to send: %s\n", session.Snapshot().Input)
	case client.RetryReselect:
		fmt.Println("  choose the image again with /image")
	case client.RetryRerecord:
		fmt.Println("  record the voice note again and send it with /audio")
	}
}

// chatView prints timeline entries as they appear or change state, plus
// typing and connection changes.
type chatView struct {
	mu           sync.Mutex
	state        client.ScreenState
	printed      map[string]chat.State
	remoteTyping bool
	connection   client.Status
}

func (v *chatView) render(s client.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s.State != v.state {
		v.state = s.State
		switch s.State {
		case client.ScreenLoading:
			fmt.Println("  loading...")
		case client.ScreenError:
			fmt.Printf("  could not load the conversation: %v (use /reload)\n", s.Err)
		}
	}

	failedNo := 0
	for _, m := range s.Timeline {
		if m.State == chat.StateFailed {
			failedNo++
		}
		if prev, ok := v.printed[m.ID]; ok && prev == m.State {
			continue
		}
		v.printed[m.ID] = m.State
		fmt.Println(formatEntry(m, failedNo))
	}

	if s.RemoteTyping != v.remoteTyping {
		v.remoteTyping = s.RemoteTyping
		if s.RemoteTyping {
			fmt.Println("  ... typing")
		}
	}

	if s.Connection != v.connection {
		v.connection = s.Connection
		switch s.Connection.State {
		case client.StateReconnecting:
			fmt.Printf("  reconnecting (attempt %d)...\n", s.Connection.Attempt)
		case client.StateDisconnected:
			fmt.Println("  disconnected; messages will fail until the server is back")
		case client.StateConnected:
			fmt.Println("  connected")
		}
	}
}

func formatEntry(m chat.Message, failedNo int) string {
	body := m.Content.Text
	if m.Content.Media != nil {
		path := m.Content.Media.Path
		if path == "" {
			path = "uploading"
		}
		body = fmt.Sprintf("[%s %s]", m.Type, path)
	}

	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format(time.Kitchen), m.SenderID, body)
	switch m.State {
	case chat.StatePending:
		line += "  (sending)"
	case chat.StateFailed:
		line += fmt.Sprintf("  (failed, /retry %d)", failedNo)
	}
	return line
}

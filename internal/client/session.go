package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/media"
	"github.com/agrilink/chat-app/internal/protocol"
)

// Backend is the durable side of the conversation. *APIClient satisfies it.
type Backend interface {
	History(ctx context.Context, a, b chat.UserID) ([]chat.Message, error)
	CreateText(ctx context.Context, senderID, receiverID chat.UserID, text string) (chat.Message, error)
	Upload(ctx context.Context, senderID chat.UserID, r io.Reader, contentType, filename string) (media.Ref, error)
	CreateMedia(ctx context.Context, senderID, receiverID chat.UserID, t chat.MessageType, ref media.Ref) (chat.Message, error)
}

// Events is the realtime side of the conversation. *Transport satisfies it.
type Events interface {
	Join(userID, role string) error
	Emit(msgType string, payload interface{}) error
	On(msgType string, handler func(json.RawMessage)) (unsubscribe func())
	OnStatus(fn func(Status)) (unsubscribe func())
	Status() Status
}

// ScreenState is the lifecycle of a conversation screen.
type ScreenState string

const (
	ScreenLoading ScreenState = "loading"
	ScreenReady   ScreenState = "ready"
	ScreenError   ScreenState = "error"
)

// RetryAction tells the UI what to do after a failed message was retried.
type RetryAction string

const (
	RetryEdit     RetryAction = "edit"     // text is back in the input field
	RetryReselect RetryAction = "reselect" // pick the image again
	RetryRerecord RetryAction = "rerecord" // record the audio again
)

var (
	ErrClosed      = errors.New("client: session closed")
	ErrNotReady    = errors.New("client: conversation not loaded")
	ErrNotRetrying = errors.New("client: message is not failed")
)

// SessionConfig identifies the conversation.
type SessionConfig struct {
	CurrentUser chat.UserID
	OtherUser   chat.UserID
	Role        chat.Role     // optional, sent with join
	TypingIdle  time.Duration // 0 means DefaultTypingIdle
}

// Snapshot is an immutable view of the screen handed to observers.
type Snapshot struct {
	State        ScreenState
	Err          error
	Timeline     []chat.Message
	Input        string
	LocalTyping  bool
	RemoteTyping bool
	Connection   Status
}

// Session drives one conversation between CurrentUser and OtherUser: it
// loads history, sends messages optimistically and tracks typing on both
// sides. All methods are safe for concurrent use.
type Session struct {
	config  SessionConfig
	backend Backend
	events  Events
	typing  *typingState

	mu           sync.Mutex
	state        ScreenState
	err          error
	timeline     []chat.Message
	input        string
	remoteTyping bool
	connection   Status
	fetchGen     uint64
	subscribed   bool
	closed       bool
	unsubs       []func()
	observers    map[uint64]func(Snapshot)
	nextObserver uint64
}

// NewSession creates a session in the loading state. Call Open to fetch
// history.
func NewSession(config SessionConfig, backend Backend, events Events) *Session {
	s := &Session{
		config:     config,
		backend:    backend,
		events:     events,
		state:      ScreenLoading,
		connection: events.Status(),
		observers:  make(map[uint64]func(Snapshot)),
	}
	s.typing = newTypingState(config.TypingIdle, s.emitTyping)
	s.typing.changed = func() { s.update(func() bool { return true }) }
	return s
}

// OnChange registers an observer called after every state change.
func (s *Session) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObserver++
	id := s.nextObserver
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	timeline := make([]chat.Message, len(s.timeline))
	copy(timeline, s.timeline)
	return Snapshot{
		State:        s.state,
		Err:          s.err,
		Timeline:     timeline,
		Input:        s.input,
		LocalTyping:  s.typing.Active(),
		RemoteTyping: s.remoteTyping,
		Connection:   s.connection,
	}
}

// update applies fn under the lock and notifies observers when fn reports a
// change. Nothing happens after Close.
func (s *Session) update(fn func() bool) {
	s.mu.Lock()
	if s.closed || !fn() {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
}

// Open loads the conversation. On success the session becomes ready, joins
// presence and subscribes to relay events; on failure it moves to the error
// state and Reload may be called.
func (s *Session) Open(ctx context.Context) error {
	var gen uint64
	closed := true
	s.update(func() bool {
		closed = false
		s.fetchGen++
		gen = s.fetchGen
		s.state = ScreenLoading
		s.err = nil
		return true
	})
	if closed {
		return ErrClosed
	}

	msgs, err := s.backend.History(ctx, s.config.CurrentUser, s.config.OtherUser)

	stale := true
	s.update(func() bool {
		if gen != s.fetchGen {
			return false
		}
		stale = false
		if err != nil {
			s.state = ScreenError
			s.err = err
			return true
		}
		for i := range msgs {
			msgs[i].State = chat.StateConfirmed
		}
		s.timeline = msgs
		s.state = ScreenReady
		return true
	})
	if stale {
		return nil
	}
	if err != nil {
		return err
	}

	s.subscribe()
	return nil
}

// Reload retries a failed or outdated history fetch.
func (s *Session) Reload(ctx context.Context) error {
	return s.Open(ctx)
}

// subscribe joins presence and registers the relay handlers, once.
func (s *Session) subscribe() {
	s.mu.Lock()
	if s.subscribed || s.closed {
		s.mu.Unlock()
		return
	}
	s.subscribed = true
	s.mu.Unlock()

	if err := s.events.Join(s.config.CurrentUser, string(s.config.Role)); err != nil {
		log.Printf("[client] join %s: %v", s.config.CurrentUser, err)
	}

	unsubs := []func(){
		s.events.On(protocol.TypeReceiveMessage, s.onReceiveMessage),
		s.events.On(protocol.TypeUserTyping, s.onRemoteTyping(true)),
		s.events.On(protocol.TypeUserStoppedTyping, s.onRemoteTyping(false)),
		s.events.OnStatus(func(st Status) {
			s.update(func() bool {
				s.connection = st
				return true
			})
		}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		return
	}
	s.unsubs = unsubs
	s.mu.Unlock()
}

// SetInput replaces the input field. Every change counts as a keystroke.
func (s *Session) SetInput(text string) {
	changed := false
	s.update(func() bool {
		changed = s.input != text
		s.input = text
		return changed
	})
	if changed {
		s.typing.Keystroke()
	}
}

// SendText sends the input field. Blank input is ignored. The call blocks
// until the message is stored or has failed; the returned message is the
// timeline entry in its final state.
func (s *Session) SendText(ctx context.Context) (chat.Message, error) {
	var (
		text string
		err  error
	)
	s.mu.Lock()
	switch {
	case s.closed:
		err = ErrClosed
	case s.state != ScreenReady:
		err = ErrNotReady
	default:
		text = strings.TrimSpace(s.input)
	}
	s.mu.Unlock()
	if err != nil || text == "" {
		return chat.Message{}, err
	}

	s.typing.Stop()

	pending := s.appendPending(chat.TypeText, chat.TextContent(text), true)
	m, err := s.backend.CreateText(ctx, s.config.CurrentUser, s.config.OtherUser, text)
	return s.resolve(pending, m, err)
}

// SendMedia uploads r and sends it as an image or audio message. The file
// is not retained: a failed media message can only be retried by selecting
// or recording it again.
func (s *Session) SendMedia(ctx context.Context, t chat.MessageType, r io.Reader, contentType, filename string) (chat.Message, error) {
	if !t.IsMedia() {
		return chat.Message{}, &chat.ValidationError{Field: "messageType", Reason: "must be image or audio"}
	}
	s.mu.Lock()
	var err error
	switch {
	case s.closed:
		err = ErrClosed
	case s.state != ScreenReady:
		err = ErrNotReady
	}
	s.mu.Unlock()
	if err != nil {
		return chat.Message{}, err
	}

	pending := s.appendPending(t, chat.MediaContent("", contentType), false)

	ref, err := s.backend.Upload(ctx, s.config.CurrentUser, r, contentType, filename)
	if err != nil {
		return s.resolve(pending, chat.Message{}, err)
	}
	m, err := s.backend.CreateMedia(ctx, s.config.CurrentUser, s.config.OtherUser, t, ref)
	return s.resolve(pending, m, err)
}

func (s *Session) appendPending(t chat.MessageType, c chat.Content, clearInput bool) chat.Message {
	m := chat.Message{
		ID:         "temp-" + uuid.New().String(),
		SenderID:   s.config.CurrentUser,
		ReceiverID: s.config.OtherUser,
		Type:       t,
		Content:    c,
		Timestamp:  time.Now().UTC(),
		State:      chat.StatePending,
	}
	s.update(func() bool {
		s.timeline = append(s.timeline, m)
		if clearInput {
			s.input = ""
		}
		return true
	})
	return m
}

// resolve swaps the pending entry for the stored message, or marks it
// failed. Results for entries that are gone (closed session, reloaded
// history) are dropped.
func (s *Session) resolve(pending, stored chat.Message, err error) (chat.Message, error) {
	final := pending
	found := false
	s.update(func() bool {
		i := s.indexLocked(pending.ID)
		if i < 0 {
			return false
		}
		found = true
		if err != nil {
			s.timeline[i].State = chat.StateFailed
		} else {
			stored.State = chat.StateConfirmed
			s.timeline[i] = stored
		}
		final = s.timeline[i]
		return true
	})
	if !found {
		if err != nil {
			return pending, err
		}
		return stored, nil
	}
	if err != nil {
		log.Printf("[client] send %s failed: %v", pending.ID, err)
		return final, err
	}

	relay := protocol.SendMessageMsg{
		SenderID:    stored.SenderID,
		ReceiverID:  stored.ReceiverID,
		Message:     stored.Content.Wire(),
		MessageType: string(stored.Type),
		ContentType: stored.Content.ContentType(),
	}
	if err := s.events.Emit(protocol.TypeSendMessage, relay); err != nil {
		log.Printf("[client] relay %s: %v", stored.ID, err)
	}
	return final, nil
}

// Retry removes a failed message. Text goes back into the input field;
// media has to be selected or recorded again.
func (s *Session) Retry(id string) (RetryAction, error) {
	var (
		action RetryAction
		err    = ErrNotRetrying
	)
	s.update(func() bool {
		i := s.indexLocked(id)
		if i < 0 || s.timeline[i].State != chat.StateFailed {
			return false
		}
		m := s.timeline[i]
		s.timeline = append(s.timeline[:i], s.timeline[i+1:]...)
		switch m.Type {
		case chat.TypeImage:
			action = RetryReselect
		case chat.TypeAudio:
			action = RetryRerecord
		default:
			action = RetryEdit
			s.input = m.Content.Text
		}
		err = nil
		return true
	})
	return action, err
}

// Close stops the typing timer and drops every subscription. Results of
// requests still in flight are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.typing.Close()
	for _, u := range unsubs {
		u()
	}
}

func (s *Session) indexLocked(id string) int {
	for i := range s.timeline {
		if s.timeline[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) onReceiveMessage(raw json.RawMessage) {
	var msg protocol.ReceiveMessageMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[client] bad receiveMessage: %v", err)
		return
	}
	if msg.SenderID != s.config.OtherUser {
		return
	}
	t, err := chat.ParseMessageType(msg.MessageType)
	if err != nil {
		log.Printf("[client] receiveMessage: %v", err)
		return
	}

	m := chat.Message{
		ID:         "recv-" + uuid.New().String(),
		SenderID:   msg.SenderID,
		ReceiverID: s.config.CurrentUser,
		Type:       t,
		Content:    chat.ContentFromWire(t, msg.Message, msg.ContentType),
		Timestamp:  time.Now().UTC(),
		State:      chat.StateConfirmed,
	}
	s.update(func() bool {
		s.timeline = append(s.timeline, m)
		s.remoteTyping = false
		return true
	})
}

func (s *Session) onRemoteTyping(typing bool) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		var msg protocol.TypingEventMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if msg.SenderID != s.config.OtherUser || msg.ReceiverID != s.config.CurrentUser {
			return
		}
		s.update(func() bool {
			changed := s.remoteTyping != typing
			s.remoteTyping = typing
			return changed
		})
	}
}

func (s *Session) emitTyping(start bool) {
	msgType := protocol.TypeStopTyping
	if start {
		msgType = protocol.TypeTyping
	}
	err := s.events.Emit(msgType, protocol.TypingMsg{
		SenderID:   s.config.CurrentUser,
		ReceiverID: s.config.OtherUser,
	})
	if err != nil {
		log.Printf("[client] %s: %v", msgType, err)
	}
}

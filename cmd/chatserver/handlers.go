package main

import (
	"context"
	"log"
	"time"

	"github.com/agrilink/chat-app/internal/api"
	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/media"
	"github.com/agrilink/chat-app/internal/metrics"
	"github.com/agrilink/chat-app/internal/presence"
	"github.com/agrilink/chat-app/internal/protocol"
	"github.com/agrilink/chat-app/internal/ratelimit"
	"github.com/agrilink/chat-app/internal/relay"
	"github.com/agrilink/chat-app/internal/session"
	"github.com/agrilink/chat-app/internal/ws"
)

// relayHandlers implements the websocket side of the chat: join, message
// relay and typing indicators.
type relayHandlers struct {
	registry *presence.Registry
	relay    *relay.Relay
	sessions *session.Store // nil when Redis is disabled
	limiter  api.Limiter    // nil when rate limiting is disabled
}

func newRelayHandlers(reg *presence.Registry) *relayHandlers {
	return &relayHandlers{registry: reg, relay: relay.New(reg)}
}

func (h *relayHandlers) register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoin, h.onJoin)
	d.Register(protocol.TypeSendMessage, h.onSendMessage)
	d.Register(protocol.TypeTyping, h.onTyping)
	d.Register(protocol.TypeStopTyping, h.onTyping)
}

// -----------------------------------------------------------------------
// join: bind the connection to a user identity
// -----------------------------------------------------------------------
func (h *relayHandlers) onJoin(conn *ws.Connection, msg interface{}) {
	joinMsg, ok := msg.(protocol.JoinMsg)
	if !ok {
		return
	}
	if err := chat.ValidateUserID("userId", joinMsg.UserID); err != nil {
		ws.SendError(conn, ws.ErrCodeInvalid, err.Error())
		return
	}
	role := ""
	if joinMsg.Role != "" {
		r, err := chat.ParseRole(joinMsg.Role)
		if err != nil {
			ws.SendError(conn, ws.ErrCodeInvalid, err.Error())
			return
		}
		role = string(r)
	}

	if replaced := h.registry.Join(joinMsg.UserID, conn); replaced != nil {
		log.Printf("[join] user=%s moved to connection=%s", joinMsg.UserID, conn.ID)
	} else {
		log.Printf("[join] user=%s connection=%s", joinMsg.UserID, conn.ID)
	}

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := h.sessions.BindUser(ctx, conn.ID, joinMsg.UserID, role); err != nil {
			log.Printf("[join] bind session connection=%s: %v", conn.ID, err)
		}
		cancel()
	}

	resp, _ := protocol.NewServerMessage(protocol.TypeJoined, protocol.JoinedMsg{UserID: joinMsg.UserID})
	if err := conn.Send(resp); err != nil {
		log.Printf("[join] send joined connection=%s: %v", conn.ID, err)
	}
}

// -----------------------------------------------------------------------
// sendMessage: relay an already persisted message to the receiver
// -----------------------------------------------------------------------
func (h *relayHandlers) onSendMessage(conn *ws.Connection, msg interface{}) {
	sendMsg, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	if err := validatePair(sendMsg.SenderID, sendMsg.ReceiverID); err != nil {
		ws.SendError(conn, ws.ErrCodeInvalid, err.Error())
		return
	}
	t, err := chat.ParseMessageType(sendMsg.MessageType)
	if err != nil {
		ws.SendError(conn, ws.ErrCodeInvalid, err.Error())
		return
	}
	content := chat.ContentFromWire(t, sendMsg.Message, sendMsg.ContentType)
	if err := chat.ValidateContent(t, content); err != nil {
		ws.SendError(conn, ws.ErrCodeInvalid, err.Error())
		return
	}
	if t.IsMedia() {
		if err := media.ValidateRef(t, content.Wire()); err != nil {
			ws.SendError(conn, ws.ErrCodeInvalid, err.Error())
			return
		}
	}
	if !h.allow(conn, sendMsg.SenderID, ratelimit.RuleMessage) {
		return
	}

	h.relay.Relay(conn, relay.Event{
		Kind:        relay.KindMessage,
		SenderID:    sendMsg.SenderID,
		ReceiverID:  sendMsg.ReceiverID,
		Message:     content.Wire(),
		MessageType: t,
		ContentType: content.ContentType(),
	})
}

// -----------------------------------------------------------------------
// typing / stopTyping: relay the indicator
// -----------------------------------------------------------------------
func (h *relayHandlers) onTyping(conn *ws.Connection, msg interface{}) {
	typingMsg, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	if err := validatePair(typingMsg.SenderID, typingMsg.ReceiverID); err != nil {
		ws.SendError(conn, ws.ErrCodeInvalid, err.Error())
		return
	}

	kind := relay.KindTypingStart
	if typingMsg.Type == protocol.TypeStopTyping {
		kind = relay.KindTypingStop
	} else if !h.allow(conn, typingMsg.SenderID, ratelimit.RuleTyping) {
		// A stop is never throttled, so the peer's indicator always clears.
		return
	}

	h.relay.Relay(conn, relay.Event{
		Kind:       kind,
		SenderID:   typingMsg.SenderID,
		ReceiverID: typingMsg.ReceiverID,
	})
}

// onDisconnect drops the presence entry owned by the closed connection. A
// user who already re-joined elsewhere keeps the newer entry.
func (h *relayHandlers) onDisconnect(conn *ws.Connection) {
	userID, removed := h.registry.Remove(conn)
	switch {
	case removed:
		log.Printf("[disconnect] user=%s offline connection=%s", userID, conn.ID)
	case userID != "":
		log.Printf("[disconnect] user=%s stale connection=%s ignored", userID, conn.ID)
	}
}

// allow applies rule to senderID and answers with a rate_limited frame when
// the sender is over the limit.
func (h *relayHandlers) allow(conn *ws.Connection, senderID string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if ok, _ := h.limiter.Allow(ctx, senderID, rule); ok {
		return true
	}
	metrics.RateLimited.WithLabelValues(rule.Key).Inc()

	retry := h.limiter.RetryAfter(ctx, senderID, rule)
	resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int((retry + time.Second - 1) / time.Second),
	})
	if err := conn.Send(resp); err != nil {
		log.Printf("[ratelimit] send rate_limited connection=%s: %v", conn.ID, err)
	}
	return false
}

func validatePair(senderID, receiverID string) error {
	if err := chat.ValidateUserID("senderId", senderID); err != nil {
		return err
	}
	return chat.ValidateUserID("receiverId", receiverID)
}

// Package api exposes the message store and media ingestion over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/media"
	"github.com/agrilink/chat-app/internal/presence"
	"github.com/agrilink/chat-app/internal/ratelimit"
	"github.com/agrilink/chat-app/internal/session"
	"github.com/agrilink/chat-app/internal/store"
)

// multipartOverhead is the allowance on top of the media ceiling for form
// fields and part headers.
const multipartOverhead = 1 << 20

// Publisher receives every message the API persisted.
type Publisher interface {
	PublishMessageCreated(m chat.Message, server string) error
}

// Limiter throttles uploads. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// SessionReader reads connection records. *session.Store satisfies it.
type SessionReader interface {
	Get(ctx context.Context, connID string) (*session.Session, error)
}

// connectionHandle is a presence handle that knows its connection id.
// *ws.Connection satisfies it.
type connectionHandle interface {
	ConnectionID() string
}

// Handler serves the REST endpoints.
type Handler struct {
	store      store.Store
	media      *media.Ingestor
	presence   *presence.Registry
	sessions   SessionReader
	publisher  Publisher
	limiter    Limiter
	serverName string
}

// NewHandler wires the API to its collaborators. presence may be nil, in
// which case the presence endpoint reports everyone offline.
func NewHandler(st store.Store, ing *media.Ingestor, reg *presence.Registry) *Handler {
	return &Handler{store: st, media: ing, presence: reg}
}

// SetPublisher makes the handler publish message-created events.
func (h *Handler) SetPublisher(p Publisher, serverName string) {
	h.publisher = p
	h.serverName = serverName
}

// SetSessions makes the presence endpoint report the role and server
// recorded for the user's connection.
func (h *Handler) SetSessions(s SessionReader) {
	h.sessions = s
}

// SetLimiter enables per-sender upload throttling.
func (h *Handler) SetLimiter(l Limiter) {
	h.limiter = l
}

// Router returns the API routes wrapped in recovery and instrumentation.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoverMiddleware, instrumentMiddleware)

	r.HandleFunc("/api/messages/text", h.createText).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/media", h.createMedia).Methods(http.MethodPost)
	r.HandleFunc("/api/messages", h.createMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/{senderId}/{receiverId}", h.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/uploads", h.upload).Methods(http.MethodPost)
	r.HandleFunc("/api/presence/{userId}", h.getPresence).Methods(http.MethodGet)
	return r
}

// CreateMessageRequest is the JSON body of the create endpoints. Content is
// the text, or the stored media path for image/audio.
type CreateMessageRequest struct {
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	MessageType string `json:"messageType"`
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

// PresenceResponse is returned by GET /api/presence/{userId}.
type PresenceResponse struct {
	UserID     string `json:"userId"`
	Online     bool   `json:"online"`
	Role       string `json:"role,omitempty"`
	Server     string `json:"server,omitempty"`
	LastActive int64  `json:"lastActive,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// createText handles POST /api/messages/text.
func (h *Handler) createText(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MessageType == "" {
		req.MessageType = string(chat.TypeText)
	}
	if req.MessageType != string(chat.TypeText) {
		writeError(w, &chat.ValidationError{Field: "messageType", Reason: "must be text on this endpoint"})
		return
	}
	h.create(w, r, store.NewMessage{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Type:       req.MessageType,
		Content:    chat.TextContent(req.Content),
	})
}

// createMessage handles POST /api/messages, the second half of the
// upload-then-create flow.
func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := chat.ParseMessageType(req.MessageType)
	if err != nil {
		writeError(w, err)
		return
	}
	if t.IsMedia() && req.Content != "" {
		if err := media.ValidateRef(t, req.Content); err != nil {
			writeError(w, err)
			return
		}
	}
	h.create(w, r, store.NewMessage{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Type:       string(t),
		Content:    chat.ContentFromWire(t, req.Content, req.ContentType),
	})
}

// createMedia handles POST /api/messages/media: one multipart request that
// uploads the file and creates the message referencing it.
func (h *Handler) createMedia(w http.ResponseWriter, r *http.Request) {
	// formFile must run first: FormValue would parse the body unbounded.
	file, header, err := h.formFile(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer file.Close()

	senderID := r.FormValue("senderId")
	if !h.allowUpload(w, r, senderID) {
		return
	}

	t, err := chat.ParseMessageType(r.FormValue("messageType"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !t.IsMedia() {
		writeError(w, &chat.ValidationError{Field: "messageType", Reason: "must be image or audio on this endpoint"})
		return
	}
	// Validate ids before touching the disk.
	nm := store.NewMessage{SenderID: senderID, ReceiverID: r.FormValue("receiverId"), Type: string(t)}
	if err := chat.ValidateUserID("senderId", nm.SenderID); err != nil {
		writeError(w, err)
		return
	}
	if err := chat.ValidateUserID("receiverId", nm.ReceiverID); err != nil {
		writeError(w, err)
		return
	}

	ref, err := h.media.Upload(r.Context(), file, header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	nm.Content = chat.MediaContent(ref.Path, ref.ContentType)
	h.create(w, r, nm)
}

// upload handles POST /api/uploads.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if !h.allowUpload(w, r, r.URL.Query().Get("senderId")) {
		return
	}

	file, header, err := h.formFile(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer file.Close()

	ref, err := h.media.Upload(r.Context(), file, header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

// listMessages handles GET /api/messages/{senderId}/{receiverId}.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	msgs, err := h.store.Query(r.Context(), vars["senderId"], vars["receiverId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// getPresence handles GET /api/presence/{userId}.
func (h *Handler) getPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if err := chat.ValidateUserID("userId", userID); err != nil {
		writeError(w, err)
		return
	}
	resp := PresenceResponse{UserID: userID}
	if h.presence != nil {
		if handle, ok := h.presence.Lookup(userID); ok {
			resp.Online = true
			h.describeConnection(r.Context(), handle, &resp)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// describeConnection copies role, server and last activity from the record
// of the connection resp.UserID joined on. Lookup failures leave them empty.
func (h *Handler) describeConnection(ctx context.Context, handle presence.Handle, resp *PresenceResponse) {
	c, ok := handle.(connectionHandle)
	if h.sessions == nil || !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	rec, err := h.sessions.Get(ctx, c.ConnectionID())
	if err != nil {
		log.Printf("[api] presence session connection=%s: %v", c.ConnectionID(), err)
		return
	}
	if rec == nil || rec.UserID != resp.UserID {
		return
	}
	resp.Role = rec.Role
	resp.Server = rec.Server
	resp.LastActive = rec.LastActive
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, nm store.NewMessage) {
	m, err := h.store.Create(r.Context(), nm)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.publisher != nil {
		if err := h.publisher.PublishMessageCreated(m, h.serverName); err != nil {
			log.Printf("[api] publish message %s: %v", m.ID, err)
		}
	}
	writeJSON(w, http.StatusCreated, m)
}

// formFile parses a multipart body bounded by the media ceiling and returns
// the "file" part.
func (h *Handler) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	if r.MultipartForm == nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.media.MaxBytes()+multipartOverhead)
		if err := r.ParseMultipartForm(multipartOverhead); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return nil, nil, &chat.PayloadTooLargeError{Limit: h.media.MaxBytes()}
			}
			return nil, nil, &chat.ValidationError{Field: "file", Reason: "malformed multipart body"}
		}
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, &chat.ValidationError{Field: "file", Reason: "is required"}
	}
	return file, header, nil
}

// allowUpload applies the upload rate limit keyed by sender, or by client IP
// when the sender is unknown.
func (h *Handler) allowUpload(w http.ResponseWriter, r *http.Request, senderID string) bool {
	if h.limiter == nil {
		return true
	}
	key := senderID
	if key == "" {
		key, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	ok, _ := h.limiter.Allow(r.Context(), key, ratelimit.RuleUpload)
	if ok {
		return true
	}
	retry := h.limiter.RetryAfter(r.Context(), key, ratelimit.RuleUpload)
	w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Message: "too many uploads"})
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, &chat.ValidationError{Field: "body", Reason: "invalid json"})
		return false
	}
	return true
}

// writeError maps domain errors onto status codes. Unknown errors are logged
// and reported as a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var (
		code    int
		message = err.Error()
	)
	switch {
	case errors.Is(err, chat.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, chat.ErrUnsupportedType):
		code = http.StatusUnsupportedMediaType
	case errors.Is(err, chat.ErrPayloadTooLarge):
		code = http.StatusRequestEntityTooLarge
	default:
		log.Printf("[api] internal error: %v", err)
		code = http.StatusInternalServerError
		message = "internal server error"
	}
	writeJSON(w, code, ErrorResponse{Message: message})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

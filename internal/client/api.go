package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/agrilink/chat-app/internal/api"
	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/media"
)

// NetworkError is any failed REST call: transport failures and non-2xx
// responses alike. Status is 0 when no response was received.
type NetworkError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("client: %s: %d %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("client: %s: status %d", e.Op, e.Status)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIClient calls the chat server's REST API.
type APIClient struct {
	baseURL string
	http    *http.Client
}

// NewAPIClient returns a client for the server at baseURL
// (e.g. http://localhost:5000).
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// History returns the conversation between a and b, oldest first.
func (c *APIClient) History(ctx context.Context, a, b chat.UserID) ([]chat.Message, error) {
	u := fmt.Sprintf("%s/api/messages/%s/%s", c.baseURL, url.PathEscape(a), url.PathEscape(b))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &NetworkError{Op: "history", Err: err}
	}
	var msgs []chat.Message
	if err := c.do(req, "history", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Online reports whether userID currently has a live connection.
func (c *APIClient) Online(ctx context.Context, userID chat.UserID) (bool, error) {
	p, err := c.Presence(ctx, userID)
	return p.Online, err
}

// Presence returns userID's online state and, when the server keeps
// connection records, the role and server they joined with.
func (c *APIClient) Presence(ctx context.Context, userID chat.UserID) (api.PresenceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/presence/"+url.PathEscape(userID), nil)
	if err != nil {
		return api.PresenceResponse{}, &NetworkError{Op: "presence", Err: err}
	}
	var resp api.PresenceResponse
	if err := c.do(req, "presence", &resp); err != nil {
		return api.PresenceResponse{}, err
	}
	return resp, nil
}

// CreateText stores a text message.
func (c *APIClient) CreateText(ctx context.Context, senderID, receiverID chat.UserID, text string) (chat.Message, error) {
	return c.postMessage(ctx, "/api/messages/text", api.CreateMessageRequest{
		SenderID:    senderID,
		ReceiverID:  receiverID,
		MessageType: string(chat.TypeText),
		Content:     text,
	})
}

// CreateMedia stores an image or audio message referencing an uploaded file.
func (c *APIClient) CreateMedia(ctx context.Context, senderID, receiverID chat.UserID, t chat.MessageType, ref media.Ref) (chat.Message, error) {
	return c.postMessage(ctx, "/api/messages", api.CreateMessageRequest{
		SenderID:    senderID,
		ReceiverID:  receiverID,
		MessageType: string(t),
		Content:     ref.Path,
		ContentType: ref.ContentType,
	})
}

// Upload sends r as a multipart file and returns the stored reference.
func (c *APIClient) Upload(ctx context.Context, senderID chat.UserID, r io.Reader, contentType, filename string) (media.Ref, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return media.Ref{}, &NetworkError{Op: "upload", Err: err}
	}
	if _, err := io.Copy(part, r); err != nil {
		return media.Ref{}, &NetworkError{Op: "upload", Err: err}
	}
	if err := mw.Close(); err != nil {
		return media.Ref{}, &NetworkError{Op: "upload", Err: err}
	}

	u := c.baseURL + "/api/uploads?senderId=" + url.QueryEscape(senderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return media.Ref{}, &NetworkError{Op: "upload", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var ref media.Ref
	if err := c.do(req, "upload", &ref); err != nil {
		return media.Ref{}, err
	}
	return ref, nil
}

func (c *APIClient) postMessage(ctx context.Context, path string, body api.CreateMessageRequest) (chat.Message, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return chat.Message{}, &NetworkError{Op: "create", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return chat.Message{}, &NetworkError{Op: "create", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var m chat.Message
	if err := c.do(req, "create", &m); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}

func (c *APIClient) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &NetworkError{Op: op, Status: resp.StatusCode, Message: e.Message}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Package backend is the REST client for the chat API: conversation list
// and membership, message history, sends, and read receipts. The realtime
// socket carries events; this carries state.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wtfteams/wtfsync/internal/directory"
	"github.com/wtfteams/wtfsync/internal/logging"
	"github.com/wtfteams/wtfsync/internal/message"
)

// TokenProvider returns the current bearer token for request auth.
type TokenProvider func() string

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client talks to the REST backend. It implements directory.Fetcher and
// message.API.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenProvider
	logger  *zap.Logger
}

// New creates a client for the given base URL.
func New(baseURL string, token TokenProvider, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		token:   token,
		logger:  logging.OrNop(logger),
	}
}

// ListConversations fetches all conversations for the current user.
func (c *Client) ListConversations(ctx context.Context) ([]directory.Conversation, error) {
	var wire []wireChat
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]directory.Conversation, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toConversation())
	}
	return out, nil
}

// Conversation fetches a single conversation by id.
func (c *Client) Conversation(ctx context.Context, id string) (directory.Conversation, error) {
	var wire wireChat
	if err := c.do(ctx, http.MethodGet, "/chats/"+id, nil, &wire); err != nil {
		return directory.Conversation{}, err
	}
	return wire.toConversation(), nil
}

// AccessChat returns the one-on-one conversation with userID, creating it
// if it does not exist yet.
func (c *Client) AccessChat(ctx context.Context, userID string) (directory.Conversation, error) {
	var wire wireChat
	if err := c.do(ctx, http.MethodPost, "/chats", map[string]string{"userId": userID}, &wire); err != nil {
		return directory.Conversation{}, err
	}
	return wire.toConversation(), nil
}

// CreateGroup creates a group conversation.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (directory.Conversation, error) {
	var wire wireChat
	body := map[string]any{"name": name, "users": memberIDs}
	if err := c.do(ctx, http.MethodPost, "/chats/group", body, &wire); err != nil {
		return directory.Conversation{}, err
	}
	return wire.toConversation(), nil
}

// RenameGroup renames a group conversation.
func (c *Client) RenameGroup(ctx context.Context, id, name string) (directory.Conversation, error) {
	var wire wireChat
	body := map[string]string{"chatId": id, "chatName": name}
	if err := c.do(ctx, http.MethodPut, "/chats/group/rename", body, &wire); err != nil {
		return directory.Conversation{}, err
	}
	return wire.toConversation(), nil
}

// AddToGroup adds a user to a group conversation.
func (c *Client) AddToGroup(ctx context.Context, id, userID string) (directory.Conversation, error) {
	var wire wireChat
	body := map[string]string{"chatId": id, "userId": userID}
	if err := c.do(ctx, http.MethodPut, "/chats/group/add", body, &wire); err != nil {
		return directory.Conversation{}, err
	}
	return wire.toConversation(), nil
}

// RemoveFromGroup removes a user from a group conversation.
func (c *Client) RemoveFromGroup(ctx context.Context, id, userID string) (directory.Conversation, error) {
	var wire wireChat
	body := map[string]string{"chatId": id, "userId": userID}
	if err := c.do(ctx, http.MethodPut, "/chats/group/remove", body, &wire); err != nil {
		return directory.Conversation{}, err
	}
	return wire.toConversation(), nil
}

// MarkRead marks all of a conversation's messages read for the current user.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/messages/read/"+id, nil, nil)
}

// History fetches the full message history for a conversation.
func (c *Client) History(ctx context.Context, conversationID string) ([]message.Message, error) {
	var wire []wireMessage
	if err := c.do(ctx, http.MethodGet, "/messages/"+conversationID, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]message.Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toMessage())
	}
	return out, nil
}

// PostMessage sends a message and returns the server-confirmed record.
func (c *Client) PostMessage(ctx context.Context, conversationID string, draft message.Draft) (message.Message, error) {
	var wire wireMessage
	body := map[string]string{"chatId": conversationID, "content": draft.Body}
	if draft.MediaRef != "" {
		body["media"] = draft.MediaRef
	}
	if err := c.do(ctx, http.MethodPost, "/messages", body, &wire); err != nil {
		return message.Message{}, err
	}
	return wire.toMessage(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&msg); err == nil {
			apiErr.Message = msg.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

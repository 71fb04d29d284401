// Package dataapi is the client for the REST data-access API. It is the
// durable path: sends made here are persisted before any broadcast.
package dataapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/projecthub/realtime/internal/chat"
)

var (
	ErrUnauthorized = errors.New("dataapi: unauthorized")
	ErrForbidden    = errors.New("dataapi: forbidden")
	ErrNotFound     = errors.New("dataapi: not found")
	ErrRateLimited  = errors.New("dataapi: rate limited")
	ErrBadRequest   = errors.New("dataapi: bad request")
)

// StatusError is a non-2xx response. It matches the sentinel for its
// status with errors.Is.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dataapi: %d %s", e.Status, e.Message)
}

// Is maps the status to a sentinel.
func (e *StatusError) Is(target error) bool {
	switch e.Status {
	case http.StatusUnauthorized:
		return target == ErrUnauthorized
	case http.StatusForbidden:
		return target == ErrForbidden
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusTooManyRequests:
		return target == ErrRateLimited
	case http.StatusBadRequest:
		return target == ErrBadRequest
	}
	return false
}

// Client calls the API with a bearer token.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New creates a Client. baseURL is the server root, e.g. http://host:8080.
func New(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// ListConversations returns the caller's conversations in a project.
func (c *Client) ListConversations(ctx context.Context, projectID int64) ([]chat.Conversation, error) {
	var out []chat.Conversation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/projects/%d/conversations", projectID), nil, &out)
	return out, err
}

// CreateConversation creates a conversation with the caller as a member.
// created is false when an existing DIRECT conversation was returned.
func (c *Client) CreateConversation(ctx context.Context, nc chat.NewConversation) (*chat.Conversation, bool, error) {
	var out chat.Conversation
	status, err := c.doStatus(ctx, http.MethodPost, "/api/conversations", nc, &out)
	if err != nil {
		return nil, false, err
	}
	return &out, status == http.StatusCreated, nil
}

// GetConversation returns one conversation.
func (c *Client) GetConversation(ctx context.Context, id int64) (*chat.Conversation, error) {
	var out chat.Conversation
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/conversations/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns up to limit messages older than beforeID (0 for the
// newest), oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID, beforeID int64, limit int) ([]chat.Message, error) {
	q := url.Values{}
	if beforeID > 0 {
		q.Set("before", strconv.FormatInt(beforeID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []chat.Message
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

type contentBody struct {
	Content string `json:"content"`
}

// SendMessage persists a message.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (*chat.Message, error) {
	var out chat.Message
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	if err := c.do(ctx, http.MethodPost, path, contentBody{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead marks the conversation read for the caller.
func (c *Client) MarkRead(ctx context.Context, conversationID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", conversationID), nil, nil)
}

// EditMessage replaces the content of one of the caller's messages.
func (c *Client) EditMessage(ctx context.Context, messageID int64, content string) (*chat.Message, error) {
	var out chat.Message
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/messages/%d", messageID), contentBody{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage removes one of the caller's messages.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/messages/%d", messageID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.doStatus(ctx, method, path, body, out)
	return err
}

func (c *Client) doStatus(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("dataapi: encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, fmt.Errorf("dataapi: %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("dataapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Message: e.Error}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("dataapi: decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

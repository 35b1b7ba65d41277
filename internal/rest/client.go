// Package rest is the HTTP client for the chat API's request/response
// surface: conversation listings, message history pages and read receipts.
// The streaming transport handles everything latency-sensitive; this client
// only fills state in.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matborges/lojachat/internal/store"
)

// Client talks to the chat REST endpoints with bearer authentication.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a REST client for the given server base URL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ListConversations fetches every conversation the authenticated user
// participates in.
func (c *Client) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	var out []store.Conversation
	if err := c.get(ctx, "/api/chat/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches the most recent page of messages for a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	path := fmt.Sprintf("/api/chat/conversations/%s/messages?limit=%s",
		url.PathEscape(conversationID), strconv.Itoa(limit))
	var out []store.Message
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead tells the server every message in the conversation was seen.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/api/chat/conversations/%s/read", url.PathEscape(conversationID))
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: mark read: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: get %s: %w", path, err)
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("rest: %s %s: %s: %s",
		resp.Request.Method, resp.Request.URL.Path, resp.Status, strings.TrimSpace(string(snippet)))
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

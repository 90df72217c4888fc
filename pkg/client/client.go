// Package client is a Go client for the coach HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("coach api: %d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("coach api: %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Client 调用 /api 下的接口，每个请求都带 bearer token。
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client. The HTTP timeout must exceed the server's long-poll
// wait, otherwise every wait on a slow turn ends in a transport error.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 45 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// CreateChatRequest mirrors POST /chats.
type CreateChatRequest struct {
	Title      string `json:"title,omitempty"`
	ScenarioID string `json:"scenario_id,omitempty"`
	Language   string `json:"language,omitempty"`
}

// SendRequest mirrors POST /chats/{id}/send.
type SendRequest struct {
	Type        string `json:"type,omitempty"`
	Message     string `json:"message,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`
	Language    string `json:"language,omitempty"`
}

// SendResponse carries both turns of a submission.
type SendResponse struct {
	UserTurn      chat.Turn `json:"user_turn"`
	AssistantTurn chat.Turn `json:"ai_turn"`
}

// ListOptions selects a page of turns. Zero values are omitted.
type ListOptions struct {
	Limit      int
	AfterID    int64
	BeforeID   int64
	FromLatest bool
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.AfterID > 0 {
		v.Set("after_id", strconv.FormatInt(o.AfterID, 10))
	}
	if o.BeforeID > 0 {
		v.Set("before_id", strconv.FormatInt(o.BeforeID, 10))
	}
	if o.FromLatest {
		v.Set("from_latest", "true")
	}
	return v
}

func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (chat.Chat, error) {
	var out chat.Chat
	err := c.do(ctx, http.MethodPost, "/api/chats", nil, req, &out)
	return out, err
}

func (c *Client) ListChats(ctx context.Context) ([]chat.Chat, error) {
	var out struct {
		Items []chat.Chat `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/api/chats", nil, nil, &out)
	return out.Items, err
}

// Send submits a message and returns without waiting for the reply.
func (c *Client) Send(ctx context.Context, chatID string, req SendRequest) (SendResponse, error) {
	var out SendResponse
	err := c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/send", nil, req, &out)
	return out, err
}

// WaitTurn long-polls one turn; the server answers when the turn finishes or
// its wait bound elapses, whichever comes first.
func (c *Client) WaitTurn(ctx context.Context, chatID string, turnID int64) (chat.Turn, error) {
	var out chat.Turn
	path := fmt.Sprintf("/api/chats/%s/turns/%d", url.PathEscape(chatID), turnID)
	err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}

func (c *Client) ListTurns(ctx context.Context, chatID string, opts ListOptions) (chat.TurnPage, error) {
	var out chat.TurnPage
	err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID)+"/turns", opts.values(), nil, &out)
	return out, err
}

func (c *Client) ListUserTurns(ctx context.Context, opts ListOptions) (chat.TurnPage, error) {
	var out chat.TurnPage
	err := c.do(ctx, http.MethodGet, "/api/chats/turns", opts.values(), nil, &out)
	return out, err
}

func (c *Client) ResetChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/reset", nil, nil, nil)
}

func (c *Client) DeleteTurn(ctx context.Context, turnID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/chats/turns/%d", turnID), nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Kind, apiErr.Message = payload.Kind, payload.Error
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

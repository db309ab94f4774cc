package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

// Transport is the backend surface the turn machine depends on. Client is
// the HTTP implementation; tests substitute their own.
type Transport interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	StreamComplete(ctx context.Context, req CompletionRequest, onContent func(string)) (*CompletionResult, error)
	PersistMessages(ctx context.Context, sessionID uuid.UUID, msgs []Message) error
	SyncConversations(ctx context.Context, convs []Conversation) (*SyncResult, error)
}

// ClientOptions configures the HTTP transport.
type ClientOptions struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the chatsync backend over HTTP.
type Client struct {
	log     *logger.Logger
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
}

func NewClient(log *logger.Logger, opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("chatclient: base URL is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		log:     log.With("component", "chatclient"),
		baseURL: opts.BaseURL,
		http:    httpClient,
		token:   opts.AuthToken,
	}, nil
}

// SetAuthToken swaps the bearer token, used when an anonymous session
// signs in.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) authToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Complete runs a non-streaming exchange and returns the single JSON
// result body.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	req.Stream = false
	resp, err := c.post(ctx, "/api/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp)
	}
	var result CompletionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("chatclient: decode completion: %w", err)
	}
	return &result, nil
}

// StreamComplete runs a streaming exchange. Content is delivered through
// onContent as it arrives; the trailing metadata record becomes the
// result. A metadata record carrying an error means the upstream failed
// mid-stream and the exchange counts as failed.
func (c *Client) StreamComplete(ctx context.Context, req CompletionRequest, onContent func(string)) (*CompletionResult, error) {
	req.Stream = true
	resp, err := c.post(ctx, "/api/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp)
	}

	parser := &streamParser{}
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if content := parser.Feed(string(buf[:n])); content != "" && onContent != nil {
				onContent(content)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("chatclient: read stream: %w", readErr)
		}
	}
	rest, meta := parser.Close()
	if rest != "" && onContent != nil {
		onContent(rest)
	}
	if meta == nil {
		return nil, errors.New("chatclient: stream ended without metadata record")
	}
	if meta.Error != "" {
		return nil, fmt.Errorf("chatclient: upstream stream error: %s", meta.Error)
	}
	return &CompletionResult{
		Usage:        meta.Usage,
		RequestID:    meta.RequestID,
		CompletionID: meta.CompletionID,
		Model:        meta.Model,
		ElapsedMs:    meta.ElapsedMs,
		ContentType:  meta.ContentType,
	}, nil
}

type persistRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Messages  []Message `json:"messages"`
}

// PersistMessages writes one or more finished messages for a session.
func (c *Client) PersistMessages(ctx context.Context, sessionID uuid.UUID, msgs []Message) error {
	resp, err := c.post(ctx, "/api/messages", persistRequest{SessionID: sessionID, Messages: msgs})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp)
	}
	return nil
}

type syncConversation struct {
	Session  Conversation `json:"session"`
	Messages []Message    `json:"messages"`
}

type syncRequest struct {
	Conversations []syncConversation `json:"conversations"`
}

// SyncConversations pushes full local state for the given conversations.
// Tokens on failed messages are zeroed in the payload so a stale partial
// count can never land in durable storage.
func (c *Client) SyncConversations(ctx context.Context, convs []Conversation) (*SyncResult, error) {
	payload := syncRequest{Conversations: make([]syncConversation, 0, len(convs))}
	for _, conv := range convs {
		msgs := make([]Message, len(conv.Messages))
		for i, msg := range conv.Messages {
			if msg.Error {
				msg.InputTokens = nil
				msg.OutputTokens = nil
				msg.TotalTokens = nil
			}
			msgs[i] = msg
		}
		session := conv
		session.Messages = nil
		payload.Conversations = append(payload.Conversations, syncConversation{
			Session:  session,
			Messages: msgs,
		})
	}
	resp, err := c.post(ctx, "/api/sync", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp)
	}
	var result SyncResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("chatclient: decode sync result: %w", err)
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("chatclient: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chatclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.authToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatclient: %s: %w", path, err)
	}
	return resp, nil
}

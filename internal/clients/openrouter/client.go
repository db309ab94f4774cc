package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

// Client is the upstream LLM aggregation API. OpenRouter speaks the
// OpenAI-compatible chat/completions protocol.
type Client interface {
	Complete(ctx context.Context, model string, msgs []Message, opts RequestOptions) (*Completion, error)
	StreamComplete(ctx context.Context, model string, msgs []Message, opts RequestOptions, onDelta func(delta string)) (*Completion, error)
	DefaultModel() string
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client

	maxRetries int
}

func New(log *logger.Logger) (Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENROUTER_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("OPENROUTER_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("OPENROUTER_MODEL"))
	if model == "" {
		model = "meta-llama/llama-3.2-90b-instruct"
	}

	timeoutSec := 120
	if v := os.Getenv("OPENROUTER_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 2
	if v := os.Getenv("OPENROUTER_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &client{
		log:        log.With("service", "OpenRouterClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

func (c *client) DefaultModel() string { return c.model }

func (c *client) buildRequest(model string, msgs []Message, opts RequestOptions, stream bool) chatCompletionsRequest {
	if strings.TrimSpace(model) == "" {
		model = c.model
	}
	req := chatCompletionsRequest{
		Model:    model,
		Messages: msgs,
		Stream:   stream,
	}
	if opts.WebSearch {
		maxResults := opts.WebMaxResults
		if maxResults <= 0 {
			maxResults = 5
		}
		req.Plugins = append(req.Plugins, plugin{ID: "web", MaxResults: maxResults})
	}
	if strings.TrimSpace(opts.ReasoningEffort) != "" {
		req.Reasoning = &reasoning{Effort: strings.TrimSpace(opts.ReasoningEffort)}
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}

func (c *client) Complete(ctx context.Context, model string, msgs []Message, opts RequestOptions) (*Completion, error) {
	if len(msgs) == 0 {
		return nil, errors.New("no messages")
	}
	body := c.buildRequest(model, msgs, opts, false)

	var resp chatCompletionsResponse
	if err := c.do(ctx, "/chat/completions", body, &resp); err != nil {
		return nil, err
	}
	// Upstream occasionally answers 200 with an empty choices array; treat
	// that as a failure instead of dereferencing it.
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openrouter response missing choices")
	}

	out := &Completion{
		Text:  resp.Choices[0].Message.Content,
		ID:    resp.ID,
		Model: resp.Model,
	}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	}
	return out, nil
}

func (c *client) StreamComplete(ctx context.Context, model string, msgs []Message, opts RequestOptions, onDelta func(delta string)) (*Completion, error) {
	if len(msgs) == 0 {
		return nil, errors.New("no messages")
	}
	body := c.buildRequest(model, msgs, opts, true)

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", &buf)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, parseHTTPError(resp.StatusCode, resp.Header, raw)
	}

	out := &Completion{}
	var full strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk chatCompletionsChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.log.Warn("bad stream chunk, skipping", "error", err)
			continue
		}
		if chunk.ID != "" {
			out.ID = chunk.ID
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = *chunk.Usage
		}
		if len(chunk.Choices) > 0 {
			d := chunk.Choices[0].Delta.Content
			if d != "" {
				full.WriteString(d)
				if onDelta != nil {
					onDelta(d)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out.Text = full.String()
	return out, nil
}

func (c *client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return isRetryableHTTP(httpErr.StatusCode)
	}
	return false
}

func jitterSleep(base time.Duration) time.Duration {
	// +/- 20%
	if base <= 0 {
		return 0
	}
	j := 0.2
	low := base.Seconds() * (1 - j)
	high := base.Seconds() * (1 + j)
	v := low + rand.Float64()*(high-low)
	return time.Duration(v * float64(time.Second))
}

func (c *client) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, parseHTTPError(resp.StatusCode, resp.Header, raw)
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("openrouter decode error: %w", uErr)
			}
			return nil
		}

		if !isRetryableErr(err) || attempt == c.maxRetries {
			return err
		}

		// A rate limit is retried only when the caller has budget left;
		// otherwise the 429 surfaces so retry-after reaches the user.
		sleepFor := backoff
		if resp != nil {
			ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
			if ra != "" {
				if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 {
					sleepFor = time.Duration(secs) * time.Second
				}
			}
		}
		if sleepFor > 10*time.Second {
			sleepFor = 10 * time.Second
		}
		sleepFor = jitterSleep(sleepFor)

		c.log.Warn("openrouter request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

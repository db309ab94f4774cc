package chatclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

var (
	// ErrTurnInFlight means a send or retry is already running for the
	// same message, so this attempt was dropped rather than duplicated.
	ErrTurnInFlight = errors.New("chatclient: turn already in flight")

	// ErrNotFailed means retry was asked for a message that did not fail.
	ErrNotFailed = errors.New("chatclient: message is not in a failed state")

	// ErrBannerDismissed means the user dismissed the error banner for
	// this turn, which ends its retry lifecycle.
	ErrBannerDismissed = errors.New("chatclient: banner dismissed, retry closed")

	ErrConversationNotFound = errors.New("chatclient: conversation not found")
	ErrMessageNotFound      = errors.New("chatclient: message not found")
)

// HTTPError is a non-2xx response from the backend, carrying whatever
// structured detail the error envelope provided.
type HTTPError struct {
	StatusCode  int
	Message     string
	Code        string
	RetryAfter  int
	Suggestions []string
	Body        string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chatclient: backend returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chatclient: backend returned %d", e.StatusCode)
}

// IsRateLimit reports whether this error should surface retry guidance.
func (e *HTTPError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

type errorEnvelope struct {
	Error struct {
		Message     string   `json:"message"`
		Code        string   `json:"code"`
		RetryAfter  int      `json:"retry_after"`
		Suggestions []string `json:"suggestions"`
	} `json:"error"`
}

func parseHTTPError(resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		httpErr.Message = env.Error.Message
		httpErr.Code = env.Error.Code
		httpErr.RetryAfter = env.Error.RetryAfter
		httpErr.Suggestions = env.Error.Suggestions
	} else {
		httpErr.Message = http.StatusText(resp.StatusCode)
	}
	if httpErr.RetryAfter == 0 {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				httpErr.RetryAfter = secs
			}
		}
	}
	return httpErr
}

package openrouter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// HTTPError carries the structured upstream error surface. RetryAfter and
// Suggestions ride along for 429s so the caller can surface them in a
// banner; they are never persisted.
type HTTPError struct {
	StatusCode  int
	Message     string
	Code        string
	RetryAfter  int
	Suggestions []string
	Body        string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "openrouter http error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if strings.TrimSpace(e.Code) != "" {
		return fmt.Sprintf("openrouter http %d (%s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("openrouter http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) IsRateLimit() bool {
	return e != nil && e.StatusCode == http.StatusTooManyRequests
}

func parseHTTPError(status int, header http.Header, raw []byte) *HTTPError {
	out := &HTTPError{
		StatusCode: status,
		Body:       strings.TrimSpace(string(raw)),
	}

	var env struct {
		Error struct {
			Message  string `json:"message"`
			Code     any    `json:"code,omitempty"`
			Metadata struct {
				Suggestions []string `json:"suggestions,omitempty"`
			} `json:"metadata,omitempty"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		out.Message = strings.TrimSpace(env.Error.Message)
		out.Suggestions = env.Error.Metadata.Suggestions
		switch c := env.Error.Code.(type) {
		case string:
			out.Code = strings.TrimSpace(c)
		case float64:
			out.Code = strconv.Itoa(int(c))
		}
	}

	if header != nil {
		ra := strings.TrimSpace(header.Get("Retry-After"))
		if ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				out.RetryAfter = secs
			}
		}
	}
	if status == http.StatusTooManyRequests && len(out.Suggestions) == 0 {
		out.Suggestions = []string{
			"wait before retrying",
			"switch to a less busy model",
		}
	}
	return out
}

package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Message     string   `json:"message"`
	Code        string   `json:"code,omitempty"`
	RetryAfter  int      `json:"retry_after,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondRateLimited is the 429 shape: message plus retry-after guidance and
// suggestions the client surfaces in its error banner.
func RespondRateLimited(c *gin.Context, retryAfter int, suggestions []string) {
	if len(suggestions) == 0 {
		suggestions = []string{
			"wait before retrying",
			"switch to a less busy model",
		}
	}
	c.JSON(http.StatusTooManyRequests, ErrorEnvelope{
		Error: APIError{
			Message:     "rate limit exceeded",
			Code:        "rate_limited",
			RetryAfter:  retryAfter,
			Suggestions: suggestions,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

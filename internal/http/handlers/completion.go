package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/chatsync-backend/internal/clients/openrouter"
	"github.com/yungbote/chatsync-backend/internal/http/response"
	"github.com/yungbote/chatsync-backend/internal/platform/logger"
	"github.com/yungbote/chatsync-backend/internal/services"
)

// MetadataSentinel keys the trailing metadata record of a streaming
// response. Everything before that record is verbatim model output.
const MetadataSentinel = "__metadata"

type CompletionHandler struct {
	log         *logger.Logger
	completions services.CompletionService
}

func NewCompletionHandler(log *logger.Logger, completions services.CompletionService) *CompletionHandler {
	return &CompletionHandler{
		log:         log.With("handler", "CompletionHandler"),
		completions: completions,
	}
}

type completionReq struct {
	Messages  []services.ContextMessage `json:"messages"`
	Model     string                    `json:"model"`
	MessageID uuid.UUID                 `json:"message_id"`
	Stream    bool                      `json:"stream"`

	WebSearch       bool     `json:"web_search"`
	WebMaxResults   int      `json:"web_max_results"`
	ReasoningEffort string   `json:"reasoning_effort"`
	AttachmentIDs   []string `json:"attachment_ids"`
}

// POST /api/chat/completions
func (h *CompletionHandler) Complete(c *gin.Context) {
	var req completionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	in := services.CompletionInput{
		Messages:        req.Messages,
		Model:           req.Model,
		MessageID:       req.MessageID,
		WebSearch:       req.WebSearch,
		WebMaxResults:   req.WebMaxResults,
		ReasoningEffort: req.ReasoningEffort,
		AttachmentIDs:   req.AttachmentIDs,
	}

	if req.Stream {
		h.stream(c, in)
		return
	}

	result, err := h.completions.Complete(c.Request.Context(), in)
	if err != nil {
		h.respondUpstreamError(c, err)
		return
	}
	response.RespondOK(c, result)
}

// stream writes model output verbatim as it arrives, then one trailing
// JSON line keyed by MetadataSentinel with the same fields the
// non-streaming response carries.
func (h *CompletionHandler) stream(c *gin.Context, in services.CompletionInput) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	wroteContent := false
	result, err := h.completions.StreamComplete(c.Request.Context(), in, func(delta string) {
		if delta == "" {
			return
		}
		wroteContent = true
		_, _ = c.Writer.WriteString(delta)
		c.Writer.Flush()
	})
	if err != nil {
		if !wroteContent {
			// Nothing sent yet, a proper status is still possible.
			h.respondUpstreamError(c, err)
			return
		}
		// Mid-stream failure: the status line is gone, so the error rides in
		// the metadata record instead.
		h.writeMetadata(c, gin.H{"error": err.Error(), "request_id": in.MessageID})
		return
	}

	h.writeMetadata(c, result)
}

func (h *CompletionHandler) writeMetadata(c *gin.Context, payload any) {
	record, err := json.Marshal(gin.H{MetadataSentinel: payload})
	if err != nil {
		h.log.Error("marshal stream metadata", "error", err.Error())
		return
	}
	_, _ = c.Writer.WriteString("\n")
	_, _ = c.Writer.Write(record)
	_, _ = c.Writer.WriteString("\n")
	c.Writer.Flush()
}

// respondUpstreamError translates upstream failures into the error envelope.
// 429s keep their retry-after and suggestions so the client banner can show
// them; everything else collapses to a gateway-style failure.
func (h *CompletionHandler) respondUpstreamError(c *gin.Context, err error) {
	var httpErr *openrouter.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.IsRateLimit() {
			if httpErr.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(httpErr.RetryAfter))
			}
			response.RespondRateLimited(c, httpErr.RetryAfter, httpErr.Suggestions)
			return
		}
		status := http.StatusBadGateway
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			status = httpErr.StatusCode
		}
		response.RespondError(c, status, "upstream_error", err)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		response.RespondError(c, http.StatusGatewayTimeout, "upstream_timeout", err)
		return
	}
	response.RespondError(c, http.StatusBadGateway, "upstream_error", err)
}

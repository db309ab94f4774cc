package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/chatsync-backend/internal/clients/openrouter"
	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

// CompletionInput is one chat exchange request. MessageID is the
// client-generated ID of the user message driving this turn; it is echoed
// back as RequestID so the client can correlate response to request without
// content matching (duplicate-content retries make content matching
// ambiguous).
type CompletionInput struct {
	Messages  []ContextMessage
	Model     string
	MessageID uuid.UUID

	WebSearch       bool
	WebMaxResults   int
	ReasoningEffort string
	AttachmentIDs   []string
}

// ContextMessage is one prior turn of context, with the timestamp the
// client recorded so the server can enforce chronological order rather than
// trusting array order.
type ContextMessage struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type CompletionResult struct {
	Response     string           `json:"response"`
	Usage        openrouter.Usage `json:"usage"`
	RequestID    uuid.UUID        `json:"request_id"`
	CompletionID string           `json:"completion_id"`
	Model        string           `json:"model"`
	ElapsedMs    int64            `json:"elapsed_ms"`
	ContentType  string           `json:"content_type"`
}

type CompletionService interface {
	Complete(ctx context.Context, in CompletionInput) (*CompletionResult, error)
	StreamComplete(ctx context.Context, in CompletionInput, onDelta func(delta string)) (*CompletionResult, error)
	DefaultModel() string
}

type completionService struct {
	log *logger.Logger
	llm openrouter.Client
}

func NewCompletionService(baseLog *logger.Logger, llm openrouter.Client) CompletionService {
	return &completionService{
		log: baseLog.With("service", "CompletionService"),
		llm: llm,
	}
}

func (s *completionService) DefaultModel() string { return s.llm.DefaultModel() }

func (s *completionService) Complete(ctx context.Context, in CompletionInput) (*CompletionResult, error) {
	msgs, opts, err := s.prepare(in)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	completion, err := s.llm.Complete(ctx, in.Model, msgs, opts)
	if err != nil {
		return nil, err
	}
	return s.result(in, completion, time.Since(start)), nil
}

func (s *completionService) StreamComplete(ctx context.Context, in CompletionInput, onDelta func(delta string)) (*CompletionResult, error) {
	msgs, opts, err := s.prepare(in)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	completion, err := s.llm.StreamComplete(ctx, in.Model, msgs, opts, onDelta)
	if err != nil {
		return nil, err
	}
	return s.result(in, completion, time.Since(start)), nil
}

func (s *completionService) prepare(in CompletionInput) ([]openrouter.Message, openrouter.RequestOptions, error) {
	if in.MessageID == uuid.Nil {
		return nil, openrouter.RequestOptions{}, fmt.Errorf("missing message_id")
	}
	if len(in.Messages) == 0 {
		return nil, openrouter.RequestOptions{}, fmt.Errorf("no messages")
	}

	ordered := make([]ContextMessage, len(in.Messages))
	copy(ordered, in.Messages)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	out := make([]openrouter.Message, 0, len(ordered))
	for _, m := range ordered {
		role := strings.TrimSpace(m.Role)
		if role != "user" && role != "assistant" && role != "system" {
			return nil, openrouter.RequestOptions{}, fmt.Errorf("invalid role %q", m.Role)
		}
		out = append(out, openrouter.Message{Role: role, Content: m.Content})
	}

	opts := openrouter.RequestOptions{
		WebSearch:       in.WebSearch,
		WebMaxResults:   in.WebMaxResults,
		ReasoningEffort: in.ReasoningEffort,
		AttachmentIDs:   in.AttachmentIDs,
	}
	return out, opts, nil
}

func (s *completionService) result(in CompletionInput, completion *openrouter.Completion, elapsed time.Duration) *CompletionResult {
	model := completion.Model
	if model == "" {
		model = in.Model
	}
	return &CompletionResult{
		Response:     completion.Text,
		Usage:        completion.Usage,
		RequestID:    in.MessageID,
		CompletionID: completion.ID,
		Model:        model,
		ElapsedMs:    elapsed.Milliseconds(),
		ContentType:  contentTypeHint(completion.Text),
	}
}

// contentTypeHint tells the client whether the body is worth running through
// a markdown renderer.
func contentTypeHint(text string) string {
	for _, marker := range []string{"```", "\n# ", "\n## ", "\n- ", "\n* ", "\n1. ", "**", "](http"} {
		if strings.Contains(text, marker) {
			return "markdown"
		}
	}
	if strings.HasPrefix(text, "# ") || strings.HasPrefix(text, "- ") {
		return "markdown"
	}
	return "text"
}

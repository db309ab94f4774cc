package openrouter

// Message is one turn of upstream chat context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestOptions mirrors the per-message request snapshot: retried turns
// pass the values recorded at original send time, not current UI state.
type RequestOptions struct {
	WebSearch       bool
	WebMaxResults   int
	ReasoningEffort string
	AttachmentIDs   []string
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Completion is the upstream result of one exchange, streaming or not.
type Completion struct {
	Text  string
	Usage Usage
	ID    string
	Model string
}

type chatCompletionsRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`

	Plugins   []plugin   `json:"plugins,omitempty"`
	Reasoning *reasoning `json:"reasoning,omitempty"`

	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type plugin struct {
	ID         string `json:"id"`
	MaxResults int    `json:"max_results,omitempty"`
}

type reasoning struct {
	Effort string `json:"effort"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionsResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type chatCompletionsChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

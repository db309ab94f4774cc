package chatclient

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SendOptions is the set of request options a user can toggle before
// sending a turn. The values in effect at send time are stamped onto the
// user message and reused verbatim on retry.
type SendOptions struct {
	WebSearch       bool
	WebMaxResults   int
	ReasoningEffort string
	AttachmentIDs   []string
}

// Settings carries the mutable UI state consulted at send time. Only the
// snapshot taken from it at that instant matters afterward.
type Settings struct {
	Streaming bool
	Model     string
}

// Message is a single chat bubble. The ID is generated client-side before
// the network round trip and never changes across retries, so server
// persistence can upsert in place.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	InputTokens  *int64 `json:"input_tokens,omitempty"`
	OutputTokens *int64 `json:"output_tokens,omitempty"`
	TotalTokens  *int64 `json:"total_tokens,omitempty"`

	Error        bool   `json:"error,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Snapshot fields, written once at construction. The store restores
	// them after every update callback so later settings changes cannot
	// leak into an old turn.
	WasStreaming             bool       `json:"was_streaming"`
	RequestedWebSearch       *bool      `json:"requested_web_search,omitempty"`
	RequestedWebMaxResults   *int       `json:"requested_web_max_results,omitempty"`
	RequestedReasoningEffort string     `json:"requested_reasoning_effort,omitempty"`
	AttachmentIDs            []string   `json:"attachment_ids,omitempty"`
	UserMessageID            *uuid.UUID `json:"user_message_id,omitempty"`
}

// NewUserMessage builds a user message with the streaming mode and request
// options in effect at the moment of sending stamped on. This is the only
// place the snapshot fields are assigned.
func NewUserMessage(content string, settings Settings, opts SendOptions) Message {
	msg := Message{
		ID:           uuid.New(),
		Role:         RoleUser,
		Content:      content,
		Model:        settings.Model,
		Timestamp:    time.Now().UTC(),
		WasStreaming: settings.Streaming,
	}
	if opts.WebSearch {
		t := true
		msg.RequestedWebSearch = &t
		if opts.WebMaxResults > 0 {
			n := opts.WebMaxResults
			msg.RequestedWebMaxResults = &n
		}
	}
	msg.RequestedReasoningEffort = opts.ReasoningEffort
	if len(opts.AttachmentIDs) > 0 {
		msg.AttachmentIDs = append([]string(nil), opts.AttachmentIDs...)
	}
	return msg
}

// SnapshotOptions reconstructs the request options stamped on a user
// message. Retry uses this instead of the live Settings.
func (m Message) SnapshotOptions() SendOptions {
	opts := SendOptions{ReasoningEffort: m.RequestedReasoningEffort}
	if m.RequestedWebSearch != nil && *m.RequestedWebSearch {
		opts.WebSearch = true
		if m.RequestedWebMaxResults != nil {
			opts.WebMaxResults = *m.RequestedWebMaxResults
		}
	}
	if len(m.AttachmentIDs) > 0 {
		opts.AttachmentIDs = append([]string(nil), m.AttachmentIDs...)
	}
	return opts
}

// Conversation is the client-side view of a chat session plus its
// messages and cached aggregates.
type Conversation struct {
	ID       uuid.UUID  `json:"id"`
	Title    string     `json:"title"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	Messages []Message  `json:"messages"`

	MessageCount  int        `json:"message_count"`
	TotalTokens   int64      `json:"total_tokens"`
	LastModel     string     `json:"last_model,omitempty"`
	LastPreview   string     `json:"last_preview,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Active marks the conversation currently shown. At most one is
	// active; which one is the UI's call, the store only records it.
	Active bool `json:"-"`

	// Unsynced marks a local delta that a direct persistence call failed
	// to flush. The next bulk sync clears it.
	Unsynced bool `json:"-"`
}

// Usage is the token accounting reported for a completed exchange.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ContextMessage is the wire form of a prior message sent as model context.
type ContextMessage struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletionRequest is the payload for the chat completion endpoint.
type CompletionRequest struct {
	Messages        []ContextMessage `json:"messages"`
	Model           string           `json:"model,omitempty"`
	MessageID       uuid.UUID        `json:"message_id"`
	Stream          bool             `json:"stream,omitempty"`
	WebSearch       bool             `json:"web_search,omitempty"`
	WebMaxResults   int              `json:"web_max_results,omitempty"`
	ReasoningEffort string           `json:"reasoning_effort,omitempty"`
	AttachmentIDs   []string         `json:"attachment_ids,omitempty"`
}

// CompletionResult is the outcome of an exchange, whether it arrived as a
// single JSON body or as a trailing metadata record on a stream.
type CompletionResult struct {
	Response     string    `json:"response"`
	Usage        Usage     `json:"usage"`
	RequestID    uuid.UUID `json:"request_id"`
	CompletionID string    `json:"completion_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	ContentType  string    `json:"content_type,omitempty"`
}

// SyncResult reports the outcome of a bulk conversation sync. Failed
// session IDs come back as strings because the server also uses the slot
// for payloads it could not attribute to a session at all.
type SyncResult struct {
	SessionsUpserted int      `json:"sessions_upserted"`
	MessagesUpserted int      `json:"messages_upserted"`
	FailedSessions   []string `json:"failed_sessions,omitempty"`
}

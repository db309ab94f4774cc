package chatclient

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	titleMaxLen   = 50
	previewMaxLen = 120
)

// Store holds all client-side conversation state. Mutations replace whole
// conversation values under the lock, so readers always get a consistent
// copy and never observe a half-applied update.
type Store struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*Conversation
}

func NewStore() *Store {
	return &Store{conversations: make(map[uuid.UUID]*Conversation)}
}

// CreateConversation registers a new conversation with a client-generated
// ID. An empty title is derived later from the first user message.
func (s *Store) CreateConversation(title string) Conversation {
	now := time.Now().UTC()
	conv := Conversation{
		ID:        uuid.New(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.conversations[conv.ID] = &conv
	s.mu.Unlock()
	return conv
}

// Get returns a deep copy of the conversation.
func (s *Store) Get(id uuid.UUID) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(conv), true
}

// List returns copies of every conversation, most recently updated first.
func (s *Store) List() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, copyConversation(conv))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// AppendMessage adds a message and refreshes the cached aggregates. When
// the conversation still has no title, the first user message supplies one.
func (s *Store) AppendMessage(convID uuid.UUID, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[convID]
	if !ok {
		return ErrConversationNotFound
	}
	next := copyConversation(conv)
	next.Messages = append(next.Messages, msg)
	if next.Title == "" && msg.Role == RoleUser {
		next.Title = DeriveTitle(msg.Content)
	}
	finalize(&next)
	s.conversations[convID] = &next
	return nil
}

// UpdateMessage applies fn to a copy of the message and swaps the result
// in. Identity and the send-time snapshot survive regardless of what fn
// does to them.
func (s *Store) UpdateMessage(convID, msgID uuid.UUID, fn func(*Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[convID]
	if !ok {
		return ErrConversationNotFound
	}
	next := copyConversation(conv)
	idx := -1
	for i := range next.Messages {
		if next.Messages[i].ID == msgID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrMessageNotFound
	}
	before := next.Messages[idx]
	updated := before
	fn(&updated)
	restoreImmutable(&updated, before)
	next.Messages[idx] = updated
	finalize(&next)
	s.conversations[convID] = &next
	return nil
}

// RemoveMessage drops a message and refreshes the aggregates. Used to
// discard the assistant draft of a failed streaming turn so it never
// shows as an empty bubble or leaks into later request context.
func (s *Store) RemoveMessage(convID, msgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[convID]
	if !ok {
		return ErrConversationNotFound
	}
	next := copyConversation(conv)
	kept := next.Messages[:0]
	found := false
	for _, msg := range next.Messages {
		if msg.ID == msgID {
			found = true
			continue
		}
		kept = append(kept, msg)
	}
	if !found {
		return ErrMessageNotFound
	}
	next.Messages = kept
	finalize(&next)
	s.conversations[convID] = &next
	return nil
}

// GetMessage returns a copy of a single message.
func (s *Store) GetMessage(convID, msgID uuid.UUID) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[convID]
	if !ok {
		return Message{}, false
	}
	for _, msg := range conv.Messages {
		if msg.ID == msgID {
			return copyMessage(msg), true
		}
	}
	return Message{}, false
}

// MessagesChronological returns the conversation's messages ordered by
// timestamp. Retried messages move to the end because retry refreshes
// their timestamp.
func (s *Store) MessagesChronological(convID uuid.UUID) ([]Message, error) {
	s.mu.Lock()
	conv, ok := s.conversations[convID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	msgs := make([]Message, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		msgs = append(msgs, copyMessage(msg))
	}
	s.mu.Unlock()
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// SetTitle renames a conversation, leaving a local delta for sync.
func (s *Store) SetTitle(convID uuid.UUID, title string) error {
	return s.mutate(convID, func(conv *Conversation) {
		conv.Title = title
		conv.Unsynced = true
	})
}

// SetUserID stamps the owning user onto a conversation, used when an
// anonymous session signs in and its history should migrate.
func (s *Store) SetUserID(convID uuid.UUID, userID *uuid.UUID) error {
	return s.mutate(convID, func(conv *Conversation) {
		conv.UserID = userID
		conv.Unsynced = true
	})
}

// SetActive makes one conversation the active one, deactivating the rest.
func (s *Store) SetActive(convID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[convID]; !ok {
		return ErrConversationNotFound
	}
	for id, conv := range s.conversations {
		if conv.Active == (id == convID) {
			continue
		}
		next := copyConversation(conv)
		next.Active = id == convID
		s.conversations[id] = &next
	}
	return nil
}

// MarkUnsynced flags or clears a pending persistence delta.
func (s *Store) MarkUnsynced(convID uuid.UUID, unsynced bool) error {
	return s.mutate(convID, func(conv *Conversation) {
		conv.Unsynced = unsynced
	})
}

func (s *Store) mutate(convID uuid.UUID, fn func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[convID]
	if !ok {
		return ErrConversationNotFound
	}
	next := copyConversation(conv)
	fn(&next)
	next.UpdatedAt = time.Now().UTC()
	s.conversations[convID] = &next
	return nil
}

// finalize recomputes the cached aggregates from the message list. Tokens
// attached to failed messages never count toward the conversation total.
func finalize(conv *Conversation) {
	sort.SliceStable(conv.Messages, func(i, j int) bool {
		return conv.Messages[i].Timestamp.Before(conv.Messages[j].Timestamp)
	})
	conv.MessageCount = len(conv.Messages)
	conv.TotalTokens = 0
	conv.LastModel = ""
	conv.LastPreview = ""
	conv.LastMessageAt = nil
	for i := range conv.Messages {
		msg := &conv.Messages[i]
		if !msg.Error && msg.TotalTokens != nil {
			conv.TotalTokens += *msg.TotalTokens
		}
	}
	if n := len(conv.Messages); n > 0 {
		last := conv.Messages[n-1]
		conv.LastModel = last.Model
		conv.LastPreview = previewOf(last.Content)
		ts := last.Timestamp
		conv.LastMessageAt = &ts
	}
	conv.UpdatedAt = time.Now().UTC()
}

// restoreImmutable puts back the fields an update callback must not touch:
// the message identity, role, and the send-time snapshot.
func restoreImmutable(updated *Message, before Message) {
	updated.ID = before.ID
	updated.Role = before.Role
	updated.WasStreaming = before.WasStreaming
	updated.RequestedWebSearch = before.RequestedWebSearch
	updated.RequestedWebMaxResults = before.RequestedWebMaxResults
	updated.RequestedReasoningEffort = before.RequestedReasoningEffort
	updated.AttachmentIDs = before.AttachmentIDs
}

func copyConversation(conv *Conversation) Conversation {
	out := *conv
	out.Messages = make([]Message, len(conv.Messages))
	for i, msg := range conv.Messages {
		out.Messages[i] = copyMessage(msg)
	}
	return out
}

func copyMessage(msg Message) Message {
	out := msg
	out.InputTokens = copyInt64(msg.InputTokens)
	out.OutputTokens = copyInt64(msg.OutputTokens)
	out.TotalTokens = copyInt64(msg.TotalTokens)
	if msg.RequestedWebSearch != nil {
		v := *msg.RequestedWebSearch
		out.RequestedWebSearch = &v
	}
	if msg.RequestedWebMaxResults != nil {
		v := *msg.RequestedWebMaxResults
		out.RequestedWebMaxResults = &v
	}
	if msg.UserMessageID != nil {
		v := *msg.UserMessageID
		out.UserMessageID = &v
	}
	if msg.AttachmentIDs != nil {
		out.AttachmentIDs = append([]string(nil), msg.AttachmentIDs...)
	}
	return out
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// DeriveTitle collapses whitespace in the first user message and caps it
// for display.
func DeriveTitle(content string) string {
	fields := strings.FieldsFunc(content, unicode.IsSpace)
	collapsed := strings.Join(fields, " ")
	runes := []rune(collapsed)
	if len(runes) <= titleMaxLen {
		return collapsed
	}
	return string(runes[:titleMaxLen]) + "..."
}

func previewOf(content string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) <= previewMaxLen {
		return string(runes)
	}
	return string(runes[:previewMaxLen])
}

package chatclient

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func int64Ptr(v int64) *int64 { return &v }

func TestAppendDerivesTitleFromFirstUserMessage(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("")

	msg := NewUserMessage("  How do\n\ntransformers   work?  ", Settings{}, SendOptions{})
	if err := store.AppendMessage(conv.ID, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	got, _ := store.Get(conv.ID)
	if got.Title != "How do transformers work?" {
		t.Errorf("title = %q", got.Title)
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"short", "hello", "hello"},
		{"collapses whitespace", "a  b\t\nc", "a b c"},
		{"caps long input", strings.Repeat("x", 80), strings.Repeat("x", 50) + "..."},
		{"exactly at cap", strings.Repeat("y", 50), strings.Repeat("y", 50)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveTitle(tc.content); got != tc.want {
				t.Errorf("DeriveTitle(%q) = %q, want %q", tc.content, got, tc.want)
			}
		})
	}
}

func TestAggregatesExcludeFailedMessageTokens(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("t")

	ok := NewUserMessage("good", Settings{}, SendOptions{})
	ok.TotalTokens = int64Ptr(30)
	bad := NewUserMessage("bad", Settings{}, SendOptions{})
	bad.Error = true
	bad.TotalTokens = int64Ptr(99)

	store.AppendMessage(conv.ID, ok)
	store.AppendMessage(conv.ID, bad)

	got, _ := store.Get(conv.ID)
	if got.TotalTokens != 30 {
		t.Errorf("total tokens = %d, want 30", got.TotalTokens)
	}
	if got.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", got.MessageCount)
	}
}

func TestUpdateMessagePreservesIdentityAndSnapshot(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("t")

	msg := NewUserMessage("q", Settings{Streaming: true}, SendOptions{WebSearch: true, WebMaxResults: 3})
	store.AppendMessage(conv.ID, msg)

	err := store.UpdateMessage(conv.ID, msg.ID, func(u *Message) {
		u.ID = uuid.New()
		u.Role = RoleAssistant
		u.WasStreaming = false
		u.RequestedWebSearch = nil
		u.RequestedWebMaxResults = nil
		u.Content = "edited"
	})
	if err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}

	got, ok := store.GetMessage(conv.ID, msg.ID)
	if !ok {
		t.Fatal("message lost its ID")
	}
	if got.Content != "edited" {
		t.Errorf("mutable field not updated: %q", got.Content)
	}
	if got.Role != RoleUser {
		t.Errorf("role changed to %q", got.Role)
	}
	if !got.WasStreaming {
		t.Error("streaming snapshot overwritten")
	}
	if got.RequestedWebSearch == nil || !*got.RequestedWebSearch {
		t.Error("web search snapshot overwritten")
	}
	if got.RequestedWebMaxResults == nil || *got.RequestedWebMaxResults != 3 {
		t.Error("web max results snapshot overwritten")
	}
}

func TestChronologicalOrderFollowsRetriedTimestamp(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("t")

	base := time.Now().UTC().Add(-time.Hour)
	first := NewUserMessage("first", Settings{}, SendOptions{})
	first.Timestamp = base
	second := NewUserMessage("second", Settings{}, SendOptions{})
	second.Timestamp = base.Add(time.Minute)
	store.AppendMessage(conv.ID, first)
	store.AppendMessage(conv.ID, second)

	// Retry moves the first message's timestamp past the second.
	store.UpdateMessage(conv.ID, first.ID, func(u *Message) {
		u.Timestamp = base.Add(2 * time.Minute)
	})

	msgs, err := store.MessagesChronological(conv.ID)
	if err != nil {
		t.Fatalf("MessagesChronological: %v", err)
	}
	if msgs[len(msgs)-1].ID != first.ID {
		t.Errorf("retried message not last: %v", msgs)
	}
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("t")
	msg := NewUserMessage("q", Settings{}, SendOptions{})
	msg.TotalTokens = int64Ptr(10)
	store.AppendMessage(conv.ID, msg)

	copy1, _ := store.Get(conv.ID)
	copy1.Messages[0].Content = "mutated"
	*copy1.Messages[0].TotalTokens = 999
	copy1.Title = "mutated"

	fresh, _ := store.Get(conv.ID)
	if fresh.Messages[0].Content != "q" || fresh.Title != "t" {
		t.Error("store state mutated through a returned copy")
	}
	if *fresh.Messages[0].TotalTokens != 10 {
		t.Error("token pointer shared with returned copy")
	}
}

func TestSetTitleFlagsUnsynced(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("old")

	if err := store.SetTitle(conv.ID, "new title"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	got, _ := store.Get(conv.ID)
	if got.Title != "new title" {
		t.Errorf("title = %q", got.Title)
	}
	if !got.Unsynced {
		t.Error("rename left no sync delta")
	}
}

func TestSetActiveDeactivatesOthers(t *testing.T) {
	store := NewStore()
	a := store.CreateConversation("a")
	b := store.CreateConversation("b")

	if err := store.SetActive(a.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := store.SetActive(b.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	gotA, _ := store.Get(a.ID)
	gotB, _ := store.Get(b.ID)
	if gotA.Active {
		t.Error("previous conversation still active")
	}
	if !gotB.Active {
		t.Error("new conversation not active")
	}
	if err := store.SetActive(uuid.New()); err == nil {
		t.Error("SetActive of unknown conversation succeeded")
	}
}

func TestLastPreviewAndModelTrackNewestMessage(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("t")

	user := NewUserMessage("question", Settings{Model: "model-a"}, SendOptions{})
	store.AppendMessage(conv.ID, user)

	reply := Message{
		ID:        uuid.New(),
		Role:      RoleAssistant,
		Content:   strings.Repeat("z", 200),
		Model:     "model-b",
		Timestamp: user.Timestamp.Add(time.Second),
	}
	store.AppendMessage(conv.ID, reply)

	got, _ := store.Get(conv.ID)
	if got.LastModel != "model-b" {
		t.Errorf("last model = %q", got.LastModel)
	}
	if len(got.LastPreview) != previewMaxLen {
		t.Errorf("preview length = %d, want %d", len(got.LastPreview), previewMaxLen)
	}
	if got.LastMessageAt == nil || !got.LastMessageAt.Equal(reply.Timestamp) {
		t.Errorf("last message at = %v", got.LastMessageAt)
	}
}

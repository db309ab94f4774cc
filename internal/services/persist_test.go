package services

import (
	"strings"
	"testing"
	"time"

	types "github.com/yungbote/chatsync-backend/internal/domain"
)

func int64Ptr(v int64) *int64 { return &v }

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty falls back", "", "New chat"},
		{"whitespace only", "   \n\t ", "New chat"},
		{"short stays", "How do I sort a slice?", "How do I sort a slice?"},
		{"collapses whitespace", "a   b\n\nc", "a b c"},
		{"caps at fifty runes", strings.Repeat("x", 60), strings.Repeat("x", 50) + "..."},
		{"exactly fifty", strings.Repeat("y", 50), strings.Repeat("y", 50)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveTitle(tc.content); got != tc.want {
				t.Errorf("DeriveTitle = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSanitizeForStorageFailedMessage(t *testing.T) {
	msg := &types.ChatMessage{
		Role:         types.RoleUser,
		Content:      "q",
		Timestamp:    time.Now().UTC(),
		Error:        true,
		InputTokens:  int64Ptr(10),
		OutputTokens: int64Ptr(5),
		TotalTokens:  int64Ptr(15),
	}
	sanitizeForStorage(msg)

	if msg.InputTokens != nil || msg.OutputTokens != nil || msg.TotalTokens != nil {
		t.Error("failed message kept token counts")
	}
	if msg.ErrorMessage == "" {
		t.Error("failed message has no error_message")
	}
}

func TestSanitizeForStorageSuccessfulMessage(t *testing.T) {
	msg := &types.ChatMessage{
		Role:         types.RoleAssistant,
		Content:      "a",
		TotalTokens:  int64Ptr(20),
		ErrorMessage: "stale failure text",
	}
	sanitizeForStorage(msg)

	if msg.ErrorMessage != "" {
		t.Error("successful message kept stale error_message")
	}
	if msg.TotalTokens == nil || *msg.TotalTokens != 20 {
		t.Error("successful message lost its tokens")
	}
	if msg.Timestamp.IsZero() {
		t.Error("zero timestamp not defaulted")
	}
}

func TestFirstUserContentSkipsAssistantAndBlank(t *testing.T) {
	msgs := []*types.ChatMessage{
		{Role: types.RoleAssistant, Content: "reply"},
		{Role: types.RoleUser, Content: "   "},
		{Role: types.RoleUser, Content: "the real question"},
	}
	if got := firstUserContent(msgs); got != "the real question" {
		t.Errorf("firstUserContent = %q", got)
	}
	if got := firstUserContent(nil); got != "" {
		t.Errorf("firstUserContent(nil) = %q", got)
	}
}

package chatclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

type fakeTransport struct {
	mu        sync.Mutex
	requests  []CompletionRequest
	persisted [][]Message
	syncCalls int

	completeErr error
	result      *CompletionResult
	persistErr  error
	syncErr     error
	block       chan struct{}
}

func (f *fakeTransport) exchange(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block := f.block
	completeErr := f.completeErr
	result := f.result
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if completeErr != nil {
		return nil, completeErr
	}
	if result == nil {
		return &CompletionResult{
			Response:  "the answer",
			Usage:     Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
			RequestID: req.MessageID,
			Model:     req.Model,
		}, nil
	}
	out := *result
	if out.RequestID == uuid.Nil {
		out.RequestID = req.MessageID
	}
	return &out, nil
}

func (f *fakeTransport) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	return f.exchange(ctx, req)
}

func (f *fakeTransport) StreamComplete(ctx context.Context, req CompletionRequest, onContent func(string)) (*CompletionResult, error) {
	result, err := f.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if onContent != nil && result.Response != "" {
		onContent(result.Response)
	}
	return result, nil
}

func (f *fakeTransport) PersistMessages(ctx context.Context, sessionID uuid.UUID, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	f.persisted = append(f.persisted, msgs)
	return nil
}

func (f *fakeTransport) SyncConversations(ctx context.Context, convs []Conversation) (*SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &SyncResult{SessionsUpserted: len(convs)}, nil
}

func (f *fakeTransport) lastRequest(tb testing.TB) CompletionRequest {
	tb.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		tb.Fatal("no requests captured")
	}
	return f.requests[len(f.requests)-1]
}

func newTestMachine(tb testing.TB, transport Transport) (*TurnMachine, *Store, *BannerManager) {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("logger.New: %v", err)
	}
	store := NewStore()
	banners := NewBannerManager()
	coordinator := NewSyncCoordinator(log, CoordinatorConfig{
		MinInterval:      time.Millisecond,
		PeriodicInterval: time.Hour,
	})
	return NewTurnMachine(log, store, banners, transport, coordinator), store, banners
}

func TestSendCreatesConversationAndAppendsReply(t *testing.T) {
	transport := &fakeTransport{}
	machine, store, _ := newTestMachine(t, transport)

	msg, err := machine.Send(context.Background(), uuid.Nil, "hello there", Settings{Model: "test-model"}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	convs := store.List()
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	conv := convs[0]
	if conv.Title != "hello there" {
		t.Errorf("title = %q, want %q", conv.Title, "hello there")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(conv.Messages))
	}
	if conv.Messages[0].ID != msg.ID {
		t.Errorf("user message id changed: %s != %s", conv.Messages[0].ID, msg.ID)
	}
	reply := conv.Messages[1]
	if reply.Role != RoleAssistant || reply.Content != "the answer" {
		t.Errorf("unexpected reply: role=%q content=%q", reply.Role, reply.Content)
	}
	if reply.TotalTokens == nil || *reply.TotalTokens != 20 {
		t.Errorf("reply total tokens = %v, want 20", reply.TotalTokens)
	}
	if reply.UserMessageID == nil || *reply.UserMessageID != msg.ID {
		t.Errorf("reply not linked to user message")
	}
	if conv.TotalTokens != 20 {
		t.Errorf("conversation total tokens = %d, want 20", conv.TotalTokens)
	}
}

func TestRetryKeepsIDAndSnapshot(t *testing.T) {
	transport := &fakeTransport{completeErr: &HTTPError{StatusCode: 500, Message: "upstream exploded"}}
	machine, store, banners := newTestMachine(t, transport)

	settings := Settings{Streaming: true, Model: "model-a"}
	opts := SendOptions{WebSearch: true, WebMaxResults: 5, ReasoningEffort: "high"}
	msg, err := machine.Send(context.Background(), uuid.Nil, "flaky question", settings, opts)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := store.List()[0].ID

	failed, _ := store.GetMessage(convID, msg.ID)
	if !failed.Error {
		t.Fatal("message not marked failed after upstream error")
	}
	if _, ok := banners.Get(convID); !ok {
		t.Fatal("no banner after failure")
	}

	// The user flips streaming off and changes options before retrying.
	// None of that may reach the wire: retry replays the send-time
	// snapshot.
	transport.mu.Lock()
	transport.completeErr = nil
	transport.mu.Unlock()

	if err := machine.Retry(context.Background(), convID, msg.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	req := transport.lastRequest(t)
	if req.MessageID != msg.ID {
		t.Errorf("retry message id = %s, want %s", req.MessageID, msg.ID)
	}
	if !req.Stream {
		t.Error("retry dropped the streaming snapshot")
	}
	if !req.WebSearch || req.WebMaxResults != 5 || req.ReasoningEffort != "high" {
		t.Errorf("retry options = %+v, want original snapshot", req)
	}
	if req.Model != "model-a" {
		t.Errorf("retry model = %q, want model-a", req.Model)
	}

	recovered, _ := store.GetMessage(convID, msg.ID)
	if recovered.Error {
		t.Error("message still failed after successful retry")
	}
	if _, ok := banners.Get(convID); ok {
		t.Error("banner survived successful retry")
	}

	// Still exactly one user bubble and one reply.
	conv, _ := store.Get(convID)
	users, assistants := 0, 0
	for _, m := range conv.Messages {
		switch m.Role {
		case RoleUser:
			users++
		case RoleAssistant:
			assistants++
		}
	}
	if users != 1 || assistants != 1 {
		t.Errorf("bubbles = %d user / %d assistant, want 1/1", users, assistants)
	}
}

func TestRetryExcludesTargetFromHistory(t *testing.T) {
	transport := &fakeTransport{}
	machine, store, _ := newTestMachine(t, transport)

	first, err := machine.Send(context.Background(), uuid.Nil, "first question", Settings{Model: "m"}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := store.List()[0].ID

	transport.mu.Lock()
	transport.completeErr = &HTTPError{StatusCode: 502, Message: "bad gateway"}
	transport.mu.Unlock()
	second, err := machine.Send(context.Background(), convID, "second question", Settings{Model: "m"}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	transport.mu.Lock()
	transport.completeErr = nil
	transport.mu.Unlock()
	if err := machine.Retry(context.Background(), convID, second.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	req := transport.lastRequest(t)
	if n := len(req.Messages); n == 0 {
		t.Fatal("empty context")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.ID != second.ID {
		t.Errorf("current turn not last in context: got %s", last.ID)
	}
	seen := map[uuid.UUID]int{}
	for _, cm := range req.Messages {
		seen[cm.ID]++
	}
	if seen[second.ID] != 1 {
		t.Errorf("retried message appears %d times in context, want 1", seen[second.ID])
	}
	if seen[first.ID] != 1 {
		t.Errorf("prior turn missing from context")
	}
}

func TestConcurrentRetryIsDropped(t *testing.T) {
	block := make(chan struct{})
	transport := &fakeTransport{completeErr: &HTTPError{StatusCode: 500, Message: "boom"}}
	machine, store, _ := newTestMachine(t, transport)

	msg, err := machine.Send(context.Background(), uuid.Nil, "q", Settings{}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := store.List()[0].ID

	transport.mu.Lock()
	transport.completeErr = nil
	transport.block = block
	transport.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- machine.Retry(context.Background(), convID, msg.ID) }()

	// Wait until the first retry reaches the transport.
	deadline := time.After(2 * time.Second)
	for {
		transport.mu.Lock()
		n := len(transport.requests)
		transport.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first retry never reached transport")
		case <-time.After(time.Millisecond):
		}
	}

	if err := machine.Retry(context.Background(), convID, msg.ID); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("second retry error = %v, want ErrTurnInFlight", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first retry: %v", err)
	}
}

func TestRateLimitBannerCarriesGuidance(t *testing.T) {
	transport := &fakeTransport{completeErr: &HTTPError{
		StatusCode:  http.StatusTooManyRequests,
		Message:     "rate limit exceeded",
		RetryAfter:  17,
		Suggestions: []string{"wait before retrying", "switch to a less busy model"},
	}}
	machine, store, banners := newTestMachine(t, transport)

	msg, err := machine.Send(context.Background(), uuid.Nil, "q", Settings{}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := store.List()[0].ID

	banner, ok := banners.Get(convID)
	if !ok {
		t.Fatal("no banner")
	}
	if banner.MessageID != msg.ID {
		t.Errorf("banner message id = %s, want %s", banner.MessageID, msg.ID)
	}
	if banner.RetryAfter != 17 {
		t.Errorf("retry_after = %d, want 17", banner.RetryAfter)
	}
	if len(banner.Suggestions) != 2 {
		t.Errorf("suggestions = %v", banner.Suggestions)
	}
	if banner.Code != "rate_limited" {
		t.Errorf("code = %q, want rate_limited", banner.Code)
	}
}

func TestFailureClearsTokens(t *testing.T) {
	transport := &fakeTransport{completeErr: &HTTPError{StatusCode: 500, Message: "boom"}}
	machine, store, _ := newTestMachine(t, transport)

	msg, err := machine.Send(context.Background(), uuid.Nil, "q", Settings{}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := store.List()[0].ID

	failed, _ := store.GetMessage(convID, msg.ID)
	if failed.InputTokens != nil || failed.OutputTokens != nil || failed.TotalTokens != nil {
		t.Error("failed message kept token counts")
	}
	conv, _ := store.Get(convID)
	if conv.TotalTokens != 0 {
		t.Errorf("conversation tokens = %d, want 0", conv.TotalTokens)
	}
}

func TestCancelSettlesAsRetryableFailure(t *testing.T) {
	block := make(chan struct{})
	transport := &fakeTransport{block: block}
	machine, store, banners := newTestMachine(t, transport)

	conv := store.CreateConversation("")
	done := make(chan Message, 1)
	go func() {
		msg, _ := machine.Send(context.Background(), conv.ID, "slow one", Settings{}, SendOptions{})
		done <- msg
	}()

	deadline := time.After(2 * time.Second)
	var msgID uuid.UUID
	for msgID == uuid.Nil {
		transport.mu.Lock()
		if len(transport.requests) > 0 {
			msgID = transport.requests[0].MessageID
		}
		transport.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("send never reached transport")
		case <-time.After(time.Millisecond):
		}
	}

	if !machine.Cancel(msgID) {
		t.Fatal("Cancel found nothing in flight")
	}
	msg := <-done

	settled, _ := store.GetMessage(conv.ID, msg.ID)
	if !settled.Error {
		t.Fatal("cancelled turn not marked failed")
	}
	banner, ok := banners.Get(conv.ID)
	if !ok || banner.Code != "cancelled" {
		t.Errorf("banner = %+v, want cancelled code", banner)
	}

	// Cancellation must leave the turn retryable.
	transport.mu.Lock()
	transport.block = nil
	transport.mu.Unlock()
	if err := machine.Retry(context.Background(), conv.ID, msg.ID); err != nil {
		t.Fatalf("Retry after cancel: %v", err)
	}
}

func TestDismissedBannerClosesRetry(t *testing.T) {
	transport := &fakeTransport{completeErr: &HTTPError{StatusCode: 500, Message: "boom"}}
	machine, store, banners := newTestMachine(t, transport)

	msg, err := machine.Send(context.Background(), uuid.Nil, "q", Settings{}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := store.List()[0].ID

	banners.Dismiss(convID)
	if err := machine.Retry(context.Background(), convID, msg.ID); !errors.Is(err, ErrBannerDismissed) {
		t.Errorf("Retry after dismiss = %v, want ErrBannerDismissed", err)
	}
}

func TestPersistFailureFlagsConversationForSync(t *testing.T) {
	transport := &fakeTransport{persistErr: errors.New("backend down")}
	machine, store, _ := newTestMachine(t, transport)

	if _, err := machine.Send(context.Background(), uuid.Nil, "q", Settings{}, SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conv := store.List()[0]
	if !conv.Unsynced {
		t.Fatal("conversation not flagged unsynced after persist failure")
	}

	transport.mu.Lock()
	transport.persistErr = nil
	transport.mu.Unlock()
	if !machine.TrySync(context.Background()) {
		t.Fatal("sync suppressed unexpectedly")
	}
	conv = store.List()[0]
	if conv.Unsynced {
		t.Error("unsynced flag survived successful sync")
	}
}

func TestFailedStreamingSendLeavesNoAssistantDraft(t *testing.T) {
	transport := &fakeTransport{completeErr: &HTTPError{StatusCode: 502, Message: "bad gateway"}}
	machine, store, _ := newTestMachine(t, transport)

	msg, err := machine.Send(context.Background(), uuid.Nil, "doomed question", Settings{Streaming: true}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := store.List()[0].ID

	conv, _ := store.Get(convID)
	if len(conv.Messages) != 1 {
		t.Fatalf("messages after failed streaming send = %d, want just the user message", len(conv.Messages))
	}
	if conv.Messages[0].ID != msg.ID {
		t.Fatal("surviving message is not the failed user message")
	}
	if conv.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", conv.MessageCount)
	}

	// A later healthy turn must not ship the failed turn's remnants as
	// history, least of all an empty assistant bubble.
	transport.mu.Lock()
	transport.completeErr = nil
	transport.mu.Unlock()
	if _, err := machine.Send(context.Background(), convID, "healthy question", Settings{}, SendOptions{}); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	req := transport.lastRequest(t)
	for _, cm := range req.Messages {
		if cm.Role == RoleAssistant && cm.Content == "" {
			t.Error("empty assistant message shipped as history")
		}
		if cm.ID == msg.ID {
			t.Error("failed user message shipped as history")
		}
	}
}

func TestEarlierReplyTokensSurviveLaterTurns(t *testing.T) {
	transport := &fakeTransport{result: &CompletionResult{
		Response: "first answer",
		Usage:    Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	}}
	machine, store, _ := newTestMachine(t, transport)

	first, err := machine.Send(context.Background(), uuid.Nil, "first question", Settings{}, SendOptions{})
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	convID := store.List()[0].ID

	conv, _ := store.Get(convID)
	var firstReplyID uuid.UUID
	for _, msg := range conv.Messages {
		if msg.Role == RoleAssistant && msg.UserMessageID != nil && *msg.UserMessageID == first.ID {
			firstReplyID = msg.ID
		}
	}
	if firstReplyID == uuid.Nil {
		t.Fatal("no reply to the first turn")
	}

	transport.mu.Lock()
	transport.result = &CompletionResult{
		Response: "second answer",
		Usage:    Usage{PromptTokens: 70, CompletionTokens: 30, TotalTokens: 100},
	}
	transport.mu.Unlock()
	if _, err := machine.Send(context.Background(), convID, "second question", Settings{}, SendOptions{}); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	// The second turn settles its own reply; the first reply's token
	// counts stay exactly as written at its creation.
	reply, ok := store.GetMessage(convID, firstReplyID)
	if !ok {
		t.Fatal("first reply vanished")
	}
	if reply.InputTokens == nil || *reply.InputTokens != 7 {
		t.Errorf("first reply input tokens = %v, want 7", reply.InputTokens)
	}
	if reply.OutputTokens == nil || *reply.OutputTokens != 3 {
		t.Errorf("first reply output tokens = %v, want 3", reply.OutputTokens)
	}
	if reply.TotalTokens == nil || *reply.TotalTokens != 10 {
		t.Errorf("first reply total tokens = %v, want 10", reply.TotalTokens)
	}
	if reply.Content != "first answer" {
		t.Errorf("first reply content = %q", reply.Content)
	}
}

func TestRetryOfHealthyMessageRejected(t *testing.T) {
	transport := &fakeTransport{}
	machine, store, _ := newTestMachine(t, transport)

	msg, err := machine.Send(context.Background(), uuid.Nil, "q", Settings{}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := store.List()[0].ID

	if err := machine.Retry(context.Background(), convID, msg.ID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Retry of healthy message = %v, want ErrNotFailed", err)
	}
}

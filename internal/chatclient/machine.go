package chatclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

// TurnMachine drives the send/retry lifecycle of a conversation turn: it
// appends the user message, runs the exchange against the backend,
// records the outcome locally, raises or clears the error banner, and
// persists finished turns.
//
// Exchange failures never escape as errors; they land in the message
// state and the banner. The error returns on Send and Retry cover only
// caller mistakes such as an unknown conversation or a duplicate trigger.
type TurnMachine struct {
	log         *logger.Logger
	store       *Store
	banners     *BannerManager
	transport   Transport
	coordinator *SyncCoordinator

	mu       sync.Mutex
	inFlight map[uuid.UUID]context.CancelFunc
}

func NewTurnMachine(log *logger.Logger, store *Store, banners *BannerManager, transport Transport, coordinator *SyncCoordinator) *TurnMachine {
	return &TurnMachine{
		log:         log.With("component", "turn_machine"),
		store:       store,
		banners:     banners,
		transport:   transport,
		coordinator: coordinator,
		inFlight:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Send starts a new turn. A zero conversation ID creates a fresh
// conversation titled from the content. The streaming mode and request
// options in effect right now are stamped onto the message; nothing
// after this instant can change how this turn, or its retries, run.
// The call blocks until the exchange settles.
func (m *TurnMachine) Send(ctx context.Context, convID uuid.UUID, content string, settings Settings, opts SendOptions) (Message, error) {
	if convID == uuid.Nil {
		convID = m.store.CreateConversation("").ID
	} else if _, ok := m.store.Get(convID); !ok {
		return Message{}, ErrConversationNotFound
	}

	msg := NewUserMessage(content, settings, opts)
	if err := m.store.AppendMessage(convID, msg); err != nil {
		return Message{}, err
	}
	m.banners.Clear(convID)

	runCtx, err := m.markInFlight(ctx, msg.ID)
	if err != nil {
		return msg, err
	}
	m.runExchange(runCtx, convID, msg.ID)
	return msg, nil
}

// Retry re-runs a failed turn. The message keeps its ID, and the exchange
// uses the mode and options stamped at original send time, not the
// current settings. A second retry while one is running is dropped with
// ErrTurnInFlight, and a turn whose banner was dismissed stays closed.
func (m *TurnMachine) Retry(ctx context.Context, convID, msgID uuid.UUID) error {
	msg, ok := m.store.GetMessage(convID, msgID)
	if !ok {
		if _, convOK := m.store.Get(convID); !convOK {
			return ErrConversationNotFound
		}
		return ErrMessageNotFound
	}
	// In-flight wins over the state check: the running retry has already
	// cleared the error flag, and this trigger is its duplicate.
	m.mu.Lock()
	_, busy := m.inFlight[msgID]
	m.mu.Unlock()
	if busy {
		return ErrTurnInFlight
	}
	if msg.Role != RoleUser || !msg.Error {
		return ErrNotFailed
	}
	if m.banners.IsDismissed(convID, msgID) {
		return ErrBannerDismissed
	}

	runCtx, err := m.markInFlight(ctx, msgID)
	if err != nil {
		return err
	}

	m.banners.Clear(convID)
	if err := m.store.UpdateMessage(convID, msgID, func(u *Message) {
		u.Error = false
		u.ErrorMessage = ""
		u.Timestamp = time.Now().UTC()
	}); err != nil {
		m.clearInFlight(msgID)
		return err
	}

	m.runExchange(runCtx, convID, msgID)
	return nil
}

// Cancel aborts the in-flight exchange for a turn, if any. The turn then
// settles as failed with a cancellation message and stays retryable.
func (m *TurnMachine) Cancel(msgID uuid.UUID) bool {
	m.mu.Lock()
	cancel, ok := m.inFlight[msgID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// TrySync pushes all local conversations through the coordinator gate.
// It returns false when the sync was suppressed as a duplicate.
func (m *TurnMachine) TrySync(ctx context.Context) bool {
	return m.coordinator.RunSync(ctx, m.syncAll)
}

// StartPeriodicSync launches the background safety-net sync loop.
func (m *TurnMachine) StartPeriodicSync(ctx context.Context) {
	m.coordinator.StartPeriodic(ctx, m.syncAll)
}

func (m *TurnMachine) syncAll(ctx context.Context) error {
	convs := m.store.List()
	if len(convs) == 0 {
		return nil
	}
	result, err := m.transport.SyncConversations(ctx, convs)
	if err != nil {
		return err
	}
	failed := make(map[string]struct{}, len(result.FailedSessions))
	for _, id := range result.FailedSessions {
		failed[id] = struct{}{}
	}
	for _, conv := range convs {
		if _, bad := failed[conv.ID.String()]; !bad {
			m.store.MarkUnsynced(conv.ID, false)
		}
	}
	return nil
}

func (m *TurnMachine) markInFlight(ctx context.Context, msgID uuid.UUID) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[msgID]; busy {
		return nil, ErrTurnInFlight
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.inFlight[msgID] = cancel
	return runCtx, nil
}

func (m *TurnMachine) clearInFlight(msgID uuid.UUID) {
	m.mu.Lock()
	if cancel, ok := m.inFlight[msgID]; ok {
		cancel()
		delete(m.inFlight, msgID)
	}
	m.mu.Unlock()
}

// runExchange performs the network round trip for one turn and settles
// the local state either way.
func (m *TurnMachine) runExchange(ctx context.Context, convID, userMsgID uuid.UUID) {
	defer m.clearInFlight(userMsgID)

	userMsg, ok := m.store.GetMessage(convID, userMsgID)
	if !ok {
		m.log.Error("exchange aborted", "reason", "message vanished", "message_id", userMsgID)
		return
	}

	req, assistantID, err := m.buildRequest(convID, userMsg)
	if err != nil {
		m.settleFailure(convID, userMsg, err)
		return
	}

	var result *CompletionResult
	if userMsg.WasStreaming {
		m.ensureAssistant(convID, assistantID, userMsg)
		result, err = m.transport.StreamComplete(ctx, req, func(delta string) {
			m.store.UpdateMessage(convID, assistantID, func(u *Message) {
				u.Content += delta
			})
		})
	} else {
		result, err = m.transport.Complete(ctx, req)
	}
	if err != nil {
		m.dropAssistantDraft(convID, assistantID, userMsg.WasStreaming)
		m.settleFailure(convID, userMsg, err)
		return
	}

	m.settleSuccess(ctx, convID, userMsg, assistantID, result)
}

// buildRequest assembles the model context: every settled, non-failed
// message in chronological order, with the current turn excluded from
// history and appended last. It also resolves the assistant message ID,
// reusing the previous draft on retry so the reply slot stays stable.
func (m *TurnMachine) buildRequest(convID uuid.UUID, userMsg Message) (CompletionRequest, uuid.UUID, error) {
	msgs, err := m.store.MessagesChronological(convID)
	if err != nil {
		return CompletionRequest{}, uuid.Nil, err
	}

	assistantID := uuid.New()
	history := make([]ContextMessage, 0, len(msgs)+1)
	for _, msg := range msgs {
		if msg.ID == userMsg.ID || msg.Error {
			continue
		}
		if msg.UserMessageID != nil && *msg.UserMessageID == userMsg.ID {
			// A reply to this very turn must never be its own history.
			// Reuse the slot so the rewrite lands on the same row.
			assistantID = msg.ID
			continue
		}
		history = append(history, ContextMessage{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		})
	}
	history = append(history, ContextMessage{
		ID:        userMsg.ID,
		Role:      RoleUser,
		Content:   userMsg.Content,
		Timestamp: userMsg.Timestamp,
	})

	opts := userMsg.SnapshotOptions()
	req := CompletionRequest{
		Messages:        history,
		Model:           userMsg.Model,
		MessageID:       userMsg.ID,
		Stream:          userMsg.WasStreaming,
		WebSearch:       opts.WebSearch,
		WebMaxResults:   opts.WebMaxResults,
		ReasoningEffort: opts.ReasoningEffort,
		AttachmentIDs:   opts.AttachmentIDs,
	}
	return req, assistantID, nil
}

// ensureAssistant creates or resets the streaming draft bubble.
func (m *TurnMachine) ensureAssistant(convID, assistantID uuid.UUID, userMsg Message) {
	if _, exists := m.store.GetMessage(convID, assistantID); exists {
		m.store.UpdateMessage(convID, assistantID, func(u *Message) {
			u.Content = ""
			u.Error = false
			u.ErrorMessage = ""
			u.Timestamp = time.Now().UTC()
		})
		return
	}
	userID := userMsg.ID
	m.store.AppendMessage(convID, Message{
		ID:            assistantID,
		Role:          RoleAssistant,
		Model:         userMsg.Model,
		Timestamp:     time.Now().UTC(),
		WasStreaming:  true,
		UserMessageID: &userID,
	})
}

// dropAssistantDraft deletes the streaming draft after a failed exchange.
// A failed turn leaves only its user message behind; keeping the draft
// around would surface an empty bubble, feed blank assistant history into
// later requests, and land an empty row on the next bulk sync. Retry
// mints a fresh draft.
func (m *TurnMachine) dropAssistantDraft(convID, assistantID uuid.UUID, streaming bool) {
	if !streaming {
		return
	}
	m.store.RemoveMessage(convID, assistantID)
}

func (m *TurnMachine) settleSuccess(ctx context.Context, convID uuid.UUID, userMsg Message, assistantID uuid.UUID, result *CompletionResult) {
	if result.RequestID != uuid.Nil && result.RequestID != userMsg.ID {
		m.log.Warn("completion echoed unexpected request id",
			"want", userMsg.ID, "got", result.RequestID)
	}

	model := result.Model
	if model == "" {
		model = userMsg.Model
	}
	input := result.Usage.PromptTokens
	output := result.Usage.CompletionTokens
	total := result.Usage.TotalTokens

	if _, exists := m.store.GetMessage(convID, assistantID); exists {
		m.store.UpdateMessage(convID, assistantID, func(u *Message) {
			if result.Response != "" {
				u.Content = result.Response
			}
			u.Model = model
			u.InputTokens = &input
			u.OutputTokens = &output
			u.TotalTokens = &total
			u.Error = false
			u.ErrorMessage = ""
			u.Timestamp = time.Now().UTC()
		})
	} else {
		userID := userMsg.ID
		m.store.AppendMessage(convID, Message{
			ID:            assistantID,
			Role:          RoleAssistant,
			Content:       result.Response,
			Model:         model,
			Timestamp:     time.Now().UTC(),
			InputTokens:   &input,
			OutputTokens:  &output,
			TotalTokens:   &total,
			WasStreaming:  userMsg.WasStreaming,
			UserMessageID: &userID,
		})
	}

	m.store.UpdateMessage(convID, userMsg.ID, func(u *Message) {
		u.Error = false
		u.ErrorMessage = ""
	})
	m.banners.Clear(convID)
	m.persistTurn(ctx, convID, userMsg.ID, assistantID)
}

func (m *TurnMachine) settleFailure(convID uuid.UUID, userMsg Message, cause error) {
	banner := Banner{
		MessageID: userMsg.ID,
		Message:   "Something went wrong. Please try again.",
	}
	switch {
	case errors.Is(cause, context.Canceled):
		banner.Message = "Request cancelled."
		banner.Code = "cancelled"
	case errors.Is(cause, context.DeadlineExceeded):
		banner.Message = "The request timed out. Please try again."
		banner.Code = "timeout"
	default:
		var httpErr *HTTPError
		if errors.As(cause, &httpErr) {
			banner.Message = httpErr.Message
			banner.Code = httpErr.Code
			banner.RetryAfter = httpErr.RetryAfter
			banner.Suggestions = httpErr.Suggestions
			if httpErr.IsRateLimit() && banner.Code == "" {
				banner.Code = "rate_limited"
			}
		} else if cause != nil {
			// Transport-level trouble carries no useful user-facing text.
			banner.Message = "Connection problem. Check your network and try again."
			banner.Code = "network"
		}
	}

	m.store.UpdateMessage(convID, userMsg.ID, func(u *Message) {
		u.Error = true
		u.ErrorMessage = banner.Message
		u.InputTokens = nil
		u.OutputTokens = nil
		u.TotalTokens = nil
	})
	m.banners.Set(convID, banner)
	m.log.Warn("exchange failed",
		"conversation_id", convID, "message_id", userMsg.ID, "error", cause)

	// Durable record of the failure, detached from any cancelled request.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.persistTurn(persistCtx, convID, userMsg.ID)
}

// persistTurn flushes the given messages to the backend. Persistence
// trouble never disturbs the finished exchange; the conversation is
// flagged for the next bulk sync instead.
func (m *TurnMachine) persistTurn(ctx context.Context, convID uuid.UUID, msgIDs ...uuid.UUID) {
	msgs := make([]Message, 0, len(msgIDs))
	for _, id := range msgIDs {
		if msg, ok := m.store.GetMessage(convID, id); ok {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return
	}
	if err := m.transport.PersistMessages(ctx, convID, msgs); err != nil {
		m.log.Warn("persist failed, deferring to sync",
			"conversation_id", convID, "error", err)
		m.store.MarkUnsynced(convID, true)
		return
	}
	m.store.MarkUnsynced(convID, false)
}

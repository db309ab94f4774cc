package chatclient

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Banner is the error surface for one failed turn. It belongs to a single
// conversation and never bleeds into another.
type Banner struct {
	MessageID   uuid.UUID
	Message     string
	Code        string
	RetryAfter  int
	Suggestions []string
	CreatedAt   time.Time
}

// BannerManager tracks at most one active banner per conversation plus the
// set of turns whose banner the user dismissed. Dismissal is terminal for
// that turn: the banner never reappears for it and retry is closed off.
type BannerManager struct {
	mu        sync.Mutex
	banners   map[uuid.UUID]Banner
	dismissed map[uuid.UUID]map[uuid.UUID]struct{}
}

func NewBannerManager() *BannerManager {
	return &BannerManager{
		banners:   make(map[uuid.UUID]Banner),
		dismissed: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Set raises a banner for a conversation. A banner for a turn the user
// already dismissed is dropped silently.
func (b *BannerManager) Set(convID uuid.UUID, banner Banner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.dismissed[convID]; ok {
		if _, gone := set[banner.MessageID]; gone {
			return
		}
	}
	if banner.CreatedAt.IsZero() {
		banner.CreatedAt = time.Now().UTC()
	}
	b.banners[convID] = banner
}

// Get returns the active banner for a conversation, if any.
func (b *BannerManager) Get(convID uuid.UUID) (Banner, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	banner, ok := b.banners[convID]
	return banner, ok
}

// Clear removes the active banner, typically because a retry started or
// succeeded. The turn stays retryable.
func (b *BannerManager) Clear(convID uuid.UUID) {
	b.mu.Lock()
	delete(b.banners, convID)
	b.mu.Unlock()
}

// Dismiss removes the active banner and closes the retry lifecycle for
// the turn it pointed at.
func (b *BannerManager) Dismiss(convID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	banner, ok := b.banners[convID]
	if !ok {
		return
	}
	delete(b.banners, convID)
	set, ok := b.dismissed[convID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		b.dismissed[convID] = set
	}
	set[banner.MessageID] = struct{}{}
}

// IsDismissed reports whether the user dismissed the banner for a turn.
func (b *BannerManager) IsDismissed(convID, msgID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.dismissed[convID]
	if !ok {
		return false
	}
	_, gone := set[msgID]
	return gone
}

package chatclient

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/chatsync-backend/internal/platform/envutil"
	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

const (
	DefaultSyncMinInterval      = 2 * time.Second
	DefaultSyncPeriodicInterval = 30 * time.Second
)

// CoordinatorConfig tunes how aggressively syncs are collapsed.
type CoordinatorConfig struct {
	// MinInterval debounces back-to-back triggers: a sync that completed
	// less than this long ago suppresses the next one.
	MinInterval time.Duration
	// PeriodicInterval drives the background safety-net sync.
	PeriodicInterval time.Duration
}

// CoordinatorConfigFromEnv reads the sync tuning knobs from the
// environment, falling back to the defaults.
func CoordinatorConfigFromEnv(log *logger.Logger) CoordinatorConfig {
	return CoordinatorConfig{
		MinInterval:      envutil.GetEnvAsDuration("SYNC_MIN_INTERVAL", DefaultSyncMinInterval, log),
		PeriodicInterval: envutil.GetEnvAsDuration("SYNC_PERIODIC_INTERVAL", DefaultSyncPeriodicInterval, log),
	}
}

// SyncCoordinator funnels every sync trigger through a single gate so
// that concurrent triggers collapse into one running sync and rapid
// sequential triggers are debounced.
type SyncCoordinator struct {
	log *logger.Logger
	cfg CoordinatorConfig

	mu            sync.Mutex
	inFlight      bool
	lastCompleted time.Time
}

func NewSyncCoordinator(log *logger.Logger, cfg CoordinatorConfig) *SyncCoordinator {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultSyncMinInterval
	}
	if cfg.PeriodicInterval <= 0 {
		cfg.PeriodicInterval = DefaultSyncPeriodicInterval
	}
	return &SyncCoordinator{log: log.With("component", "sync_coordinator"), cfg: cfg}
}

// StartSync attempts to claim the gate. It returns false when a sync is
// already running or one finished within MinInterval.
func (c *SyncCoordinator) StartSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return false
	}
	if !c.lastCompleted.IsZero() && time.Since(c.lastCompleted) < c.cfg.MinInterval {
		return false
	}
	c.inFlight = true
	return true
}

// EndSync releases the gate and records the completion time for the
// debounce window. It must be called exactly once per successful
// StartSync, success or failure alike.
func (c *SyncCoordinator) EndSync() {
	c.mu.Lock()
	c.inFlight = false
	c.lastCompleted = time.Now()
	c.mu.Unlock()
}

// RunSync wraps fn in the gate. The return value says whether fn ran; a
// sync error is logged and swallowed, never surfaced to the caller,
// because a later trigger will try again.
func (c *SyncCoordinator) RunSync(ctx context.Context, fn func(context.Context) error) bool {
	if !c.StartSync() {
		c.log.Debug("sync suppressed", "reason", "in_flight_or_debounced")
		return false
	}
	defer c.EndSync()
	if err := fn(ctx); err != nil {
		c.log.Warn("sync failed", "error", err)
	}
	return true
}

// StartPeriodic runs fn through the gate on a ticker until ctx is done.
func (c *SyncCoordinator) StartPeriodic(ctx context.Context, fn func(context.Context) error) {
	go func() {
		ticker := time.NewTicker(c.cfg.PeriodicInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunSync(ctx, fn)
			}
		}
	}()
}

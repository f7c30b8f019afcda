package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jsbattig/share-things-sub004/internal/session"
	"github.com/jsbattig/share-things-sub004/internal/storage"
)

// ExpiryNotifier delivers session-expired signals to connected members.
type ExpiryNotifier interface {
	NotifySessionExpired(sessionID, message string)
}

// ExpirationSweeper expires idle sessions on a fixed cadence and trims each
// session's non-pinned content back to the retention cap. Errors are logged
// and retried on the next tick; no tick ever touches one session on behalf
// of another.
type ExpirationSweeper struct {
	registry *session.Registry
	store    *storage.ChunkStore
	notifier ExpiryNotifier

	cleanupInterval    time.Duration
	idleThreshold      time.Duration
	maxItemsPerSession int

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// SweeperConfig holds the sweeper cadence and retention settings.
type SweeperConfig struct {
	CleanupInterval    time.Duration
	IdleThreshold      time.Duration
	MaxItemsPerSession int
}

// NewExpirationSweeper creates a sweeper.
func NewExpirationSweeper(registry *session.Registry, store *storage.ChunkStore, notifier ExpiryNotifier, cfg SweeperConfig) *ExpirationSweeper {
	return &ExpirationSweeper{
		registry:           registry,
		store:              store,
		notifier:           notifier,
		cleanupInterval:    cfg.CleanupInterval,
		idleThreshold:      cfg.IdleThreshold,
		maxItemsPerSession: cfg.MaxItemsPerSession,
		stopChan:           make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (es *ExpirationSweeper) Start() error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.running {
		return fmt.Errorf("sweeper is already running")
	}
	es.running = true

	logrus.WithFields(logrus.Fields{
		"interval":      es.cleanupInterval,
		"idleThreshold": es.idleThreshold,
		"maxItems":      es.maxItemsPerSession,
	}).Info("expiration sweeper started")

	es.wg.Add(1)
	go es.run()
	return nil
}

// Stop stops the sweep loop and waits for the current tick to finish.
func (es *ExpirationSweeper) Stop() error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.running {
		return fmt.Errorf("sweeper is not running")
	}
	close(es.stopChan)
	es.wg.Wait()
	es.running = false

	logrus.Info("expiration sweeper stopped")
	return nil
}

func (es *ExpirationSweeper) run() {
	defer es.wg.Done()

	ticker := time.NewTicker(es.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			es.Sweep(context.Background())
		case <-es.stopChan:
			return
		}
	}
}

// Sweep runs one full pass: expire idle sessions, notify their members,
// trim retention, purge what is gone. Exported so tests and operators can
// trigger a tick directly.
func (es *ExpirationSweeper) Sweep(ctx context.Context) {
	start := time.Now()

	expired := es.registry.ExpireIdle(es.idleThreshold)
	for _, exp := range expired {
		logrus.WithFields(logrus.Fields{
			"sessionId": exp.SessionID,
			"members":   len(exp.ClientIDs),
		}).Info("session expired")
		es.notifier.NotifySessionExpired(exp.SessionID, "session expired due to inactivity")
	}

	es.trimRetention(ctx)

	purged := es.registry.PurgeExpired(ctx)
	if len(expired) > 0 || len(purged) > 0 {
		logrus.WithFields(logrus.Fields{
			"expired":  len(expired),
			"purged":   len(purged),
			"duration": time.Since(start),
		}).Info("sweep completed")
	}
}

// trimRetention enforces maxItemsPerSession across every persisted session.
func (es *ExpirationSweeper) trimRetention(ctx context.Context) {
	sessionIDs, err := es.store.ListSessionIDs(ctx)
	if err != nil {
		logrus.WithError(err).Warn("retention pass could not list sessions")
		return
	}

	for _, sessionID := range sessionIDs {
		result, err := es.store.CleanupOldContent(ctx, sessionID, es.maxItemsPerSession)
		if err != nil {
			logrus.WithError(err).WithField("sessionId", sessionID).Warn("retention trim failed")
			continue
		}
		if len(result.Removed) > 0 {
			logrus.WithFields(logrus.Fields{
				"sessionId": sessionID,
				"removed":   len(result.Removed),
			}).Info("retention trimmed session content")
		}
	}
}

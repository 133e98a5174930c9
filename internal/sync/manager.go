package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs background sync loops, one per principal. Operations
// for the same principal are serialized by construction: a principal
// has at most one runner, and each runner executes runs sequentially.
type Manager struct {
	engine      *Engine
	interval    time.Duration
	maxMessages int
	log         *zap.Logger

	runners      map[string]context.CancelFunc
	runnersMutex sync.RWMutex
}

// NewManager creates a sync manager.
func NewManager(engine *Engine, interval time.Duration, maxMessages int, log *zap.Logger) *Manager {
	return &Manager{
		engine:      engine,
		interval:    interval,
		maxMessages: maxMessages,
		log:         log,
		runners:     make(map[string]context.CancelFunc),
	}
}

// StartSync starts the background sync loop for a principal.
func (m *Manager) StartSync(ctx context.Context, principalID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[principalID]; exists {
		return fmt.Errorf("sync already running for %s", principalID)
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	m.runners[principalID] = cancel

	go func() {
		defer func() {
			m.runnersMutex.Lock()
			delete(m.runners, principalID)
			m.runnersMutex.Unlock()
			m.log.Info("sync runner stopped", zap.String("principal_id", principalID))
		}()

		m.log.Info("sync runner started", zap.String("principal_id", principalID))
		if stop := m.runOnce(runnerCtx, principalID); stop {
			return
		}

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runnerCtx.Done():
				return
			case <-ticker.C:
				if stop := m.runOnce(runnerCtx, principalID); stop {
					return
				}
			}
		}
	}()

	return nil
}

// runOnce executes one sync run. It returns true when the runner
// should stop: cancellation, or a credential that only the user can
// recover (retries would never succeed).
func (m *Manager) runOnce(ctx context.Context, principalID string) bool {
	rep, err := m.engine.SyncPrincipal(ctx, principalID, m.maxMessages)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		// Transient or repository failure: log and try again next tick.
		m.log.Warn("sync run failed",
			zap.String("principal_id", principalID), zap.Error(err))
		return false
	}
	if rep.NeedsReauth {
		m.log.Warn("credential needs re-authorization, stopping runner",
			zap.String("principal_id", principalID))
		return true
	}
	return false
}

// StopSync stops the sync loop for a principal.
func (m *Manager) StopSync(principalID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	cancel, exists := m.runners[principalID]
	if !exists {
		return fmt.Errorf("no sync running for %s", principalID)
	}

	cancel()
	delete(m.runners, principalID)
	return nil
}

// IsRunning checks whether a sync loop is running for a principal.
func (m *Manager) IsRunning(principalID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[principalID]
	return exists
}

// StopAll stops every running sync loop.
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for principalID, cancel := range m.runners {
		m.log.Info("stopping sync", zap.String("principal_id", principalID))
		cancel()
	}
	m.runners = make(map[string]context.CancelFunc)
}

// Running returns the principals with an active sync loop.
func (m *Manager) Running() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	var ids []string
	for principalID := range m.runners {
		ids = append(ids, principalID)
	}
	return ids
}

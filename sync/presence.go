package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agrisync/config"
	"agrisync/models"
	"agrisync/utils"
)

// PresenceAPI is the slice of the backend API the presence machine needs.
type PresenceAPI interface {
	Heartbeat(ctx context.Context, status models.PresenceStatus, device string) error
	GoOffline(ctx context.Context) error
}

const presenceWriteTimeout = 5 * time.Second

// PresenceMachine drives the session's presence lifecycle: online on start,
// periodic heartbeats re-asserting the current status, away/online on
// visibility changes, best-effort offline on stop. All writes are
// fire-and-forget; a failed write is logged and the next tick retries
// naturally. Presence must never block the caller.
type PresenceMachine struct {
	api      PresenceAPI
	device   string
	interval time.Duration
	logger   *utils.Logger

	mu      sync.Mutex
	status  models.PresenceStatus
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPresenceMachine(api PresenceAPI, device string, cfg *config.Config, logger *utils.Logger) *PresenceMachine {
	return &PresenceMachine{
		api:      api,
		device:   device,
		interval: cfg.HeartbeatInterval,
		logger:   logger,
		status:   models.PresenceOffline,
	}
}

// Start transitions to online and begins the heartbeat loop.
func (m *PresenceMachine) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("presence machine already started")
	}
	m.started = true
	m.status = models.PresenceOnline
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.beat()

	m.wg.Add(1)
	go m.loop(ctx)

	return nil
}

// SetVisible maps visibility changes to away/online transitions, asserting
// the new status immediately rather than waiting for the next tick.
func (m *PresenceMachine) SetVisible(visible bool) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	if visible {
		m.status = models.PresenceOnline
	} else {
		m.status = models.PresenceAway
	}
	m.mu.Unlock()

	m.beat()
}

// Status returns the current stored status.
func (m *PresenceMachine) Status() models.PresenceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Stop halts the heartbeat loop and writes a best-effort offline transition.
// Safe to call more than once.
func (m *PresenceMachine) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.status = models.PresenceOffline
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), presenceWriteTimeout)
	defer done()
	if err := m.api.GoOffline(ctx); err != nil {
		m.logger.Warn("Failed to write offline presence", "error", err)
	}
}

func (m *PresenceMachine) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat()
		}
	}
}

// beat writes the current status in a detached goroutine so a slow presence
// backend never stalls the caller.
func (m *PresenceMachine) beat() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	status := m.status
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
		defer cancel()

		if err := m.api.Heartbeat(ctx, status, m.device); err != nil {
			m.logger.Warn("Heartbeat failed", "status", status, "error", err)
		}
	}()
}

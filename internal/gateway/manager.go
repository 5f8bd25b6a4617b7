package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/le-si/openclaw-gateway/internal/contract"
)

const inboundEventBuffer = 256

// AdapterStatus is the runtime status of one registered adapter.
type AdapterStatus struct {
	Platform  string                `json:"platform"`
	SessionID string                `json:"session_id"`
	State     contract.SessionState `json:"state"`
	LastError string                `json:"last_error,omitempty"`
}

// Manager owns adapter lifecycle: it starts every registered adapter,
// tracks a transport session per adapter, records inbound traffic in a
// bounded event stream for diagnostics, and stops everything on shutdown.
type Manager struct {
	logger   *slog.Logger
	registry *Registry
	sessions *contract.SessionContract
	events   *contract.EventStream

	mu        sync.Mutex
	sessionID map[string]string
	lastError map[string]string
}

// NewManager creates a Manager over the registry.
func NewManager(log *slog.Logger, registry *Registry) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		logger:    log.With(slog.String("component", "gateway")),
		registry:  registry,
		sessions:  contract.NewSessionContract(),
		events:    contract.NewEventStream(inboundEventBuffer),
		sessionID: map[string]string{},
		lastError: map[string]string{},
	}
}

// StartAll starts every registered adapter. An adapter that fails to start
// is logged and its session revoked; startup fails only when no adapter
// could be started at all.
func (m *Manager) StartAll(ctx context.Context) error {
	adapters := m.registry.List()
	if len(adapters) == 0 {
		return fmt.Errorf("no platforms configured")
	}
	started := 0
	for _, adapter := range adapters {
		session := m.sessions.Create(adapter.Name(), 0, nil)
		m.mu.Lock()
		m.sessionID[adapter.Name()] = session.ID
		m.mu.Unlock()
		if err := adapter.Start(ctx); err != nil {
			m.logger.Error("adapter start failed", slog.String("platform", adapter.Name()), slog.Any("error", err))
			if _, rerr := m.sessions.Revoke(session.ID); rerr != nil {
				m.logger.Warn("session revoke failed", slog.Any("error", rerr))
			}
			m.mu.Lock()
			m.lastError[adapter.Name()] = err.Error()
			m.mu.Unlock()
			continue
		}
		if _, err := m.sessions.Activate(session.ID); err != nil {
			m.logger.Warn("session activate failed", slog.Any("error", err))
		}
		m.logger.Info("adapter started", slog.String("platform", adapter.Name()))
		started++
	}
	if started == 0 {
		return fmt.Errorf("all configured platforms failed to start")
	}
	return nil
}

// Shutdown stops all adapters.
func (m *Manager) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, adapter := range m.registry.List() {
		if err := adapter.Stop(ctx); err != nil {
			m.logger.Warn("adapter stop failed", slog.String("platform", adapter.Name()), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
		m.mu.Lock()
		id := m.sessionID[adapter.Name()]
		m.mu.Unlock()
		if id != "" {
			if _, err := m.sessions.Revoke(id); err != nil && contract.CodeOf(err) != "invalid_transition" {
				m.logger.Warn("session revoke failed", slog.Any("error", err))
			}
		}
	}
	return firstErr
}

// RecordInbound notes one normalized inbound request in the event stream.
func (m *Manager) RecordInbound(req CommandRequest) {
	m.events.Emit("inbound", map[string]any{
		"platform": req.Platform,
		"sender":   req.SenderID,
		"channel":  req.ChannelID,
		"message":  req.MessageID,
	})
}

// RecentEvents returns the buffered inbound events after the given id, or
// the whole buffer when the id is unknown.
func (m *Manager) RecentEvents(afterID string) []contract.StreamEvent {
	if afterID == "" {
		return m.events.Events()
	}
	return m.events.ReplayFrom(afterID)
}

// Status reports the runtime status of every registered adapter.
func (m *Manager) Status() []AdapterStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]AdapterStatus, 0, len(m.sessionID))
	for _, name := range m.registry.Names() {
		status := AdapterStatus{Platform: name, LastError: m.lastError[name]}
		if id := m.sessionID[name]; id != "" {
			status.SessionID = id
			if info, err := m.sessions.Get(id); err == nil {
				status.State = info.State
			}
		}
		items = append(items, status)
	}
	return items
}

// Package display tracks what the node's status screen shows. Drawing is
// delegated to a Renderer; the default one writes status changes to the log.
package display

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/simsnode/internal/bus"
	"github.com/skobkin/simsnode/internal/connectors"
	"github.com/skobkin/simsnode/internal/domain"
)

const DefaultIdleTimeout = 30 * time.Second

// Status is one frame of screen content.
type Status struct {
	Radio        connectors.RadioState
	RadioDriver  string
	RadioErr     string
	Clients      int
	Phase        string
	TxCount      uint32
	LastAirtime  time.Duration
	MeshMessages uint32
	// LastLink buckets the RSSI/SNR of the last packet heard.
	LastLink     domain.SignalQuality
	Awake        bool
}

type Renderer interface {
	Render(Status)
}

type LogRenderer struct {
	Logger *slog.Logger
}

func (r LogRenderer) Render(s Status) {
	r.Logger.Info("display",
		"radio", string(s.Radio),
		"clients", s.Clients,
		"phase", s.Phase,
		"tx_count", s.TxCount,
		"mesh_messages", s.MeshMessages,
		"link", s.LastLink.String(),
		"awake", s.Awake,
	)
}

type Option func(*Manager)

func WithRenderer(r Renderer) Option {
	return func(m *Manager) { m.renderer = r }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager implements the bridge and mesh display hooks. All methods are
// fire-and-forget and safe from any goroutine.
type Manager struct {
	logger      *slog.Logger
	bus         bus.MessageBus
	renderer    Renderer
	idleTimeout time.Duration
	now         func() time.Time

	mu           sync.Mutex
	status       Status
	lastActivity time.Time

	renderMu sync.Mutex
}

func New(logger *slog.Logger, b bus.MessageBus, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil {
		b = bus.Nop{}
	}
	m := &Manager{
		logger:      logger,
		bus:         b,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		status:      Status{Radio: connectors.RadioStateStarting},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.renderer == nil {
		m.renderer = LogRenderer{Logger: logger}
	}

	return m
}

// NotifyTx records a transmission and wakes the screen.
func (m *Manager) NotifyTx(airtime time.Duration) {
	m.mu.Lock()
	m.status.TxCount++
	m.status.LastAirtime = airtime
	m.wakeLocked()
	snap := m.status
	m.mu.Unlock()

	m.bus.Publish(connectors.TopicDisplayActivity, connectors.Activity{Kind: "tx", Airtime: airtime, Timestamp: m.now()})
	m.render(snap)
}

func (m *Manager) RegisterActivity() {
	m.mu.Lock()
	wasAwake := m.status.Awake
	m.wakeLocked()
	snap := m.status
	m.mu.Unlock()

	m.bus.Publish(connectors.TopicDisplayActivity, connectors.Activity{Kind: "activity", Timestamp: m.now()})
	if !wasAwake {
		m.render(snap)
	}
}

// SetRadioStatus shows the radio state persistently. A nil err clears the
// error line.
func (m *Manager) SetRadioStatus(state connectors.RadioState, driver string, err error) {
	errText := ""
	if err != nil {
		errText = err.Error()
	}

	m.mu.Lock()
	m.status.Radio = state
	m.status.RadioDriver = driver
	m.status.RadioErr = errText
	m.wakeLocked()
	snap := m.status
	m.mu.Unlock()

	if state == connectors.RadioStateUnavailable {
		m.logger.Error("radio unavailable", "driver", driver, "error", errText)
	}
	m.bus.Publish(connectors.TopicRadioStatus, connectors.RadioStatus{
		State:     state,
		Driver:    driver,
		Err:       errText,
		Timestamp: m.now(),
	})
	m.render(snap)
}

// Tick puts the screen to sleep after the idle timeout. Call it from the
// main loop's housekeeping.
func (m *Manager) Tick() {
	m.mu.Lock()
	if !m.status.Awake || m.now().Sub(m.lastActivity) < m.idleTimeout {
		m.mu.Unlock()
		return
	}
	m.status.Awake = false
	snap := m.status
	m.mu.Unlock()

	m.render(snap)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start follows client, handshake, radio and mesh events until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	topics := []string{connectors.TopicClientStatus, connectors.TopicHandshake, connectors.TopicMeshMessage, connectors.TopicRadioRx}
	sub := m.bus.Subscribe(topics...)

	go func() {
		defer m.bus.Unsubscribe(sub, topics...)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				m.handleEvent(raw)
			}
		}
	}()
}

func (m *Manager) handleEvent(raw any) {
	m.mu.Lock()
	switch ev := raw.(type) {
	case connectors.ClientStatus:
		m.status.Clients = ev.Connected
		if ev.Connected == 0 {
			m.status.Phase = ""
		}
	case connectors.HandshakeProgress:
		m.status.Phase = ev.Phase
	case connectors.MeshMessage:
		m.status.MeshMessages++
		m.status.LastLink = domain.DetermineSignalQuality(ev.SNR, ev.RSSI)
	case connectors.RawFrame:
		// Received air traffic updates the link line without waking the screen.
		m.status.LastLink = domain.DetermineSignalQuality(ev.SNR, ev.RSSI)
		m.mu.Unlock()
		return
	default:
		m.mu.Unlock()
		return
	}
	m.wakeLocked()
	snap := m.status
	m.mu.Unlock()

	m.render(snap)
}

func (m *Manager) wakeLocked() {
	m.status.Awake = true
	m.lastActivity = m.now()
}

func (m *Manager) render(s Status) {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()
	m.renderer.Render(s)
}

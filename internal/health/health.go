// Package health aggregates component probes into one engine-wide view.
package health

import (
	"context"
	"time"

	"trade_engine/internal/core"
)

// StatusSource reports per-symbol orchestrator state.
type StatusSource interface {
	Status() core.SymbolStatus
}

// Manager probes the store, broker and bus. Probes are bounded so a hung
// component reads as unhealthy instead of hanging the watchdog loop.
type Manager struct {
	store   core.IStore
	broker  core.IBroker
	bus     core.IEventBus
	logger  core.ILogger
	timeout time.Duration

	symbols map[string]StatusSource
}

func NewManager(store core.IStore, broker core.IBroker, bus core.IEventBus, logger core.ILogger) *Manager {
	return &Manager{
		store:   store,
		broker:  broker,
		bus:     bus,
		logger:  logger.WithField("component", "health"),
		timeout: 3 * time.Second,
		symbols: make(map[string]StatusSource),
	}
}

// Register adds a symbol's orchestrator to the summary. Not safe to call
// after the engine has started.
func (m *Manager) Register(symbol string, src StatusSource) {
	m.symbols[symbol] = src
}

// Check implements the watchdog's health probe.
func (m *Manager) Check(ctx context.Context) core.ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	h := core.ComponentHealth{
		DBOK:  true,
		BusOK: m.bus.CheckHealth() == nil,
	}
	if err := m.store.CheckHealth(ctx); err != nil {
		m.logger.Warn("store unhealthy", "error", err)
		h.DBOK = false
	}
	h.BrokerOK = true
	if err := m.broker.CheckHealth(ctx); err != nil {
		m.logger.Warn("broker unhealthy", "error", err)
		h.BrokerOK = false
	}
	return h
}

// Summary returns the engine-wide health view served on /healthz.
func (m *Manager) Summary(ctx context.Context) core.HealthSummary {
	h := m.Check(ctx)
	s := core.HealthSummary{
		OK: h.OK(),
		Components: map[string]bool{
			"db":     h.DBOK,
			"broker": h.BrokerOK,
			"bus":    h.BusOK,
		},
		PerSymbol: make(map[string]core.SymbolStatus, len(m.symbols)),
	}
	for sym, src := range m.symbols {
		st := src.Status()
		s.PerSymbol[sym] = st
		if !st.Running {
			s.OK = false
		}
	}
	return s
}

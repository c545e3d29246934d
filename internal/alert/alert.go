// Package alert fans operational notifications out to external channels.
// Delivery is asynchronous; the trading path never waits on a webhook.
package alert

import (
	"context"
	"sync"
	"time"

	"trade_engine/internal/core"
)

type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Notification is one outbound message.
type Notification struct {
	Level   Level
	Title   string
	Message string
	At      time.Time
	Fields  map[string]string
}

// Channel delivers a notification to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Manager fans notifications out to every registered channel.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
	// sendTimeout bounds each channel delivery.
	sendTimeout time.Duration
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger:      logger.WithField("component", "alert"),
		sendTimeout: 10 * time.Second,
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("alert channel registered", "channel", ch.Name())
}

// Notify delivers to all channels without blocking the caller. Failures are
// logged and dropped; alerting is best effort.
func (m *Manager) Notify(ctx context.Context, level Level, title, message string, fields map[string]string) {
	n := Notification{
		Level:   level,
		Title:   title,
		Message: message,
		At:      time.Now(),
		Fields:  fields,
	}

	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, n); err != nil {
				m.logger.Error("alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

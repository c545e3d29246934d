package alert

import (
	"context"
	"fmt"

	"trade_engine/internal/core"
)

// Router maps engine events onto notification levels. It is a plain bus
// subscriber; failures here are retried and dead-lettered by the bus like
// any other handler.
type Router struct {
	manager *Manager
}

func NewRouter(manager *Manager) *Router {
	return &Router{manager: manager}
}

// Wire subscribes the router to the operational topics worth waking a
// human for.
func (r *Router) Wire(bus core.IEventBus) {
	for _, topic := range []string{
		core.TopicDMSTriggered,
		core.TopicProtectiveExit,
		core.TopicAutoPaused,
		core.TopicAutoResumed,
		core.TopicPositionMismatch,
		core.TopicDLQ,
	} {
		bus.Subscribe(topic, "alert_router", r.Handle)
	}
}

func (r *Router) Handle(ctx context.Context, ev core.Event) error {
	level, title := classify(ev.Topic)
	fields := make(map[string]string, len(ev.Payload))
	for k, v := range ev.Payload {
		fields[k] = fmt.Sprintf("%v", v)
	}
	r.manager.Notify(ctx, level, title, fmt.Sprintf("topic=%s key=%s", ev.Topic, ev.Key), fields)
	return nil
}

func classify(topic string) (Level, string) {
	switch topic {
	case core.TopicDMSTriggered:
		return LevelCritical, "Dead-man's-switch triggered"
	case core.TopicProtectiveExit:
		return LevelWarning, "Protective exit fired"
	case core.TopicAutoPaused:
		return LevelWarning, "Trading auto-paused"
	case core.TopicAutoResumed:
		return LevelInfo, "Trading auto-resumed"
	case core.TopicPositionMismatch:
		return LevelWarning, "Position mismatch detected"
	case core.TopicDLQ:
		return LevelWarning, "Event dead-lettered"
	default:
		return LevelInfo, topic
	}
}

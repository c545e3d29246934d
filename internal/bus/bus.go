// Package bus is a bounded, prioritized in-process event bus. A single
// dispatcher drains a priority heap so events with the same key are always
// handled in publish order; handlers for one event fan out on a worker pool.
package bus

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/telemetry"
	"trade_engine/pkg/concurrency"

	"github.com/jpillora/backoff"
)

// Overflow behavior per topic class when the queue is full.
type overflowPolicy int

const (
	overflowBlock      overflowPolicy = iota // publisher waits for space
	overflowToDLQ                            // incoming event is dead-lettered
	overflowDropOldest                       // oldest droppable event is evicted
)

type topicClass struct {
	priority int
	policy   overflowPolicy
}

// classify routes a topic to its priority band. Lower number wins the heap.
func classify(topic string) topicClass {
	switch {
	case topic == core.TopicDLQ:
		return topicClass{priority: 0, policy: overflowBlock}
	case strings.HasPrefix(topic, "order.") || strings.HasPrefix(topic, "trade."):
		return topicClass{priority: 10, policy: overflowToDLQ}
	case topic == core.TopicRiskBlocked || topic == core.TopicBudgetExceeded:
		return topicClass{priority: 15, policy: overflowToDLQ}
	default:
		return topicClass{priority: 30, policy: overflowDropOldest}
	}
}

type queuedEvent struct {
	ev       core.Event
	priority int
	seq      uint64
	index    int
}

type eventHeap []*queuedEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *eventHeap) Push(x any) {
	qe := x.(*queuedEvent)
	qe.index = len(*h)
	*h = append(*h, qe)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	qe := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qe
}

type subscription struct {
	pattern string
	name    string
	handler core.EventHandler
}

// Config bounds the bus.
type Config struct {
	QueueCapacity int
	MaxAttempts   int
	Workers       int
	DrainTimeout  time.Duration
}

// Bus implements core.IEventBus.
type Bus struct {
	cfg     Config
	logger  core.ILogger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    eventHeap
	seq      uint64
	started  bool
	stopping bool

	subMu sync.RWMutex
	subs  []subscription

	// audit receives events still queued when the drain deadline passes;
	// the DLQ topic cannot deliver them once the dispatcher is stopping.
	audit core.IAuditStore

	pool *concurrency.WorkerPool
	done chan struct{}
}

// New builds a stopped bus. Zero config fields take defaults.
func New(cfg Config, logger core.ILogger, metrics *telemetry.Metrics) *Bus {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	b := &Bus{
		cfg:     cfg,
		logger:  logger.WithField("component", "bus"),
		metrics: metrics,
		done:    make(chan struct{}),
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// AttachAudit sets the sink for events dead-lettered at shutdown. Must be
// called before Start.
func (b *Bus) AttachAudit(a core.IAuditStore) { b.audit = a }

// Subscribe registers a handler for topics matching pattern. Patterns are an
// exact topic, a "prefix.*" wildcard, or "*" for everything. Must be called
// before Start.
func (b *Bus) Subscribe(pattern string, name string, h core.EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, name: name, handler: h})
}

func matches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}

// Publish enqueues the event according to its topic's overflow policy.
// Dead-letter publishes block when the queue is full; order and risk events
// shed themselves to the DLQ; everything else evicts the oldest low-priority
// event, or is itself dropped when none exists.
func (b *Bus) Publish(ctx context.Context, ev core.Event) error {
	if ev.TsMs == 0 {
		ev.TsMs = time.Now().UnixMilli()
	}
	cls := classify(ev.Topic)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return fmt.Errorf("bus is stopping, rejected %s", ev.Topic)
	}

	if cls.policy == overflowBlock && len(b.queue) >= b.cfg.QueueCapacity {
		// Wait only wakes on a pop or stop broadcast; wire the caller's
		// context in so cancellation unparks it too.
		unregister := context.AfterFunc(ctx, func() {
			b.mu.Lock()
			b.notFull.Broadcast()
			b.mu.Unlock()
		})
		defer unregister()
	}

	for len(b.queue) >= b.cfg.QueueCapacity {
		switch cls.policy {
		case overflowBlock:
			if err := ctx.Err(); err != nil {
				return err
			}
			b.notFull.Wait()
			if b.stopping {
				return fmt.Errorf("bus is stopping, rejected %s", ev.Topic)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		case overflowToDLQ:
			b.metrics.BusDLQ.WithLabelValues(ev.Topic, "queue_full").Inc()
			b.enqueueLocked(b.deadLetter(ev, "queue_full", ""), classify(core.TopicDLQ).priority)
			return nil
		case overflowDropOldest:
			if !b.evictOldestDroppableLocked() {
				b.metrics.BusDropOldest.WithLabelValues(ev.Topic).Inc()
				return nil
			}
		}
	}

	b.enqueueLocked(ev, cls.priority)
	b.metrics.BusPublished.WithLabelValues(ev.Topic).Inc()
	return nil
}

func (b *Bus) enqueueLocked(ev core.Event, priority int) {
	b.seq++
	heap.Push(&b.queue, &queuedEvent{ev: ev, priority: priority, seq: b.seq})
	b.notEmpty.Signal()
}

// evictOldestDroppableLocked removes the oldest catch-all event.
func (b *Bus) evictOldestDroppableLocked() bool {
	victim := -1
	var victimSeq uint64
	for i, qe := range b.queue {
		if qe.priority < 30 {
			continue
		}
		if victim == -1 || qe.seq < victimSeq {
			victim = i
			victimSeq = qe.seq
		}
	}
	if victim == -1 {
		return false
	}
	qe := b.queue[victim]
	heap.Remove(&b.queue, victim)
	b.metrics.BusDropOldest.WithLabelValues(qe.ev.Topic).Inc()
	return true
}

func (b *Bus) deadLetter(ev core.Event, cause, handler string) core.Event {
	return core.Event{
		Topic: core.TopicDLQ,
		Key:   ev.Key,
		TsMs:  time.Now().UnixMilli(),
		Payload: map[string]any{
			"original_topic": ev.Topic,
			"cause":          cause,
			"handler":        handler,
			"payload":        ev.Payload,
		},
	}
}

// Start launches the dispatcher. Calling Start twice is an error.
func (b *Bus) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bus already started")
	}
	b.started = true
	b.mu.Unlock()

	b.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "bus",
		MaxWorkers: b.cfg.Workers,
	}, b.logger)

	go b.dispatch()
	return nil
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stopping {
			b.notEmpty.Wait()
		}
		if len(b.queue) == 0 && b.stopping {
			b.mu.Unlock()
			return
		}
		qe := heap.Pop(&b.queue).(*queuedEvent)
		b.notFull.Signal()
		b.mu.Unlock()

		b.deliver(qe.ev)
	}
}

// deliver fans the event out to all matching handlers and waits, so the next
// event for the same key cannot overtake this one.
func (b *Bus) deliver(ev core.Event) {
	b.subMu.RLock()
	var targets []subscription
	for _, s := range b.subs {
		if matches(s.pattern, ev.Topic) {
			targets = append(targets, s)
		}
	}
	b.subMu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range targets {
		s := s
		wg.Add(1)
		run := func() {
			defer wg.Done()
			b.invoke(s, ev)
		}
		if err := b.pool.Submit(run); err != nil {
			run()
		}
	}
	wg.Wait()
}

// invoke runs one handler with exponential-backoff retries. Exhausted
// retries dead-letter the event; DLQ events themselves are never retried or
// re-dead-lettered.
func (b *Bus) invoke(s subscription, ev core.Event) {
	bo := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}

	attempts := b.cfg.MaxAttempts
	if ev.Topic == core.TopicDLQ {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.handler(ctx, ev)
		cancel()
		if err == nil {
			return
		}
		b.metrics.BusHandlerErrors.WithLabelValues(s.name).Inc()
		b.logger.Warn("event handler failed",
			"handler", s.name, "topic", ev.Topic, "attempt", attempt, "error", err)
		if attempt < attempts {
			time.Sleep(bo.Duration())
		}
	}

	if ev.Topic == core.TopicDLQ {
		b.logger.Error("dead-letter handler failed, event lost", "handler", s.name, "error", err)
		return
	}
	b.metrics.BusDLQ.WithLabelValues(ev.Topic, "handler_failed").Inc()
	b.mu.Lock()
	if !b.stopping {
		b.enqueueLocked(b.deadLetter(ev, "handler_failed", s.name), classify(core.TopicDLQ).priority)
	}
	b.mu.Unlock()
}

// Stop rejects further publishes and drains the queue until empty or the
// drain timeout (bounded by ctx) elapses. Events still queued at the
// deadline are dead-lettered into the audit log with cause "shutdown".
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopping {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
	b.mu.Unlock()

	timer := time.NewTimer(b.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-b.done:
	case <-timer.C:
		b.deadLetterShutdown(b.takeQueue())
		<-b.done
	case <-ctx.Done():
		b.deadLetterShutdown(b.takeQueue())
		<-b.done
	}

	if b.pool != nil {
		b.pool.Stop()
	}
	return nil
}

func (b *Bus) takeQueue() []*queuedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.queue
	b.queue = nil
	b.notEmpty.Broadcast()
	return remaining
}

// deadLetterShutdown records events the drain could not deliver.
func (b *Bus) deadLetterShutdown(events []*queuedEvent) {
	if len(events) == 0 {
		return
	}
	b.logger.Warn("bus drain timed out, dead-lettering undelivered events", "count", len(events))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, qe := range events {
		b.metrics.BusDLQ.WithLabelValues(qe.ev.Topic, "shutdown").Inc()
		if b.audit == nil {
			continue
		}
		if err := b.audit.Append(ctx, "bus_shutdown_dlq", map[string]any{
			"topic":   qe.ev.Topic,
			"key":     qe.ev.Key,
			"cause":   "shutdown",
			"payload": qe.ev.Payload,
		}); err != nil {
			b.logger.Error("failed to audit undelivered event", "topic", qe.ev.Topic, "error", err)
		}
	}
}

// CheckHealth reports queue saturation.
func (b *Bus) CheckHealth() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return fmt.Errorf("bus not started")
	}
	if b.stopping {
		return fmt.Errorf("bus stopping")
	}
	if len(b.queue) >= b.cfg.QueueCapacity {
		return fmt.Errorf("bus queue saturated at %d events", len(b.queue))
	}
	return nil
}

// Depth returns the current queue length.
func (b *Bus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Package events is the orchestrator's typed publish/subscribe channel.
//
// A Bus belongs to one orchestrator instance. Publish never blocks: a
// subscriber whose buffer is full misses the event and its drop counter
// increases.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type names a lifecycle event.
type Type string

const (
	TaskCreated          Type = "taskCreated"
	TaskStarted          Type = "taskStarted"
	TaskProgress         Type = "taskProgress"
	TaskCompleted        Type = "taskCompleted"
	TaskFailed           Type = "taskFailed"
	TaskPaused           Type = "taskPaused"
	TaskResumed          Type = "taskResumed"
	TaskDeleted          Type = "taskDeleted"
	AgentStarted         Type = "agentStarted"
	AgentCompleted       Type = "agentCompleted"
	AgentFailed          Type = "agentFailed"
	ToolStarted          Type = "toolStarted"
	ToolCompleted        Type = "toolCompleted"
	ToolFailed           Type = "toolFailed"
	TestStarted          Type = "testStarted"
	TestCompleted        Type = "testCompleted"
	TestFailed           Type = "testFailed"
	ReportGenerated      Type = "reportGenerated"
	InteractionReceived  Type = "interactionReceived"
	InteractionProcessed Type = "interactionProcessed"
)

// Terminal reports whether t ends an execution.
func (t Type) Terminal() bool {
	return t == TaskCompleted || t == TaskFailed || t == TaskDeleted
}

// Event is one published occurrence. Timestamp marshals as RFC 3339.
type Event struct {
	Type      Type           `json:"type"`
	TaskID    string         `json:"taskId"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Filter selects events for a subscription. Nil matches everything.
type Filter func(Event) bool

// ForTask matches events of one task.
func ForTask(taskID string) Filter {
	return func(e Event) bool { return e.TaskID == taskID }
}

// Subscription receives events on C until Close.
type Subscription struct {
	C <-chan Event

	id      uint64
	ch      chan Event
	filter  Filter
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s.id) })
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger *zap.Logger
	now    func() time.Time
}

// NewBus creates a bus whose subscriptions buffer up to buffer events.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a subscriber. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, filter: filter, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			if sub.dropped.Add(1) == 1 {
				b.logger.Warn("event subscriber is slow, dropping events",
					zap.Uint64("subscription", sub.id),
					zap.String("event", string(e.Type)))
			}
		}
	}
}

// Emit publishes an event built from its parts.
func (b *Bus) Emit(typ Type, taskID string, payload map[string]any) {
	b.Publish(Event{Type: typ, TaskID: taskID, Payload: payload})
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

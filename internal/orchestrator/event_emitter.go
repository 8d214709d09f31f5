package orchestrator

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventEmitter handles event emission for the orchestrator.
// Emit never blocks: when the subscriber lags, events are dropped and counted.
type EventEmitter struct {
	mu           sync.RWMutex
	events       chan OrchestratorEvent
	closed       bool
	droppedCount atomic.Uint64
	logger       *zap.Logger
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, logger *zap.Logger) *EventEmitter {
	return &EventEmitter{
		events: make(chan OrchestratorEvent, bufferSize),
		logger: logger,
	}
}

// Emit sends an event to the events channel, dropping it if the channel is full.
func (e *EventEmitter) Emit(event OrchestratorEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
	default:
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Warn("event channel full, dropping events",
				zap.Uint64("dropped", count),
				zap.String("type", string(event.Type)))
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan OrchestratorEvent {
	return e.events
}

// Close closes the events channel. Later Emit calls are ignored.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}

// Package event is the progress/telemetry bus between the orchestrator and
// external subscribers. Delivery is best-effort and ordered per build; a
// slow subscriber sheds progress events but never lifecycle events.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle or progress event.
type Type string

const (
	PipelineStarted   Type = "pipeline:started"
	StageStarted      Type = "stage:started"
	StageProgress     Type = "stage:progress"
	StageRetrying     Type = "stage:retrying"
	StageCompleted    Type = "stage:completed"
	StageFailed       Type = "stage:failed"
	PipelineCompleted Type = "pipeline:completed"
	PipelineFailed    Type = "pipeline:failed"
	PipelineCancelled Type = "pipeline:cancelled"
)

// Lifecycle reports whether an event must never be dropped.
func (t Type) Lifecycle() bool { return t != StageProgress }

// Event is one bus message.
type Event struct {
	ID        string         `json:"id"`
	BuildID   string         `json:"build_id"`
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New constructs an event with a fresh id and timestamp.
func New(buildID string, typ Type, payload map[string]any) Event {
	return Event{
		ID:        "ev-" + uuid.NewString(),
		BuildID:   buildID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Handler receives events. It runs on the subscriber's own goroutine, so a
// blocking handler delays only its own queue.
type Handler func(Event)

// DefaultQueueSize bounds each subscriber's pending queue.
const DefaultQueueSize = 256

// Bus broadcasts events to subscribers. Each subscriber owns a bounded
// queue drained by a dedicated goroutine; when the queue is full the oldest
// progress event is dropped, and if only lifecycle events remain the queue
// grows instead.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
	size int
}

type subscriber struct {
	mu       sync.Mutex
	queue    []Event
	limit    int
	wake     chan struct{}
	done     chan struct{}
	finished chan struct{}
	handler  Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber), size: DefaultQueueSize}
}

// Subscribe registers a handler and returns an unsubscribe function. After
// the unsubscribe function returns, the handler will not be invoked again.
func (b *Bus) Subscribe(handler Handler) func() {
	sub := &subscriber{
		limit:    b.size,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		handler:  handler,
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	return func() {
		b.mu.Lock()
		s, ok := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()
		if ok {
			close(s.done)
			<-s.finished
		}
	}
}

// Publish enqueues the event for every subscriber. It never blocks on a
// slow subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.enqueue(ev)
	}
}

// Channel returns a channel receiving every event published until ctx is
// done. Useful for SSE streaming and tests.
func (b *Bus) Channel(ctx context.Context, bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	unsubscribe := b.Subscribe(func(ev Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	})
	go func() {
		<-ctx.Done()
		// Unsubscribe blocks until the drain goroutine has stopped, so
		// nothing can send on ch once it is closed.
		unsubscribe()
		close(ch)
	}()
	return ch
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		// Shed the oldest progress event. If only lifecycle events are
		// queued the queue grows instead; those must never be dropped.
		for i, queued := range s.queue {
			if !queued.Type.Lifecycle() {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.finished)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			select {
			case <-s.done:
				return
			default:
			}
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.handler(ev)
		}
	}
}

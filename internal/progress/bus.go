// Package progress fans stage progress events out to any number of
// subscribers (WebSocket clients, tests) without ever blocking the
// publishing stage runner.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// DefaultQueueSize bounds a subscription's backlog before old events drop.
const DefaultQueueSize = 32

// Event describes one step of a stage run for one file.
type Event struct {
	FileID    string      `json:"file_id"`
	Stage     store.Stage `json:"stage"`
	Progress  int         `json:"progress"`
	Message   string      `json:"message"`
	Error     string      `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Terminal reports whether this is the final event of a stage run. Terminal
// events are delivered to every live subscriber no matter how far behind it
// is.
func (e Event) Terminal() bool {
	return e.Progress >= 100
}

// Bus is the in-process publish/subscribe channel for progress events.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	closed    bool
}

// NewBus creates a bus whose subscriptions buffer up to queueSize events.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
	}
}

// Publish delivers the event to every matching subscription. Never blocks:
// slow subscribers lose their oldest non-terminal events instead.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.matches(ev.FileID) {
			sub.push(ev)
		}
	}
}

// Subscribe registers a new subscriber. An empty fileID delivers all events;
// otherwise only events for that file are delivered. The caller must
// eventually call Unsubscribe.
func (b *Bus) Subscribe(fileID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		fileID: fileID,
		max:    b.queueSize,
		wake:   make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	if b.closed {
		close(sub.done)
		close(sub.out)
		return sub
	}
	b.subs[sub.id] = sub
	go sub.pump()
	return sub
}

// Unsubscribe removes the subscription and closes its event channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.stop()
}

// Close shuts the bus down and terminates every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	slog.Info("Progress bus closed", "subscribers", len(subs))
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is one subscriber's bounded view of the event stream.
type Subscription struct {
	id     uint64
	fileID string
	max    int

	mu    sync.Mutex
	queue []Event

	wake     chan struct{}
	out      chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// Events returns the subscriber's channel. It is closed when the
// subscription is removed or the bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// FileID returns the subscription's filter; empty means all files.
func (s *Subscription) FileID() string {
	return s.fileID
}

func (s *Subscription) matches(fileID string) bool {
	return s.fileID == "" || s.fileID == fileID
}

// push enqueues an event, evicting the oldest non-terminal event when the
// queue is over its bound. Terminal events are never evicted, so the queue
// may exceed its bound by the number of in-flight stages.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	if len(s.queue) > s.max {
		for i, queued := range s.queue {
			if !queued.Terminal() {
				slog.Warn("Progress subscriber queue full, dropping event",
					"subscriber_id", s.id,
					"file_id", queued.FileID,
					"stage", queued.Stage,
					"progress", queued.Progress)
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the queue to the subscriber channel until stopped.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

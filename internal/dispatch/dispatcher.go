// internal/dispatch/dispatcher.go
package dispatch

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event fanned out to subscribers.
type EventType string

const (
	BookingCreated   EventType = "booking.created"
	BookingConfirmed EventType = "booking.confirmed"
	BookingModified  EventType = "booking.modified"
	BookingCancelled EventType = "booking.cancelled"
	BookingCompleted EventType = "booking.completed"
	BookingRefunded  EventType = "booking.refunded"
	HoldExpired      EventType = "hold.expired"
)

// Event is immutable once emitted. Delivery retries are the subscriber's
// concern; the dispatcher attempts each delivery at most once.
type Event struct {
	Type      EventType      `json:"type"`
	BookingID uuid.UUID      `json:"booking_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler receives events. A slow or panicking handler only affects the
// queue of its own booking, never the command path.
type Handler func(Event)

const defaultQueueSize = 256

// Dispatcher fans lifecycle events out to subscribers. Subscriptions are
// scoped to the instance; lifecycle is tied to engine startup and shutdown.
// Events for one booking are delivered in the order they were published;
// order across handlers for a single event is undefined.
type Dispatcher struct {
	mu        sync.Mutex
	subs      map[EventType][]Handler
	queues    map[uuid.UUID]chan Event
	wg        sync.WaitGroup
	closed    bool
	queueSize int
}

func New() *Dispatcher {
	return &Dispatcher{
		subs:      make(map[EventType][]Handler),
		queues:    make(map[uuid.UUID]chan Event),
		queueSize: defaultQueueSize,
	}
}

// Subscribe registers handler for the given event types.
func (d *Dispatcher) Subscribe(types []EventType, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range types {
		d.subs[t] = append(d.subs[t], handler)
	}
}

// Publish enqueues the event on its booking's delivery queue and returns
// immediately. Best effort: if the queue is full or the dispatcher is closed
// the event is dropped with a log line.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		log.Printf("dispatch: dropping %s for %s: dispatcher closed", ev.Type, ev.BookingID)
		return
	}
	q, ok := d.queues[ev.BookingID]
	if !ok {
		q = make(chan Event, d.queueSize)
		d.queues[ev.BookingID] = q
		d.wg.Add(1)
		go d.deliver(ev.BookingID, q)
	}
	// The send stays under the lock so Close cannot close the queue mid-send;
	// it never blocks because the channel send is non-blocking.
	select {
	case q <- ev:
	default:
		log.Printf("dispatch: dropping %s for %s: queue full", ev.Type, ev.BookingID)
	}
	d.mu.Unlock()
}

// deliver drains one booking's queue, preserving publish order. When the
// queue runs empty the worker retires itself so idle bookings do not pin a
// goroutine and a buffer for the process lifetime; the next publish for the
// booking starts a fresh one.
func (d *Dispatcher) deliver(id uuid.UUID, q chan Event) {
	defer d.wg.Done()
	for {
		var ev Event
		var ok bool
		select {
		case ev, ok = <-q:
			if !ok {
				return
			}
		default:
			// Publish sends under the same lock, so nothing slips in
			// between the emptiness check and the delete.
			d.mu.Lock()
			if len(q) == 0 {
				if !d.closed {
					delete(d.queues, id)
				}
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			continue
		}

		d.mu.Lock()
		handlers := make([]Handler, len(d.subs[ev.Type]))
		copy(handlers, d.subs[ev.Type])
		d.mu.Unlock()

		for _, h := range handlers {
			d.invoke(h, ev)
		}
	}
}

func (d *Dispatcher) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatch: handler panic on %s for %s: %v", ev.Type, ev.BookingID, r)
		}
	}()
	h(ev)
}

// Close stops accepting events, drains the in-flight queues, and waits for
// delivery workers to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

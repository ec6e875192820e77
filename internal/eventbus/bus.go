// Package eventbus fans out in-process notifications (trigger fired, dispatch
// finished, config reloaded) to any number of buffered listeners.
//
// Publishing never blocks: a listener whose buffer is full misses the event.
package eventbus

import (
	"sync"
	"time"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

type listener struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// offer hands e to the listener unless it is closed or full.
func (l *listener) offer(e Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.ch <- e:
		return true
	default:
		return false
	}
}

func (l *listener) close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
}

type fanout struct {
	mu        sync.RWMutex
	listeners map[*listener]struct{}
}

// New returns an in-memory Bus. It starts no goroutines.
func New() Bus {
	return &fanout{listeners: make(map[*listener]struct{})}
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	targets := make([]*listener, 0, len(f.listeners))
	for l := range f.listeners {
		targets = append(targets, l)
	}
	f.mu.RUnlock()

	for _, l := range targets {
		l.offer(e)
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	l := &listener{ch: make(chan Event, buffer)}
	f.mu.Lock()
	f.listeners[l] = struct{}{}
	f.mu.Unlock()

	return l.ch, func() {
		f.mu.Lock()
		delete(f.listeners, l)
		f.mu.Unlock()
		l.close()
	}
}

// Publish stamps and publishes an event on b; a nil bus is ignored.
func Publish(b Bus, typ string, data any) {
	if b != nil {
		b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
	}
}

package session

import (
	"context"
	"sync"
	"time"
)

const (
	// EventViewChanged signals that the session's visible state changed.
	EventViewChanged = "view-change"
	// EventClosed signals that the session ended; the stream closes after it.
	EventClosed = "closed"
)

// Event notifies watchers of a session that its state changed. Watchers pull the state itself
// with Controller.State, so a notification still queued absorbs later ones.
type Event struct {
	SessionID string
	Type      string
	Timestamp time.Time
}

// Dispatcher fans session events out to watchers. Every watcher stream is closed when its
// session publishes EventClosed, so consumers can range over it.
type Dispatcher struct {
	mu       sync.RWMutex
	sessions map[string]map[*watcher]struct{}
	ended    map[string]bool
}

type watcher struct {
	stream chan Event
	once   sync.Once
}

func (w *watcher) close() {
	w.once.Do(func() { close(w.stream) })
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		sessions: make(map[string]map[*watcher]struct{}),
		ended:    make(map[string]bool),
	}
}

// Subscribe registers a watcher for the session until ctx ends, the returned cleanup runs or the
// session closes. The stream of an unknown or already closed session is closed at once.
func (d *Dispatcher) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func()) {
	w := &watcher{stream: make(chan Event, 1)}
	d.mu.Lock()
	if sessionID == "" || d.ended[sessionID] {
		d.mu.Unlock()
		w.close()
		return w.stream, func() {}
	}
	if d.sessions[sessionID] == nil {
		d.sessions[sessionID] = make(map[*watcher]struct{})
	}
	d.sessions[sessionID][w] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(stop)
			d.unregister(sessionID, w)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-stop:
		}
	}()
	return w.stream, cleanup
}

// Publish notifies every watcher of the event's session without blocking. EventClosed is
// delivered where there is room, then every stream of the session is closed.
func (d *Dispatcher) Publish(event Event) {
	if event.SessionID == "" || event.Type == "" {
		return
	}
	if event.Type == EventClosed {
		d.end(event)
		return
	}
	// Sends happen under the read lock so end never closes a stream mid-send.
	d.mu.RLock()
	defer d.mu.RUnlock()
	for w := range d.sessions[event.SessionID] {
		select {
		case w.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) end(event Event) {
	d.mu.Lock()
	watchers := d.sessions[event.SessionID]
	delete(d.sessions, event.SessionID)
	d.ended[event.SessionID] = true
	d.mu.Unlock()
	for w := range watchers {
		select {
		case w.stream <- event:
		default:
		}
		w.close()
	}
}

// Forget drops the record of a closed session.
func (d *Dispatcher) Forget(sessionID string) {
	d.mu.Lock()
	delete(d.ended, sessionID)
	d.mu.Unlock()
}

// Watchers returns the number of watchers of the session.
func (d *Dispatcher) Watchers(sessionID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions[sessionID])
}

func (d *Dispatcher) unregister(sessionID string, w *watcher) {
	d.mu.Lock()
	if watchers := d.sessions[sessionID]; watchers != nil {
		delete(watchers, w)
		if len(watchers) == 0 {
			delete(d.sessions, sessionID)
		}
	}
	d.mu.Unlock()
}

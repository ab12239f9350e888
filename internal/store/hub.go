package store

import (
	"sync"
)

// changeHub fans document changes out to in-process watchers. Each watcher owns a
// goroutine and an unbounded queue so publishers never block and per-watcher order
// matches publish order.
type changeHub struct {
	mu       sync.Mutex
	watchers map[string]map[int64]*watcher
	nextID   int64
}

type changeEvent struct {
	document Document
	exists   bool
}

type watcher struct {
	id       int64
	address  string
	onChange ChangeHandler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []changeEvent
	closed bool
}

func newChangeHub() *changeHub {
	return &changeHub{
		watchers: make(map[string]map[int64]*watcher),
	}
}

// register adds a watcher for the address and queues the initial state. Callers hold
// the owning store's lock so no commit can interleave between the read and the registration.
func (h *changeHub) register(address string, initial changeEvent, onChange ChangeHandler) *watcher {
	h.mu.Lock()
	h.nextID++
	w := &watcher{
		id:       h.nextID,
		address:  address,
		onChange: onChange,
	}
	w.cond = sync.NewCond(&w.mu)
	if _, ok := h.watchers[address]; !ok {
		h.watchers[address] = make(map[int64]*watcher)
	}
	h.watchers[address][w.id] = w
	h.mu.Unlock()

	w.enqueue(initial)
	go w.run()
	return w
}

func (h *changeHub) unregister(w *watcher) {
	h.mu.Lock()
	watchers := h.watchers[w.address]
	if watchers != nil {
		delete(watchers, w.id)
		if len(watchers) == 0 {
			delete(h.watchers, w.address)
		}
	}
	h.mu.Unlock()
	w.close()
}

func (h *changeHub) publish(address string, event changeEvent) {
	h.mu.Lock()
	watchers := h.watchers[address]
	if len(watchers) == 0 {
		h.mu.Unlock()
		return
	}
	copies := make([]*watcher, 0, len(watchers))
	for _, w := range watchers {
		copies = append(copies, w)
	}
	h.mu.Unlock()

	for _, w := range copies {
		w.enqueue(changeEvent{document: event.document.Clone(), exists: event.exists})
	}
}

func (h *changeHub) watcherCount(address string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[address])
}

func (w *watcher) enqueue(event changeEvent) {
	w.mu.Lock()
	if !w.closed {
		w.queue = append(w.queue, event)
		w.cond.Signal()
	}
	w.mu.Unlock()
}

func (w *watcher) close() {
	w.mu.Lock()
	w.closed = true
	w.queue = nil
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *watcher) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		event := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.onChange(event.document, event.exists)
	}
}

package kv

import (
	"sync"

	"github.com/PaulBabatuyi/neptalk/internal/normalize"
)

// defaultWatchBuffer is how many undelivered events a watcher may hold
// before the oldest one is discarded in favour of the newest.
const defaultWatchBuffer = 16

// hub manages active watchers for a backend. It maps paths to one or more
// subscriptions so a committed write can be pushed to every watcher of
// that path.
type hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*subscription
	nextID int64
	buffer int
	closed bool
	quit   chan struct{}
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = defaultWatchBuffer
	}
	return &hub{
		subs:   make(map[string]map[int64]*subscription),
		buffer: buffer,
		quit:   make(chan struct{}),
	}
}

// subscription buffers events for one watcher. Events published before the
// watcher has received its initial value are held back so the initial
// read can never overtake a newer change.
type subscription struct {
	mu      sync.Mutex
	ch      chan Event
	primed  bool
	pending *Event
	closed  bool
}

func (s *subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if !s.primed {
		s.pending = &ev
		return
	}
	s.offerLocked(ev)
}

func (s *subscription) prime(initial Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.primed = true
	s.offerLocked(initial)
	if s.pending != nil {
		s.offerLocked(*s.pending)
		s.pending = nil
	}
}

// offerLocked never blocks: a full buffer drops its oldest event.
func (s *subscription) offerLocked(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// register adds a watcher for path and returns its id, which must be used
// later to unregister it.
func (h *hub) register(path string) (int64, *subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, nil, ErrClosed
	}
	if _, ok := h.subs[path]; !ok {
		h.subs[path] = make(map[int64]*subscription)
	}

	h.nextID++
	id := h.nextID
	sub := &subscription{ch: make(chan Event, h.buffer)}
	h.subs[path][id] = sub
	return id, sub, nil
}

// unregister removes a watcher and closes its channel.
func (h *hub) unregister(path string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subs[path]; ok {
		if sub, ok := subs[id]; ok {
			sub.close()
			delete(subs, id)
		}
		if len(subs) == 0 {
			delete(h.subs, path)
		}
	}
}

// publish pushes ev to every watcher of ev.Path. Each watcher receives its
// own copy of the value.
func (h *hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[ev.Path] {
		cp := ev
		cp.Value = normalize.Value(ev.Value)
		sub.deliver(cp)
	}
}

// watchers reports the number of active watchers for path.
func (h *hub) watchers(path string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[path])
}

// closeAll closes every watcher; later registrations fail with ErrClosed.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.quit)
	for path, subs := range h.subs {
		for _, sub := range subs {
			sub.close()
		}
		delete(h.subs, path)
	}
}

// dropAll closes every current watcher but, unlike closeAll, keeps
// accepting new ones.
func (h *hub) dropAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for path, subs := range h.subs {
		for _, sub := range subs {
			sub.close()
			n++
		}
		delete(h.subs, path)
	}
	return n
}

// stream registers a watcher, primes it with the value returned by current
// and unregisters it once done is closed.
func (h *hub) stream(done <-chan struct{}, path string, current func() (Event, error)) (<-chan Event, error) {
	id, sub, err := h.register(path)
	if err != nil {
		return nil, err
	}
	return h.attach(done, path, id, sub, current)
}

// attach finishes what stream starts for a watcher that is already
// registered.
func (h *hub) attach(done <-chan struct{}, path string, id int64, sub *subscription, current func() (Event, error)) (<-chan Event, error) {
	initial, err := current()
	if err != nil {
		h.unregister(path, id)
		return nil, err
	}
	sub.prime(initial)

	go func() {
		select {
		case <-done:
		case <-h.quit:
		}
		h.unregister(path, id)
	}()
	return sub.ch, nil
}

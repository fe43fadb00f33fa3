package events

import (
	"log/slog"
	"sync"
)

// maxQueued bounds a subscriber's backlog of lossy events.
const maxQueued = 1024

// Bus fans events out to subscribers. Each subscriber has its own queue and
// pump goroutine, so a slow subscriber never blocks Publish or other
// subscribers. Progress and CacheProgress may be coalesced or dropped for a
// subscriber that falls behind; every other event is delivered in order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

type subscriber struct {
	out    chan Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	queue   []Event
	dropped int
}

// Subscribe registers a new subscriber. The returned channel is closed after
// unsubscribe is called or the bus is closed.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{
		out:    make(chan Event, buffer),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
	return s.out, unsubscribe
}

// SubscribeFunc calls fn for every event on a dedicated goroutine.
func (b *Bus) SubscribeFunc(fn func(Event)) func() {
	ch, unsubscribe := b.Subscribe(64)
	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()
	return unsubscribe
}

// Publish enqueues ev for every current subscriber. It never blocks on a
// subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.enqueue(ev)
	}
}

// Close unsubscribes everyone. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func lossy(ev Event) bool {
	switch ev.(type) {
	case Progress, CacheProgress:
		return true
	}
	return false
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if lossy(ev) && len(s.queue) > 0 {
		last := s.queue[len(s.queue)-1]
		if last.Kind() == ev.Kind() && JobOf(last) == JobOf(ev) {
			// 同类进度事件只保留最新的一个
			s.queue[len(s.queue)-1] = ev
			s.mu.Unlock()
			s.notify()
			return
		}
		if len(s.queue) >= maxQueued {
			s.dropped++
			if s.dropped == 1 {
				slog.Debug("订阅者处理过慢，丢弃进度事件", "kind", ev.Kind())
			}
			s.mu.Unlock()
			return
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.notify()
}

func (s *subscriber) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = nil
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

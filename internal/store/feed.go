package store

import "sync"

// notifier fans mutation events out to subscribers. Both store
// implementations embed it; callbacks run on the mutating goroutine.
type notifier struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

func (n *notifier) Subscribe(fn func(Event)) func() {
	n.mu.Lock()
	if n.subs == nil {
		n.subs = make(map[int]func(Event))
	}
	n.next++
	id := n.next
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) notify(event Event) {
	n.mu.Lock()
	fns := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

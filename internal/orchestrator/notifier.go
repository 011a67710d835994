package orchestrator

import "sync"

// Notifier fans task events out to subscribers. Stores embed one and call
// Publish after a write commits, outside any store lock. Callbacks run on
// the publisher's goroutine and must not block.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	teamID string // "" = every team.
	fn     func(TaskEvent)
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]subscription)}
}

// Subscribe registers fn for events of teamID ("" = all teams).
func (n *Notifier) Subscribe(teamID string, fn func(TaskEvent)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = subscription{teamID: teamID, fn: fn}
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// Publish delivers ev to every matching subscriber.
func (n *Notifier) Publish(ev TaskEvent) {
	n.mu.RLock()
	fns := make([]func(TaskEvent), 0, len(n.subs))
	for _, s := range n.subs {
		if s.teamID == "" || s.teamID == ev.TeamID {
			fns = append(fns, s.fn)
		}
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len returns the number of live subscriptions.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

package store

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

type subscriber struct {
	sessionID string
	ch        chan Event
}

// feed fans committed-write events out to subscribers. Publishing never
// blocks; a subscriber whose buffer is full misses the event.
type feed struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	next   int
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[int]*subscriber)}
}

func (f *feed) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (f *feed) add(sessionID string) (int, chan Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if f.closed {
		close(ch)
		return -1, ch
	}
	id := f.next
	f.next++
	f.subs[id] = &subscriber{sessionID: sessionID, ch: ch}
	return id, ch
}

func (f *feed) remove(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(sub.ch)
	}
}

func (f *feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
}

// Subscribe streams events for sessionID, or for every session when
// sessionID is empty. The channel closes when ctx ends or the store closes.
func (s *Store) Subscribe(ctx context.Context, sessionID string) <-chan Event {
	id, ch := s.feed.add(sessionID)
	if id >= 0 {
		go func() {
			select {
			case <-ctx.Done():
			case <-s.quit:
			}
			s.feed.remove(id)
		}()
	}
	return ch
}

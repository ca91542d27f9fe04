// Package events allows websocket clients to subscribe to the raw event
// messages produced by the coordinator and the block producers.
package events

import (
	"fmt"
	"sync"
)

// messageBuffer is how many events a slow subscriber can fall behind before
// messages start being dropped for it.
const messageBuffer = 100

// Events maintains a mapping of unique id and channels so goroutines
// can register and receive events.
type Events struct {
	mu sync.RWMutex
	m  map[string]chan string
}

// New constructs an events for registering and receiving events.
func New() *Events {
	return &Events{
		m: make(map[string]chan string),
	}
}

// Shutdown closes and removes all channels that were provided by
// the call to Acquire.
func (evt *Events) Shutdown() {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for id, ch := range evt.m {
		delete(evt.m, id)
		close(ch)
	}
}

// Acquire takes a unique id and returns a channel that can be used
// to receive events. Acquiring the same id twice returns the same channel.
func (evt *Events) Acquire(id string) <-chan string {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	ch, exists := evt.m[id]
	if exists {
		return ch
	}

	ch = make(chan string, messageBuffer)
	evt.m[id] = ch

	return ch
}

// Release closes and removes the channel that was provided by
// the call to Acquire.
func (evt *Events) Release(id string) error {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	ch, exists := evt.m[id]
	if !exists {
		return fmt.Errorf("id %q does not exist", id)
	}

	delete(evt.m, id)
	close(ch)

	return nil
}

// Len returns the number of subscribers.
func (evt *Events) Len() int {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	return len(evt.m)
}

// Send signals a message to every registered channel. Send will not block
// waiting for a receiver on any given channel.
func (evt *Events) Send(s string) {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	for _, ch := range evt.m {
		select {
		case ch <- s:
		default:
		}
	}
}

package events

import (
	"sync"
)

// ChannelEvent provides pub/sub behavior using channels.
// Sends never block: a listener whose channel is full misses that value.
type ChannelEvent[T any] struct {
	mu                    sync.RWMutex
	channels              map[uint64]chan<- T
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             *T
}

// NewChannelEvent creates a new ChannelEvent instance.
// sendLastEventOnListen: if true, the last notified value is sent to every new listener.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:              make(map[uint64]chan<- T),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers a channel to receive values when Notify is invoked.
// Returns a deregistration function.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	var last *T
	if e.sendLastEventOnListen && e.lastEvent != nil {
		v := *e.lastEvent
		last = &v
	}
	e.mu.Unlock()

	if last != nil {
		select {
		case ch <- *last:
		default:
		}
	}

	return func() {
		e.mu.Lock()
		delete(e.channels, id)
		e.mu.Unlock()
	}
}

// Notify sends the value to all registered channels and returns how many
// listeners were skipped because their channel was full.
func (e *ChannelEvent[T]) Notify(value T) int {
	e.mu.Lock()
	if e.sendLastEventOnListen {
		v := value
		e.lastEvent = &v
	}
	channelsCopy := make([]chan<- T, 0, len(e.channels))
	for _, ch := range e.channels {
		channelsCopy = append(channelsCopy, ch)
	}
	e.mu.Unlock()

	dropped := 0
	for _, ch := range channelsCopy {
		select {
		case ch <- value:
		default:
			dropped++
		}
	}
	return dropped
}

// ListenerCount returns the current number of registered listeners
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}

package registry

import (
	"fmt"
	"sync"

	"github.com/voltlab/cellbench/channelio"
)

// Callback is a user-supplied reaction invoked on a worker with a snapshot of
// channel data. Callbacks may enqueue further tasks and mutate the registry,
// including unregistering themselves. Two invocations for the same channel
// can run in parallel on different workers; callbacks that need strict
// serialization must serialize internally.
type Callback func(channel uint32, snapshot channelio.Snapshot)

// Entry pairs a callback with its stable index.
type Entry struct {
	Index    uint64
	Callback Callback
}

type channelSlot struct {
	next    uint64
	entries []Entry
}

// Registry keeps an ordered callback list per channel. Indices are monotone
// per channel and never reused within a session, so a callback can remove
// itself or a sibling while concurrent registrations are in flight.
type Registry struct {
	mu    sync.Mutex
	slots []channelSlot
}

// New creates a registry for maxChannels channels.
func New(maxChannels int) *Registry {
	if maxChannels <= 0 {
		maxChannels = 1
	}
	return &Registry{slots: make([]channelSlot, maxChannels)}
}

func (r *Registry) slot(channel uint32) (*channelSlot, error) {
	if int(channel) >= len(r.slots) {
		return nil, fmt.Errorf("unknown channel %d (max %d)", channel, len(r.slots)-1)
	}
	return &r.slots[channel], nil
}

// Register appends cb to the channel list and returns its stable index.
func (r *Registry) Register(channel uint32, cb Callback) (uint64, error) {
	return r.RegisterWith(channel, func(uint64) Callback { return cb })
}

// RegisterWith allocates the stable index first and builds the callback from
// it, so a reaction can capture its own index for later self-unregistration
// without racing the ingestor.
func (r *Registry) RegisterWith(channel uint32, build func(index uint64) Callback) (uint64, error) {
	if build == nil {
		return 0, fmt.Errorf("callback builder must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(channel)
	if err != nil {
		return 0, err
	}
	index := s.next
	s.next++
	cb := build(index)
	if cb == nil {
		return 0, fmt.Errorf("callback must not be nil")
	}
	s.entries = append(s.entries, Entry{Index: index, Callback: cb})
	return index, nil
}

// Unregister removes the callback at the stable index. It reports whether an
// entry was removed; removing an already-gone index is not an error.
func (r *Registry) Unregister(channel uint32, index uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(channel)
	if err != nil {
		return false
	}
	for i, e := range s.entries {
		if e.Index == index {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// UnregisterAll drops every callback for the channel. The index counter keeps
// advancing so indices stay unique for the session.
func (r *Registry) UnregisterAll(channel uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(channel)
	if err != nil {
		return
	}
	s.entries = nil
}

// Snapshot returns a point-in-time copy of the channel's entries in
// registration order. Mutating the registry afterwards does not affect the
// returned slice.
func (r *Registry) Snapshot(channel uint32) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(channel)
	if err != nil || len(s.entries) == 0 {
		return nil
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Resolve looks up a callback by stable index. The second return is false if
// the callback has been unregistered since the lookup key was issued.
func (r *Registry) Resolve(channel uint32, index uint64) (Callback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(channel)
	if err != nil {
		return nil, false
	}
	for _, e := range s.entries {
		if e.Index == index {
			return e.Callback, true
		}
	}
	return nil, false
}

// Count reports the number of callbacks registered for the channel.
func (r *Registry) Count(channel uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slot(channel)
	if err != nil {
		return 0
	}
	return len(s.entries)
}

// Clear drops every callback on every channel. Used during shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.slots[i].entries = nil
	}
}

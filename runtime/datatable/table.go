package datatable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/voltlab/cellbench/channelio"
)

type entry struct {
	mu         sync.RWMutex
	values     channelio.Snapshot
	subscribed atomic.Bool
}

// Table maps channel ids to their latest measurement snapshot plus a
// subscription flag. The channel count is fixed at construction.
//
// The ingestor is the primary writer; data tasks merge derived keys back in
// and workers read snapshots concurrently. Per-channel locking guarantees a
// reader sees either the pre-merge or the post-merge state of one Update
// call, never a partial merge.
type Table struct {
	channels []entry
}

// New creates a table for maxChannels channels, all unsubscribed.
func New(maxChannels int) *Table {
	if maxChannels <= 0 {
		maxChannels = 1
	}
	return &Table{channels: make([]entry, maxChannels)}
}

// Channels reports the fixed channel count.
func (t *Table) Channels() int {
	return len(t.channels)
}

func (t *Table) entryFor(channel uint32) (*entry, error) {
	if int(channel) >= len(t.channels) {
		return nil, fmt.Errorf("unknown channel %d (max %d)", channel, len(t.channels)-1)
	}
	return &t.channels[channel], nil
}

// Update merges incoming key-by-key into the channel snapshot. Existing keys
// are overwritten, absent keys are added, none removed.
func (t *Table) Update(channel uint32, incoming channelio.Snapshot) error {
	e, err := t.entryFor(channel)
	if err != nil {
		return err
	}
	if len(incoming) == 0 {
		return nil
	}
	e.mu.Lock()
	if e.values == nil {
		e.values = make(channelio.Snapshot, len(incoming))
	}
	for k, v := range incoming {
		e.values[k] = v
	}
	e.mu.Unlock()
	return nil
}

// Snapshot returns an independent copy of the channel data suitable for
// handing to callbacks.
func (t *Table) Snapshot(channel uint32) (channelio.Snapshot, error) {
	e, err := t.entryFor(channel)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.values == nil {
		return channelio.Snapshot{}, nil
	}
	return e.values.Clone(), nil
}

// Subscribe enables callback fan-out for the channel.
func (t *Table) Subscribe(channel uint32) error {
	e, err := t.entryFor(channel)
	if err != nil {
		return err
	}
	e.subscribed.Store(true)
	return nil
}

// Unsubscribe disables callback fan-out for the channel.
func (t *Table) Unsubscribe(channel uint32) error {
	e, err := t.entryFor(channel)
	if err != nil {
		return err
	}
	e.subscribed.Store(false)
	return nil
}

// IsSubscribed reports the subscription flag. Unknown channels read as false.
func (t *Table) IsSubscribed(channel uint32) bool {
	e, err := t.entryFor(channel)
	if err != nil {
		return false
	}
	return e.subscribed.Load()
}

// Subscribed returns the ids of all currently subscribed channels.
func (t *Table) Subscribed() []uint32 {
	out := make([]uint32, 0)
	for i := range t.channels {
		if t.channels[i].subscribed.Load() {
			out = append(out, uint32(i))
		}
	}
	return out
}

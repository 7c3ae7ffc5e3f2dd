// Package timers keeps one pending delayed task per key.
//
// Scheduling a key that already has a pending task replaces it, so
// superseding work never stacks. Cancel means "do not fire": a task whose
// callback already started is not interrupted.
package timers

import (
	"sort"
	"sync"
	"time"
)

// Key identifies one pending task. ParticipantID is empty for
// thread-scoped work.
type Key struct {
	Scope         string
	ThreadID      string
	ParticipantID string
}

// Entry is a read-only view of one pending task.
type Entry struct {
	Key    Key
	FireAt time.Time
}

type entry struct {
	key    Key
	fireAt time.Time
	timer  Timer
}

// Table stores pending tasks by key.
type Table struct {
	clock Clock

	mu      sync.Mutex
	entries map[Key]*entry
	stopped bool
}

func NewTable(clock Clock) *Table {
	if clock == nil {
		clock = RealClock{}
	}
	return &Table{
		clock:   clock,
		entries: make(map[Key]*entry),
	}
}

// Schedule arms fn to run after delay, replacing any pending task for key.
// It reports whether a pending task was replaced.
func (t *Table) Schedule(key Key, delay time.Duration, fn func()) bool {
	if delay < 0 {
		delay = 0
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	replaced := t.removeLocked(key)
	e := &entry{key: key, fireAt: t.clock.Now().Add(delay)}
	t.entries[key] = e
	t.mu.Unlock()

	// The clock may fire synchronously, so the lock is not held here.
	timer := t.clock.AfterFunc(delay, func() { t.fire(e, fn) })

	t.mu.Lock()
	if t.entries[key] == e {
		e.timer = timer
	}
	t.mu.Unlock()
	return replaced
}

// Cancel drops the pending task for key.
func (t *Table) Cancel(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(key)
}

// CancelWhere drops every pending task whose key matches and returns the count.
func (t *Table) CancelWhere(match func(Key) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key := range t.entries {
		if match(key) && t.removeLocked(key) {
			n++
		}
	}
	return n
}

// Has reports whether key has a pending task.
func (t *Table) Has(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Pending lists pending tasks ordered by fire time, then key.
func (t *Table) Pending() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, Entry{Key: e.key, FireAt: e.fireAt})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		a, b := out[i].Key, out[j].Key
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if a.ThreadID != b.ThreadID {
			return a.ThreadID < b.ThreadID
		}
		return a.ParticipantID < b.ParticipantID
	})
	return out
}

// Stop cancels everything and rejects further scheduling.
func (t *Table) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for key := range t.entries {
		t.removeLocked(key)
	}
}

func (t *Table) removeLocked(key Key) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.entries, key)
	return true
}

func (t *Table) fire(e *entry, fn func()) {
	t.mu.Lock()
	if t.entries[e.key] != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, e.key)
	t.mu.Unlock()
	fn()
}

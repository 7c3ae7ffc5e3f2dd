// Package locks is the registry of desired thread attribute values.
//
// The registry is the only source of desired state. Every Set is flushed to
// a Store before returning; a failed flush still leaves the new value in
// memory so enforcement continues for the life of the process.
package locks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownKind      = errors.New("locks: unknown kind")
	ErrThreadIDRequired = errors.New("locks: thread id required")
)

// Kind selects one of the per-thread lock maps.
type Kind string

const (
	KindGroupName Kind = "group_name"
	KindNickname  Kind = "nickname"
)

// Kinds lists every lock kind in load order.
func Kinds() []Kind {
	return []Kind{KindGroupName, KindNickname}
}

func (k Kind) Valid() bool {
	return k == KindGroupName || k == KindNickname
}

// ParseKind accepts the canonical names plus the short forms used in URLs.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(KindGroupName), "group", "groupname", "title":
		return KindGroupName, nil
	case string(KindNickname), "nick", "nicknames":
		return KindNickname, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// PersistenceError reports that a registry flush did not reach the store.
type PersistenceError struct {
	Kind Kind
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("locks: persist %s: %v", e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store is the durable backing for one map per kind.
type Store interface {
	// Load returns the persisted map for kind. A missing document is an
	// empty map, not an error.
	Load(kind Kind) (map[string]string, error)
	// Save replaces the persisted map for kind.
	Save(kind Kind, entries map[string]string) error
}

// Change describes one registry write.
type Change struct {
	Kind     Kind
	ThreadID string
	Value    string
	Previous string
	Existed  bool
}

// LoadError records a kind that could not be restored at startup.
type LoadError struct {
	Kind Kind
	Err  error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("locks: load %s: %v", e.Kind, e.Err)
}

// Registry holds desired values per kind and thread.
type Registry struct {
	store Store

	mu        sync.RWMutex
	entries   map[Kind]map[string]string
	listeners []func(Change)

	flushMu sync.Mutex
}

// Open loads every kind from store independently. Kinds that fail to load
// start empty and are reported in the returned slice.
func Open(store Store) (*Registry, []LoadError) {
	r := &Registry{
		store:   store,
		entries: make(map[Kind]map[string]string, len(Kinds())),
	}
	var loadErrs []LoadError
	for _, kind := range Kinds() {
		r.entries[kind] = make(map[string]string)
		if store == nil {
			continue
		}
		loaded, err := store.Load(kind)
		if err != nil {
			loadErrs = append(loadErrs, LoadError{Kind: kind, Err: err})
			continue
		}
		for threadID, value := range loaded {
			r.entries[kind][threadID] = value
		}
	}
	return r, loadErrs
}

// Get returns the desired value for a thread.
func (r *Registry) Get(kind Kind, threadID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.entries[kind][threadID]
	return value, ok
}

// Set records value for the thread and flushes the kind to the store.
// A *PersistenceError means the value is applied in memory only.
func (r *Registry) Set(kind Kind, threadID, value string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if strings.TrimSpace(threadID) == "" {
		return ErrThreadIDRequired
	}

	// Flushes are serialized so an older snapshot never lands after a newer one.
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	previous, existed := r.entries[kind][threadID]
	r.entries[kind][threadID] = value
	snapshot := cloneMap(r.entries[kind])
	listeners := append([]func(Change){}, r.listeners...)
	r.mu.Unlock()

	var flushErr error
	if r.store != nil {
		if err := r.store.Save(kind, snapshot); err != nil {
			flushErr = &PersistenceError{Kind: kind, Err: err}
		}
	}

	change := Change{Kind: kind, ThreadID: threadID, Value: value, Previous: previous, Existed: existed}
	for _, fn := range listeners {
		fn(change)
	}
	return flushErr
}

// OnChange registers fn to run after every Set, on the caller's goroutine.
func (r *Registry) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Snapshot copies the map for kind.
func (r *Registry) Snapshot(kind Kind) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneMap(r.entries[kind])
}

// Lock is one registry entry.
type Lock struct {
	Kind     Kind   `json:"kind"`
	ThreadID string `json:"thread_id"`
	Value    string `json:"value"`
}

// List returns every lock of the given kinds ordered by kind then thread.
// No kinds means all kinds.
func (r *Registry) List(kinds ...Kind) []Lock {
	if len(kinds) == 0 {
		kinds = Kinds()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Lock, 0)
	for _, kind := range kinds {
		threads := make([]string, 0, len(r.entries[kind]))
		for threadID := range r.entries[kind] {
			threads = append(threads, threadID)
		}
		sort.Strings(threads)
		for _, threadID := range threads {
			out = append(out, Lock{Kind: kind, ThreadID: threadID, Value: r.entries[kind][threadID]})
		}
	}
	return out
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

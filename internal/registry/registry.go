// Package registry tracks the bridge's concurrent sessions in a
// fixed-capacity slot table, the Go equivalent of the original
// implementation's client_t clients[MAX_CONNECTIONS] array and its
// find_first_free_client_slot scan.
//
// It is shaped as an explicit collaborator passed into the accept path
// rather than hidden as package-level mutable state, the way the teacher
// passes its own collaborators (config, CLI command) explicitly into
// constructors instead of reaching for globals.
package registry

import (
	"sync"
	"sync/atomic"
)

// Capacity is the maximum number of concurrent sessions the bridge will
// accept, mirroring MAX_CONNECTIONS in the original implementation.
const Capacity = 32

// Slot is one reservation in a [Registry]. Its alive flag is set by
// [Registry.Acquire] and cleared only by the bridge session that owns it
// (single writer); [Slot.Alive] reads it without a lock.
type Slot struct {
	alive atomic.Bool
	index int
	owner *Registry
}

// Alive reports whether the session occupying this slot is still running.
func (s *Slot) Alive() bool {
	return s.alive.Load()
}

// MarkDead flips the slot's alive flag off without releasing it, so the
// supervisor can observe that a session is winding down before it calls
// [Slot.Release].
func (s *Slot) MarkDead() {
	s.alive.Store(false)
}

// Release returns the slot to the registry's free pool.
func (s *Slot) Release() {
	s.owner.release(s.index)
}

// Registry is a fixed-capacity set of session slots. The zero value is
// an empty registry ready to use.
//
// Unlike the original's array of structs, scanned linearly with no
// synchronization at all (a single-threaded accept loop), Registry is
// safe for concurrent use from the accept loop and from slot-owning
// session goroutines.
type Registry struct {
	mu   sync.Mutex
	slot [Capacity]*Slot
}

// Acquire reserves and returns the first free [Slot], or false if the
// registry is at [Capacity].
func (r *Registry) Acquire() (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slot {
		if r.slot[i] == nil {
			s := &Slot{index: i, owner: r}
			s.alive.Store(true)
			r.slot[i] = s
			return s, true
		}
	}
	return nil, false
}

func (r *Registry) release(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slot[i] = nil
}

// InUse reports how many slots are currently occupied.
func (r *Registry) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.slot {
		if s != nil {
			n++
		}
	}
	return n
}

// Slots returns the occupied slots at the time of the call, for the
// supervisor to report shutdown drain progress (how many sessions are
// still winding down) while it waits for them to exit.
func (r *Registry) Slots() []*Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Slot, 0, Capacity)
	for _, s := range r.slot {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

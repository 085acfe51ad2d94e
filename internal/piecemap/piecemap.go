// Package piecemap tracks the completion state of every piece of a single
// torrent: a fixed-length array of tri-state slots guarded by one mutex and
// a condition variable, shared by every connection actor and the hasher
// pool.
package piecemap

import "sync"

// State is the tri-state completion status of a single piece slot.
type State uint8

const (
	Empty State = iota
	InProgress
	Complete
)

func (s State) String() string {
	switch s {
	case Empty:
		return "Empty"
	case InProgress:
		return "InProgress"
	case Complete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Map is the shared piece completion array. The zero value is not usable;
// construct with New.
type Map struct {
	mu    sync.Mutex
	avail *sync.Cond // signalled on any transition to Empty or Complete
	slots []State

	// remaining counts slots not yet Complete, so IsComplete and the
	// reserve-or-complete wait predicate don't need a full scan.
	remaining int
}

// New returns a Map with n slots, all Empty.
func New(n int) *Map {
	m := &Map{slots: make([]State, n), remaining: n}
	m.avail = sync.NewCond(&m.mu)
	return m
}

// Len returns the number of piece slots.
func (m *Map) Len() int { return len(m.slots) }

// State returns the current state of slot i.
func (m *Map) State(i int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[i]
}

// ReserveEmpty finds an Empty slot, transitions it to InProgress, and
// returns its index. If none is immediately available it blocks on the
// condition variable until either a slot becomes Empty, the map becomes
// fully Complete, or stop reports true. stop is consulted every time the
// condition variable wakes, so it also serves as the shutdown-signal check;
// pass a function that closes over an atomic or channel-based flag.
//
// Returns (0, false) if the map completed or stop fired before a
// reservation was made.
func (m *Map) ReserveEmpty(stop func() bool) (index int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if i, found := m.findEmptyLocked(); found {
			m.slots[i] = InProgress
			return i, true
		}
		if m.remaining == 0 || (stop != nil && stop()) {
			return 0, false
		}
		m.avail.Wait()
	}
}

func (m *Map) findEmptyLocked() (int, bool) {
	for i, s := range m.slots {
		if s == Empty {
			return i, true
		}
	}
	return 0, false
}

// Release transitions slot i from InProgress back to Empty and wakes
// waiters. Used when a connection actor abandons a reservation (peer
// disconnect, malformed data) or the hasher finds a hash mismatch.
func (m *Map) Release(i int) {
	m.mu.Lock()
	m.slots[i] = Empty
	m.mu.Unlock()
	m.avail.Broadcast()
}

// Complete transitions slot i from InProgress to Complete and wakes
// waiters.
func (m *Map) Complete(i int) {
	m.mu.Lock()
	m.slots[i] = Complete
	m.remaining--
	m.mu.Unlock()
	m.avail.Broadcast()
}

// SetComplete forces slot i directly to Complete regardless of its prior
// state, without going through the reserve/commit cycle. Marking a slot
// that is already Complete leaves the completed count unchanged.
func (m *Map) SetComplete(i int) {
	m.mu.Lock()
	if m.slots[i] != Complete {
		m.slots[i] = Complete
		m.remaining--
	}
	m.mu.Unlock()
	m.avail.Broadcast()
}

// IsComplete reports whether every slot is Complete.
func (m *Map) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining == 0
}

// IsReservable reports whether at least one slot is Empty.
func (m *Map) IsReservable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.findEmptyLocked()
	return found
}

// CompletedCount returns the number of Complete slots, used for progress
// reporting.
func (m *Map) CompletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots) - m.remaining
}

// Broadcast wakes every waiter in ReserveEmpty without changing any slot's
// state, used to unblock reservations on shutdown.
func (m *Map) Broadcast() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avail.Broadcast()
}

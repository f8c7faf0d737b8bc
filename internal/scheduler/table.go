package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

var (
	// ErrAlreadyInFlight is returned by Acquire when the unit is held.
	ErrAlreadyInFlight = errors.New("work unit already in flight")

	// ErrUnknownUnit is returned for addresses the table does not track.
	ErrUnknownUnit = errors.New("unknown work unit")

	// ErrTerminal is returned by Acquire for finished units.
	ErrTerminal = errors.New("work unit already finished")
)

// State is the lifecycle state of a work unit.
type State int

const (
	Pending State = iota
	InFlight
	Retrying
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions happen in this run.
func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// WorkUnit is one chunk address and its progress.
type WorkUnit struct {
	Address  grid.ChunkAddress
	State    State
	Attempts int
	Reason   string
}

// Table tracks every unit of a run. Workers are the only writers of their
// own units; status queries take the read lock.
type Table struct {
	mu    sync.RWMutex
	units map[grid.ChunkAddress]*WorkUnit
	order []grid.ChunkAddress
}

// NewTable creates a table with every address Pending. Duplicates are
// collapsed and the order is the sorted address order.
func NewTable(addrs []grid.ChunkAddress) *Table {
	t := &Table{units: make(map[grid.ChunkAddress]*WorkUnit, len(addrs))}
	for _, a := range addrs {
		if _, ok := t.units[a]; ok {
			continue
		}
		t.units[a] = &WorkUnit{Address: a, State: Pending}
		t.order = append(t.order, a)
	}
	grid.SortAddresses(t.order)
	return t
}

// Addresses returns the tracked addresses in dispatch order.
func (t *Table) Addresses() []grid.ChunkAddress {
	return append([]grid.ChunkAddress(nil), t.order...)
}

// Acquire moves a Pending or Retrying unit to InFlight and counts the
// attempt.
func (t *Table) Acquire(addr grid.ChunkAddress) (WorkUnit, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.units[addr]
	switch {
	case !ok:
		return WorkUnit{}, fmt.Errorf("%w: %s", ErrUnknownUnit, addr)
	case u.State == InFlight:
		return *u, fmt.Errorf("%w: %s", ErrAlreadyInFlight, addr)
	case u.State.Terminal():
		return *u, fmt.Errorf("%w: %s", ErrTerminal, addr)
	}
	u.State = InFlight
	u.Attempts++
	return *u, nil
}

// transition sets the state and reason of a unit and returns a copy.
func (t *Table) transition(addr grid.ChunkAddress, s State, reason string) WorkUnit {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.units[addr]
	u.State = s
	u.Reason = reason
	return *u
}

// Get returns a copy of one unit.
func (t *Table) Get(addr grid.ChunkAddress) (WorkUnit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.units[addr]
	if !ok {
		return WorkUnit{}, false
	}
	return *u, true
}

// Snapshot returns copies of all units in address order.
func (t *Table) Snapshot() []WorkUnit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]WorkUnit, 0, len(t.order))
	for _, a := range t.order {
		out = append(out, *t.units[a])
	}
	return out
}

// Counts returns the number of units per state.
func (t *Table) Counts() map[State]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[State]int, 5)
	for _, u := range t.units {
		out[u.State]++
	}
	return out
}

// Len returns the number of tracked units.
func (t *Table) Len() int { return len(t.order) }

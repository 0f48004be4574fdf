package protocol

import (
	"errors"
	"math/rand"
	"sync"
)

// flowState is the lifecycle stage of a flow table entry.
type flowState int

const (
	// flowRequested is set immediately after a CONNECT is sent, before the
	// peer's ACK arrives.
	flowRequested flowState = iota
	// flowBindRequested is set after a BIND is sent, awaiting FIN (accept)
	// or RST (reject) from the peer.
	flowBindRequested
	// flowEstablished means both sides have agreed on the stream and data
	// may flow. It is a one-way transition from flowRequested; it never
	// follows flowBindRequested.
	flowEstablished
)

// ErrFlowTableFull is returned by AllocateRequested and
// AllocateBindRequested when no free flow id could be found after a bounded
// number of random probes. With a 32-bit id space this should be
// unreachable in practice; it exists so allocation has a well-defined
// failure mode instead of spinning forever.
var ErrFlowTableFull = errors.New("protocol: flow table exhausted")

// maxAllocateAttempts bounds the random-probe loop in AllocateRequested and
// AllocateBindRequested.
const maxAllocateAttempts = 64

// connWaiter is signaled exactly once when a flowRequested entry resolves:
// with a non-nil endpoint on ACK (accepted), or nil on RST/removal
// (rejected).
type connWaiter chan *StreamEndpoint

// bindWaiter is signaled exactly once when a flowBindRequested entry
// resolves: nil on FIN (peer bound), non-nil on RST (peer refused).
type bindWaiter chan error

// entry is the value held per occupied flow id. Exactly one of the three
// payload fields is meaningful, selected by state.
type entry struct {
	state flowState

	connWait connWaiter // flowRequested
	bindWait bindWaiter // flowBindRequested
	est      *establishedState
	destHost string
	destPort uint16
}

// flowTable maps FlowId to its slot. All methods are safe for concurrent
// use; the lock is never held across a channel send that might block
// forever, only short unbuffered/buffered sends bounded by the waiter
// channels' own capacity of 1.
type flowTable struct {
	mu   sync.Mutex
	rows map[uint32]*entry
}

func newFlowTable() *flowTable {
	return &flowTable{rows: make(map[uint32]*entry)}
}

// AllocateRequested reserves a fresh, randomly chosen flow id in state
// flowRequested and returns it along with the waiter the caller must read
// from to learn the outcome.
func (t *flowTable) AllocateRequested() (uint32, connWaiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < maxAllocateAttempts; i++ {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, taken := t.rows[id]; taken {
			continue
		}
		w := make(connWaiter, 1)
		t.rows[id] = &entry{state: flowRequested, connWait: w}
		return id, w, nil
	}
	return 0, nil, ErrFlowTableFull
}

// AllocateBindRequested is AllocateRequested's BIND-side analogue.
func (t *flowTable) AllocateBindRequested() (uint32, bindWaiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < maxAllocateAttempts; i++ {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, taken := t.rows[id]; taken {
			continue
		}
		w := make(bindWaiter, 1)
		t.rows[id] = &entry{state: flowBindRequested, bindWait: w}
		return id, w, nil
	}
	return 0, nil, ErrFlowTableFull
}

// InsertEstablished reserves id directly in flowEstablished state, used by
// the accepting side processing an inbound CONNECT. It reports whether id
// was free.
func (t *flowTable) InsertEstablished(id uint32, est *establishedState, host string, port uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.rows[id]; taken {
		return false
	}
	t.rows[id] = &entry{state: flowEstablished, est: est, destHost: host, destPort: port}
	return true
}

// Establish transitions id from flowRequested to flowEstablished, storing
// est for future lookups, and returns the connWaiter so the caller can
// deliver the resulting StreamEndpoint. ok is false if id was not in
// flowRequested state (including: absent, already established, or a BIND
// id, which is a protocol violation by the peer).
func (t *flowTable) Establish(id uint32, est *establishedState) (connWaiter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rows[id]
	if !ok || e.state != flowRequested {
		return nil, false
	}
	w := e.connWait
	t.rows[id] = &entry{state: flowEstablished, est: est}
	return w, true
}

// Get returns a snapshot of the entry for id without mutating the table.
func (t *flowTable) Get(id uint32) (entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rows[id]
	if !ok {
		return entry{}, false
	}
	return *e, true
}

// Remove frees id, returning the removed entry (if any) so the caller can
// finish notifying its waiter.
func (t *flowTable) Remove(id uint32) (entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rows[id]
	if !ok {
		return entry{}, false
	}
	delete(t.rows, id)
	return *e, true
}

// Len reports the number of flow ids currently occupied.
func (t *flowTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// EstablishedSnapshot returns the established-state handles of every
// currently-established flow, for wind-down to notify.
func (t *flowTable) EstablishedSnapshot() []*establishedState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*establishedState, 0, len(t.rows))
	for _, e := range t.rows {
		if e.state == flowEstablished && e.est != nil {
			out = append(out, e.est)
		}
	}
	return out
}

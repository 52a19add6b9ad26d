package orb

import (
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
)

// ManagerState is the POA manager state machine
type ManagerState int32

const (
	// ManagerHolding queues incoming requests by deadline
	ManagerHolding ManagerState = iota
	// ManagerActive dispatches immediately
	ManagerActive
	// ManagerDiscarding rejects new requests with TRANSIENT
	ManagerDiscarding
	// ManagerInactive is terminal; new requests get OBJ_ADAPTER
	ManagerInactive
)

// DefaultManagerQueueCap bounds the pending queue; further enqueues get
// TRANSIENT.
const DefaultManagerQueueCap = 64

type pendingEntry struct {
	deadline core.Deadline
	seq      uint64
	ed       *core.ExecDomain
}

func pendingLess(a, b pendingEntry) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

// POAManager gates dispatch for the POAs attached to it. Requests arriving
// in HOLDING suspend on a deadline-ordered pending queue and are released
// in non-decreasing deadline order when the manager activates.
type POAManager struct {
	state atomic.Int32

	mu    sync.Mutex
	queue *btree.BTreeG[pendingEntry]
	seq   uint64
	cap   int
}

// NewPOAManager creates a manager in the initial HOLDING state
func NewPOAManager() *POAManager {
	return &POAManager{
		queue: btree.NewBTreeG(pendingLess),
		cap:   DefaultManagerQueueCap,
	}
}

// State returns the current manager state
func (m *POAManager) State() ManagerState {
	return ManagerState(m.state.Load())
}

// Activate moves to ACTIVE from HOLDING or DISCARDING and releases the
// pending queue in deadline order.
func (m *POAManager) Activate() error {
	for {
		cur := m.State()
		if cur == ManagerInactive {
			return objAdapter(corba.MinorAdapterInactive)
		}
		if cur == ManagerActive {
			return nil
		}
		if m.state.CompareAndSwap(int32(cur), int32(ManagerActive)) {
			break
		}
	}
	m.drain(nil)
	return nil
}

// HoldRequests moves to HOLDING
func (m *POAManager) HoldRequests() error {
	if m.State() == ManagerInactive {
		return objAdapter(corba.MinorAdapterInactive)
	}
	m.state.Store(int32(ManagerHolding))
	return nil
}

// DiscardRequests moves to DISCARDING; new requests get TRANSIENT
func (m *POAManager) DiscardRequests() error {
	if m.State() == ManagerInactive {
		return objAdapter(corba.MinorAdapterInactive)
	}
	m.state.Store(int32(ManagerDiscarding))
	return nil
}

// Deactivate is the terminal transition; queued requests drain with
// TRANSIENT.
func (m *POAManager) Deactivate() {
	m.state.Store(int32(ManagerInactive))
	m.drain(transientErr(corba.MinorDiscarding))
}

// drain resumes all queued EDs in deadline order, delivering err
func (m *POAManager) drain(err error) {
	for {
		m.mu.Lock()
		entry, ok := m.queue.PopMin()
		m.mu.Unlock()
		if !ok {
			return
		}
		entry.ed.Resume(err)
	}
}

// gate admits one request per the manager state. In HOLDING the calling ED
// suspends on the pending queue until a transition releases it; the wait
// observes the ED's deadline.
func (m *POAManager) gate(ed *core.ExecDomain) error {
	for {
		switch m.State() {
		case ManagerActive:
			return nil
		case ManagerDiscarding:
			return transientErr(corba.MinorDiscarding)
		case ManagerInactive:
			return objAdapter(corba.MinorAdapterInactive)
		}

		m.mu.Lock()
		if m.State() != ManagerHolding {
			m.mu.Unlock()
			continue
		}
		if m.queue.Len() >= m.cap {
			m.mu.Unlock()
			return transientErr(corba.MinorQueueFull)
		}
		m.seq++
		tk := ed.PrepareSuspend()
		entry := pendingEntry{deadline: ed.Deadline(), seq: m.seq, ed: ed}
		m.queue.Set(entry)
		m.mu.Unlock()

		err := ed.WaitSuspend(tk, ed.Deadline())
		if err == nil {
			continue // re-check the state we were released into
		}
		m.mu.Lock()
		m.queue.Delete(entry)
		m.mu.Unlock()
		if se, ok := corba.AsSystemException(err); ok && se.Name() == "TIMEOUT" {
			// Deadline exceeded while queued: retriable at the dispatch
			// boundary.
			return transientErr(0)
		}
		return err
	}
}

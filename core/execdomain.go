package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/auriga-os/nucleus/corba"
)

// ExecDomain is the unit of scheduling: a logical activity with a deadline,
// a security context, a memory context and a current sync context. At most
// one worker runs an ExecDomain at any instant; it changes sync context
// only across an explicit enter/leave.
type ExecDomain struct {
	sched *Scheduler
	seq   uint64

	deadline atomic.Int64 // current, possibly tightened
	base     atomic.Int64 // restored after urgency boosts

	security SecurityContext
	memCtx   *MemContext
	syncCtx  SyncContext

	grant chan struct{}

	mu   sync.Mutex
	wake chan error // non-nil only while suspended

	// TLS slot for the PortableServer call context stack
	calls []interface{}
}

func newExecDomain(s *Scheduler, deadline Deadline, sec SecurityContext, mem *MemContext) *ExecDomain {
	ed := &ExecDomain{
		sched:    s,
		seq:      s.seq.Add(1),
		security: sec,
		memCtx:   mem,
		grant:    make(chan struct{}, 1),
	}
	ed.deadline.Store(int64(deadline))
	ed.base.Store(int64(deadline))
	ed.syncCtx = s.FreeContext()
	return ed
}

// Deadline returns the ED's current (possibly tightened) deadline
func (ed *ExecDomain) Deadline() Deadline {
	return Deadline(ed.deadline.Load())
}

// BaseDeadline returns the deadline before any urgency boost
func (ed *ExecDomain) BaseDeadline() Deadline {
	return Deadline(ed.base.Load())
}

// Tighten temporarily raises the ED's urgency to d if d is earlier than the
// current deadline, returning the previous value for RestoreDeadline.
func (ed *ExecDomain) Tighten(d Deadline) Deadline {
	for {
		cur := ed.deadline.Load()
		if int64(d) >= cur {
			return Deadline(cur)
		}
		if ed.deadline.CompareAndSwap(cur, int64(d)) {
			return Deadline(cur)
		}
	}
}

// RestoreDeadline reverts a Tighten
func (ed *ExecDomain) RestoreDeadline(prev Deadline) {
	ed.deadline.Store(int64(prev))
}

// Security returns the ED's security context
func (ed *ExecDomain) Security() SecurityContext {
	return ed.security
}

// SetSecurity installs the security context resolved for an incoming request
func (ed *ExecDomain) SetSecurity(sec SecurityContext) {
	ed.security = sec
}

// MemContext returns the ED's current memory context
func (ed *ExecDomain) MemContext() *MemContext {
	return ed.memCtx
}

// SyncContext returns the ED's current sync context
func (ed *ExecDomain) SyncContext() SyncContext {
	return ed.syncCtx
}

// Scheduler returns the owning scheduler
func (ed *ExecDomain) Scheduler() *Scheduler {
	return ed.sched
}

// PushCall pushes a call context onto the ED's TLS slot
func (ed *ExecDomain) PushCall(ctx interface{}) {
	ed.calls = append(ed.calls, ctx)
}

// PopCall pops the innermost call context
func (ed *ExecDomain) PopCall() interface{} {
	if len(ed.calls) == 0 {
		return nil
	}
	top := ed.calls[len(ed.calls)-1]
	ed.calls = ed.calls[:len(ed.calls)-1]
	return top
}

// CurrentCall returns the innermost call context without popping it
func (ed *ExecDomain) CurrentCall() interface{} {
	if len(ed.calls) == 0 {
		return nil
	}
	return ed.calls[len(ed.calls)-1]
}

// SuspendTicket is an armed suspension. Arming before publishing the ED
// on a wait list closes the window where a resumer could fire before the
// ED parks.
type SuspendTicket struct {
	ch chan error
}

// PrepareSuspend arms a suspension. The caller registers the ED on its
// wait list afterwards and then parks with WaitSuspend; a Resume landing
// in between is buffered.
func (ed *ExecDomain) PrepareSuspend() SuspendTicket {
	ed.mu.Lock()
	ch := make(chan error, 1)
	ed.wake = ch
	ed.mu.Unlock()
	return SuspendTicket{ch: ch}
}

// CancelSuspend disarms a ticket that will not be waited on
func (ed *ExecDomain) CancelSuspend(tk SuspendTicket) {
	ed.mu.Lock()
	if ed.wake == tk.ch {
		ed.wake = nil
	}
	ed.mu.Unlock()
}

// Suspend parks the ED until Resume is called, releasing its worker slot
// for the duration. The wait is bounded by limit; exceeding it returns
// TIMEOUT. A Resume carrying an exception re-raises it here, so an ED
// observes cancellation only at suspension points.
func (ed *ExecDomain) Suspend(limit Deadline) error {
	return ed.WaitSuspend(ed.PrepareSuspend(), limit)
}

// WaitSuspend parks on an armed ticket
func (ed *ExecDomain) WaitSuspend(tk SuspendTicket, limit Deadline) error {
	ch := tk.ch

	ed.sched.releaseSlot()

	var err error
	if limit == InfiniteDeadline {
		err = <-ch
	} else {
		rem := limit.Remaining()
		if rem < 0 {
			rem = 0
		}
		timer := time.NewTimer(rem)
		select {
		case err = <-ch:
			timer.Stop()
		case <-timer.C:
			ed.mu.Lock()
			if ed.wake == ch {
				ed.wake = nil
				err = corba.TIMEOUT(0, corba.CompletionStatusNo)
			} else {
				// Resume raced the timer; take its outcome.
				err = <-ch
			}
			ed.mu.Unlock()
		}
	}

	ed.sched.acquireSlot(ed)
	return err
}

// Resume wakes a suspended ED, delivering err (nil for a normal wakeup) to
// its Suspend call. It reports whether the ED was actually suspended.
func (ed *ExecDomain) Resume(err error) bool {
	ed.mu.Lock()
	ch := ed.wake
	ed.wake = nil
	ed.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- err
	return true
}

// Yield gives up the worker slot and re-queues by deadline
func (ed *ExecDomain) Yield() {
	ed.sched.releaseSlot()
	ed.sched.acquireSlot(ed)
}

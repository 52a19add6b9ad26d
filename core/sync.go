package core

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/auriga-os/nucleus/corba"
)

// SyncKind discriminates the sync context variants
type SyncKind int

const (
	// SyncFree allows parallel execution on the shared heap
	SyncFree SyncKind = iota
	// SyncDomainKind is a single-threaded cooperative island
	SyncDomainKind
	// SyncSingleton is a sync domain with process-wide identity
	SyncSingleton
	// SyncSingletonTerm is a singleton in termination
	SyncSingletonTerm
)

// SyncContext is the scheduling island an object belongs to. Entering one
// is a rescheduling point.
type SyncContext interface {
	Kind() SyncKind
	Memory() *MemContext

	enter(ed *ExecDomain) error
	leave(ed *ExecDomain)
}

// FreeContext is the parallel sync context: no mutual exclusion, shared
// heap.
type FreeContext struct {
	mem *MemContext
}

// Kind returns SyncFree
func (f *FreeContext) Kind() SyncKind { return SyncFree }

// Memory returns the shared heap context
func (f *FreeContext) Memory() *MemContext { return f.mem }

func (f *FreeContext) enter(*ExecDomain) error { return nil }
func (f *FreeContext) leave(*ExecDomain)       {}

// SyncDomain is a single-threaded cooperative island owning a memory
// context. An ED entering an occupied domain suspends on the domain's
// deadline-ordered wait list; the token transfers on leave. A waiter more
// urgent than the owner tightens the owner's deadline until it leaves.
type SyncDomain struct {
	kind SyncKind
	mem  *MemContext

	// moduleRef roots the owning module's code for the domain's lifetime
	moduleRef interface{}

	mu        sync.Mutex
	owner     *ExecDomain
	depth     int
	ownerPrev Deadline // owner deadline before inheritance boost
	boosted   bool
	waiters   *btree.BTreeG[readyEntry]
}

// NewSyncDomain creates a sync domain with its own memory context
func NewSyncDomain(name string) *SyncDomain {
	return &SyncDomain{
		kind:    SyncDomainKind,
		mem:     NewMemContext(name),
		waiters: btree.NewBTreeG(readyLess),
	}
}

// NewSingleton creates a sync domain with process-wide identity
func NewSingleton(name string) *SyncDomain {
	sd := NewSyncDomain(name)
	sd.kind = SyncSingleton
	return sd
}

// Kind returns the domain's variant
func (d *SyncDomain) Kind() SyncKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kind
}

// Memory returns the domain's memory context
func (d *SyncDomain) Memory() *MemContext { return d.mem }

// SetModule roots the owning module while the domain is alive
func (d *SyncDomain) SetModule(m interface{}) {
	d.moduleRef = m
}

// Module returns the rooted module, if any
func (d *SyncDomain) Module() interface{} { return d.moduleRef }

// BeginTermination marks a singleton as terminating
func (d *SyncDomain) BeginTermination() {
	d.mu.Lock()
	if d.kind == SyncSingleton {
		d.kind = SyncSingletonTerm
	}
	d.mu.Unlock()
}

// Held reports whether any ED currently owns the domain token
func (d *SyncDomain) Held() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner != nil
}

func (d *SyncDomain) enter(ed *ExecDomain) error {
	d.mu.Lock()
	if d.kind == SyncSingletonTerm {
		d.mu.Unlock()
		return corba.OBJECT_NOT_EXIST(0, corba.CompletionStatusNo)
	}
	if d.owner == nil {
		d.owner = ed
		d.depth = 1
		d.mu.Unlock()
		return nil
	}
	if d.owner == ed {
		// EnterContext short-circuits same-context re-entry before calling
		// enter, so this branch guards direct callers that bypass the
		// frame machinery; the depth count keeps their leaves balanced.
		d.depth++
		d.mu.Unlock()
		return nil
	}
	tk := ed.PrepareSuspend()
	d.waiters.Set(readyEntry{deadline: ed.Deadline(), seq: ed.seq, ed: ed})
	if ed.Deadline() < d.owner.Deadline() {
		// Priority inheritance: boost the owner until it leaves.
		prev := d.owner.Tighten(ed.Deadline())
		if !d.boosted {
			d.boosted = true
			d.ownerPrev = prev
		}
	}
	d.mu.Unlock()

	err := ed.WaitSuspend(tk, ed.Deadline())
	if err == nil {
		return nil
	}
	// Timed out or cancelled; but the token may have been handed to us in
	// the same instant.
	d.mu.Lock()
	if d.owner == ed {
		d.mu.Unlock()
		return nil
	}
	d.waiters.Delete(readyEntry{deadline: ed.Deadline(), seq: ed.seq, ed: ed})
	d.mu.Unlock()
	return err
}

func (d *SyncDomain) leave(ed *ExecDomain) {
	d.mu.Lock()
	if d.owner != ed {
		d.mu.Unlock()
		return
	}
	d.depth--
	if d.depth > 0 {
		d.mu.Unlock()
		return
	}
	if d.boosted {
		ed.RestoreDeadline(d.ownerPrev)
		d.boosted = false
	}
	next, ok := d.waiters.PopMin()
	if !ok {
		d.owner = nil
		d.mu.Unlock()
		return
	}
	d.owner = next.ed
	d.depth = 1
	d.mu.Unlock()
	next.ed.Resume(nil)
}

// SyncFrame is a scoped sync-context acquisition. Frames nest and unwind
// last-in-first-out, restoring the previous context and memory on Leave
// including the error path.
type SyncFrame struct {
	ed      *ExecDomain
	prev    SyncContext
	prevMem *MemContext
	target  SyncContext
	entered bool
}

// EnterContext enters target, recording the current (sync, memory) pair.
// Re-entry into the current sync domain is cheap; entering a free context
// from a sync domain releases the domain token so other activities may run
// there, and Leave re-queues for the domain with the original deadline.
func (ed *ExecDomain) EnterContext(target SyncContext) (*SyncFrame, error) {
	cur := ed.syncCtx
	f := &SyncFrame{ed: ed, prev: cur, prevMem: ed.memCtx, target: target}
	if cur == target {
		return f, nil
	}
	if sd, ok := cur.(*SyncDomain); ok {
		sd.leave(ed)
	}
	if err := target.enter(ed); err != nil {
		// Restore the previous domain before surfacing the failure.
		if sd, ok := cur.(*SyncDomain); ok {
			_ = sd.enter(ed)
		}
		return nil, err
	}
	f.entered = true
	ed.syncCtx = target
	if m := target.Memory(); m != nil {
		ed.memCtx = m
	}
	return f, nil
}

// Leave restores the context captured at EnterContext
func (f *SyncFrame) Leave() {
	if !f.entered {
		return
	}
	f.entered = false
	f.target.leave(f.ed)
	if sd, ok := f.prev.(*SyncDomain); ok {
		_ = sd.enter(f.ed)
	}
	f.ed.syncCtx = f.prev
	f.ed.memCtx = f.prevMem
}

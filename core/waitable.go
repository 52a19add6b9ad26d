package core

import (
	"sync"

	"github.com/auriga-os/nucleus/corba"
)

// WaitableRef is the runtime's universal lazy-initialization primitive: a
// publish-once cell that is either unconstructed (with a wait list),
// constructed with a value, or failed with an exception. The first caller
// of Initialize becomes the writer and must publish exactly one outcome;
// concurrent callers wait and observe the writer's outcome. Terminal
// states are immutable.
type WaitableRef[T any] struct {
	mu    sync.Mutex
	state refState
	val   T
	err   error

	writerDeadline Deadline
	ready          *Event
}

type refState int

const (
	refUnconstructed refState = iota
	refConstructing
	refConstructed
	refFailed
)

// Construction is the exclusive commit handle returned to the first writer
type Construction[T any] struct {
	ref  *WaitableRef[T]
	ed   *ExecDomain
	prev Deadline
	done bool
}

// NewWaitableRef creates an unconstructed reference
func NewWaitableRef[T any]() *WaitableRef[T] {
	return &WaitableRef[T]{ready: NewEvent()}
}

// NewConstructedRef creates a reference already holding v
func NewConstructedRef[T any](v T) *WaitableRef[T] {
	w := NewWaitableRef[T]()
	w.state = refConstructed
	w.val = v
	w.ready.Signal()
	return w
}

// Initialize claims the writer role. The first caller gets a commit handle
// and has its deadline tightened to the construction deadline until it
// publishes; later callers get nil and should Get instead. A published ref
// yields no handle.
func (w *WaitableRef[T]) Initialize(ed *ExecDomain, constructionDeadline Deadline) (*Construction[T], bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != refUnconstructed {
		return nil, false
	}
	w.state = refConstructing
	w.writerDeadline = constructionDeadline
	c := &Construction[T]{ref: w, ed: ed}
	if ed != nil {
		c.prev = ed.Tighten(constructionDeadline)
	}
	return c, true
}

// Finish publishes the constructed value and wakes all waiters. The
// writer's original deadline is restored.
func (c *Construction[T]) Finish(v T) {
	if c.done {
		return
	}
	c.done = true
	w := c.ref
	w.mu.Lock()
	w.state = refConstructed
	w.val = v
	w.mu.Unlock()
	if c.ed != nil {
		c.ed.RestoreDeadline(c.prev)
	}
	w.ready.Signal()
}

// Fail publishes an exception; all present and future readers observe it
func (c *Construction[T]) Fail(err error) {
	if c.done {
		return
	}
	c.done = true
	w := c.ref
	w.mu.Lock()
	w.state = refFailed
	w.err = err
	w.mu.Unlock()
	if c.ed != nil {
		c.ed.RestoreDeadline(c.prev)
	}
	w.ready.Signal()
}

// Published reports whether a terminal outcome has been committed
func (w *WaitableRef[T]) Published() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == refConstructed || w.state == refFailed
}

// Get waits for publication and returns the outcome. Readers arriving
// while construction is in progress inherit a wait bound no later than the
// writer's construction deadline.
func (w *WaitableRef[T]) Get(ed *ExecDomain) (T, error) {
	w.mu.Lock()
	switch w.state {
	case refConstructed:
		v := w.val
		w.mu.Unlock()
		return v, nil
	case refFailed:
		err := w.err
		w.mu.Unlock()
		var zero T
		return zero, err
	case refUnconstructed:
		w.mu.Unlock()
		var zero T
		return zero, corba.BAD_INV_ORDER(0, corba.CompletionStatusNo)
	}
	limit := w.writerDeadline
	if ed != nil && ed.Deadline() < limit {
		limit = ed.Deadline()
	}
	w.mu.Unlock()

	if err := w.ready.Wait(ed, limit); err != nil {
		var zero T
		return zero, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == refFailed {
		var zero T
		return zero, w.err
	}
	return w.val, nil
}

// GetOrInit returns the published value, or runs construct exactly once
// under the writer discipline when the ref is unconstructed. Racing
// callers observe the winner's outcome.
func (w *WaitableRef[T]) GetOrInit(ed *ExecDomain, deadline Deadline, construct func() (T, error)) (T, error) {
	if c, ok := w.Initialize(ed, deadline); ok {
		v, err := construct()
		if err != nil {
			c.Fail(err)
			var zero T
			return zero, err
		}
		c.Finish(v)
		return v, nil
	}
	return w.Get(ed)
}

package core

import (
	"sync"
	"time"

	"github.com/auriga-os/nucleus/corba"
)

// Event is a broadcast gate. Signal releases every waiter and leaves the
// event set until Reset. Execution domains wait through their suspension
// machinery so the worker slot is released; plain goroutines wait on a
// channel.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
	eds []*ExecDomain
}

// NewEvent creates an unset event
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// IsSet reports whether the event is signalled
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Signal sets the event and wakes all waiters
func (e *Event) Signal() {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return
	}
	e.set = true
	close(e.ch)
	eds := e.eds
	e.eds = nil
	e.mu.Unlock()
	for _, ed := range eds {
		ed.Resume(nil)
	}
}

// Reset clears the event
func (e *Event) Reset() {
	e.mu.Lock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
	e.mu.Unlock()
}

// Wait blocks until the event is set or limit expires. ed may be nil for
// callers that are not execution domains.
func (e *Event) Wait(ed *ExecDomain, limit Deadline) error {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return nil
	}
	if ed == nil {
		ch := e.ch
		e.mu.Unlock()
		if limit == InfiniteDeadline {
			<-ch
			return nil
		}
		rem := limit.Remaining()
		if rem < 0 {
			rem = 0
		}
		timer := time.NewTimer(rem)
		defer timer.Stop()
		select {
		case <-ch:
			return nil
		case <-timer.C:
			return corba.TIMEOUT(0, corba.CompletionStatusNo)
		}
	}
	tk := ed.PrepareSuspend()
	e.eds = append(e.eds, ed)
	e.mu.Unlock()

	if err := ed.WaitSuspend(tk, limit); err != nil {
		e.mu.Lock()
		for i, w := range e.eds {
			if w == ed {
				e.eds = append(e.eds[:i], e.eds[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

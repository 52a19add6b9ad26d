package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/auriga-os/nucleus/corba"
)

// Runnable is a unit of work executed on an execution domain
type Runnable interface {
	Run(ed *ExecDomain)
}

// RunnableFunc adapts a function to the Runnable interface
type RunnableFunc func(ed *ExecDomain)

// Run implements Runnable
func (f RunnableFunc) Run(ed *ExecDomain) { f(ed) }

// CrashHandler receives the system exception synthesized from a fault
// inside a runnable. Runnables servicing a request route it to the request;
// others leave it to the scheduler log.
type CrashHandler interface {
	OnCrash(ex *corba.SystemException)
}

// ShutdownState is the process-wide shutdown state machine
type ShutdownState int32

const (
	StateRunning ShutdownState = iota
	StateShutdownPlanned
	StateShutdownStarted
	StateTerminate
	StateShutdownFinish
)

// String returns the state name
func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateShutdownPlanned:
		return "SHUTDOWN_PLANNED"
	case StateShutdownStarted:
		return "SHUTDOWN_STARTED"
	case StateTerminate:
		return "TERMINATE"
	case StateShutdownFinish:
		return "SHUTDOWN_FINISH"
	}
	return fmt.Sprintf("ShutdownState(%d)", int32(s))
}

// ShutdownFlags modify shutdown behavior
type ShutdownFlags uint32

// ShutdownForced bypasses SHUTDOWN_PLANNED and does not wait for in-flight
// activities to drain.
const ShutdownForced ShutdownFlags = 1

// Config holds scheduler tuning
type Config struct {
	// Workers bounds the number of execution domains running in parallel
	Workers int
}

// DefaultConfig returns the default scheduler tuning
func DefaultConfig() Config {
	return Config{Workers: 4}
}

type readyEntry struct {
	deadline Deadline
	seq      uint64
	ed       *ExecDomain
}

func readyLess(a, b readyEntry) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

// Scheduler multiplexes execution domains over a bounded worker pool using
// earliest-deadline-first admission. Cooperation is enforced at sync-context
// entries and at every suspension point; there is no preemption.
type Scheduler struct {
	cfg Config
	log *zap.Logger

	seq atomic.Uint64

	mu      sync.Mutex
	ready   *btree.BTreeG[readyEntry]
	running int

	state      atomic.Int32
	activities atomic.Int64
	quiescent  *Event

	free      *FreeContext
	stageHook func(ShutdownState)
}

// NewScheduler creates a scheduler with the given tuning
func NewScheduler(cfg Config, log *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		cfg:       cfg,
		log:       log,
		ready:     btree.NewBTreeG(readyLess),
		quiescent: NewEvent(),
	}
	s.free = &FreeContext{mem: NewMemContext("shared")}
	s.quiescent.Signal() // no activities yet
	return s
}

// FreeContext returns the process-wide free (parallel) sync context
func (s *Scheduler) FreeContext() *FreeContext {
	return s.free
}

// State returns the current shutdown state
func (s *Scheduler) State() ShutdownState {
	return ShutdownState(s.state.Load())
}

// OnShutdownStage registers the hook invoked on each shutdown transition.
// Must be set before Shutdown is called.
func (s *Scheduler) OnShutdownStage(hook func(ShutdownState)) {
	s.stageHook = hook
}

// ActivityBegin registers a logical activity for shutdown quiescence
func (s *Scheduler) ActivityBegin() {
	if s.activities.Add(1) == 1 {
		s.quiescent.Reset()
	}
}

// ActivityEnd releases a logical activity
func (s *Scheduler) ActivityEnd() {
	n := s.activities.Add(-1)
	if n < 0 {
		panic("core: activity counter underflow")
	}
	if n == 0 {
		s.quiescent.Signal()
	}
}

// Activities returns the current activity count
func (s *Scheduler) Activities() int64 {
	return s.activities.Load()
}

// Schedule creates an execution domain for r and queues it by deadline.
// The runnable starts inside sc (nil means the free context) with mem as
// its memory context. During shutdown, newly scheduled work is refused
// once services have begun unwinding.
func (s *Scheduler) Schedule(r Runnable, sc SyncContext, mem *MemContext, deadline Deadline) (*ExecDomain, error) {
	if s.State() >= StateShutdownStarted {
		return nil, corba.TRANSIENT(corba.MinorShutdown, corba.CompletionStatusNo)
	}
	if mem == nil {
		mem = s.free.mem
	}
	ed := newExecDomain(s, deadline, SecurityContext{}, mem)
	s.ActivityBegin()
	go s.run(ed, r, sc)
	return ed, nil
}

func (s *Scheduler) run(ed *ExecDomain, r Runnable, sc SyncContext) {
	defer s.ActivityEnd()
	s.acquireSlot(ed)
	defer s.releaseSlot()

	defer func() {
		if p := recover(); p != nil {
			ex := corba.ToSystemException(p)
			if h, ok := r.(CrashHandler); ok {
				h.OnCrash(ex)
				return
			}
			s.log.Error("runnable crashed", zap.Error(ex))
		}
	}()

	if sc != nil && sc != SyncContext(s.free) {
		frame, err := ed.EnterContext(sc)
		if err != nil {
			if h, ok := r.(CrashHandler); ok {
				h.OnCrash(corba.ToSystemException(err))
			} else {
				s.log.Warn("sync context entry failed", zap.Error(err))
			}
			return
		}
		defer frame.Leave()
	}
	r.Run(ed)
}

// acquireSlot blocks until the ED is granted one of the worker slots,
// competing by deadline.
func (s *Scheduler) acquireSlot(ed *ExecDomain) {
	s.mu.Lock()
	if s.running < s.cfg.Workers {
		s.running++
		s.mu.Unlock()
		return
	}
	s.ready.Set(readyEntry{deadline: ed.Deadline(), seq: ed.seq, ed: ed})
	s.mu.Unlock()
	<-ed.grant
}

// releaseSlot hands the slot to the earliest-deadline ready ED, if any
func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	if next, ok := s.ready.PopMin(); ok {
		s.mu.Unlock()
		next.ed.grant <- struct{}{}
		return
	}
	s.running--
	s.mu.Unlock()
}

// WaitIdle blocks until the activity counter reaches zero or limit expires
func (s *Scheduler) WaitIdle(limit Deadline) error {
	return s.quiescent.Wait(nil, limit)
}

// Shutdown drives the process shutdown state machine. Without
// ShutdownForced it moves to SHUTDOWN_PLANNED first and lets in-flight
// activities drain before unwinding; forced shutdown skips the planning
// stage. Each transition is a CAS so concurrent shutdowns collapse into
// one.
func (s *Scheduler) Shutdown(flags ShutdownFlags) {
	forced := flags&ShutdownForced != 0
	if !forced {
		if s.state.CompareAndSwap(int32(StateRunning), int32(StateShutdownPlanned)) {
			s.fireStage(StateShutdownPlanned)
			if err := s.quiescent.Wait(nil, InfiniteDeadline); err != nil {
				s.log.Warn("quiescence wait interrupted", zap.Error(err))
			}
		}
	}
	for _, step := range []struct{ from, to ShutdownState }{
		{StateRunning, StateShutdownStarted},
		{StateShutdownPlanned, StateShutdownStarted},
		{StateShutdownStarted, StateTerminate},
		{StateTerminate, StateShutdownFinish},
	} {
		if s.state.CompareAndSwap(int32(step.from), int32(step.to)) {
			s.fireStage(step.to)
		}
	}
}

func (s *Scheduler) fireStage(st ShutdownState) {
	s.log.Info("shutdown stage", zap.Stringer("state", st))
	if s.stageHook != nil {
		s.stageHook(st)
	}
}

package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auriga-os/nucleus/corba"
)

func TestSchedulerRunsRunnable(t *testing.T) {
	s := NewScheduler(Config{Workers: 2}, nil)
	done := make(chan struct{})
	_, err := s.Schedule(RunnableFunc(func(ed *ExecDomain) {
		close(done)
	}), nil, nil, DeadlineIn(time.Second))
	require.NoError(t, err)
	<-done
	require.NoError(t, s.WaitIdle(DeadlineIn(time.Second)))
}

func TestSchedulerEDFOrder(t *testing.T) {
	s := NewScheduler(Config{Workers: 1}, nil)

	var mu sync.Mutex
	var order []string
	block := make(chan struct{})
	started := make(chan struct{})

	_, err := s.Schedule(RunnableFunc(func(ed *ExecDomain) {
		close(started)
		<-block
	}), nil, nil, DeadlineIn(time.Millisecond))
	require.NoError(t, err)
	<-started

	// Both queue behind the blocked worker; the earlier deadline must run
	// first once the slot frees.
	ready := make(chan struct{}, 2)
	record := func(name string) RunnableFunc {
		return func(ed *ExecDomain) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			ready <- struct{}{}
		}
	}
	_, err = s.Schedule(record("late"), nil, nil, DeadlineIn(200*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // let "late" reach the ready queue
	_, err = s.Schedule(record("early"), nil, nil, DeadlineIn(50*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	close(block)
	<-ready
	<-ready

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"early", "late"}, order)
}

func TestSchedulerActivityQuiescence(t *testing.T) {
	s := NewScheduler(Config{Workers: 2}, nil)
	s.ActivityBegin()
	err := s.WaitIdle(DeadlineIn(10 * time.Millisecond))
	require.Error(t, err, "activity outstanding, must not be idle")
	s.ActivityEnd()
	require.NoError(t, s.WaitIdle(DeadlineIn(time.Second)))
}

func TestSchedulerShutdownStates(t *testing.T) {
	s := NewScheduler(Config{Workers: 2}, nil)
	var mu sync.Mutex
	var stages []ShutdownState
	s.OnShutdownStage(func(st ShutdownState) {
		mu.Lock()
		stages = append(stages, st)
		mu.Unlock()
	})

	s.Shutdown(0)
	assert.Equal(t, StateShutdownFinish, s.State())
	mu.Lock()
	assert.Equal(t, []ShutdownState{
		StateShutdownPlanned, StateShutdownStarted, StateTerminate, StateShutdownFinish,
	}, stages)
	mu.Unlock()

	// Idempotent.
	s.Shutdown(0)
	assert.Equal(t, StateShutdownFinish, s.State())
}

func TestSchedulerForcedShutdownSkipsPlanned(t *testing.T) {
	s := NewScheduler(Config{Workers: 2}, nil)
	var mu sync.Mutex
	var stages []ShutdownState
	s.OnShutdownStage(func(st ShutdownState) {
		mu.Lock()
		stages = append(stages, st)
		mu.Unlock()
	})
	s.Shutdown(ShutdownForced)
	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, stages, StateShutdownPlanned)
	assert.Equal(t, StateShutdownFinish, s.State())
}

func TestSchedulerRefusesWorkAfterShutdown(t *testing.T) {
	s := NewScheduler(Config{Workers: 2}, nil)
	s.Shutdown(ShutdownForced)
	_, err := s.Schedule(RunnableFunc(func(ed *ExecDomain) {}), nil, nil, InfiniteDeadline)
	require.Error(t, err)
}

type crashReporter struct {
	got chan string
}

func (c *crashReporter) Run(ed *ExecDomain) {
	panic("deliberate")
}

func (c *crashReporter) OnCrash(ex *corba.SystemException) {
	c.got <- ex.Name()
}

func TestSchedulerCrashConversion(t *testing.T) {
	s := NewScheduler(Config{Workers: 1}, nil)
	got := make(chan string, 1)
	_, err := s.Schedule(&crashReporter{got: got}, nil, nil, DeadlineIn(time.Second))
	require.NoError(t, err)
	name := <-got
	assert.Equal(t, "UNKNOWN", name)
}
